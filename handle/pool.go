package handle

import "iter"

// Pool is a dense slot array with a free-list of reclaimed indices.
//
// Push prefers reusing a freed index before growing, keeping the backing
// arrays compact. Lookups validate the handle generation against the slot's
// current generation; that check is the entire safety mechanism.
type Pool[T any] struct {
	payloads    []T
	occupied    []bool
	generations []uint32
	free        []uint32
	live        int
}

// NewPool creates an empty pool with room for capacity slots.
func NewPool[T any](capacity int) *Pool[T] {
	return &Pool[T]{
		payloads:    make([]T, 0, capacity),
		occupied:    make([]bool, 0, capacity),
		generations: make([]uint32, 0, capacity),
	}
}

// Push stores v and returns its handle.
// It panics with ErrExhausted when the index space is used up.
func (p *Pool[T]) Push(v T) Handle[T] {
	if n := len(p.free); n > 0 {
		index := p.free[n-1]
		p.free = p.free[:n-1]
		p.payloads[index] = v
		p.occupied[index] = true
		p.live++
		return newHandle[T](index, p.generations[index])
	}

	index := len(p.payloads)
	if index >= MaxSlots {
		panic(ErrExhausted)
	}
	p.payloads = append(p.payloads, v)
	p.occupied = append(p.occupied, true)
	p.generations = append(p.generations, 0)
	p.live++
	return newHandle[T](uint32(index), 0)
}

func (p *Pool[T]) resolve(h Handle[T]) (uint32, bool) {
	if !h.IsValid() {
		return 0, false
	}
	index := h.Index()
	if int(index) >= len(p.payloads) || !p.occupied[index] || p.generations[index] != h.Generation() {
		return 0, false
	}
	return index, true
}

// Get returns a pointer to the payload for h. The pointer is valid until the
// next Push, which may grow the backing array.
func (p *Pool[T]) Get(h Handle[T]) (*T, bool) {
	index, ok := p.resolve(h)
	if !ok {
		return nil, false
	}
	return &p.payloads[index], true
}

// Contains reports whether h refers to a live slot.
func (p *Pool[T]) Contains(h Handle[T]) bool {
	_, ok := p.resolve(h)
	return ok
}

// Replace swaps the payload for h and returns the previous value.
func (p *Pool[T]) Replace(h Handle[T], v T) (T, bool) {
	index, ok := p.resolve(h)
	if !ok {
		var zero T
		return zero, false
	}
	old := p.payloads[index]
	p.payloads[index] = v
	return old, true
}

// Remove frees the slot for h and returns its payload. The slot generation is
// bumped so h and every copy of it stop resolving.
func (p *Pool[T]) Remove(h Handle[T]) (T, bool) {
	var zero T
	index, ok := p.resolve(h)
	if !ok {
		return zero, false
	}
	old := p.payloads[index]
	p.payloads[index] = zero
	p.occupied[index] = false
	p.generations[index] = (p.generations[index] + 1) & generationMask
	p.free = append(p.free, index)
	p.live--
	return old, true
}

// Len returns the number of live entries.
func (p *Pool[T]) Len() int {
	return p.live
}

// Cap returns the number of slots, live or free.
func (p *Pool[T]) Cap() int {
	return len(p.payloads)
}

// All yields live entries in index order, skipping free slots.
func (p *Pool[T]) All() iter.Seq2[Handle[T], *T] {
	return func(yield func(Handle[T], *T) bool) {
		for i := range p.payloads {
			if !p.occupied[i] {
				continue
			}
			if !yield(newHandle[T](uint32(i), p.generations[i]), &p.payloads[i]) {
				return
			}
		}
	}
}

// ForEachMut calls fn for every live entry in index order.
func (p *Pool[T]) ForEachMut(fn func(Handle[T], *T)) {
	for h, v := range p.All() {
		fn(h, v)
	}
}

// Drain removes every live entry and returns the payloads in index order.
func (p *Pool[T]) Drain() []T {
	out := make([]T, 0, p.live)
	for i := range p.payloads {
		if !p.occupied[i] {
			continue
		}
		out = append(out, p.payloads[i])
		p.Remove(newHandle[T](uint32(i), p.generations[i]))
	}
	return out
}

// Clear removes every live entry, discarding the payloads.
func (p *Pool[T]) Clear() {
	p.Drain()
}

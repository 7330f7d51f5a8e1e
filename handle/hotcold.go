package handle

import "iter"

// HotColdPool stores two payloads per slot under one handle namespace.
// The hot side holds a small frequently read value, typically a raw GPU
// object ID. The cold side holds the larger descriptor record.
//
// Both sides are pushed and removed together, so they always share index
// and generation.
type HotColdPool[H, C any] struct {
	hot  Pool[H]
	cold Pool[C]
}

// NewHotColdPool creates an empty pool with room for capacity slots.
func NewHotColdPool[H, C any](capacity int) *HotColdPool[H, C] {
	return &HotColdPool[H, C]{
		hot:  *NewPool[H](capacity),
		cold: *NewPool[C](capacity),
	}
}

func coldHandle[H, C any](h Handle[H]) Handle[C] {
	return FromRaw[C](h.Raw())
}

// Push stores a hot/cold pair and returns the shared handle.
func (p *HotColdPool[H, C]) Push(hot H, cold C) Handle[H] {
	h := p.hot.Push(hot)
	c := p.cold.Push(cold)
	if h.Raw() != c.Raw() {
		panic("handle: hot and cold pools diverged")
	}
	return h
}

// GetHot returns the hot payload for h.
func (p *HotColdPool[H, C]) GetHot(h Handle[H]) (*H, bool) {
	return p.hot.Get(h)
}

// GetCold returns the cold payload for h.
func (p *HotColdPool[H, C]) GetCold(h Handle[H]) (*C, bool) {
	return p.cold.Get(coldHandle[H, C](h))
}

// Get returns both payloads for h.
func (p *HotColdPool[H, C]) Get(h Handle[H]) (*H, *C, bool) {
	hot, ok := p.hot.Get(h)
	if !ok {
		return nil, nil, false
	}
	cold, _ := p.cold.Get(coldHandle[H, C](h))
	return hot, cold, true
}

// Contains reports whether h refers to a live slot.
func (p *HotColdPool[H, C]) Contains(h Handle[H]) bool {
	return p.hot.Contains(h)
}

// ReplaceHot swaps the hot payload and returns the previous one.
func (p *HotColdPool[H, C]) ReplaceHot(h Handle[H], hot H) (H, bool) {
	return p.hot.Replace(h, hot)
}

// ReplaceCold swaps the cold payload and returns the previous one.
func (p *HotColdPool[H, C]) ReplaceCold(h Handle[H], cold C) (C, bool) {
	return p.cold.Replace(coldHandle[H, C](h), cold)
}

// Replace swaps both payloads and returns the previous pair.
func (p *HotColdPool[H, C]) Replace(h Handle[H], hot H, cold C) (H, C, bool) {
	oldHot, ok := p.hot.Replace(h, hot)
	if !ok {
		var zero C
		return oldHot, zero, false
	}
	oldCold, _ := p.cold.Replace(coldHandle[H, C](h), cold)
	return oldHot, oldCold, true
}

// Remove frees the slot on both sides and returns the payloads.
func (p *HotColdPool[H, C]) Remove(h Handle[H]) (H, C, bool) {
	hot, ok := p.hot.Remove(h)
	if !ok {
		var zero C
		return hot, zero, false
	}
	cold, _ := p.cold.Remove(coldHandle[H, C](h))
	return hot, cold, true
}

// Len returns the number of live entries.
func (p *HotColdPool[H, C]) Len() int {
	return p.hot.Len()
}

// All yields live entries in index order.
func (p *HotColdPool[H, C]) All() iter.Seq2[Handle[H], *C] {
	return func(yield func(Handle[H], *C) bool) {
		for h := range p.hot.All() {
			cold, _ := p.cold.Get(coldHandle[H, C](h))
			if !yield(h, cold) {
				return
			}
		}
	}
}

// Pair is a hot/cold payload pair returned by Drain.
type Pair[H, C any] struct {
	Hot  H
	Cold C
}

// Drain removes every live entry and returns the pairs in index order.
func (p *HotColdPool[H, C]) Drain() []Pair[H, C] {
	hot := p.hot.Drain()
	cold := p.cold.Drain()
	out := make([]Pair[H, C], len(hot))
	for i := range hot {
		out[i] = Pair[H, C]{Hot: hot[i], Cold: cold[i]}
	}
	return out
}

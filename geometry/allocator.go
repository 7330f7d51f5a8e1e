package geometry

import (
	"cmp"
	"slices"
)

// extent is one run of the dynamic allocator's address space.
type extent struct {
	offset uint64
	size   uint64
	used   bool
}

// dynamic is a first-fit allocator over [0, size). Extents stay sorted by
// offset and cover the whole space; neighbouring free extents are merged
// on free.
type dynamic struct {
	granularity uint64
	extents     []extent
}

func newDynamic(size, granularity uint64) *dynamic {
	exts := make([]extent, 1, 64)
	exts[0] = extent{offset: 0, size: size}
	return &dynamic{granularity: granularity, extents: exts}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

// allocate reserves size bytes rounded up to the granularity and returns
// the offset of the reservation.
func (d *dynamic) allocate(size uint64) (uint64, bool) {
	n := alignUp(size, d.granularity)
	for i, e := range d.extents {
		if e.used || e.size < n {
			continue
		}
		if e.size == n {
			d.extents[i].used = true
			return e.offset, true
		}
		d.extents[i] = extent{offset: e.offset, size: n, used: true}
		d.extents = slices.Insert(d.extents, i+1, extent{offset: e.offset + n, size: e.size - n})
		return e.offset, true
	}
	return 0, false
}

// free releases the reservation starting at offset and returns its size.
// It reports false when offset does not start a used extent.
func (d *dynamic) free(offset uint64) (uint64, bool) {
	i, found := slices.BinarySearchFunc(d.extents, offset, func(e extent, off uint64) int {
		return cmp.Compare(e.offset, off)
	})
	if !found || !d.extents[i].used {
		return 0, false
	}
	size := d.extents[i].size
	d.extents[i].used = false
	if i+1 < len(d.extents) && !d.extents[i+1].used {
		d.extents[i].size += d.extents[i+1].size
		d.extents = slices.Delete(d.extents, i+1, i+2)
	}
	if i > 0 && !d.extents[i-1].used {
		d.extents[i-1].size += d.extents[i].size
		d.extents = slices.Delete(d.extents, i, i+1)
	}
	return size, true
}

// largestFree returns the size of the largest free extent.
func (d *dynamic) largestFree() uint64 {
	var n uint64
	for _, e := range d.extents {
		if !e.used {
			n = max(n, e.size)
		}
	}
	return n
}

// chunk splits one dynamic reservation into equal slots.
type chunk struct {
	base  uint64
	slot  uint64
	class int
	free  []uint32
	inUse []bool
}

func newChunk(base, size, slot uint64, class int) *chunk {
	count := uint32(size / slot)
	free := make([]uint32, count)
	for i := range free {
		// Popped from the back, so slot 0 goes first.
		free[i] = count - 1 - uint32(i)
	}
	return &chunk{base: base, slot: slot, class: class, free: free, inUse: make([]bool, count)}
}

func (c *chunk) allocate() (uint64, bool) {
	if len(c.free) == 0 {
		return 0, false
	}
	i := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	c.inUse[i] = true
	return c.base + uint64(i)*c.slot, true
}

func (c *chunk) contains(offset uint64) bool {
	return offset >= c.base && offset < c.base+uint64(len(c.inUse))*c.slot
}

func (c *chunk) release(offset uint64) bool {
	rel := offset - c.base
	if rel%c.slot != 0 {
		return false
	}
	i := uint32(rel / c.slot)
	if !c.inUse[i] {
		return false
	}
	c.inUse[i] = false
	c.free = append(c.free, i)
	return true
}

func (c *chunk) empty() bool {
	return len(c.free) == len(c.inUse)
}

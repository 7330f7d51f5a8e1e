package staging

// bump is a linear allocator over one page. It is reset as a whole once the
// page's previous submission has completed.
type bump struct {
	size   uint64
	cursor uint64
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// allocate reserves n bytes at an offset aligned to align.
func (b *bump) allocate(n, align uint64) (uint64, bool) {
	start := alignUp(b.cursor, align)
	if start > b.size || n > b.size-start {
		return 0, false
	}
	b.cursor = start + n
	return start, true
}

// available returns how many bytes an allocation aligned to align can take.
func (b *bump) available(align uint64) uint64 {
	start := alignUp(b.cursor, align)
	if start >= b.size {
		return 0
	}
	return b.size - start
}

func (b *bump) used() uint64 {
	return b.cursor
}

func (b *bump) reset() {
	b.cursor = 0
}

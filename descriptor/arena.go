package descriptor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/framecore/gpucore"
)

const (
	// DefaultArenaSize is the default size of the uniform arena.
	DefaultArenaSize = 16 << 20

	// UniformAlignment is the offset alignment of every uniform range.
	UniformAlignment = 256
)

// ErrArenaFull is returned when the uniform arena has no room for a range.
// Ranges come back once their frame's drop list is purged.
var ErrArenaFull = errors.New("descriptor: uniform arena full")

type arenaRange struct {
	offset   uint64
	size     uint64
	released bool
}

type span struct {
	offset uint64
	size   uint64
}

// Arena is a ring allocator over one uniform buffer. Ranges are released in
// any order; the ring tail only advances past released ranges, so space is
// reclaimed in allocation order. Writes are mirrored on the host and
// uploaded by Commit.
type Arena struct {
	mu     sync.Mutex
	buffer gpucore.BufferID
	size   uint64
	host   []byte

	head    uint64
	ranges  []arenaRange
	pending []span
}

// NewArena creates the arena's uniform buffer.
func NewArena(device gpucore.Device, size uint64) (*Arena, error) {
	if size == 0 {
		size = DefaultArenaSize
	}
	size = alignUp(size, UniformAlignment)
	buffer, err := device.CreateBuffer(&gpucore.BufferDesc{
		Label: "uniform arena",
		Size:  size,
		Usage: gpucore.BufferUsageUniform | gpucore.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("descriptor: create uniform arena: %w", err)
	}
	return &Arena{buffer: buffer, size: size, host: make([]byte, size)}, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

// Buffer returns the arena's uniform buffer.
func (a *Arena) Buffer() gpucore.BufferID {
	return a.buffer
}

// Push copies data into a fresh range and returns its offset and the
// aligned size reserved for it.
func (a *Arena) Push(data []byte) (offset, size uint64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size = alignUp(max(uint64(len(data)), 1), UniformAlignment)
	offset, ok := a.allocate(size)
	if !ok {
		return 0, 0, ErrArenaFull
	}
	copy(a.host[offset:], data)
	a.ranges = append(a.ranges, arenaRange{offset: offset, size: size})
	a.pending = append(a.pending, span{offset: offset, size: uint64(len(data))})
	return offset, size, nil
}

func (a *Arena) allocate(n uint64) (uint64, bool) {
	if n > a.size {
		return 0, false
	}
	if len(a.ranges) == 0 {
		a.head = n
		return 0, true
	}
	tail := a.ranges[0].offset
	var at uint64
	switch {
	case a.head > tail && a.head+n <= a.size:
		at = a.head
	case a.head > tail && n <= tail:
		at = 0
	case a.head < tail && a.head+n <= tail:
		at = a.head
	default:
		return 0, false
	}
	a.head = at + n
	return at, true
}

// Release returns a range to the arena. It implements droplist.Releaser.
func (a *Arena) Release(offset, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.ranges {
		if a.ranges[i].offset == offset && a.ranges[i].size == size && !a.ranges[i].released {
			a.ranges[i].released = true
			break
		}
	}
	n := 0
	for n < len(a.ranges) && a.ranges[n].released {
		n++
	}
	a.ranges = a.ranges[n:]
	if len(a.ranges) == 0 {
		a.head = 0
	}
}

// Used returns the number of bytes held by live ranges.
func (a *Arena) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n uint64
	for _, r := range a.ranges {
		if !r.released {
			n += r.size
		}
	}
	return n
}

// Commit writes every range pushed since the last commit to the GPU buffer.
// Adjacent ranges are merged into one write.
func (a *Arena) Commit(device gpucore.Device) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return nil
	}

	cur := a.pending[0]
	for _, s := range a.pending[1:] {
		if alignUp(cur.offset+cur.size, UniformAlignment) == s.offset {
			cur.size = s.offset + s.size - cur.offset
			continue
		}
		if err := a.write(device, cur); err != nil {
			return err
		}
		cur = s
	}
	if err := a.write(device, cur); err != nil {
		return err
	}
	a.pending = a.pending[:0]
	return nil
}

func (a *Arena) write(device gpucore.Device, s span) error {
	if s.size == 0 {
		return nil
	}
	// WriteBuffer sizes must stay 4-byte aligned.
	end := min(alignUp(s.offset+s.size, 4), a.size)
	if err := device.WriteBuffer(a.buffer, s.offset, a.host[s.offset:end]); err != nil {
		return fmt.Errorf("descriptor: commit uniforms at %d: %w", s.offset, err)
	}
	return nil
}

func (a *Arena) destroy(device gpucore.Device) {
	if a.buffer != gpucore.InvalidID {
		device.DestroyBuffer(a.buffer)
		a.buffer = gpucore.InvalidID
	}
}

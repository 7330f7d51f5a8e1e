// Package geometry sub-allocates vertex and index ranges from one shared
// GPU buffer.
//
// Small ranges come from fixed-size slots. Each size class is a power of
// two multiple of Alignment, and slots are carved out of ChunkSize chunks.
// Ranges above the largest class, and the chunks themselves, come from a
// first-fit allocator over the whole buffer, which also takes small ranges
// when no chunk can be carved. Every range starts on an
// Alignment boundary, so a range can also be bound as a uniform block.
//
// Data reaches a range through the staging ring. Freed ranges go onto a
// frame's drop list and return to the allocator only when the list is
// purged, after the GPU is done with the frame that may still read them.
package geometry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/framecore/droplist"
	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/internal/logging"
)

const (
	// DefaultSize is the default size of the shared buffer.
	DefaultSize = 64 << 20

	// Alignment is the offset alignment of every range.
	Alignment = 256

	// ChunkSize is the size of the chunk a size class carves its slots from.
	ChunkSize = 256 << 10

	// SizeClasses is the number of slot sizes, Alignment << 0 through
	// Alignment << (SizeClasses-1).
	SizeClasses = 8

	// MaxSlotSize is the largest range served from a slot.
	MaxSlotSize = Alignment << (SizeClasses - 1)

	copyAlignment = 4
)

// Geometry errors.
var (
	// ErrInvalidSize is returned for a zero size or one larger than the buffer.
	ErrInvalidSize = errors.New("geometry: invalid range size")

	// ErrOutOfMemory is returned when no free space fits the request.
	// Space comes back once freed ranges are purged.
	ErrOutOfMemory = errors.New("geometry: out of memory")

	// ErrInvalidRange is returned for a range that is not live in this buffer.
	ErrInvalidRange = errors.New("geometry: range not allocated")

	// ErrClosed is returned by operations on a closed buffer.
	ErrClosed = errors.New("geometry: buffer closed")
)

// Uploader stages bytes for a GPU buffer. *staging.Ring implements it.
type Uploader interface {
	Upload(target gpucore.BufferID, offset uint64, data []byte) error
}

// Range is a byte range of the shared buffer. Size is the requested size;
// the reservation behind it may be larger.
type Range struct {
	Offset uint64
	Size   uint64
}

// End returns the offset one past the last byte of r.
func (r Range) End() uint64 {
	return r.Offset + r.Size
}

// Config configures a Buffer. Zero fields take defaults.
type Config struct {
	Size  uint64
	Label string
}

// Stats reports buffer usage.
type Stats struct {
	Size        uint64
	Reserved    uint64
	Ranges      int
	Retiring    int
	Chunks      int
	LargestFree uint64
}

// Buffer owns the shared geometry buffer and its allocators. It is safe
// for concurrent use.
type Buffer struct {
	mu     sync.Mutex
	device gpucore.Device
	up     Uploader
	buffer gpucore.BufferID
	size   uint64

	dyn    *dynamic
	chunks []*chunk // sorted by base

	// live maps the offset of every allocated range to its size. A freed
	// range leaves live at Free and rejoins the allocator at Release.
	live     map[uint64]uint64
	retiring map[uint64]uint64
	reserved uint64
	closed   bool
}

var _ droplist.Releaser = (*Buffer)(nil)

// New creates the shared buffer on device. Uploads go through up.
func New(device gpucore.Device, up Uploader, cfg Config) (*Buffer, error) {
	size := cfg.Size
	if size == 0 {
		size = DefaultSize
	}
	size = alignUp(size, Alignment)
	label := cfg.Label
	if label == "" {
		label = "geometry"
	}
	id, err := device.CreateBuffer(&gpucore.BufferDesc{
		Label: label,
		Size:  size,
		Usage: gpucore.BufferUsageVertex | gpucore.BufferUsageIndex |
			gpucore.BufferUsageUniform | gpucore.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("geometry: create buffer: %w", err)
	}
	logging.Logger().Debug("geometry: buffer created", "size", size)
	return &Buffer{
		device:   device,
		up:       up,
		buffer:   id,
		size:     size,
		dyn:      newDynamic(size, Alignment),
		live:     make(map[uint64]uint64),
		retiring: make(map[uint64]uint64),
	}, nil
}

// Buffer returns the shared GPU buffer.
func (b *Buffer) Buffer() gpucore.BufferID {
	return b.buffer
}

// Size returns the size of the shared buffer.
func (b *Buffer) Size() uint64 {
	return b.size
}

// classFor returns the smallest size class holding size, or -1 when size
// is served by the dynamic allocator.
func classFor(size uint64) int {
	for c := range SizeClasses {
		if size <= Alignment<<c {
			return c
		}
	}
	return -1
}

// Allocate reserves a range of size bytes.
func (b *Buffer) Allocate(size uint64) (Range, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Range{}, ErrClosed
	}
	if size == 0 || size > b.size {
		return Range{}, fmt.Errorf("%w: %d bytes in a %d byte buffer", ErrInvalidSize, size, b.size)
	}

	var (
		offset   uint64
		reserved uint64
		ok       bool
	)
	if c := classFor(size); c >= 0 {
		offset, ok = b.allocateSlot(c)
		reserved = Alignment << c
	}
	if !ok {
		// Large ranges, and small ones when no chunk can be carved.
		offset, ok = b.dyn.allocate(size)
		reserved = alignUp(size, Alignment)
	}
	if !ok {
		return Range{}, fmt.Errorf("%w: %d bytes, largest free %d", ErrOutOfMemory, size, b.dyn.largestFree())
	}
	b.live[offset] = size
	b.reserved += reserved
	return Range{Offset: offset, Size: size}, nil
}

func (b *Buffer) allocateSlot(class int) (uint64, bool) {
	for _, c := range b.chunks {
		if c.class != class {
			continue
		}
		if off, ok := c.allocate(); ok {
			return off, true
		}
	}
	base, ok := b.dyn.allocate(ChunkSize)
	if !ok {
		return 0, false
	}
	c := newChunk(base, ChunkSize, Alignment<<class, class)
	i, _ := slices.BinarySearchFunc(b.chunks, base, func(c *chunk, base uint64) int {
		return cmp.Compare(c.base, base)
	})
	b.chunks = slices.Insert(b.chunks, i, c)
	logging.Logger().Debug("geometry: chunk carved", "base", base, "slot", c.slot)
	return c.allocate()
}

// chunkAt returns the index of the chunk holding offset.
func (b *Buffer) chunkAt(offset uint64) (int, bool) {
	i, found := slices.BinarySearchFunc(b.chunks, offset, func(c *chunk, off uint64) int {
		return cmp.Compare(c.base, off)
	})
	if !found {
		i--
	}
	if i < 0 || !b.chunks[i].contains(offset) {
		return 0, false
	}
	return i, true
}

// Upload stages data for r at byte at within the range. at must be a
// multiple of 4; data is zero padded to a multiple of 4 inside the
// reservation. The copy reaches the GPU with the uploader's next flush.
func (b *Buffer) Upload(r Range, at uint64, data []byte) error {
	b.mu.Lock()
	size, ok := b.live[r.Offset]
	closed := b.closed
	b.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case !ok || size != r.Size:
		return fmt.Errorf("%w: %d+%d", ErrInvalidRange, r.Offset, r.Size)
	case at+uint64(len(data)) > r.Size:
		return fmt.Errorf("geometry: upload of %d bytes at %d overflows range of %d", len(data), at, r.Size)
	case len(data) == 0:
		return nil
	}
	if pad := len(data) % copyAlignment; pad != 0 {
		padded := make([]byte, len(data)+copyAlignment-pad)
		copy(padded, data)
		data = padded
	}
	if err := b.up.Upload(b.buffer, r.Offset+at, data); err != nil {
		return fmt.Errorf("geometry: upload to %d: %w", r.Offset, err)
	}
	return nil
}

// Free retires r onto drop. Its space is reused only after drop is purged.
func (b *Buffer) Free(r Range, drop *droplist.List) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	size, ok := b.live[r.Offset]
	if !ok || size != r.Size {
		return fmt.Errorf("%w: %d+%d", ErrInvalidRange, r.Offset, r.Size)
	}
	delete(b.live, r.Offset)
	b.retiring[r.Offset] = size
	drop.PushGeometryRange(r.Offset, r.Size)
	return nil
}

// Release returns a retired range to the allocator. It implements
// droplist.Releaser; ranges it does not know are logged and ignored.
func (b *Buffer) Release(offset, size uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if got, ok := b.retiring[offset]; !ok || got != size {
		logging.Logger().Warn("geometry: release of unknown range", "offset", offset, "size", size)
		return
	}
	delete(b.retiring, offset)
	if b.closed {
		return
	}

	if i, ok := b.chunkAt(offset); ok {
		if !b.chunks[i].release(offset) {
			logging.Logger().Warn("geometry: slot not in use", "offset", offset, "size", size)
			return
		}
		b.reserved -= b.chunks[i].slot
		if ch := b.chunks[i]; ch.empty() {
			b.chunks = slices.Delete(b.chunks, i, i+1)
			b.dyn.free(ch.base)
		}
		return
	}
	n, ok := b.dyn.free(offset)
	if !ok {
		logging.Logger().Warn("geometry: extent not in use", "offset", offset, "size", size)
		return
	}
	b.reserved -= n
}

// Stats returns a snapshot of buffer usage.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Size:        b.size,
		Reserved:    b.reserved,
		Ranges:      len(b.live),
		Retiring:    len(b.retiring),
		Chunks:      len(b.chunks),
		LargestFree: b.dyn.largestFree(),
	}
}

// Close destroys the shared buffer. The caller must have waited for the
// GPU to finish with it.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.device.DestroyBuffer(b.buffer)
	b.buffer = gpucore.InvalidID
	clear(b.live)
}

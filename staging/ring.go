// Package staging implements the host-to-device upload ring.
//
// The ring owns one host-visible staging buffer split into P equal pages.
// Uploads bump-allocate space in the current page and queue copy regions
// grouped per destination. Flush records the page's transfer command
// buffer (barrier, copies, ownership-release barrier), submits it on the
// transfer queue chained after the previous page, and advances to the next
// page. A page is only reused after its previous submission's fence has
// signaled, so the CPU never overwrites bytes the GPU has not read yet.
package staging

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/internal/logging"
)

const (
	// DefaultPages is the number of pages in the ring.
	DefaultPages = 4

	// DefaultPageSize is the size of each page in bytes.
	DefaultPageSize = 32 << 20

	// CopyAlignment is the required alignment of buffer copy offsets and sizes.
	CopyAlignment = 4

	// RowPitchAlignment is the required alignment of image row pitch in a
	// buffer-to-texture copy.
	RowPitchAlignment = 256
)

// Staging errors.
var (
	// ErrPageFull is returned when a request does not fit in the current
	// page. Flush and retry.
	ErrPageFull = errors.New("staging: page full")

	// ErrMisaligned is returned when a buffer upload offset or size is not a
	// multiple of CopyAlignment.
	ErrMisaligned = errors.New("staging: buffer upload must be 4-byte aligned")

	// ErrShortImage is returned when image data is smaller than its region.
	ErrShortImage = errors.New("staging: image data shorter than region")

	// ErrFenceTimeout is returned when waiting on a page's previous
	// submission times out. The device should be treated as lost.
	ErrFenceTimeout = errors.New("staging: fence wait timed out")

	// ErrClosed is returned by operations on a closed ring.
	ErrClosed = errors.New("staging: ring closed")
)

// Config configures a Ring. Zero fields take defaults.
type Config struct {
	Pages    int
	PageSize uint64

	// FenceTimeout bounds the wait for a page's previous submission.
	// Zero means effectively unbounded.
	FenceTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Pages <= 0 {
		c.Pages = DefaultPages
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.FenceTimeout <= 0 {
		c.FenceTimeout = time.Duration(math.MaxInt64)
	}
	return c
}

// ImageRegion describes one subresource upload. BytesPerRow is the row
// pitch of the source data; the ring repacks rows to RowPitchAlignment.
type ImageRegion struct {
	MipLevel    uint32
	Layer       uint32
	Width       uint32
	Height      uint32
	BytesPerRow uint32
}

// Stats reports ring activity.
type Stats struct {
	Flushes     uint64
	BytesStaged uint64
	CurrentPage int
	InFlight    int
}

// Ring batches uploads into pages and submits them on the transfer queue.
// A single mutex guards the allocator state and every page.
type Ring struct {
	mu     sync.Mutex
	device gpucore.Device
	cfg    Config
	buffer gpucore.BufferID
	pages  []*page

	current int
	last    int
	ready   []gpucore.SemaphoreID
	stats   Stats
	closed  bool
}

// New creates a ring with its staging buffer, fences and semaphores.
func New(device gpucore.Device, cfg Config) (*Ring, error) {
	cfg = cfg.withDefaults()
	r := &Ring{
		device: device,
		cfg:    cfg,
		last:   -1,
	}

	buffer, err := device.CreateBuffer(&gpucore.BufferDesc{
		Label: "staging",
		Size:  cfg.PageSize * uint64(cfg.Pages),
		Usage: gpucore.BufferUsageCopySrc | gpucore.BufferUsageMapWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("staging: create buffer: %w", err)
	}
	r.buffer = buffer

	for i := range cfg.Pages {
		p, err := newPage(device, i, uint64(i)*cfg.PageSize, cfg.PageSize)
		if err != nil {
			r.destroy()
			return nil, fmt.Errorf("staging: create page %d: %w", i, err)
		}
		r.pages = append(r.pages, p)
	}

	logging.Logger().Debug("staging: ring created", "pages", cfg.Pages, "pageSize", cfg.PageSize)
	return r, nil
}

// PageSize returns the size of one page.
func (r *Ring) PageSize() uint64 {
	return r.cfg.PageSize
}

// Buffer returns the staging buffer.
func (r *Ring) Buffer() gpucore.BufferID {
	return r.buffer
}

// currentPage returns the page uploads go to, first waiting for its
// previous submission if it still has one outstanding.
func (r *Ring) currentPage() (*page, error) {
	if r.closed {
		return nil, ErrClosed
	}
	p := r.pages[r.current]
	if err := r.recycle(p); err != nil {
		return nil, err
	}
	return p, nil
}

// recycle waits for p's last submission, frees its command buffer and only
// then resets its allocator.
func (r *Ring) recycle(p *page) error {
	if p.cmd == gpucore.InvalidID {
		return nil
	}
	ok, err := r.device.WaitFence(p.fence, p.fenceValue, r.cfg.FenceTimeout)
	if err != nil {
		return fmt.Errorf("staging: wait page %d: %w", p.index, err)
	}
	if !ok {
		return fmt.Errorf("staging: page %d value %d: %w", p.index, p.fenceValue, ErrFenceTimeout)
	}
	r.device.FreeCommandBuffer(p.cmd)
	p.cmd = gpucore.InvalidID
	p.alloc.reset()
	return nil
}

// UploadBuffer stages data for target at offset in the current page.
// It returns ErrPageFull when the data does not fit; flush and retry.
// It panics when data is larger than a whole page.
func (r *Ring) UploadBuffer(target gpucore.BufferID, offset uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uploadBufferLocked(target, offset, data)
}

func (r *Ring) uploadBufferLocked(target gpucore.BufferID, offset uint64, data []byte) error {
	n := uint64(len(data))
	if n == 0 {
		return nil
	}
	if n > r.cfg.PageSize {
		panic(fmt.Sprintf("staging: upload of %d bytes exceeds page size %d", n, r.cfg.PageSize))
	}
	if offset%CopyAlignment != 0 || n%CopyAlignment != 0 {
		return ErrMisaligned
	}
	p, err := r.currentPage()
	if err != nil {
		return err
	}
	at, ok := p.alloc.allocate(n, CopyAlignment)
	if !ok {
		return ErrPageFull
	}
	copy(p.hostMemory()[at:], data)
	p.addBufferCopy(target, gpucore.BufferCopy{
		SrcOffset: p.base + at,
		DstOffset: offset,
		Size:      n,
	})
	r.stats.BytesStaged += n
	return nil
}

// Upload stages data of any size for target, splitting it across pages and
// flushing whenever the current page fills up.
func (r *Ring) Upload(target gpucore.BufferID, offset uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if offset%CopyAlignment != 0 || uint64(len(data))%CopyAlignment != 0 {
		return ErrMisaligned
	}
	for len(data) > 0 {
		p, err := r.currentPage()
		if err != nil {
			return err
		}
		n := min(p.alloc.available(CopyAlignment)&^(CopyAlignment-1), uint64(len(data)))
		if n == 0 {
			if err := r.flushLocked(); err != nil {
				return err
			}
			continue
		}
		if err := r.uploadBufferLocked(target, offset, data[:n]); err != nil {
			return err
		}
		offset += n
		data = data[n:]
	}
	return nil
}

// UploadImage stages one subresource of target in the current page.
// It returns ErrPageFull when the region does not fit; flush and retry.
// It panics when the region is larger than a whole page.
func (r *Ring) UploadImage(target gpucore.TextureID, region ImageRegion, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uploadImageLocked(target, region, data)
}

func (r *Ring) uploadImageLocked(target gpucore.TextureID, region ImageRegion, data []byte) error {
	rowBytes := uint64(region.BytesPerRow)
	rows := uint64(region.Height)
	if rowBytes == 0 || rows == 0 || uint64(len(data)) < rowBytes*rows {
		return ErrShortImage
	}
	pitch := alignUp(rowBytes, RowPitchAlignment)
	size := pitch * rows
	if size > r.cfg.PageSize {
		panic(fmt.Sprintf("staging: image region of %d bytes exceeds page size %d", size, r.cfg.PageSize))
	}
	p, err := r.currentPage()
	if err != nil {
		return err
	}
	at, ok := p.alloc.allocate(size, RowPitchAlignment)
	if !ok {
		return ErrPageFull
	}
	host := p.hostMemory()
	for y := range rows {
		copy(host[at+y*pitch:at+y*pitch+rowBytes], data[y*rowBytes:(y+1)*rowBytes])
	}
	p.addTextureCopy(target, gpucore.BufferTextureCopy{
		BufferOffset: p.base + at,
		BytesPerRow:  uint32(pitch),
		RowsPerImage: region.Height,
		MipLevel:     region.MipLevel,
		Layer:        region.Layer,
		Width:        region.Width,
		Height:       region.Height,
	})
	r.stats.BytesStaged += size
	return nil
}

// UploadMips stages a whole mip chain for one layer of target, flushing
// between levels as pages fill up.
func (r *Ring) UploadMips(target gpucore.TextureID, layer uint32, levels []MipLevel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, level := range levels {
		region := ImageRegion{
			MipLevel:    uint32(i),
			Layer:       layer,
			Width:       level.Width,
			Height:      level.Height,
			BytesPerRow: level.Width * 4,
		}
		for {
			err := r.uploadImageLocked(target, region, level.Pixels)
			if errors.Is(err, ErrPageFull) {
				if err := r.flushLocked(); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("staging: mip %d: %w", i, err)
			}
			break
		}
	}
	return nil
}

// Flush submits the current page's pending copies and advances the ring.
// It is a no-op when nothing is pending.
func (r *Ring) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.flushLocked()
}

func (r *Ring) flushLocked() error {
	p := r.pages[r.current]
	if p.empty() {
		return nil
	}

	if err := r.device.WriteBuffer(r.buffer, p.base, p.hostMemory()[:p.alloc.used()]); err != nil {
		return fmt.Errorf("staging: write page %d: %w", p.index, err)
	}

	cmd, err := r.record(p)
	if err != nil {
		return err
	}

	var wait []gpucore.SemaphoreID
	if r.last >= 0 {
		wait = []gpucore.SemaphoreID{r.pages[r.last].chain}
	}
	value := p.fenceValue + 1
	err = r.device.Submit(&gpucore.SubmitDesc{
		Queue:          gpucore.QueueTransfer,
		CommandBuffers: []gpucore.CommandBufferID{cmd},
		Wait:           wait,
		Signal:         []gpucore.SemaphoreID{p.chain, p.ready},
		Fence:          p.fence,
		FenceValue:     value,
	})
	if err != nil {
		r.device.FreeCommandBuffer(cmd)
		return fmt.Errorf("staging: submit page %d: %w", p.index, err)
	}

	// The submission is recorded; only now may the ring move on.
	p.fenceValue = value
	p.cmd = cmd
	// A page that wrapped around before TakeReady is already pending; its
	// semaphore is signaled again by this submission.
	if !slices.Contains(r.ready, p.ready) {
		r.ready = append(r.ready, p.ready)
	}
	r.stats.Flushes++

	logging.Logger().Debug("staging: flushed page",
		"page", p.index,
		"buffers", len(p.buffers),
		"textures", len(p.textures),
		"bytes", p.alloc.used())

	p.clearPending()
	r.last = r.current
	r.current = (r.current + 1) % len(r.pages)
	return nil
}

// record builds the transfer command buffer for p.
func (r *Ring) record(p *page) (gpucore.CommandBufferID, error) {
	enc, err := r.device.CreateCommandEncoder(gpucore.QueueTransfer, fmt.Sprintf("staging page %d", p.index))
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("staging: create encoder: %w", err)
	}

	enc.PipelineBarrier(p.barriersBefore())
	for _, dst := range p.buffers {
		enc.CopyBufferToBuffer(r.buffer, dst, p.bufferCopies[dst])
	}
	for _, dst := range p.textures {
		enc.CopyBufferToTexture(r.buffer, dst, p.textureCopies[dst])
	}
	enc.PipelineBarrier(p.barriersAfter())

	cmd, err := enc.Finish()
	if err != nil {
		enc.Discard()
		return gpucore.InvalidID, fmt.Errorf("staging: finish page %d: %w", p.index, err)
	}
	return cmd, nil
}

// TakeReady returns the ready semaphores signaled by flushes since the last
// call. The graphics submission that consumes the uploads waits on them.
func (r *Ring) TakeReady() []gpucore.SemaphoreID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.ready
	r.ready = nil
	return out
}

// Stats returns a snapshot of ring activity.
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.CurrentPage = r.current
	for _, p := range r.pages {
		if p.cmd != gpucore.InvalidID {
			s.InFlight++
		}
	}
	return s
}

// Close waits for every in-flight page and releases the ring's resources.
// Pending uploads that were never flushed are dropped.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for _, p := range r.pages {
		if err := r.recycle(p); err != nil {
			errs = append(errs, err)
		}
	}
	r.destroy()
	return errors.Join(errs...)
}

func (r *Ring) destroy() {
	for _, p := range r.pages {
		p.destroy(r.device)
	}
	r.pages = nil
	if r.buffer != gpucore.InvalidID {
		r.device.DestroyBuffer(r.buffer)
		r.buffer = gpucore.InvalidID
	}
}

package framecore

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/gogpu/framecore/descriptor"
	"github.com/gogpu/framecore/drawstream"
	"github.com/gogpu/framecore/droplist"
	"github.com/gogpu/framecore/geometry"
	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/handle"
	"github.com/gogpu/framecore/internal/logging"
	"github.com/gogpu/framecore/pipeline"
	"github.com/gogpu/framecore/staging"
)

// FramesInFlight is the number of frames the CPU may record ahead of the
// GPU. Resources destroyed in a frame are released once that frame's
// fence has been reached, FramesInFlight frames later.
const FramesInFlight = 2

// forever stands in for an unbounded fence wait.
const forever = time.Duration(1<<63 - 1)

// BufferHandle identifies a buffer owned by a Renderer.
type BufferHandle = drawstream.BufferHandle

// TextureHandle identifies a texture owned by a Renderer.
type TextureHandle = handle.Handle[gpucore.TextureID]

type textureInfo struct {
	desc gpucore.TextureDesc
	view gpucore.TextureViewID
}

// frame is one slot of the frame ring.
type frame struct {
	// value is the timeline value of the slot's last submission.
	value uint64
	drop  *droplist.List
}

// Stats is a snapshot of renderer activity.
type Stats struct {
	Frames       uint64
	Submits      uint64
	StreamErrors uint64
	Purged       uint64
	Buffers      int
	Textures     int
	Pipelines    int
	BindingSets  int
	Staging      staging.Stats
	Geometry     geometry.Stats
}

// Renderer drives frames on a gpucore.Device. It owns the staging ring,
// the shared geometry buffer, the binding-set cache, the pipeline registry
// and one timeline fence that every graphics submission advances.
//
// A frame is BeginFrame, any number of uploads and Submit calls, then
// EndFrame. Buffers and textures can be created and destroyed at any time;
// destruction is deferred until the GPU is done with the frame.
type Renderer struct {
	mu     sync.Mutex
	device gpucore.Device
	opts   options

	fence   gpucore.FenceID
	serial  uint64
	frames  [FramesInFlight]frame
	cur     int
	inFrame bool
	lost    bool
	closed  bool
	stats   Stats

	ring      *staging.Ring
	geometry  *geometry.Buffer
	geoHandle BufferHandle
	bindings  *descriptor.Cache
	pipelines *pipeline.Registry

	// resMu guards the resource pools. It is taken after mu, and on its
	// own by the resolve methods that run during Submit.
	resMu    sync.RWMutex
	buffers  *handle.HotColdPool[gpucore.BufferID, gpucore.BufferDesc]
	textures *handle.HotColdPool[gpucore.TextureID, textureInfo]
}

var _ drawstream.Resolver = (*Renderer)(nil)

// New creates a renderer on device.
func New(device gpucore.Device, opts ...Option) (*Renderer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		SetLogger(o.logger)
		propagateLogger(device, o.logger)
	}

	fence, err := device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("framecore: create fence: %w", err)
	}
	ring, err := staging.New(device, staging.Config{
		Pages:        o.stagingPages,
		PageSize:     o.stagingPageSize,
		FenceTimeout: o.fenceTimeout,
	})
	if err != nil {
		device.DestroyFence(fence)
		return nil, fmt.Errorf("framecore: %w", err)
	}
	geo, err := geometry.New(device, ring, geometry.Config{Size: o.geometrySize})
	if err != nil {
		_ = ring.Close()
		device.DestroyFence(fence)
		return nil, fmt.Errorf("framecore: %w", err)
	}
	bindings, err := descriptor.New(device, descriptor.Config{ArenaSize: o.arenaSize})
	if err != nil {
		geo.Close()
		_ = ring.Close()
		device.DestroyFence(fence)
		return nil, fmt.Errorf("framecore: %w", err)
	}

	r := &Renderer{
		device:    device,
		opts:      o,
		fence:     fence,
		ring:      ring,
		geometry:  geo,
		bindings:  bindings,
		pipelines: pipeline.NewRegistry(device, bindings, o.workers),
		buffers:   handle.NewHotColdPool[gpucore.BufferID, gpucore.BufferDesc](0),
		textures:  handle.NewHotColdPool[gpucore.TextureID, textureInfo](0),
	}
	for i := range r.frames {
		r.frames[i].drop = droplist.New()
	}
	// The shared buffer is registered like any other so streams bind its
	// ranges through BufferSlice offsets.
	r.geoHandle = r.buffers.Push(geo.Buffer(), gpucore.BufferDesc{
		Label: "geometry",
		Size:  geo.Size(),
		Usage: gpucore.BufferUsageVertex | gpucore.BufferUsageIndex |
			gpucore.BufferUsageUniform | gpucore.BufferUsageCopyDst,
	})

	logging.Logger().Info("framecore: renderer created",
		"stagingPages", o.stagingPages,
		"stagingPageSize", o.stagingPageSize,
		"arenaSize", o.arenaSize,
		"geometrySize", geo.Size())
	return r, nil
}

// Device returns the device the renderer draws with.
func (r *Renderer) Device() gpucore.Device {
	return r.device
}

// Bindings returns the binding-set cache. Retirements it produces are
// collected into the current frame by Submit.
func (r *Renderer) Bindings() *descriptor.Cache {
	return r.bindings
}

// Geometry returns the shared geometry buffer.
func (r *Renderer) Geometry() *geometry.Buffer {
	return r.geometry
}

// Pipelines returns the pipeline registry.
func (r *Renderer) Pipelines() *pipeline.Registry {
	return r.pipelines
}

func (r *Renderer) releasers() droplist.Releasers {
	return droplist.Releasers{Uniform: r.bindings.Arena(), Geometry: r.geometry}
}

func (r *Renderer) timeout() time.Duration {
	if r.opts.fenceTimeout <= 0 {
		return forever
	}
	return r.opts.fenceTimeout
}

func (r *Renderer) usable() error {
	switch {
	case r.closed:
		return ErrClosed
	case r.lost:
		return ErrDeviceLost
	}
	return nil
}

// stagingLostLocked marks the renderer lost when err is a staging page
// timeout; a page fence that never completes means the same as a frame
// fence that never completes. Callers hold mu.
func (r *Renderer) stagingLostLocked(err error) error {
	if !errors.Is(err, staging.ErrFenceTimeout) {
		return err
	}
	if !r.lost {
		r.lost = true
		logging.Logger().Error("framecore: staging fence wait failed", "err", err)
	}
	return fmt.Errorf("%w: %w", ErrDeviceLost, err)
}

// staged checks the renderer before an upload and records a staging
// timeout after it.
func (r *Renderer) staged(upload func() error) error {
	r.mu.Lock()
	err := r.usable()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if err := upload(); err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.stagingLostLocked(err)
	}
	return nil
}

// dropTarget returns the list resources destroyed now belong to. Outside
// a frame that is the frame just ended, whose fence covers the latest
// submission.
func (r *Renderer) dropTarget() *droplist.List {
	if r.inFrame {
		return r.frames[r.cur].drop
	}
	return r.frames[(r.cur+FramesInFlight-1)%FramesInFlight].drop
}

// BeginFrame waits until the GPU has finished the frame that last used the
// current slot, then releases everything that frame destroyed. A failed or
// timed out wait marks the device lost.
//
// BeginFrame panics when called twice without EndFrame.
func (r *Renderer) BeginFrame() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.usable(); err != nil {
		return err
	}
	if r.inFrame {
		panic("framecore: BeginFrame called inside a frame")
	}

	f := &r.frames[r.cur]
	if f.value > 0 {
		ok, err := r.device.WaitFence(r.fence, f.value, r.timeout())
		if err != nil || !ok {
			r.lost = true
			logging.Logger().Error("framecore: frame fence wait failed",
				"value", f.value, "err", err)
			if err != nil {
				return fmt.Errorf("%w: wait for frame %d: %w", ErrDeviceLost, f.value, err)
			}
			return fmt.Errorf("%w: wait for frame %d timed out", ErrDeviceLost, f.value)
		}
	}

	n := f.drop.Purge(r.device, r.releasers())
	r.stats.Purged += uint64(n)
	r.stats.Frames++
	r.inFrame = true

	logging.Logger().Debug("framecore: frame begun",
		"slot", r.cur,
		"frame", r.stats.Frames,
		"purged", n)
	return nil
}

// EndFrame closes the current frame and advances the frame ring.
//
// EndFrame panics when no frame is open.
func (r *Renderer) EndFrame() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inFrame {
		panic("framecore: EndFrame called outside a frame")
	}
	r.inFrame = false
	r.cur = (r.cur + 1) % FramesInFlight
}

// Submit flushes dirty binding sets and pending uploads, replays streams
// into one render pass that clears target, and submits it. The submission
// waits for the uploads and advances the frame fence.
//
// Draws a stream cannot resolve are skipped. Their errors are joined and
// returned after the frame has been submitted.
//
// Submit panics when no frame is open.
func (r *Renderer) Submit(target gpucore.TextureViewID, streams ...*drawstream.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.usable(); err != nil {
		return err
	}
	if !r.inFrame {
		panic("framecore: Submit called outside a frame")
	}
	drop := r.frames[r.cur].drop

	if res := r.bindings.Flush(drop); len(res.Errors) > 0 {
		logging.Logger().Warn("framecore: binding sets left pending",
			"pending", res.Pending, "err", res.Err())
	}
	if err := r.ring.Flush(); err != nil {
		return fmt.Errorf("framecore: flush uploads: %w", r.stagingLostLocked(err))
	}

	enc, err := r.device.CreateCommandEncoder(gpucore.QueueGraphics, "frame")
	if err != nil {
		return fmt.Errorf("framecore: create encoder: %w", err)
	}
	pass, err := enc.BeginRenderPass(&gpucore.RenderPassDesc{
		Label:      "frame",
		Target:     target,
		Clear:      true,
		ClearColor: r.opts.clearColor,
	})
	if err != nil {
		enc.Discard()
		return fmt.Errorf("framecore: begin pass: %w", err)
	}

	var drawErrs []error
	for i, s := range streams {
		if s == nil {
			continue
		}
		if err := s.Execute(r, pass); err != nil {
			drawErrs = append(drawErrs, fmt.Errorf("stream %d: %w", i, err))
		}
	}
	if err := pass.End(); err != nil {
		enc.Discard()
		return fmt.Errorf("framecore: end pass: %w", err)
	}
	cmd, err := enc.Finish()
	if err != nil {
		enc.Discard()
		return fmt.Errorf("framecore: finish frame: %w", err)
	}
	drop.PushCommandBuffer(cmd)

	value := r.serial + 1
	err = r.device.Submit(&gpucore.SubmitDesc{
		Queue:          gpucore.QueueGraphics,
		CommandBuffers: []gpucore.CommandBufferID{cmd},
		Wait:           r.ring.TakeReady(),
		Fence:          r.fence,
		FenceValue:     value,
	})
	if err != nil {
		return fmt.Errorf("framecore: submit: %w", err)
	}
	r.serial = value
	r.frames[r.cur].value = value
	r.stats.Submits++

	drawErr := errors.Join(drawErrs...)
	if drawErr != nil {
		r.stats.StreamErrors += uint64(len(drawErrs))
		logging.Logger().Warn("framecore: draws skipped", "err", drawErr)
	}
	logging.Logger().Debug("framecore: submitted",
		"value", value,
		"streams", len(streams))
	return drawErr
}

// CreateBuffer creates a buffer and returns its handle.
func (r *Renderer) CreateBuffer(desc gpucore.BufferDesc) (BufferHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.usable(); err != nil {
		return BufferHandle{}, err
	}
	id, err := r.device.CreateBuffer(&desc)
	if err != nil {
		return BufferHandle{}, fmt.Errorf("framecore: create buffer %q: %w", desc.Label, err)
	}
	r.resMu.Lock()
	defer r.resMu.Unlock()
	return r.buffers.Push(id, desc), nil
}

// DestroyBuffer releases a buffer once the GPU no longer uses it.
func (r *Renderer) DestroyBuffer(h BufferHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == r.geoHandle {
		return fmt.Errorf("%w: the geometry buffer belongs to the renderer", ErrInvalidHandle)
	}
	r.resMu.Lock()
	id, _, ok := r.buffers.Remove(h)
	r.resMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: buffer %v", ErrInvalidHandle, h)
	}
	r.dropTarget().PushBuffer(id)
	return nil
}

// CreateTexture creates a texture with a view covering all of it.
func (r *Renderer) CreateTexture(desc gpucore.TextureDesc) (TextureHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.usable(); err != nil {
		return TextureHandle{}, err
	}
	id, err := r.device.CreateTexture(&desc)
	if err != nil {
		return TextureHandle{}, fmt.Errorf("framecore: create texture %q: %w", desc.Label, err)
	}
	view, err := r.device.CreateTextureView(id, nil)
	if err != nil {
		r.device.DestroyTexture(id)
		return TextureHandle{}, fmt.Errorf("framecore: create view of %q: %w", desc.Label, err)
	}
	r.resMu.Lock()
	defer r.resMu.Unlock()
	return r.textures.Push(id, textureInfo{desc: desc, view: view}), nil
}

// DestroyTexture releases a texture and its view once the GPU no longer
// uses them.
func (r *Renderer) DestroyTexture(h TextureHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resMu.Lock()
	id, info, ok := r.textures.Remove(h)
	r.resMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: texture %v", ErrInvalidHandle, h)
	}
	drop := r.dropTarget()
	drop.PushTextureView(info.view)
	drop.PushTexture(id)
	return nil
}

// TextureView returns the default view of a texture.
func (r *Renderer) TextureView(h TextureHandle) (gpucore.TextureViewID, bool) {
	r.resMu.RLock()
	defer r.resMu.RUnlock()
	info, ok := r.textures.GetCold(h)
	if !ok {
		return gpucore.InvalidID, false
	}
	return info.view, true
}

// TextureDesc returns the description a texture was created with.
func (r *Renderer) TextureDesc(h TextureHandle) (gpucore.TextureDesc, bool) {
	r.resMu.RLock()
	defer r.resMu.RUnlock()
	info, ok := r.textures.GetCold(h)
	if !ok {
		return gpucore.TextureDesc{}, false
	}
	return info.desc, true
}

func (r *Renderer) texture(h TextureHandle) (gpucore.TextureID, error) {
	r.resMu.RLock()
	defer r.resMu.RUnlock()
	id, ok := r.textures.GetHot(h)
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: texture %v", ErrInvalidHandle, h)
	}
	return *id, nil
}

// Upload stages data for a buffer. Large uploads span several staging
// pages. The copy reaches the GPU with the next Submit.
func (r *Renderer) Upload(h BufferHandle, offset uint64, data []byte) error {
	id, ok := r.ResolveBuffer(h)
	if !ok {
		return fmt.Errorf("%w: buffer %v", ErrInvalidHandle, h)
	}
	return r.staged(func() error {
		return r.ring.Upload(id, offset, data)
	})
}

// UploadImage stages one subresource of a texture, flushing the ring once
// when the current page is full.
func (r *Renderer) UploadImage(h TextureHandle, region staging.ImageRegion, data []byte) error {
	id, err := r.texture(h)
	if err != nil {
		return err
	}
	return r.staged(func() error {
		err := r.ring.UploadImage(id, region, data)
		if errors.Is(err, staging.ErrPageFull) {
			if err := r.ring.Flush(); err != nil {
				return err
			}
			err = r.ring.UploadImage(id, region, data)
		}
		return err
	})
}

// UploadMips stages a mip chain into one layer of a texture.
func (r *Renderer) UploadMips(h TextureHandle, layer uint32, levels []staging.MipLevel) error {
	id, err := r.texture(h)
	if err != nil {
		return err
	}
	return r.staged(func() error {
		return r.ring.UploadMips(id, layer, levels)
	})
}

// UploadGoImage stages img and, when the texture has more than one mip
// level, its downsampled chain into layer.
func (r *Renderer) UploadGoImage(h TextureHandle, layer uint32, img image.Image) error {
	desc, ok := r.TextureDesc(h)
	if !ok {
		return fmt.Errorf("%w: texture %v", ErrInvalidHandle, h)
	}
	levels := max(int(desc.MipLevels), 1)
	return r.UploadMips(h, layer, staging.MipChain(img, levels))
}

// GeometryBuffer returns the handle of the shared geometry buffer. Bind a
// range with drawstream.BufferSlice{Buffer: h, Offset: uint32(rng.Offset)}.
func (r *Renderer) GeometryBuffer() BufferHandle {
	return r.geoHandle
}

// AllocateGeometry reserves a range of the shared geometry buffer and
// stages data into it. The range is as long as data.
func (r *Renderer) AllocateGeometry(data []byte) (geometry.Range, error) {
	r.mu.Lock()
	err := r.usable()
	r.mu.Unlock()
	if err != nil {
		return geometry.Range{}, err
	}
	rng, err := r.geometry.Allocate(uint64(len(data)))
	if err != nil {
		return geometry.Range{}, fmt.Errorf("framecore: %w", err)
	}
	if err := r.UploadGeometry(rng, 0, data); err != nil {
		// Copies already staged for the range may still land, so it is
		// retired like any other range.
		r.mu.Lock()
		_ = r.geometry.Free(rng, r.dropTarget())
		r.mu.Unlock()
		return geometry.Range{}, err
	}
	return rng, nil
}

// UploadGeometry stages data at byte at of a geometry range. The copy
// reaches the GPU with the next Submit.
func (r *Renderer) UploadGeometry(rng geometry.Range, at uint64, data []byte) error {
	return r.staged(func() error {
		return r.geometry.Upload(rng, at, data)
	})
}

// FreeGeometry returns a geometry range once the GPU no longer reads it.
func (r *Renderer) FreeGeometry(rng geometry.Range) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.geometry.Free(rng, r.dropTarget()); err != nil {
		return fmt.Errorf("framecore: %w", err)
	}
	return nil
}

// RemovePipeline releases a pipeline once the GPU no longer uses it.
func (r *Renderer) RemovePipeline(h pipeline.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipelines.Remove(h, r.dropTarget())
}

// RemoveBindingSet releases a binding set once the GPU no longer uses it.
func (r *Renderer) RemoveBindingSet(h descriptor.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings.Remove(h, r.dropTarget())
}

// ResolvePipeline implements drawstream.Resolver.
func (r *Renderer) ResolvePipeline(h drawstream.PipelineHandle) (gpucore.RenderPipelineID, uint64, bool) {
	return r.pipelines.Resolve(h)
}

// ResolveBuffer implements drawstream.Resolver.
func (r *Renderer) ResolveBuffer(h drawstream.BufferHandle) (gpucore.BufferID, bool) {
	r.resMu.RLock()
	defer r.resMu.RUnlock()
	id, ok := r.buffers.GetHot(h)
	if !ok {
		return gpucore.InvalidID, false
	}
	return *id, true
}

// ResolveBindingSet implements drawstream.Resolver.
func (r *Renderer) ResolveBindingSet(h descriptor.Handle) (gpucore.BindGroupID, bool) {
	return r.bindings.Resolve(h)
}

// Stats returns a snapshot of renderer activity.
func (r *Renderer) Stats() Stats {
	r.mu.Lock()
	s := r.stats
	r.mu.Unlock()

	r.resMu.RLock()
	s.Buffers = r.buffers.Len()
	s.Textures = r.textures.Len()
	r.resMu.RUnlock()

	s.Pipelines = r.pipelines.Len()
	s.BindingSets = r.bindings.Len()
	s.Staging = r.ring.Stats()
	s.Geometry = r.geometry.Stats()
	return s
}

// Close waits for the GPU to finish every submission and releases all
// resources the renderer owns. The device itself is left open.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if r.serial > 0 && !r.lost {
		ok, err := r.device.WaitFence(r.fence, r.serial, r.timeout())
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("framecore: wait for idle: %w", err))
		case !ok:
			errs = append(errs, fmt.Errorf("%w: wait for idle timed out", ErrDeviceLost))
		}
	}

	for i := range r.frames {
		r.frames[i].drop.Purge(r.device, r.releasers())
	}
	r.pipelines.Close()
	r.bindings.Close()
	if err := r.ring.Close(); err != nil {
		errs = append(errs, err)
	}

	r.resMu.Lock()
	r.buffers.Remove(r.geoHandle)
	r.geometry.Close()
	for _, p := range r.buffers.Drain() {
		r.device.DestroyBuffer(p.Hot)
	}
	for _, p := range r.textures.Drain() {
		r.device.DestroyTextureView(p.Cold.view)
		r.device.DestroyTexture(p.Hot)
	}
	r.resMu.Unlock()
	r.device.DestroyFence(r.fence)

	logging.Logger().Info("framecore: renderer closed", "submits", r.stats.Submits)
	return errors.Join(errs...)
}

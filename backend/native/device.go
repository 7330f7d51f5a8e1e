//go:build !nogpu

// Package native implements gpucore.Device on top of gogpu/wgpu/hal.
//
// Importing the package registers the "vulkan" and "noop" backends with
// the backend registry.
package native

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/framecore/backend"
	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/internal/logging"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// Package errors.
var (
	// ErrNoGPU is returned when no adapter is available.
	ErrNoGPU = errors.New("native: no GPU adapter available")

	// ErrUnknownResource is returned when an ID does not name a live object.
	ErrUnknownResource = errors.New("native: unknown resource")

	// ErrNotHAL is returned by Wrap when the provider does not expose hal
	// objects.
	ErrNotHAL = errors.New("native: provider does not expose HAL types")
)

func init() {
	backend.Register("vulkan", func() (backend.Device, error) {
		b, ok := hal.GetBackend(gputypes.BackendVulkan)
		if !ok {
			return nil, fmt.Errorf("%w: vulkan backend not compiled in", ErrNoGPU)
		}
		return Open(b)
	})
	backend.Register("noop", func() (backend.Device, error) {
		return Open(noop.API{})
	})
}

type texture struct {
	tex  hal.Texture
	desc gpucore.TextureDesc
}

type bindGroup struct {
	layout gpucore.BindGroupLayoutID
	label  string
	group  hal.BindGroup // nil until written
}

type renderPipeline struct {
	pipeline hal.RenderPipeline
	layout   hal.PipelineLayout
}

// timeline is a fence emulated on hal submission indices. hal queues
// report completion per submission, so each signaled value remembers the
// submission that carries it.
type timeline struct {
	reached uint64
	pending []fenceSignal // ascending submission index
}

type fenceSignal struct {
	value uint64
	index uint64
}

// advance retires every signal whose submission has completed.
func (t *timeline) advance(completed uint64) {
	n := 0
	for _, s := range t.pending {
		if s.index > completed {
			break
		}
		t.reached = max(t.reached, s.value)
		n++
	}
	t.pending = t.pending[n:]
}

// Fence polling backoff bounds.
const (
	minFencePoll = 20 * time.Microsecond
	maxFencePoll = time.Millisecond
)

// Device adapts a hal device and queue to gpucore.Device.
//
// hal exposes a single queue, so the transfer and graphics queues share it
// and semaphores only order submissions that already execute in order.
//
// Thread safety: Device is safe for concurrent use.
type Device struct {
	mu     sync.RWMutex
	device hal.Device
	queue  hal.Queue

	// instance is set when Device opened the adapter itself.
	instance hal.Instance
	external bool

	nextID atomic.Uint64

	buffers    map[gpucore.BufferID]hal.Buffer
	textures   map[gpucore.TextureID]texture
	views      map[gpucore.TextureViewID]hal.TextureView
	samplers   map[gpucore.SamplerID]hal.Sampler
	modules    map[gpucore.ShaderModuleID]hal.ShaderModule
	pipelines  map[gpucore.RenderPipelineID]renderPipeline
	layouts    map[gpucore.BindGroupLayoutID]hal.BindGroupLayout
	groups     map[gpucore.BindGroupID]*bindGroup
	fences     map[gpucore.FenceID]*timeline
	semaphores map[gpucore.SemaphoreID]struct{}
	cmdBuffers map[gpucore.CommandBufferID]hal.CommandBuffer
}

var _ backend.Device = (*Device)(nil)

// New wraps an existing hal device and queue. The caller keeps ownership:
// Close releases the objects created through Device but not the device.
func New(device hal.Device, queue hal.Queue) *Device {
	d := &Device{
		device:     device,
		queue:      queue,
		external:   true,
		buffers:    make(map[gpucore.BufferID]hal.Buffer),
		textures:   make(map[gpucore.TextureID]texture),
		views:      make(map[gpucore.TextureViewID]hal.TextureView),
		samplers:   make(map[gpucore.SamplerID]hal.Sampler),
		modules:    make(map[gpucore.ShaderModuleID]hal.ShaderModule),
		pipelines:  make(map[gpucore.RenderPipelineID]renderPipeline),
		layouts:    make(map[gpucore.BindGroupLayoutID]hal.BindGroupLayout),
		groups:     make(map[gpucore.BindGroupID]*bindGroup),
		fences:     make(map[gpucore.FenceID]*timeline),
		semaphores: make(map[gpucore.SemaphoreID]struct{}),
		cmdBuffers: make(map[gpucore.CommandBufferID]hal.CommandBuffer),
	}
	// Start ID generation at 1 (0 is invalid)
	d.nextID.Store(1)
	return d
}

// Wrap uses the device shared by a gpucontext provider (for example a
// gogpu window). The provider must implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue.
func Wrap(provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNotHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNotHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNotHAL)
	}
	return New(device, queue), nil
}

// Open creates an instance on b, prefers a discrete or integrated adapter
// and opens it. The returned Device owns the hal device.
func Open(b hal.Backend) (*Device, error) {
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoGPU
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open device: %w", err)
	}

	d := New(openDev.Device, openDev.Queue)
	d.instance = instance
	d.external = false
	logging.Logger().Info("native: device opened", "adapter", selected.Info.Name)
	return d, nil
}

func (d *Device) newID() uint64 {
	return d.nextID.Add(1) - 1
}

// Close destroys every object still owned by the device and, when the
// device was opened by Open, the hal device itself. The GPU must be idle.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, cb := range d.cmdBuffers {
		d.device.FreeCommandBuffer(cb)
		delete(d.cmdBuffers, id)
	}
	for id, g := range d.groups {
		if g.group != nil {
			d.device.DestroyBindGroup(g.group)
		}
		delete(d.groups, id)
	}
	for id, p := range d.pipelines {
		d.device.DestroyRenderPipeline(p.pipeline)
		d.device.DestroyPipelineLayout(p.layout)
		delete(d.pipelines, id)
	}
	for id, l := range d.layouts {
		d.device.DestroyBindGroupLayout(l)
		delete(d.layouts, id)
	}
	for id, m := range d.modules {
		d.device.DestroyShaderModule(m)
		delete(d.modules, id)
	}
	for id, s := range d.samplers {
		d.device.DestroySampler(s)
		delete(d.samplers, id)
	}
	for id, v := range d.views {
		d.device.DestroyTextureView(v)
		delete(d.views, id)
	}
	for id, t := range d.textures {
		d.device.DestroyTexture(t.tex)
		delete(d.textures, id)
	}
	for id, b := range d.buffers {
		d.device.DestroyBuffer(b)
		delete(d.buffers, id)
	}
	clear(d.fences)
	clear(d.semaphores)

	if !d.external {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
			d.instance = nil
		}
	}
	return nil
}

// === Buffers ===

// CreateBuffer creates a GPU buffer.
func (d *Device) CreateBuffer(desc *gpucore.BufferDesc) (gpucore.BufferID, error) {
	if desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("native: buffer %q: size must be positive", desc.Label)
	}
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: convertBufferUsage(desc.Usage),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create buffer %q: %w", desc.Label, err)
	}
	id := gpucore.BufferID(d.newID())
	d.mu.Lock()
	d.buffers[id] = buf
	d.mu.Unlock()
	return id, nil
}

// DestroyBuffer releases a GPU buffer.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	buf, ok := d.buffers[id]
	delete(d.buffers, id)
	d.mu.Unlock()
	if ok {
		d.device.DestroyBuffer(buf)
	}
}

// WriteBuffer writes host data into a buffer through the queue.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.RLock()
	buf, ok := d.buffers[id]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: buffer %d", ErrUnknownResource, id)
	}
	if len(data) == 0 {
		return nil
	}
	if err := d.queue.WriteBuffer(buf, offset, data); err != nil {
		return fmt.Errorf("native: write buffer %d: %w", id, err)
	}
	return nil
}

// === Textures ===

// CreateTexture creates a 2D texture.
func (d *Device) CreateTexture(desc *gpucore.TextureDesc) (gpucore.TextureID, error) {
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              desc.Width,
			Height:             desc.Height,
			DepthOrArrayLayers: max(desc.Layers, 1),
		},
		MipLevelCount: max(desc.MipLevels, 1),
		SampleCount:   max(desc.SampleCount, 1),
		Dimension:     gputypes.TextureDimension2D,
		Format:        convertTextureFormat(desc.Format),
		Usage:         convertTextureUsage(desc.Usage),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create texture %q: %w", desc.Label, err)
	}
	id := gpucore.TextureID(d.newID())
	d.mu.Lock()
	d.textures[id] = texture{tex: tex, desc: *desc}
	d.mu.Unlock()
	return id, nil
}

// DestroyTexture releases a texture.
func (d *Device) DestroyTexture(id gpucore.TextureID) {
	d.mu.Lock()
	t, ok := d.textures[id]
	delete(d.textures, id)
	d.mu.Unlock()
	if ok {
		d.device.DestroyTexture(t.tex)
	}
}

// CreateTextureView creates a 2D view of a texture.
func (d *Device) CreateTextureView(id gpucore.TextureID, desc *gpucore.TextureViewDesc) (gpucore.TextureViewID, error) {
	d.mu.RLock()
	t, ok := d.textures[id]
	d.mu.RUnlock()
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: texture %d", ErrUnknownResource, id)
	}
	var vd gpucore.TextureViewDesc
	if desc != nil {
		vd = *desc
	}
	levels := vd.MipLevelCount
	if levels == 0 {
		levels = max(t.desc.MipLevels, 1) - vd.BaseMipLevel
	}
	view, err := d.device.CreateTextureView(t.tex, &hal.TextureViewDescriptor{
		Label:         vd.Label,
		Format:        convertTextureFormat(t.desc.Format),
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		BaseMipLevel:  vd.BaseMipLevel,
		MipLevelCount: levels,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create view of texture %d: %w", id, err)
	}
	vid := gpucore.TextureViewID(d.newID())
	d.mu.Lock()
	d.views[vid] = view
	d.mu.Unlock()
	return vid, nil
}

// DestroyTextureView releases a texture view.
func (d *Device) DestroyTextureView(id gpucore.TextureViewID) {
	d.mu.Lock()
	v, ok := d.views[id]
	delete(d.views, id)
	d.mu.Unlock()
	if ok {
		d.device.DestroyTextureView(v)
	}
}

// CreateSampler creates a clamp-to-edge sampler.
func (d *Device) CreateSampler(desc *gpucore.SamplerDesc) (gpucore.SamplerID, error) {
	filter := convertFilter(desc.Filter)
	s, err := d.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        desc.Label,
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    filter,
		MinFilter:    filter,
		MipmapFilter: filter,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create sampler %q: %w", desc.Label, err)
	}
	id := gpucore.SamplerID(d.newID())
	d.mu.Lock()
	d.samplers[id] = s
	d.mu.Unlock()
	return id, nil
}

// DestroySampler releases a sampler.
func (d *Device) DestroySampler(id gpucore.SamplerID) {
	d.mu.Lock()
	s, ok := d.samplers[id]
	delete(d.samplers, id)
	d.mu.Unlock()
	if ok {
		d.device.DestroySampler(s)
	}
}

// === Shaders and pipelines ===

// CreateShaderModule creates a shader module from SPIR-V words.
func (d *Device) CreateShaderModule(desc *gpucore.ShaderModuleDesc) (gpucore.ShaderModuleID, error) {
	if len(desc.SPIRV) == 0 {
		return gpucore.InvalidID, fmt.Errorf("native: shader %q: empty SPIR-V", desc.Label)
	}
	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: desc.SPIRV},
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create shader module %q: %w", desc.Label, err)
	}
	id := gpucore.ShaderModuleID(d.newID())
	d.mu.Lock()
	d.modules[id] = module
	d.mu.Unlock()
	return id, nil
}

// DestroyShaderModule releases a shader module.
func (d *Device) DestroyShaderModule(id gpucore.ShaderModuleID) {
	d.mu.Lock()
	m, ok := d.modules[id]
	delete(d.modules, id)
	d.mu.Unlock()
	if ok {
		d.device.DestroyShaderModule(m)
	}
}

// CreateRenderPipeline creates a pipeline layout from the bind group
// layouts and a render pipeline drawing premultiplied color into one
// target.
func (d *Device) CreateRenderPipeline(desc *gpucore.RenderPipelineDesc) (gpucore.RenderPipelineID, error) {
	d.mu.RLock()
	layouts := make([]hal.BindGroupLayout, len(desc.BindGroupLayouts))
	for i, id := range desc.BindGroupLayouts {
		l, ok := d.layouts[id]
		if !ok {
			d.mu.RUnlock()
			return gpucore.InvalidID, fmt.Errorf("%w: bind group layout %d", ErrUnknownResource, id)
		}
		layouts[i] = l
	}
	vs, vsOK := d.modules[desc.VertexModule]
	fs, fsOK := d.modules[desc.FragmentModule]
	d.mu.RUnlock()
	if !vsOK || !fsOK {
		return gpucore.InvalidID, fmt.Errorf("%w: shader module for pipeline %q", ErrUnknownResource, desc.Label)
	}

	pipeLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            desc.Label + " layout",
		BindGroupLayouts: layouts,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create pipeline layout %q: %w", desc.Label, err)
	}

	premulBlend := gputypes.BlendStatePremultiplied()
	pipeline, err := d.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: pipeLayout,
		Vertex: hal.VertexState{
			Module:     vs,
			EntryPoint: desc.VertexEntry,
			Buffers:    convertVertexBuffers(desc.VertexBuffers),
		},
		Fragment: &hal.FragmentState{
			Module:     fs,
			EntryPoint: desc.FragmentEntry,
			Targets: []gputypes.ColorTargetState{{
				Format:    convertTextureFormat(desc.TargetFormat),
				Blend:     &premulBlend,
				WriteMask: gputypes.ColorWriteMaskAll,
			}},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: convertTopology(desc.Topology),
			CullMode: convertCullMode(desc.CullMode),
		},
		Multisample: gputypes.MultisampleState{
			Count: max(desc.SampleCount, 1),
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		d.device.DestroyPipelineLayout(pipeLayout)
		return gpucore.InvalidID, fmt.Errorf("native: create render pipeline %q: %w", desc.Label, err)
	}

	id := gpucore.RenderPipelineID(d.newID())
	d.mu.Lock()
	d.pipelines[id] = renderPipeline{pipeline: pipeline, layout: pipeLayout}
	d.mu.Unlock()
	return id, nil
}

// DestroyRenderPipeline releases a pipeline and its layout.
func (d *Device) DestroyRenderPipeline(id gpucore.RenderPipelineID) {
	d.mu.Lock()
	p, ok := d.pipelines[id]
	delete(d.pipelines, id)
	d.mu.Unlock()
	if ok {
		d.device.DestroyRenderPipeline(p.pipeline)
		d.device.DestroyPipelineLayout(p.layout)
	}
}

// === Binding sets ===

// CreateBindGroupLayout creates a bind group layout.
func (d *Device) CreateBindGroupLayout(desc *gpucore.BindGroupLayoutDesc) (gpucore.BindGroupLayoutID, error) {
	entries := make([]gputypes.BindGroupLayoutEntry, len(desc.Entries))
	for i, e := range desc.Entries {
		entries[i] = convertLayoutEntry(e)
	}
	layout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label,
		Entries: entries,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create bind group layout %q: %w", desc.Label, err)
	}
	id := gpucore.BindGroupLayoutID(d.newID())
	d.mu.Lock()
	d.layouts[id] = layout
	d.mu.Unlock()
	return id, nil
}

// DestroyBindGroupLayout releases a bind group layout.
func (d *Device) DestroyBindGroupLayout(id gpucore.BindGroupLayoutID) {
	d.mu.Lock()
	l, ok := d.layouts[id]
	delete(d.layouts, id)
	d.mu.Unlock()
	if ok {
		d.device.DestroyBindGroupLayout(l)
	}
}

// AllocateBindGroup reserves an ID for a group of layout. hal creates bind
// groups with their contents, so the native object is built by
// WriteBindGroups.
func (d *Device) AllocateBindGroup(layout gpucore.BindGroupLayoutID, label string) (gpucore.BindGroupID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.layouts[layout]; !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: bind group layout %d", ErrUnknownResource, layout)
	}
	id := gpucore.BindGroupID(d.newID())
	d.groups[id] = &bindGroup{layout: layout, label: label}
	return id, nil
}

// WriteBindGroups builds the native bind group for every write. A failed
// write leaves the group unwritten and the remaining writes are still
// attempted.
func (d *Device) WriteBindGroups(writes []gpucore.BindGroupWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, w := range writes {
		g, ok := d.groups[w.Group]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: bind group %d", ErrUnknownResource, w.Group))
			continue
		}
		entries, err := d.convertEntries(w.Entries)
		if err != nil {
			errs = append(errs, fmt.Errorf("bind group %q: %w", g.label, err))
			continue
		}
		group, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   g.label,
			Layout:  d.layouts[g.layout],
			Entries: entries,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("native: create bind group %q: %w", g.label, err))
			continue
		}
		if g.group != nil {
			d.device.DestroyBindGroup(g.group)
		}
		g.group = group
	}
	return errors.Join(errs...)
}

// convertEntries must be called with mu held.
func (d *Device) convertEntries(in []gpucore.BindGroupEntry) ([]gputypes.BindGroupEntry, error) {
	out := make([]gputypes.BindGroupEntry, len(in))
	for i, e := range in {
		out[i].Binding = e.Binding
		switch {
		case e.Buffer != gpucore.InvalidID:
			buf, ok := d.buffers[e.Buffer]
			if !ok {
				return nil, fmt.Errorf("%w: buffer %d", ErrUnknownResource, e.Buffer)
			}
			out[i].Resource = gputypes.BufferBinding{
				Buffer: buf.NativeHandle(),
				Offset: e.Offset,
				Size:   e.Size,
			}
		case e.TextureView != gpucore.InvalidID:
			view, ok := d.views[e.TextureView]
			if !ok {
				return nil, fmt.Errorf("%w: texture view %d", ErrUnknownResource, e.TextureView)
			}
			out[i].Resource = gputypes.TextureViewBinding{TextureView: view.NativeHandle()}
		case e.Sampler != gpucore.InvalidID:
			s, ok := d.samplers[e.Sampler]
			if !ok {
				return nil, fmt.Errorf("%w: sampler %d", ErrUnknownResource, e.Sampler)
			}
			out[i].Resource = gputypes.SamplerBinding{Sampler: s.NativeHandle()}
		default:
			return nil, fmt.Errorf("binding %d has no resource", e.Binding)
		}
	}
	return out, nil
}

// DestroyBindGroup releases a bind group.
func (d *Device) DestroyBindGroup(id gpucore.BindGroupID) {
	d.mu.Lock()
	g, ok := d.groups[id]
	delete(d.groups, id)
	d.mu.Unlock()
	if ok && g.group != nil {
		d.device.DestroyBindGroup(g.group)
	}
}

// === Synchronization ===

// CreateFence creates a timeline fence starting at zero. It is advanced
// by Submit calls that name it.
func (d *Device) CreateFence() (gpucore.FenceID, error) {
	id := gpucore.FenceID(d.newID())
	d.mu.Lock()
	d.fences[id] = &timeline{}
	d.mu.Unlock()
	return id, nil
}

// DestroyFence releases a fence.
func (d *Device) DestroyFence(id gpucore.FenceID) {
	d.mu.Lock()
	delete(d.fences, id)
	d.mu.Unlock()
}

// fenceReached polls the queue and reports whether fence has reached value.
func (d *Device) fenceReached(id gpucore.FenceID, value uint64) (bool, error) {
	completed := d.queue.PollCompleted()
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.fences[id]
	if !ok {
		return false, fmt.Errorf("%w: fence %d", ErrUnknownResource, id)
	}
	t.advance(completed)
	return t.reached >= value, nil
}

// WaitFence blocks until fence reaches value or timeout elapses. A value
// no submission has signaled yet is waited for like any other.
func (d *Device) WaitFence(id gpucore.FenceID, value uint64, timeout time.Duration) (bool, error) {
	start := time.Now()
	backoff := minFencePoll
	for {
		ok, err := d.fenceReached(id, value)
		if ok || err != nil {
			return ok, err
		}
		left := timeout - time.Since(start)
		if left <= 0 {
			return false, nil
		}
		time.Sleep(min(backoff, left))
		backoff = min(backoff*2, maxFencePoll)
	}
}

// CreateSemaphore returns a semaphore ID. Submissions on the single hal
// queue execute in order, so no native object backs it.
func (d *Device) CreateSemaphore() (gpucore.SemaphoreID, error) {
	id := gpucore.SemaphoreID(d.newID())
	d.mu.Lock()
	d.semaphores[id] = struct{}{}
	d.mu.Unlock()
	return id, nil
}

// DestroySemaphore releases a semaphore ID.
func (d *Device) DestroySemaphore(id gpucore.SemaphoreID) {
	d.mu.Lock()
	delete(d.semaphores, id)
	d.mu.Unlock()
}

// === Command recording ===

// CreateCommandEncoder begins recording a command buffer.
func (d *Device) CreateCommandEncoder(queue gpucore.QueueKind, label string) (gpucore.CommandEncoder, error) {
	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("native: create command encoder %q: %w", label, err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("native: begin encoding %q: %w", label, err)
	}
	return &encoder{device: d, enc: enc, queue: queue}, nil
}

// FreeCommandBuffer releases a finished command buffer.
func (d *Device) FreeCommandBuffer(id gpucore.CommandBufferID) {
	d.mu.Lock()
	cb, ok := d.cmdBuffers[id]
	delete(d.cmdBuffers, id)
	d.mu.Unlock()
	if ok {
		d.device.FreeCommandBuffer(cb)
	}
}

// Submit submits command buffers. When desc names a fence, the fence
// reaches desc.FenceValue once hal reports the submission complete.
func (d *Device) Submit(desc *gpucore.SubmitDesc) error {
	d.mu.RLock()
	cbs := make([]hal.CommandBuffer, 0, len(desc.CommandBuffers))
	for _, id := range desc.CommandBuffers {
		cb, ok := d.cmdBuffers[id]
		if !ok {
			d.mu.RUnlock()
			return fmt.Errorf("%w: command buffer %d", ErrUnknownResource, id)
		}
		cbs = append(cbs, cb)
	}
	if desc.Fence != gpucore.InvalidID {
		if _, ok := d.fences[desc.Fence]; !ok {
			d.mu.RUnlock()
			return fmt.Errorf("%w: fence %d", ErrUnknownResource, desc.Fence)
		}
	}
	d.mu.RUnlock()

	index, err := d.queue.Submit(cbs)
	if err != nil {
		return fmt.Errorf("native: submit to %s queue: %w", desc.Queue, err)
	}
	if desc.Fence != gpucore.InvalidID {
		d.mu.Lock()
		// The fence may have been destroyed concurrently; then nobody waits.
		if t, ok := d.fences[desc.Fence]; ok {
			t.pending = append(t.pending, fenceSignal{value: desc.FenceValue, index: index})
		}
		d.mu.Unlock()
	}
	logging.Logger().Debug("native: submitted",
		"queue", desc.Queue.String(),
		"index", index,
		"buffers", len(cbs),
		"wait", len(desc.Wait),
		"signal", len(desc.Signal))
	return nil
}

func (d *Device) addCommandBuffer(cb hal.CommandBuffer) gpucore.CommandBufferID {
	id := gpucore.CommandBufferID(d.newID())
	d.mu.Lock()
	d.cmdBuffers[id] = cb
	d.mu.Unlock()
	return id
}

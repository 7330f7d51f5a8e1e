// Package gputest provides a recording gpucore.Device for tests.
//
// Device keeps every object in memory, executes buffer copies on Submit so
// upload paths can be checked end to end, and logs each call in order.
// Fences complete on submit unless HoldFences is set.
package gputest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/framecore/gpucore"
)

// ErrInjected is returned by calls configured to fail.
var ErrInjected = errors.New("gputest: injected failure")

// Call is one recorded device or encoder call.
type Call struct {
	Op   string
	Args []any
}

func (c Call) String() string {
	return fmt.Sprintf("%s%v", c.Op, c.Args)
}

type fence struct {
	value     uint64
	submitted uint64
}

type commandBuffer struct {
	queue gpucore.QueueKind
	cmds  []Call
}

// Device is an in-memory gpucore.Device.
type Device struct {
	mu     sync.Mutex
	nextID uint64

	buffers       map[gpucore.BufferID][]byte
	textures      map[gpucore.TextureID]gpucore.TextureDesc
	views         map[gpucore.TextureViewID]gpucore.TextureID
	samplers      map[gpucore.SamplerID]struct{}
	modules       map[gpucore.ShaderModuleID]struct{}
	pipelines     map[gpucore.RenderPipelineID]struct{}
	layouts       map[gpucore.BindGroupLayoutID]gpucore.BindGroupLayoutDesc
	groups        map[gpucore.BindGroupID]gpucore.BindGroupLayoutID
	written       map[gpucore.BindGroupID][]gpucore.BindGroupEntry
	fences        map[gpucore.FenceID]*fence
	semaphores    map[gpucore.SemaphoreID]struct{}
	commandBuffer map[gpucore.CommandBufferID]*commandBuffer

	calls   []Call
	submits []gpucore.SubmitDesc

	// HoldFences keeps submitted fence values pending until Complete is called.
	HoldFences bool

	// FailAllocate makes the next n AllocateBindGroup calls for a layout fail.
	FailAllocate map[gpucore.BindGroupLayoutID]int

	// FailCreateBuffer makes every CreateBuffer call fail.
	FailCreateBuffer bool

	// FailShaderLabel makes CreateShaderModule fail for modules with this label.
	FailShaderLabel string

	// Destroyed counts destroy calls per kind ("buffer", "bindgroup", ...).
	Destroyed map[string]int
}

// New returns an empty device.
func New() *Device {
	return &Device{
		buffers:       make(map[gpucore.BufferID][]byte),
		textures:      make(map[gpucore.TextureID]gpucore.TextureDesc),
		views:         make(map[gpucore.TextureViewID]gpucore.TextureID),
		samplers:      make(map[gpucore.SamplerID]struct{}),
		modules:       make(map[gpucore.ShaderModuleID]struct{}),
		pipelines:     make(map[gpucore.RenderPipelineID]struct{}),
		layouts:       make(map[gpucore.BindGroupLayoutID]gpucore.BindGroupLayoutDesc),
		groups:        make(map[gpucore.BindGroupID]gpucore.BindGroupLayoutID),
		written:       make(map[gpucore.BindGroupID][]gpucore.BindGroupEntry),
		fences:        make(map[gpucore.FenceID]*fence),
		semaphores:    make(map[gpucore.SemaphoreID]struct{}),
		commandBuffer: make(map[gpucore.CommandBufferID]*commandBuffer),
		FailAllocate:  make(map[gpucore.BindGroupLayoutID]int),
		Destroyed:     make(map[string]int),
	}
}

var _ gpucore.Device = (*Device)(nil)

func (d *Device) id() uint64 {
	d.nextID++
	return d.nextID
}

func (d *Device) record(op string, args ...any) {
	d.calls = append(d.calls, Call{Op: op, Args: args})
}

// Calls returns a copy of the recorded call log.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CountCalls returns how many recorded calls have the given op.
func (d *Device) CountCalls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (d *Device) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

// Submits returns a copy of every submission.
func (d *Device) Submits() []gpucore.SubmitDesc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gpucore.SubmitDesc(nil), d.submits...)
}

// BufferData returns a copy of a buffer's contents.
func (d *Device) BufferData(id gpucore.BufferID) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.buffers[id]...)
}

// Written returns the entries last written to a bind group.
func (d *Device) Written(id gpucore.BindGroupID) ([]gpucore.BindGroupEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.written[id]
	return e, ok
}

// LiveBindGroups returns the number of bind groups not yet destroyed.
func (d *Device) LiveBindGroups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.groups)
}

// LiveBuffers returns the number of buffers not yet destroyed.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// Complete signals every held fence up to its last submitted value.
func (d *Device) Complete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.fences {
		f.value = f.submitted
	}
}

// FenceValue returns the completed value of a fence.
func (d *Device) FenceValue(id gpucore.FenceID) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.fences[id]; ok {
		return f.value
	}
	return 0
}

func (d *Device) CreateBuffer(desc *gpucore.BufferDesc) (gpucore.BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailCreateBuffer {
		return gpucore.InvalidID, ErrInjected
	}
	id := gpucore.BufferID(d.id())
	d.buffers[id] = make([]byte, desc.Size)
	d.record("CreateBuffer", id, desc.Size)
	return id, nil
}

func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[id]; ok {
		delete(d.buffers, id)
		d.Destroyed["buffer"]++
	}
	d.record("DestroyBuffer", id)
}

func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("gputest: write to unknown buffer %d", id)
	}
	if offset+uint64(len(data)) > uint64(len(buf)) {
		return fmt.Errorf("gputest: write of %d bytes at %d overflows buffer %d", len(data), offset, id)
	}
	copy(buf[offset:], data)
	d.record("WriteBuffer", id, offset, len(data))
	return nil
}

func (d *Device) CreateTexture(desc *gpucore.TextureDesc) (gpucore.TextureID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.TextureID(d.id())
	d.textures[id] = *desc
	d.record("CreateTexture", id)
	return id, nil
}

func (d *Device) DestroyTexture(id gpucore.TextureID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.textures[id]; ok {
		delete(d.textures, id)
		d.Destroyed["texture"]++
	}
	d.record("DestroyTexture", id)
}

func (d *Device) CreateTextureView(texture gpucore.TextureID, _ *gpucore.TextureViewDesc) (gpucore.TextureViewID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.textures[texture]; !ok {
		return gpucore.InvalidID, fmt.Errorf("gputest: view of unknown texture %d", texture)
	}
	id := gpucore.TextureViewID(d.id())
	d.views[id] = texture
	d.record("CreateTextureView", id, texture)
	return id, nil
}

func (d *Device) DestroyTextureView(id gpucore.TextureViewID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.views[id]; ok {
		delete(d.views, id)
		d.Destroyed["view"]++
	}
	d.record("DestroyTextureView", id)
}

func (d *Device) CreateSampler(*gpucore.SamplerDesc) (gpucore.SamplerID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.SamplerID(d.id())
	d.samplers[id] = struct{}{}
	d.record("CreateSampler", id)
	return id, nil
}

func (d *Device) DestroySampler(id gpucore.SamplerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.samplers[id]; ok {
		delete(d.samplers, id)
		d.Destroyed["sampler"]++
	}
	d.record("DestroySampler", id)
}

func (d *Device) CreateShaderModule(desc *gpucore.ShaderModuleDesc) (gpucore.ShaderModuleID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailShaderLabel != "" && desc.Label == d.FailShaderLabel {
		return gpucore.InvalidID, ErrInjected
	}
	id := gpucore.ShaderModuleID(d.id())
	d.modules[id] = struct{}{}
	d.record("CreateShaderModule", id, desc.Label)
	return id, nil
}

func (d *Device) DestroyShaderModule(id gpucore.ShaderModuleID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.modules[id]; ok {
		delete(d.modules, id)
		d.Destroyed["shader"]++
	}
	d.record("DestroyShaderModule", id)
}

func (d *Device) CreateRenderPipeline(desc *gpucore.RenderPipelineDesc) (gpucore.RenderPipelineID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.modules[desc.VertexModule]; !ok {
		return gpucore.InvalidID, fmt.Errorf("gputest: unknown vertex module %d", desc.VertexModule)
	}
	id := gpucore.RenderPipelineID(d.id())
	d.pipelines[id] = struct{}{}
	d.record("CreateRenderPipeline", id, desc.Label)
	return id, nil
}

func (d *Device) DestroyRenderPipeline(id gpucore.RenderPipelineID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pipelines[id]; ok {
		delete(d.pipelines, id)
		d.Destroyed["pipeline"]++
	}
	d.record("DestroyRenderPipeline", id)
}

func (d *Device) CreateBindGroupLayout(desc *gpucore.BindGroupLayoutDesc) (gpucore.BindGroupLayoutID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.BindGroupLayoutID(d.id())
	d.layouts[id] = *desc
	d.record("CreateBindGroupLayout", id, desc.Label)
	return id, nil
}

func (d *Device) DestroyBindGroupLayout(id gpucore.BindGroupLayoutID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.layouts, id)
	d.record("DestroyBindGroupLayout", id)
}

func (d *Device) AllocateBindGroup(layout gpucore.BindGroupLayoutID, _ string) (gpucore.BindGroupID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.FailAllocate[layout]; n > 0 {
		d.FailAllocate[layout] = n - 1
		d.record("AllocateBindGroupFailed", layout)
		return gpucore.InvalidID, ErrInjected
	}
	if _, ok := d.layouts[layout]; !ok {
		return gpucore.InvalidID, fmt.Errorf("gputest: unknown layout %d", layout)
	}
	id := gpucore.BindGroupID(d.id())
	d.groups[id] = layout
	d.record("AllocateBindGroup", id, layout)
	return id, nil
}

func (d *Device) WriteBindGroups(writes []gpucore.BindGroupWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range writes {
		if _, ok := d.groups[w.Group]; !ok {
			return fmt.Errorf("gputest: write to unknown bind group %d", w.Group)
		}
	}
	for _, w := range writes {
		d.written[w.Group] = append([]gpucore.BindGroupEntry(nil), w.Entries...)
	}
	d.record("WriteBindGroups", len(writes))
	return nil
}

func (d *Device) DestroyBindGroup(id gpucore.BindGroupID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.groups[id]; ok {
		delete(d.groups, id)
		delete(d.written, id)
		d.Destroyed["bindgroup"]++
	}
	d.record("DestroyBindGroup", id)
}

func (d *Device) CreateFence() (gpucore.FenceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.FenceID(d.id())
	d.fences[id] = &fence{}
	d.record("CreateFence", id)
	return id, nil
}

func (d *Device) DestroyFence(id gpucore.FenceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fences, id)
	d.record("DestroyFence", id)
}

func (d *Device) WaitFence(id gpucore.FenceID, value uint64, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fences[id]
	if !ok {
		return false, fmt.Errorf("gputest: wait on unknown fence %d", id)
	}
	d.record("WaitFence", id, value)
	return f.value >= value, nil
}

func (d *Device) CreateSemaphore() (gpucore.SemaphoreID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.SemaphoreID(d.id())
	d.semaphores[id] = struct{}{}
	d.record("CreateSemaphore", id)
	return id, nil
}

func (d *Device) DestroySemaphore(id gpucore.SemaphoreID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.semaphores, id)
	d.record("DestroySemaphore", id)
}

func (d *Device) CreateCommandEncoder(queue gpucore.QueueKind, label string) (gpucore.CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("CreateCommandEncoder", queue, label)
	return &Encoder{device: d, queue: queue}, nil
}

func (d *Device) FreeCommandBuffer(id gpucore.CommandBufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.commandBuffer[id]; ok {
		delete(d.commandBuffer, id)
		d.Destroyed["commandbuffer"]++
	}
	d.record("FreeCommandBuffer", id)
}

// Submit executes buffer copies recorded in the submitted command buffers
// and advances the fence.
func (d *Device) Submit(desc *gpucore.SubmitDesc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range desc.CommandBuffers {
		if _, ok := d.commandBuffer[id]; !ok {
			return fmt.Errorf("gputest: submit of unknown command buffer %d", id)
		}
	}
	for _, id := range desc.CommandBuffers {
		for _, c := range d.commandBuffer[id].cmds {
			if c.Op != "CopyBufferToBuffer" {
				continue
			}
			src, dst := d.buffers[c.Args[0].(gpucore.BufferID)], d.buffers[c.Args[1].(gpucore.BufferID)]
			for _, r := range c.Args[2].([]gpucore.BufferCopy) {
				copy(dst[r.DstOffset:r.DstOffset+r.Size], src[r.SrcOffset:r.SrcOffset+r.Size])
			}
		}
	}
	if desc.Fence != gpucore.InvalidID {
		f, ok := d.fences[desc.Fence]
		if !ok {
			return fmt.Errorf("gputest: submit with unknown fence %d", desc.Fence)
		}
		f.submitted = desc.FenceValue
		if !d.HoldFences {
			f.value = desc.FenceValue
		}
	}
	d.submits = append(d.submits, *desc)
	d.record("Submit", desc.Queue, len(desc.CommandBuffers))
	return nil
}

// Commands returns the commands recorded in a command buffer.
func (d *Device) Commands(id gpucore.CommandBufferID) []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.commandBuffer[id]; ok {
		return append([]Call(nil), cb.cmds...)
	}
	return nil
}

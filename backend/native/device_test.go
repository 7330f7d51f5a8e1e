//go:build !nogpu

package native

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/framecore/backend"
	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/pipeline"
)

// openNoop opens a device on the noop hal backend.
func openNoop(t *testing.T) *Device {
	t.Helper()
	d, err := Open(noop.API{})
	if err != nil {
		t.Fatalf("Open(noop) failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestRegisteredBackends(t *testing.T) {
	dev, err := backend.Open("noop")
	if err != nil {
		t.Fatalf("backend.Open(noop) error = %v", err)
	}
	defer dev.Close()
	if _, ok := dev.(*Device); !ok {
		t.Errorf("backend.Open(noop) = %T, want *Device", dev)
	}
}

func TestBufferLifecycle(t *testing.T) {
	d := openNoop(t)

	id, err := d.CreateBuffer(&gpucore.BufferDesc{
		Label: "vertices",
		Size:  64,
		Usage: gpucore.BufferUsageVertex | gpucore.BufferUsageCopyDst,
	})
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	if id == gpucore.InvalidID {
		t.Fatal("CreateBuffer() returned the invalid ID")
	}
	if err := d.WriteBuffer(id, 0, make([]byte, 16)); err != nil {
		t.Errorf("WriteBuffer() error = %v", err)
	}
	d.DestroyBuffer(id)
	if err := d.WriteBuffer(id, 0, []byte{1}); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("WriteBuffer() after destroy error = %v, want ErrUnknownResource", err)
	}
	d.DestroyBuffer(id) // second destroy is a no-op

	if _, err := d.CreateBuffer(&gpucore.BufferDesc{Label: "empty"}); err == nil {
		t.Error("CreateBuffer() with zero size should fail")
	}
}

func TestBindGroupWrittenOnWrite(t *testing.T) {
	d := openNoop(t)

	layout, err := d.CreateBindGroupLayout(&gpucore.BindGroupLayoutDesc{
		Label: "material",
		Entries: []gpucore.BindGroupLayoutEntry{
			{Binding: 0, Type: gpucore.BindingTypeUniformBuffer},
			{Binding: 1, Type: gpucore.BindingTypeSampledTexture},
			{Binding: 2, Type: gpucore.BindingTypeSampler},
		},
	})
	if err != nil {
		t.Fatalf("CreateBindGroupLayout() error = %v", err)
	}
	buf, err := d.CreateBuffer(&gpucore.BufferDesc{Label: "ubo", Size: 256, Usage: gpucore.BufferUsageUniform})
	if err != nil {
		t.Fatal(err)
	}
	tex, err := d.CreateTexture(&gpucore.TextureDesc{
		Label: "albedo", Width: 4, Height: 4,
		Format: gpucore.TextureFormatRGBA8Unorm,
		Usage:  gpucore.TextureUsageTextureBinding | gpucore.TextureUsageCopyDst,
	})
	if err != nil {
		t.Fatal(err)
	}
	view, err := d.CreateTextureView(tex, nil)
	if err != nil {
		t.Fatal(err)
	}
	sampler, err := d.CreateSampler(&gpucore.SamplerDesc{Label: "linear", Filter: gpucore.FilterLinear})
	if err != nil {
		t.Fatal(err)
	}

	group, err := d.AllocateBindGroup(layout, "material 0")
	if err != nil {
		t.Fatalf("AllocateBindGroup() error = %v", err)
	}
	if d.groups[group].group != nil {
		t.Error("allocated group should not have a native object before it is written")
	}

	err = d.WriteBindGroups([]gpucore.BindGroupWrite{{
		Group: group,
		Entries: []gpucore.BindGroupEntry{
			{Binding: 0, Buffer: buf, Size: 256},
			{Binding: 1, TextureView: view},
			{Binding: 2, Sampler: sampler},
		},
	}})
	if err != nil {
		t.Fatalf("WriteBindGroups() error = %v", err)
	}
	if d.groups[group].group == nil {
		t.Error("written group has no native object")
	}

	err = d.WriteBindGroups([]gpucore.BindGroupWrite{
		{Group: group, Entries: []gpucore.BindGroupEntry{{Binding: 0, Buffer: 9999}}},
		{Group: 12345},
	})
	if !errors.Is(err, ErrUnknownResource) {
		t.Errorf("WriteBindGroups() error = %v, want ErrUnknownResource", err)
	}
	if d.groups[group].group == nil {
		t.Error("failed rewrite should keep the previous native group")
	}

	if _, err := d.AllocateBindGroup(12345, "orphan"); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("AllocateBindGroup() with unknown layout error = %v", err)
	}
}

func TestPipelineFromWGSL(t *testing.T) {
	d := openNoop(t)

	const src = `
@vertex
fn vs_main(@location(0) pos: vec2<f32>) -> @builtin(position) vec4<f32> {
    return vec4<f32>(pos, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 1.0, 1.0, 1.0);
}
`
	spirv, err := pipeline.CompileWGSL(src)
	if err != nil {
		t.Fatal(err)
	}
	module, err := d.CreateShaderModule(&gpucore.ShaderModuleDesc{Label: "solid", SPIRV: spirv})
	if err != nil {
		t.Fatalf("CreateShaderModule() error = %v", err)
	}
	pl, err := d.CreateRenderPipeline(&gpucore.RenderPipelineDesc{
		Label:          "solid",
		VertexModule:   module,
		VertexEntry:    "vs_main",
		FragmentModule: module,
		FragmentEntry:  "fs_main",
		VertexBuffers: []gpucore.VertexBufferLayout{{
			ArrayStride: 8,
			Attributes:  []gpucore.VertexAttribute{{Format: gpucore.VertexFormatFloat32x2}},
		}},
		TargetFormat: gpucore.TextureFormatBGRA8Unorm,
	})
	if err != nil {
		t.Fatalf("CreateRenderPipeline() error = %v", err)
	}
	d.DestroyRenderPipeline(pl)
	d.DestroyShaderModule(module)

	if _, err := d.CreateShaderModule(&gpucore.ShaderModuleDesc{Label: "empty"}); err == nil {
		t.Error("CreateShaderModule() with no SPIR-V should fail")
	}
}

func TestSubmitSignalsFence(t *testing.T) {
	d := openNoop(t)

	src, err := d.CreateBuffer(&gpucore.BufferDesc{Label: "staging", Size: 64, Usage: gpucore.BufferUsageMapWrite | gpucore.BufferUsageCopySrc})
	if err != nil {
		t.Fatal(err)
	}
	dst, err := d.CreateBuffer(&gpucore.BufferDesc{Label: "dst", Size: 64, Usage: gpucore.BufferUsageCopyDst | gpucore.BufferUsageVertex})
	if err != nil {
		t.Fatal(err)
	}
	target, err := d.CreateTexture(&gpucore.TextureDesc{
		Label: "target", Width: 8, Height: 8,
		Format: gpucore.TextureFormatBGRA8Unorm,
		Usage:  gpucore.TextureUsageRenderAttachment,
	})
	if err != nil {
		t.Fatal(err)
	}
	targetView, err := d.CreateTextureView(target, &gpucore.TextureViewDesc{Label: "target view"})
	if err != nil {
		t.Fatal(err)
	}

	enc, err := d.CreateCommandEncoder(gpucore.QueueGraphics, "frame")
	if err != nil {
		t.Fatalf("CreateCommandEncoder() error = %v", err)
	}
	enc.PipelineBarrier([]gpucore.BufferBarrier{{
		Buffer: dst, OldUsage: gpucore.BufferUsageVertex, NewUsage: gpucore.BufferUsageCopyDst,
	}}, nil)
	enc.CopyBufferToBuffer(src, dst, []gpucore.BufferCopy{{Size: 64}})
	pass, err := enc.BeginRenderPass(&gpucore.RenderPassDesc{Label: "main", Target: targetView, Clear: true})
	if err != nil {
		t.Fatalf("BeginRenderPass() error = %v", err)
	}
	if err := pass.End(); err != nil {
		t.Fatal(err)
	}
	cb, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if _, err := enc.Finish(); err == nil {
		t.Error("second Finish() should fail")
	}

	fence, err := d.CreateFence()
	if err != nil {
		t.Fatal(err)
	}
	sem, err := d.CreateSemaphore()
	if err != nil {
		t.Fatal(err)
	}
	err = d.Submit(&gpucore.SubmitDesc{
		Queue:          gpucore.QueueGraphics,
		CommandBuffers: []gpucore.CommandBufferID{cb},
		Wait:           []gpucore.SemaphoreID{sem},
		Fence:          fence,
		FenceValue:     1,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	ok, err := d.WaitFence(fence, 1, time.Second)
	if err != nil || !ok {
		t.Errorf("WaitFence() = %v, %v; want true, nil", ok, err)
	}
	d.FreeCommandBuffer(cb)
	d.DestroySemaphore(sem)

	if err := d.Submit(&gpucore.SubmitDesc{CommandBuffers: []gpucore.CommandBufferID{cb}}); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("Submit() of a freed buffer error = %v, want ErrUnknownResource", err)
	}
	if _, err := enc.BeginRenderPass(&gpucore.RenderPassDesc{Target: 4242}); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("BeginRenderPass() with unknown target error = %v", err)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	d, err := Open(noop.API{})
	if err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if _, err := d.CreateBuffer(&gpucore.BufferDesc{Size: 16, Usage: gpucore.BufferUsageUniform}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := d.CreateFence(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(d.buffers) != 0 || len(d.fences) != 0 {
		t.Errorf("Close() left %d buffers and %d fences", len(d.buffers), len(d.fences))
	}
}

func TestRecordingUnknownResourceFails(t *testing.T) {
	d := openNoop(t)

	src, err := d.CreateBuffer(&gpucore.BufferDesc{Label: "staging", Size: 64, Usage: gpucore.BufferUsageCopySrc})
	if err != nil {
		t.Fatal(err)
	}
	dst, err := d.CreateBuffer(&gpucore.BufferDesc{Label: "dst", Size: 64, Usage: gpucore.BufferUsageCopyDst})
	if err != nil {
		t.Fatal(err)
	}
	d.DestroyBuffer(dst)

	enc, err := d.CreateCommandEncoder(gpucore.QueueTransfer, "upload")
	if err != nil {
		t.Fatal(err)
	}
	enc.CopyBufferToBuffer(src, dst, []gpucore.BufferCopy{{Size: 64}})
	enc.CopyBufferToBuffer(src, src, []gpucore.BufferCopy{{Size: 16}})
	if _, err := enc.Finish(); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("Finish() after copy to destroyed buffer error = %v, want ErrUnknownResource", err)
	}
	if n := len(d.cmdBuffers); n != 0 {
		t.Errorf("failed recording produced %d command buffers, want 0", n)
	}

	target, err := d.CreateTexture(&gpucore.TextureDesc{
		Label: "target", Width: 4, Height: 4,
		Format: gpucore.TextureFormatBGRA8Unorm,
		Usage:  gpucore.TextureUsageRenderAttachment,
	})
	if err != nil {
		t.Fatal(err)
	}
	view, err := d.CreateTextureView(target, nil)
	if err != nil {
		t.Fatal(err)
	}
	enc, err = d.CreateCommandEncoder(gpucore.QueueGraphics, "frame")
	if err != nil {
		t.Fatal(err)
	}
	pass, err := enc.BeginRenderPass(&gpucore.RenderPassDesc{Target: view})
	if err != nil {
		t.Fatal(err)
	}
	pass.SetVertexBuffer(0, dst, 0)
	pass.DrawIndexed(3, 1, 0, 0, 0)
	if err := pass.End(); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("End() after unknown vertex buffer error = %v, want ErrUnknownResource", err)
	}
	if _, err := enc.Finish(); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("Finish() after failed pass error = %v, want ErrUnknownResource", err)
	}
}

func TestUnwrittenBindGroupFailsPass(t *testing.T) {
	d := openNoop(t)

	layout, err := d.CreateBindGroupLayout(&gpucore.BindGroupLayoutDesc{
		Entries: []gpucore.BindGroupLayoutEntry{{Binding: 0, Type: gpucore.BindingTypeUniformBuffer}},
	})
	if err != nil {
		t.Fatal(err)
	}
	group, err := d.AllocateBindGroup(layout, "pending")
	if err != nil {
		t.Fatal(err)
	}
	target, err := d.CreateTexture(&gpucore.TextureDesc{Width: 4, Height: 4, Usage: gpucore.TextureUsageRenderAttachment})
	if err != nil {
		t.Fatal(err)
	}
	view, err := d.CreateTextureView(target, nil)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := d.CreateCommandEncoder(gpucore.QueueGraphics, "frame")
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Discard()
	pass, err := enc.BeginRenderPass(&gpucore.RenderPassDesc{Target: view})
	if err != nil {
		t.Fatal(err)
	}
	pass.SetBindGroup(0, group, nil)
	if err := pass.End(); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("End() with unwritten bind group error = %v, want ErrUnknownResource", err)
	}
}

// heldQueue reports completion only up to the index the test releases.
type heldQueue struct {
	hal.Queue
	completed atomic.Uint64
}

func (q *heldQueue) PollCompleted() uint64 { return q.completed.Load() }

func openHeld(t *testing.T) (*Device, *heldQueue) {
	t.Helper()
	open, err := (&noop.Adapter{}).Open(0, gputypes.DefaultLimits())
	if err != nil {
		t.Fatal(err)
	}
	q := &heldQueue{Queue: open.Queue}
	d := New(open.Device, q)
	t.Cleanup(func() { _ = d.Close() })
	return d, q
}

func submitEmpty(t *testing.T, d *Device, fence gpucore.FenceID, value uint64) {
	t.Helper()
	enc, err := d.CreateCommandEncoder(gpucore.QueueGraphics, "empty")
	if err != nil {
		t.Fatal(err)
	}
	cb, err := enc.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Submit(&gpucore.SubmitDesc{
		Queue:          gpucore.QueueGraphics,
		CommandBuffers: []gpucore.CommandBufferID{cb},
		Fence:          fence,
		FenceValue:     value,
	}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
}

func TestFenceFollowsSubmissionIndex(t *testing.T) {
	d, q := openHeld(t)
	fence, err := d.CreateFence()
	if err != nil {
		t.Fatal(err)
	}

	submitEmpty(t, d, fence, 1) // submission index 1
	submitEmpty(t, d, fence, 2) // submission index 2

	if ok, err := d.WaitFence(fence, 1, time.Millisecond); ok || err != nil {
		t.Fatalf("WaitFence(1) before completion = %v, %v; want false, nil", ok, err)
	}

	q.completed.Store(1)
	if ok, err := d.WaitFence(fence, 1, 0); !ok || err != nil {
		t.Errorf("WaitFence(1) after index 1 = %v, %v; want true, nil", ok, err)
	}
	if ok, _ := d.WaitFence(fence, 2, time.Millisecond); ok {
		t.Error("WaitFence(2) reached before its submission completed")
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.completed.Store(2)
	}()
	if ok, err := d.WaitFence(fence, 2, 5*time.Second); !ok || err != nil {
		t.Errorf("WaitFence(2) = %v, %v; want true, nil", ok, err)
	}

	if ok, _ := d.WaitFence(fence, 3, time.Millisecond); ok {
		t.Error("WaitFence(3) reached a value no submission signals")
	}
	if _, err := d.WaitFence(4242, 1, 0); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("WaitFence() on unknown fence error = %v, want ErrUnknownResource", err)
	}
}

func TestFenceIgnoresUnrelatedSubmissions(t *testing.T) {
	d, q := openHeld(t)
	a, _ := d.CreateFence()
	b, _ := d.CreateFence()

	submitEmpty(t, d, a, 1)                 // index 1
	submitEmpty(t, d, gpucore.InvalidID, 0) // index 2
	submitEmpty(t, d, b, 1)                 // index 3

	q.completed.Store(2)
	if ok, _ := d.WaitFence(a, 1, 0); !ok {
		t.Error("fence a should be reached after index 2")
	}
	if ok, _ := d.WaitFence(b, 1, 0); ok {
		t.Error("fence b reached before index 3 completed")
	}
}

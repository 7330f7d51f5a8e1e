package gpucore

import "time"

// Device abstracts the native graphics API used by the frame core.
//
// Implementations must be safe for concurrent use: bind-time calls come
// from producer goroutines while the frame flush runs on the render
// goroutine.
//
// Resource lifecycle:
//   - Resources are created via Create* methods
//   - Resources are released via Destroy* methods, normally from a drop list
//   - Destroying a resource still referenced by in-flight GPU work is a
//     use-after-free; callers defer destruction until a fence confirms
//     completion
type Device interface {
	// === Buffers ===

	CreateBuffer(desc *BufferDesc) (BufferID, error)
	DestroyBuffer(id BufferID)

	// WriteBuffer writes host data into a host-visible or staging buffer.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// === Textures ===

	CreateTexture(desc *TextureDesc) (TextureID, error)
	DestroyTexture(id TextureID)
	CreateTextureView(texture TextureID, desc *TextureViewDesc) (TextureViewID, error)
	DestroyTextureView(id TextureViewID)
	CreateSampler(desc *SamplerDesc) (SamplerID, error)
	DestroySampler(id SamplerID)

	// === Shaders and pipelines ===

	CreateShaderModule(desc *ShaderModuleDesc) (ShaderModuleID, error)
	DestroyShaderModule(id ShaderModuleID)
	CreateRenderPipeline(desc *RenderPipelineDesc) (RenderPipelineID, error)
	DestroyRenderPipeline(id RenderPipelineID)

	// === Binding sets ===

	CreateBindGroupLayout(desc *BindGroupLayoutDesc) (BindGroupLayoutID, error)
	DestroyBindGroupLayout(id BindGroupLayoutID)

	// AllocateBindGroup reserves a bind group for layout. The group is not
	// usable until it has been written by WriteBindGroups.
	AllocateBindGroup(layout BindGroupLayoutID, label string) (BindGroupID, error)

	// WriteBindGroups writes several allocated bind groups in one call.
	WriteBindGroups(writes []BindGroupWrite) error

	DestroyBindGroup(id BindGroupID)

	// === Synchronization ===

	CreateFence() (FenceID, error)
	DestroyFence(id FenceID)

	// WaitFence blocks until fence reaches value or timeout elapses.
	// It returns false on timeout.
	WaitFence(fence FenceID, value uint64, timeout time.Duration) (bool, error)

	CreateSemaphore() (SemaphoreID, error)
	DestroySemaphore(id SemaphoreID)

	// === Command recording ===

	CreateCommandEncoder(queue QueueKind, label string) (CommandEncoder, error)
	FreeCommandBuffer(id CommandBufferID)
	Submit(desc *SubmitDesc) error
}

// CommandEncoder records commands into a command buffer.
// It is not safe for concurrent use.
type CommandEncoder interface {
	PipelineBarrier(buffers []BufferBarrier, textures []TextureBarrier)
	CopyBufferToBuffer(src, dst BufferID, regions []BufferCopy)
	CopyBufferToTexture(src BufferID, dst TextureID, regions []BufferTextureCopy)
	BeginRenderPass(desc *RenderPassDesc) (RenderPassEncoder, error)

	// Finish ends recording and returns the command buffer.
	Finish() (CommandBufferID, error)

	// Discard abandons recording.
	Discard()
}

// RenderPassEncoder records draw commands within a render pass.
// It is not safe for concurrent use.
type RenderPassEncoder interface {
	SetPipeline(pipeline RenderPipelineID)
	SetVertexBuffer(slot uint32, buffer BufferID, offset uint64)
	SetIndexBuffer(buffer BufferID, format IndexFormat, offset uint64)
	SetBindGroup(index uint32, group BindGroupID, dynamicOffsets []uint32)
	DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32)
	End() error
}

package gputest

import (
	"errors"

	"github.com/gogpu/framecore/gpucore"
)

var errEncoderFinished = errors.New("gputest: encoder already finished")

// Encoder records commands for a Device.
type Encoder struct {
	device   *Device
	queue    gpucore.QueueKind
	cmds     []Call
	finished bool
}

var _ gpucore.CommandEncoder = (*Encoder)(nil)

func (e *Encoder) add(op string, args ...any) {
	e.cmds = append(e.cmds, Call{Op: op, Args: args})
}

func (e *Encoder) PipelineBarrier(buffers []gpucore.BufferBarrier, textures []gpucore.TextureBarrier) {
	e.add("PipelineBarrier", append([]gpucore.BufferBarrier(nil), buffers...), append([]gpucore.TextureBarrier(nil), textures...))
}

func (e *Encoder) CopyBufferToBuffer(src, dst gpucore.BufferID, regions []gpucore.BufferCopy) {
	e.add("CopyBufferToBuffer", src, dst, append([]gpucore.BufferCopy(nil), regions...))
}

func (e *Encoder) CopyBufferToTexture(src gpucore.BufferID, dst gpucore.TextureID, regions []gpucore.BufferTextureCopy) {
	e.add("CopyBufferToTexture", src, dst, append([]gpucore.BufferTextureCopy(nil), regions...))
}

func (e *Encoder) BeginRenderPass(desc *gpucore.RenderPassDesc) (gpucore.RenderPassEncoder, error) {
	if e.finished {
		return nil, errEncoderFinished
	}
	e.add("BeginRenderPass", desc.Target)
	return &Pass{encoder: e}, nil
}

func (e *Encoder) Finish() (gpucore.CommandBufferID, error) {
	if e.finished {
		return gpucore.InvalidID, errEncoderFinished
	}
	e.finished = true
	d := e.device
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.CommandBufferID(d.id())
	d.commandBuffer[id] = &commandBuffer{queue: e.queue, cmds: e.cmds}
	d.record("Finish", id, len(e.cmds))
	return id, nil
}

func (e *Encoder) Discard() {
	e.finished = true
	e.cmds = nil
}

// Pass records render pass commands into its Encoder.
type Pass struct {
	encoder *Encoder
	ended   bool
}

var _ gpucore.RenderPassEncoder = (*Pass)(nil)

func (p *Pass) SetPipeline(pipeline gpucore.RenderPipelineID) {
	p.encoder.add("SetPipeline", pipeline)
}

func (p *Pass) SetVertexBuffer(slot uint32, buffer gpucore.BufferID, offset uint64) {
	p.encoder.add("SetVertexBuffer", slot, buffer, offset)
}

func (p *Pass) SetIndexBuffer(buffer gpucore.BufferID, format gpucore.IndexFormat, offset uint64) {
	p.encoder.add("SetIndexBuffer", buffer, format, offset)
}

func (p *Pass) SetBindGroup(index uint32, group gpucore.BindGroupID, dynamicOffsets []uint32) {
	p.encoder.add("SetBindGroup", index, group, append([]uint32(nil), dynamicOffsets...))
}

func (p *Pass) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	p.encoder.add("DrawIndexed", indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
}

func (p *Pass) End() error {
	if p.ended {
		return errors.New("gputest: render pass already ended")
	}
	p.ended = true
	p.encoder.add("EndRenderPass")
	return nil
}

// Recorded returns the pass commands recorded so far, for tests that replay
// without finishing the encoder.
func (p *Pass) Recorded() []Call {
	return append([]Call(nil), p.encoder.cmds...)
}

// NewPass returns a standalone pass whose commands can be read with Recorded.
func NewPass() *Pass {
	return &Pass{encoder: &Encoder{}}
}

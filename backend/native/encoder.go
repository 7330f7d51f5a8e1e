//go:build !nogpu

package native

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framecore/gpucore"
)

// encoder implements gpucore.CommandEncoder. Recording calls have no error
// return, so the first unknown ID is kept and reported by Finish; nothing
// is recorded after it.
type encoder struct {
	device *Device
	enc    hal.CommandEncoder
	queue  gpucore.QueueKind
	done   bool
	err    error
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *encoder) buffer(id gpucore.BufferID) (hal.Buffer, bool) {
	e.device.mu.RLock()
	defer e.device.mu.RUnlock()
	b, ok := e.device.buffers[id]
	if !ok {
		e.fail(fmt.Errorf("%w: buffer %d", ErrUnknownResource, id))
	}
	return b, ok
}

func (e *encoder) texture(id gpucore.TextureID) (hal.Texture, bool) {
	e.device.mu.RLock()
	defer e.device.mu.RUnlock()
	t, ok := e.device.textures[id]
	if !ok {
		e.fail(fmt.Errorf("%w: texture %d", ErrUnknownResource, id))
	}
	return t.tex, ok
}

func (e *encoder) PipelineBarrier(buffers []gpucore.BufferBarrier, textures []gpucore.TextureBarrier) {
	if e.err != nil {
		return
	}
	hb := make([]hal.BufferBarrier, 0, len(buffers))
	for _, b := range buffers {
		buf, ok := e.buffer(b.Buffer)
		if !ok {
			return
		}
		hb = append(hb, hal.BufferBarrier{
			Buffer: buf,
			Usage: hal.BufferUsageTransition{
				OldUsage: convertBufferUsage(b.OldUsage),
				NewUsage: convertBufferUsage(b.NewUsage),
			},
		})
	}
	tb := make([]hal.TextureBarrier, 0, len(textures))
	for _, t := range textures {
		tex, ok := e.texture(t.Texture)
		if !ok {
			return
		}
		tb = append(tb, hal.TextureBarrier{
			Texture: tex,
			Usage: hal.TextureUsageTransition{
				OldUsage: convertTextureUsage(t.OldUsage),
				NewUsage: convertTextureUsage(t.NewUsage),
			},
		})
	}
	if len(hb) > 0 {
		e.enc.TransitionBuffers(hb)
	}
	if len(tb) > 0 {
		e.enc.TransitionTextures(tb)
	}
}

func (e *encoder) CopyBufferToBuffer(src, dst gpucore.BufferID, regions []gpucore.BufferCopy) {
	if e.err != nil {
		return
	}
	s, ok := e.buffer(src)
	if !ok {
		return
	}
	d, ok := e.buffer(dst)
	if !ok {
		return
	}
	hr := make([]hal.BufferCopy, len(regions))
	for i, r := range regions {
		hr[i] = hal.BufferCopy{SrcOffset: r.SrcOffset, DstOffset: r.DstOffset, Size: r.Size}
	}
	e.enc.CopyBufferToBuffer(s, d, hr)
}

func (e *encoder) CopyBufferToTexture(src gpucore.BufferID, dst gpucore.TextureID, regions []gpucore.BufferTextureCopy) {
	if e.err != nil {
		return
	}
	s, ok := e.buffer(src)
	if !ok {
		return
	}
	t, ok := e.texture(dst)
	if !ok {
		return
	}
	hr := make([]hal.BufferTextureCopy, len(regions))
	for i, r := range regions {
		hr[i] = hal.BufferTextureCopy{
			BufferLayout: hal.ImageDataLayout{
				Offset:       r.BufferOffset,
				BytesPerRow:  r.BytesPerRow,
				RowsPerImage: r.RowsPerImage,
			},
			TextureBase: hal.ImageCopyTexture{
				Texture:  t,
				MipLevel: r.MipLevel,
				Origin:   hal.Origin3D{Z: r.Layer},
			},
			Size: hal.Extent3D{Width: r.Width, Height: r.Height, DepthOrArrayLayers: 1},
		}
	}
	e.enc.CopyBufferToTexture(s, t, hr)
}

func (e *encoder) BeginRenderPass(desc *gpucore.RenderPassDesc) (gpucore.RenderPassEncoder, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.device.mu.RLock()
	view, ok := e.device.views[desc.Target]
	e.device.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: render target view %d", ErrUnknownResource, desc.Target)
	}
	load := gputypes.LoadOpLoad
	if desc.Clear {
		load = gputypes.LoadOpClear
	}
	rp := e.enc.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: desc.Label,
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:    view,
			LoadOp:  load,
			StoreOp: gputypes.StoreOpStore,
			ClearValue: gputypes.Color{
				R: desc.ClearColor[0],
				G: desc.ClearColor[1],
				B: desc.ClearColor[2],
				A: desc.ClearColor[3],
			},
		}},
	})
	return &renderPass{device: e.device, owner: e, rp: rp}, nil
}

// Finish ends recording. A recording failure discards the commands and is
// returned wrapped in ErrUnknownResource.
func (e *encoder) Finish() (gpucore.CommandBufferID, error) {
	if e.done {
		return gpucore.InvalidID, fmt.Errorf("native: encoder already finished")
	}
	e.done = true
	if e.err != nil {
		e.enc.DiscardEncoding()
		return gpucore.InvalidID, fmt.Errorf("native: record commands: %w", e.err)
	}
	cb, err := e.enc.EndEncoding()
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: end encoding: %w", err)
	}
	return e.device.addCommandBuffer(cb), nil
}

func (e *encoder) Discard() {
	if e.done {
		return
	}
	e.done = true
	e.enc.DiscardEncoding()
}

// renderPass implements gpucore.RenderPassEncoder. A failure also poisons
// the owning encoder.
type renderPass struct {
	device *Device
	owner  *encoder
	rp     hal.RenderPassEncoder
	err    error
}

func (p *renderPass) fail(err error) {
	if p.err == nil {
		p.err = err
	}
	p.owner.fail(err)
}

func (p *renderPass) SetPipeline(id gpucore.RenderPipelineID) {
	if p.err != nil {
		return
	}
	p.device.mu.RLock()
	pl, ok := p.device.pipelines[id]
	p.device.mu.RUnlock()
	if !ok {
		p.fail(fmt.Errorf("%w: render pipeline %d", ErrUnknownResource, id))
		return
	}
	p.rp.SetPipeline(pl.pipeline)
}

func (p *renderPass) SetVertexBuffer(slot uint32, id gpucore.BufferID, offset uint64) {
	if p.err != nil {
		return
	}
	p.device.mu.RLock()
	buf, ok := p.device.buffers[id]
	p.device.mu.RUnlock()
	if !ok {
		p.fail(fmt.Errorf("%w: vertex buffer %d", ErrUnknownResource, id))
		return
	}
	p.rp.SetVertexBuffer(slot, buf, offset)
}

func (p *renderPass) SetIndexBuffer(id gpucore.BufferID, format gpucore.IndexFormat, offset uint64) {
	if p.err != nil {
		return
	}
	p.device.mu.RLock()
	buf, ok := p.device.buffers[id]
	p.device.mu.RUnlock()
	if !ok {
		p.fail(fmt.Errorf("%w: index buffer %d", ErrUnknownResource, id))
		return
	}
	p.rp.SetIndexBuffer(buf, convertIndexFormat(format), offset)
}

func (p *renderPass) SetBindGroup(index uint32, id gpucore.BindGroupID, dynamicOffsets []uint32) {
	if p.err != nil {
		return
	}
	p.device.mu.RLock()
	g, ok := p.device.groups[id]
	var group hal.BindGroup
	if ok {
		group = g.group
	}
	p.device.mu.RUnlock()
	switch {
	case !ok:
		p.fail(fmt.Errorf("%w: bind group %d", ErrUnknownResource, id))
		return
	case group == nil:
		p.fail(fmt.Errorf("%w: bind group %d was never written", ErrUnknownResource, id))
		return
	}
	p.rp.SetBindGroup(index, group, dynamicOffsets)
}

func (p *renderPass) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	if p.err != nil {
		return
	}
	p.rp.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
}

// End closes the pass and returns the first recording failure.
func (p *renderPass) End() error {
	p.rp.End()
	if p.err != nil {
		return fmt.Errorf("native: render pass: %w", p.err)
	}
	return nil
}

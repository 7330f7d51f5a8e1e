package drawstream

import (
	"errors"
	"fmt"

	"github.com/gogpu/framecore/descriptor"
	"github.com/gogpu/framecore/gpucore"
)

// ErrInvalidHandle is reported for draws that reference a handle the
// resolver does not know. Incomplete binding sets resolve to nothing as
// well, so their draws are skipped rather than bound to a stale group.
var ErrInvalidHandle = errors.New("drawstream: unresolved handle")

// Resolver maps stream handles to GPU objects at replay time.
type Resolver interface {
	// ResolvePipeline returns the pipeline and a key identifying its
	// binding layout. Binding sets are rebound when the key changes.
	ResolvePipeline(h PipelineHandle) (gpucore.RenderPipelineID, uint64, bool)
	ResolveBuffer(h BufferHandle) (gpucore.BufferID, bool)
	ResolveBindingSet(h descriptor.Handle) (gpucore.BindGroupID, bool)
}

// replay tracks what has been bound on the pass. A stale flag means the
// stream changed the field, or an earlier bind failed, and it must be
// (re)bound before the next draw.
type replay struct {
	res  Resolver
	pass gpucore.RenderPassEncoder

	layout    uint64
	hasLayout bool

	stalePipeline bool
	staleVertex   [MaxVertexStreams]bool
	staleIndex    bool
	staleSets     [MaxBindingSets + 1]bool

	offsets []uint32
}

// Execute replays the stream into pass. Draws whose state cannot be
// resolved are skipped; the first such error is returned, wrapped with the
// number of skipped draws, after the whole stream has been replayed.
func (s *Stream) Execute(res Resolver, pass gpucore.RenderPassEncoder) error {
	rp := &replay{res: res, pass: pass, offsets: make([]uint32, 0, MaxDynamicOffsets)}
	rp.staleSets[0] = true

	var (
		first   error
		skipped int
	)
	err := walk(s.words, func(mask uint32, st *State) {
		rp.mark(mask)
		if err := rp.apply(s.pass, st); err != nil {
			if first == nil {
				first = err
			}
			skipped++
			return
		}
		d := st.Draw
		pass.DrawIndexed(d.IndexCount, d.InstanceCount, d.FirstIndex, d.VertexOffset, d.FirstInstance)
	})
	if err != nil {
		return err
	}
	if first != nil {
		return fmt.Errorf("drawstream: skipped %d of %d draws: %w", skipped, s.draws, first)
	}
	return nil
}

func (rp *replay) mark(mask uint32) {
	if mask&(1<<bitPipeline) != 0 {
		rp.stalePipeline = true
	}
	for i := range MaxVertexStreams {
		if mask&(1<<(bitVertex+i)) != 0 {
			rp.staleVertex[i] = true
		}
	}
	if mask&(1<<bitIndex) != 0 {
		rp.staleIndex = true
	}
	for i := range MaxBindingSets {
		if mask&(1<<(bitBindingSet+i)) != 0 {
			rp.staleSets[i+1] = true
		}
	}
	if mask&(((1<<MaxDynamicOffsets)-1)<<bitDynamicOffset) != 0 {
		rp.staleSets[MaxBindingSets] = true
	}
}

// apply binds every stale field of st. It stops at the first field that
// cannot be resolved, leaving it and the fields after it stale.
func (rp *replay) apply(passSet descriptor.Handle, st *State) error {
	if rp.stalePipeline {
		id, layout, ok := rp.res.ResolvePipeline(st.Pipeline)
		if !ok {
			return fmt.Errorf("%w: pipeline %v", ErrInvalidHandle, st.Pipeline)
		}
		rp.pass.SetPipeline(id)
		if !rp.hasLayout || layout != rp.layout {
			for i := range rp.staleSets {
				rp.staleSets[i] = true
			}
		}
		rp.layout, rp.hasLayout = layout, true
		rp.stalePipeline = false
	}

	for i := range MaxVertexStreams {
		if !rp.staleVertex[i] {
			continue
		}
		vb := st.VertexBuffers[i]
		if vb.Buffer.IsValid() {
			id, ok := rp.res.ResolveBuffer(vb.Buffer)
			if !ok {
				return fmt.Errorf("%w: vertex buffer %d %v", ErrInvalidHandle, i, vb.Buffer)
			}
			rp.pass.SetVertexBuffer(uint32(i), id, uint64(vb.Offset))
		}
		rp.staleVertex[i] = false
	}

	if rp.staleIndex {
		id, ok := rp.res.ResolveBuffer(st.IndexBuffer.Buffer)
		if !ok {
			return fmt.Errorf("%w: index buffer %v", ErrInvalidHandle, st.IndexBuffer.Buffer)
		}
		rp.pass.SetIndexBuffer(id, gpucore.IndexFormatUint16, uint64(st.IndexBuffer.Offset))
		rp.staleIndex = false
	}

	for group := range rp.staleSets {
		if !rp.staleSets[group] {
			continue
		}
		h := passSet
		if group > 0 {
			h = st.BindingSets[group-1]
		}
		if h.IsValid() {
			id, ok := rp.res.ResolveBindingSet(h)
			if !ok {
				return fmt.Errorf("%w: binding set %d %v", ErrInvalidHandle, group, h)
			}
			rp.pass.SetBindGroup(uint32(group), id, rp.dynamicOffsets(group, st))
		}
		rp.staleSets[group] = false
	}
	return nil
}

func (rp *replay) dynamicOffsets(group int, st *State) []uint32 {
	if group != MaxBindingSets {
		return nil
	}
	rp.offsets = rp.offsets[:0]
	for _, off := range st.DynamicOffsets {
		if off != NoOffset {
			rp.offsets = append(rp.offsets, off)
		}
	}
	return rp.offsets
}

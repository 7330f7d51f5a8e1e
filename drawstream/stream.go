// Package drawstream implements the delta-encoded draw-command stream.
//
// Clients bind state and issue draws against an implicit "current" record.
// Binding a value that is already current costs nothing; Draw appends a
// 32-bit mask of the fields that changed since the previous draw, followed
// by the changed values only. Every 32-bit value is stored as two 16-bit
// words, high word first.
//
// Record layout (fields in mask bit order):
//
//	mask         2 words
//	pipeline     2 words
//	vertex[i]    4 words (buffer, offset)   i < MaxVertexStreams
//	index        4 words (buffer, offset)
//	set[i]       2 words                    i < MaxBindingSets
//	dynamic[i]   2 words                    i < MaxDynamicOffsets
//	firstIndex, indexCount, instanceCount, firstInstance, vertexOffset
//	             2 words each
package drawstream

import (
	"fmt"
	"math"

	"github.com/gogpu/framecore/descriptor"
	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/handle"
)

const (
	// MaxVertexStreams is the number of vertex buffer slots.
	MaxVertexStreams = 3

	// MaxBindingSets is the number of client binding-set slots. Client sets
	// occupy groups 1..MaxBindingSets; group 0 is the pass binding set.
	MaxBindingSets = 3

	// MaxDynamicOffsets is the number of dynamic offsets. They apply to the
	// last binding-set group.
	MaxDynamicOffsets = 4

	// NoOffset marks an unused dynamic offset.
	NoOffset = math.MaxUint32
)

// Mask bits.
const (
	bitPipeline      = 0
	bitVertex        = bitPipeline + 1
	bitIndex         = bitVertex + MaxVertexStreams
	bitBindingSet    = bitIndex + 1
	bitDynamicOffset = bitBindingSet + MaxBindingSets
	bitFirstIndex    = bitDynamicOffset + MaxDynamicOffsets
	bitIndexCount    = bitFirstIndex + 1
	bitInstanceCount = bitIndexCount + 1
	bitFirstInstance = bitInstanceCount + 1
	bitVertexOffset  = bitFirstInstance + 1
	fieldCount       = bitVertexOffset + 1
)

// unset is the initial value of every draw parameter, so the first draw
// always carries all of them.
const unset = math.MaxUint32

// PipelineHandle identifies a registered render pipeline.
type PipelineHandle = handle.Handle[gpucore.RenderPipelineID]

// BufferHandle identifies a registered buffer.
type BufferHandle = handle.Handle[gpucore.BufferID]

// BufferSlice is a buffer bound at a byte offset.
type BufferSlice struct {
	Buffer BufferHandle
	Offset uint32
}

// Draw holds the parameters of one indexed draw.
type Draw struct {
	FirstIndex    uint32
	IndexCount    uint32
	InstanceCount uint32
	FirstInstance uint32
	VertexOffset  int32
}

// State is the fully resolved state in effect at one draw.
type State struct {
	Pipeline       PipelineHandle
	VertexBuffers  [MaxVertexStreams]BufferSlice
	IndexBuffer    BufferSlice
	BindingSets    [MaxBindingSets]descriptor.Handle
	DynamicOffsets [MaxDynamicOffsets]uint32
	Draw           Draw
}

func initialState() State {
	s := State{
		Draw: Draw{
			FirstIndex:    unset,
			IndexCount:    unset,
			InstanceCount: unset,
			FirstInstance: unset,
			VertexOffset:  -1,
		},
	}
	for i := range s.DynamicOffsets {
		s.DynamicOffsets[i] = NoOffset
	}
	return s
}

// Stream records draws for one render pass.
type Stream struct {
	pass    descriptor.Handle
	words   []uint16
	current State
	pending uint32
	draws   int
}

// New returns an empty stream whose draws use pass as binding group 0.
func New(pass descriptor.Handle) *Stream {
	return &Stream{pass: pass, current: initialState()}
}

// Pass returns the pass binding set.
func (s *Stream) Pass() descriptor.Handle {
	return s.pass
}

// BindPipeline makes p current.
func (s *Stream) BindPipeline(p PipelineHandle) {
	if s.current.Pipeline != p {
		s.current.Pipeline = p
		s.pending |= 1 << bitPipeline
	}
}

// BindVertexBuffer binds a vertex buffer slot. It panics when slot is out
// of range.
func (s *Stream) BindVertexBuffer(slot int, b BufferSlice) {
	if slot < 0 || slot >= MaxVertexStreams {
		panic(fmt.Sprintf("drawstream: vertex buffer slot %d out of range [0,%d)", slot, MaxVertexStreams))
	}
	if s.current.VertexBuffers[slot] != b {
		s.current.VertexBuffers[slot] = b
		s.pending |= 1 << (bitVertex + slot)
	}
}

// BindIndexBuffer binds the index buffer. Indices are 16-bit.
func (s *Stream) BindIndexBuffer(b BufferSlice) {
	if s.current.IndexBuffer != b {
		s.current.IndexBuffer = b
		s.pending |= 1 << bitIndex
	}
}

// BindBindingSet binds a binding set at group slot, 1 <= slot <=
// MaxBindingSets. It panics when slot is out of range.
func (s *Stream) BindBindingSet(slot int, h descriptor.Handle) {
	if slot < 1 || slot > MaxBindingSets {
		panic(fmt.Sprintf("drawstream: binding set slot %d out of range [1,%d]", slot, MaxBindingSets))
	}
	if s.current.BindingSets[slot-1] != h {
		s.current.BindingSets[slot-1] = h
		s.pending |= 1 << (bitBindingSet + slot - 1)
	}
}

// SetDynamicOffset sets dynamic offset i of the last binding set. NoOffset
// clears it. It panics when i is out of range.
func (s *Stream) SetDynamicOffset(i int, offset uint32) {
	if i < 0 || i >= MaxDynamicOffsets {
		panic(fmt.Sprintf("drawstream: dynamic offset %d out of range [0,%d)", i, MaxDynamicOffsets))
	}
	if s.current.DynamicOffsets[i] != offset {
		s.current.DynamicOffsets[i] = offset
		s.pending |= 1 << (bitDynamicOffset + i)
	}
}

// Draw appends one record. It panics when no valid pipeline, index buffer
// or vertex buffer is bound, or when d draws nothing.
func (s *Stream) Draw(d Draw) {
	cur := &s.current
	if !cur.Pipeline.IsValid() {
		panic("drawstream: draw without a pipeline")
	}
	if !cur.IndexBuffer.Buffer.IsValid() {
		panic("drawstream: draw without an index buffer")
	}
	if !s.hasVertexBuffer() {
		panic("drawstream: draw without a vertex buffer")
	}
	if d.IndexCount == 0 {
		panic("drawstream: draw with zero indices")
	}
	if d.InstanceCount == 0 {
		panic("drawstream: draw with zero instances")
	}

	s.diff(bitFirstIndex, &cur.Draw.FirstIndex, d.FirstIndex)
	s.diff(bitIndexCount, &cur.Draw.IndexCount, d.IndexCount)
	s.diff(bitInstanceCount, &cur.Draw.InstanceCount, d.InstanceCount)
	s.diff(bitFirstInstance, &cur.Draw.FirstInstance, d.FirstInstance)
	if cur.Draw.VertexOffset != d.VertexOffset {
		cur.Draw.VertexOffset = d.VertexOffset
		s.pending |= 1 << bitVertexOffset
	}

	s.encode()
	s.pending = 0
	s.draws++
}

func (s *Stream) hasVertexBuffer() bool {
	for _, vb := range s.current.VertexBuffers {
		if vb.Buffer.IsValid() {
			return true
		}
	}
	return false
}

func (s *Stream) diff(bit int, field *uint32, v uint32) {
	if *field != v {
		*field = v
		s.pending |= 1 << bit
	}
}

func (s *Stream) put(v uint32) {
	s.words = append(s.words, uint16(v>>16), uint16(v))
}

func (s *Stream) encode() {
	mask, cur := s.pending, &s.current
	s.put(mask)
	if mask&(1<<bitPipeline) != 0 {
		s.put(cur.Pipeline.Raw())
	}
	for i := range MaxVertexStreams {
		if mask&(1<<(bitVertex+i)) != 0 {
			s.put(cur.VertexBuffers[i].Buffer.Raw())
			s.put(cur.VertexBuffers[i].Offset)
		}
	}
	if mask&(1<<bitIndex) != 0 {
		s.put(cur.IndexBuffer.Buffer.Raw())
		s.put(cur.IndexBuffer.Offset)
	}
	for i := range MaxBindingSets {
		if mask&(1<<(bitBindingSet+i)) != 0 {
			s.put(cur.BindingSets[i].Raw())
		}
	}
	for i := range MaxDynamicOffsets {
		if mask&(1<<(bitDynamicOffset+i)) != 0 {
			s.put(cur.DynamicOffsets[i])
		}
	}
	if mask&(1<<bitFirstIndex) != 0 {
		s.put(cur.Draw.FirstIndex)
	}
	if mask&(1<<bitIndexCount) != 0 {
		s.put(cur.Draw.IndexCount)
	}
	if mask&(1<<bitInstanceCount) != 0 {
		s.put(cur.Draw.InstanceCount)
	}
	if mask&(1<<bitFirstInstance) != 0 {
		s.put(cur.Draw.FirstInstance)
	}
	if mask&(1<<bitVertexOffset) != 0 {
		s.put(uint32(cur.Draw.VertexOffset))
	}
}

// Len returns the encoded length in 16-bit words.
func (s *Stream) Len() int {
	return len(s.words)
}

// Draws returns the number of recorded draws.
func (s *Stream) Draws() int {
	return s.draws
}

// Words returns the encoded stream. The slice is owned by the stream.
func (s *Stream) Words() []uint16 {
	return s.words
}

// Reset clears the stream and its current state for reuse, keeping the
// pass binding set and the allocated storage.
func (s *Stream) Reset() {
	s.words = s.words[:0]
	s.current = initialState()
	s.pending = 0
	s.draws = 0
}

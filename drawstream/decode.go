package drawstream

import (
	"errors"
	"fmt"

	"github.com/gogpu/framecore/descriptor"
	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/handle"
)

// Decoding errors.
var (
	ErrEndOfStream = errors.New("drawstream: unexpected end of stream")
	ErrBadMask     = errors.New("drawstream: mask has unknown bits")
)

// CommandKind identifies a decoded command.
type CommandKind uint8

const (
	CmdBindPipeline CommandKind = iota + 1
	CmdBindVertexBuffer
	CmdBindIndexBuffer
	CmdBindBindingSet
	CmdSetDynamicOffset
	CmdDraw
)

func (k CommandKind) String() string {
	switch k {
	case CmdBindPipeline:
		return "BindPipeline"
	case CmdBindVertexBuffer:
		return "BindVertexBuffer"
	case CmdBindIndexBuffer:
		return "BindIndexBuffer"
	case CmdBindBindingSet:
		return "BindBindingSet"
	case CmdSetDynamicOffset:
		return "SetDynamicOffset"
	case CmdDraw:
		return "Draw"
	default:
		return fmt.Sprintf("CommandKind(%d)", k)
	}
}

// Command is one decoded command. Only the fields of its Kind are set.
// Slot is the vertex slot, the binding-set group (1..MaxBindingSets) or the
// dynamic offset index.
type Command struct {
	Kind       CommandKind
	Slot       int
	Pipeline   PipelineHandle
	Buffer     BufferSlice
	BindingSet descriptor.Handle
	Offset     uint32
	Draw       Draw
}

func (c Command) String() string {
	switch c.Kind {
	case CmdBindPipeline:
		return fmt.Sprintf("BindPipeline(%v)", c.Pipeline)
	case CmdBindVertexBuffer:
		return fmt.Sprintf("BindVertexBuffer(%d, %v+%d)", c.Slot, c.Buffer.Buffer, c.Buffer.Offset)
	case CmdBindIndexBuffer:
		return fmt.Sprintf("BindIndexBuffer(%v+%d)", c.Buffer.Buffer, c.Buffer.Offset)
	case CmdBindBindingSet:
		return fmt.Sprintf("BindBindingSet(%d, %v)", c.Slot, c.BindingSet)
	case CmdSetDynamicOffset:
		return fmt.Sprintf("SetDynamicOffset(%d, %d)", c.Slot, c.Offset)
	case CmdDraw:
		return fmt.Sprintf("Draw(%d, %d)", c.Draw.FirstIndex, c.Draw.IndexCount)
	default:
		return c.Kind.String()
	}
}

// reader walks encoded words.
type reader struct {
	words []uint16
	pos   int
}

func (r *reader) u32() (uint32, error) {
	if r.pos+2 > len(r.words) {
		return 0, ErrEndOfStream
	}
	v := uint32(r.words[r.pos])<<16 | uint32(r.words[r.pos+1])
	r.pos += 2
	return v, nil
}

func (r *reader) slice() (BufferSlice, error) {
	raw, err := r.u32()
	if err != nil {
		return BufferSlice{}, err
	}
	off, err := r.u32()
	if err != nil {
		return BufferSlice{}, err
	}
	return BufferSlice{Buffer: handle.FromRaw[gpucore.BufferID](raw), Offset: off}, nil
}

// walk decodes every record, calling fn with the record's mask and the
// state in effect at its draw. Field order matches encode exactly.
func walk(words []uint16, fn func(mask uint32, st *State)) error {
	r := reader{words: words}
	st := initialState()
	for r.pos < len(r.words) {
		mask, err := r.u32()
		if err != nil {
			return err
		}
		if mask>>fieldCount != 0 {
			return fmt.Errorf("%w: %#x at word %d", ErrBadMask, mask, r.pos-2)
		}
		if err := readRecord(&r, mask, &st); err != nil {
			return err
		}
		fn(mask, &st)
	}
	return nil
}

func readRecord(r *reader, mask uint32, st *State) error {
	var err error
	if mask&(1<<bitPipeline) != 0 {
		var raw uint32
		if raw, err = r.u32(); err != nil {
			return err
		}
		st.Pipeline = handle.FromRaw[gpucore.RenderPipelineID](raw)
	}
	for i := range MaxVertexStreams {
		if mask&(1<<(bitVertex+i)) != 0 {
			if st.VertexBuffers[i], err = r.slice(); err != nil {
				return err
			}
		}
	}
	if mask&(1<<bitIndex) != 0 {
		if st.IndexBuffer, err = r.slice(); err != nil {
			return err
		}
	}
	for i := range MaxBindingSets {
		if mask&(1<<(bitBindingSet+i)) != 0 {
			var raw uint32
			if raw, err = r.u32(); err != nil {
				return err
			}
			st.BindingSets[i] = handle.FromRaw[gpucore.BindGroupID](raw)
		}
	}
	for i := range MaxDynamicOffsets {
		if mask&(1<<(bitDynamicOffset+i)) != 0 {
			if st.DynamicOffsets[i], err = r.u32(); err != nil {
				return err
			}
		}
	}
	fields := [...]struct {
		bit int
		dst *uint32
	}{
		{bitFirstIndex, &st.Draw.FirstIndex},
		{bitIndexCount, &st.Draw.IndexCount},
		{bitInstanceCount, &st.Draw.InstanceCount},
		{bitFirstInstance, &st.Draw.FirstInstance},
	}
	for _, f := range fields {
		if mask&(1<<f.bit) != 0 {
			if *f.dst, err = r.u32(); err != nil {
				return err
			}
		}
	}
	if mask&(1<<bitVertexOffset) != 0 {
		var v uint32
		if v, err = r.u32(); err != nil {
			return err
		}
		st.Draw.VertexOffset = int32(v)
	}
	return nil
}

// Decode returns the stream as commands: one command per changed field and
// one Draw per record carrying the full draw parameters.
func (s *Stream) Decode() ([]Command, error) {
	var out []Command
	err := walk(s.words, func(mask uint32, st *State) {
		if mask&(1<<bitPipeline) != 0 {
			out = append(out, Command{Kind: CmdBindPipeline, Pipeline: st.Pipeline})
		}
		for i := range MaxVertexStreams {
			if mask&(1<<(bitVertex+i)) != 0 {
				out = append(out, Command{Kind: CmdBindVertexBuffer, Slot: i, Buffer: st.VertexBuffers[i]})
			}
		}
		if mask&(1<<bitIndex) != 0 {
			out = append(out, Command{Kind: CmdBindIndexBuffer, Buffer: st.IndexBuffer})
		}
		for i := range MaxBindingSets {
			if mask&(1<<(bitBindingSet+i)) != 0 {
				out = append(out, Command{Kind: CmdBindBindingSet, Slot: i + 1, BindingSet: st.BindingSets[i]})
			}
		}
		for i := range MaxDynamicOffsets {
			if mask&(1<<(bitDynamicOffset+i)) != 0 {
				out = append(out, Command{Kind: CmdSetDynamicOffset, Slot: i, Offset: st.DynamicOffsets[i]})
			}
		}
		out = append(out, Command{Kind: CmdDraw, Draw: st.Draw})
	})
	return out, err
}

// States returns the resolved state at every draw.
func (s *Stream) States() ([]State, error) {
	out := make([]State, 0, s.draws)
	err := walk(s.words, func(_ uint32, st *State) {
		out = append(out, *st)
	})
	return out, err
}

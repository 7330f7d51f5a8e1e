package descriptor

import (
	"fmt"

	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/handle"
)

// SlotKind is the kind of resource a layout slot accepts.
type SlotKind uint8

const (
	SlotSampledImage SlotKind = iota + 1
	SlotUniform
	SlotDynamicUniform
	SlotStorageBuffer
	SlotStorageImage
	SlotSampler
)

// String returns the slot kind name.
func (k SlotKind) String() string {
	switch k {
	case SlotSampledImage:
		return "sampled-image"
	case SlotUniform:
		return "uniform"
	case SlotDynamicUniform:
		return "dynamic-uniform"
	case SlotStorageBuffer:
		return "storage-buffer"
	case SlotStorageImage:
		return "storage-image"
	case SlotSampler:
		return "sampler"
	default:
		return fmt.Sprintf("SlotKind(%d)", k)
	}
}

func (k SlotKind) bindingType() gpucore.BindingType {
	switch k {
	case SlotSampledImage:
		return gpucore.BindingTypeSampledTexture
	case SlotUniform:
		return gpucore.BindingTypeUniformBuffer
	case SlotDynamicUniform:
		return gpucore.BindingTypeUniformBufferDynamic
	case SlotStorageBuffer:
		return gpucore.BindingTypeStorageBuffer
	case SlotStorageImage:
		return gpucore.BindingTypeStorageTexture
	case SlotSampler:
		return gpucore.BindingTypeSampler
	default:
		panic(fmt.Sprintf("descriptor: unknown slot kind %d", k))
	}
}

// LayoutSlot is one binding point of a layout. Size is the uniform block
// size for SlotUniform and SlotDynamicUniform slots; zero accepts any size.
type LayoutSlot struct {
	Binding uint32
	Kind    SlotKind
	Name    string
	Size    uint64
}

// Layout describes the binding points of a binding table. Every slot is
// required: an entry is only valid once all of them are bound.
type Layout struct {
	Label string
	Slots []LayoutSlot

	object gpucore.BindGroupLayoutID
	names  map[string]uint32
}

// LayoutID identifies a registered layout.
type LayoutID = handle.Handle[Layout]

func (l *Layout) slot(binding uint32) (int, bool) {
	for i := range l.Slots {
		if l.Slots[i].Binding == binding {
			return i, true
		}
	}
	return 0, false
}

func (l *Layout) validate() error {
	if len(l.Slots) == 0 {
		return fmt.Errorf("descriptor: layout %q has no slots", l.Label)
	}
	seen := make(map[uint32]bool, len(l.Slots))
	for _, s := range l.Slots {
		if seen[s.Binding] {
			return fmt.Errorf("descriptor: layout %q binds %d twice", l.Label, s.Binding)
		}
		seen[s.Binding] = true
		if s.Kind < SlotSampledImage || s.Kind > SlotSampler {
			return fmt.Errorf("descriptor: layout %q binding %d: %v", l.Label, s.Binding, s.Kind)
		}
	}
	return nil
}

func (l *Layout) desc() *gpucore.BindGroupLayoutDesc {
	entries := make([]gpucore.BindGroupLayoutEntry, len(l.Slots))
	for i, s := range l.Slots {
		entries[i] = gpucore.BindGroupLayoutEntry{
			Binding:        s.Binding,
			Type:           s.Kind.bindingType(),
			MinBindingSize: s.Size,
		}
	}
	return &gpucore.BindGroupLayoutDesc{Label: l.Label, Entries: entries}
}

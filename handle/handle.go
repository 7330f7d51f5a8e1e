// Package handle provides generational handles and the slot pools that issue them.
//
// A Handle packs a slot index (low 18 bits) and a generation counter
// (high 14 bits) into a uint32. Removing a slot bumps its generation, so a
// handle obtained before the removal no longer resolves even after the slot
// is reused by a later push. Stale handles fail lookups instead of aliasing
// the new occupant.
//
// The generation is deliberately narrow: after 16,384 reuses of the same
// slot the counter wraps and a very old handle can resolve again. This is an
// accepted limitation traded for handle compactness.
//
// Pools are not safe for concurrent use. Owners guard them with their own
// locks.
package handle

import (
	"errors"
	"fmt"
)

const (
	// IndexBits is the number of low bits holding the slot index.
	IndexBits = 18

	// GenerationBits is the number of high bits holding the generation.
	GenerationBits = 32 - IndexBits

	indexMask      = 1<<IndexBits - 1
	generationMask = 1<<GenerationBits - 1

	// MaxSlots is the largest number of slots a pool can hold. The top index
	// is reserved so that no live handle equals the invalid sentinel.
	MaxSlots = indexMask

	invalidRaw = ^uint32(0)
)

// ErrExhausted is the panic value raised when a pool runs out of index space.
var ErrExhausted = errors.New("handle: pool index space exhausted")

// Handle identifies a slot in a Pool of T. It is a non-owning reference:
// copying it is free and any number of callers may hold it.
//
// The zero Handle is the invalid sentinel. The packed value is stored
// complemented so that a zero struct decodes to 0xFFFFFFFF.
type Handle[T any] struct {
	inv uint32
}

// Invalid returns the always-invalid sentinel handle. It equals Handle[T]{}.
func Invalid[T any]() Handle[T] {
	return Handle[T]{}
}

// FromRaw rebuilds a handle from its packed representation.
func FromRaw[T any](raw uint32) Handle[T] {
	return Handle[T]{inv: ^raw}
}

func newHandle[T any](index, generation uint32) Handle[T] {
	return FromRaw[T]((generation&generationMask)<<IndexBits | index&indexMask)
}

// Index returns the slot index.
func (h Handle[T]) Index() uint32 {
	return h.Raw() & indexMask
}

// Generation returns the generation the handle was issued with.
func (h Handle[T]) Generation() uint32 {
	return h.Raw() >> IndexBits
}

// Raw returns the packed 32-bit value.
func (h Handle[T]) Raw() uint32 {
	return ^h.inv
}

// IsValid reports whether h is not the invalid sentinel. It does not check
// that the slot is still live; use Pool.Contains for that.
func (h Handle[T]) IsValid() bool {
	return h.Raw() != invalidRaw
}

// String implements fmt.Stringer.
func (h Handle[T]) String() string {
	if !h.IsValid() {
		return "Handle(invalid)"
	}
	return fmt.Sprintf("Handle(%d:%d)", h.Index(), h.Generation())
}

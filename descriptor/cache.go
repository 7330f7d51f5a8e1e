// Package descriptor implements the binding-table cache.
//
// Binding calls only edit CPU-side entries and mark them dirty. Flush
// materializes every dirty entry in one batch: old GPU bind groups are
// retired to a drop list, fresh ones are allocated for all complete entries,
// and then all of them are written with a single WriteBindGroups call. An
// entry that is missing a binding stays dirty and never reaches the GPU.
package descriptor

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/gogpu/framecore/droplist"
	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/handle"
	"github.com/gogpu/framecore/internal/logging"
)

// Cache errors.
var (
	ErrInvalidHandle = errors.New("descriptor: invalid handle")
	ErrInvalidLayout = errors.New("descriptor: invalid layout")
	ErrNoSuchBinding = errors.New("descriptor: no such binding")
	ErrKindMismatch  = errors.New("descriptor: resource does not match slot kind")
	ErrUniformSize   = errors.New("descriptor: uniform data larger than slot")
)

// Handle identifies one binding-table entry.
type Handle = handle.Handle[gpucore.BindGroupID]

// ImageBinding binds a texture view. Usage is the state the texture is in
// while the bind group is used.
type ImageBinding struct {
	View  gpucore.TextureViewID
	Usage gpucore.TextureUsage
}

// BufferBinding binds a range of a buffer. Size zero binds the rest of the
// buffer.
type BufferBinding struct {
	Buffer gpucore.BufferID
	Offset uint64
	Size   uint64
}

// point is one binding point of an entry.
type point struct {
	bound   bool
	view    gpucore.TextureViewID
	sampler gpucore.SamplerID
	buffer  gpucore.BufferID
	offset  uint64
	size    uint64

	// arena is set when offset/size is a range of the uniform arena.
	arena bool
}

// entry is the CPU-side state of one binding table.
type entry struct {
	layout LayoutID
	label  string
	points []point
}

func (e *entry) complete() bool {
	for i := range e.points {
		if !e.points[i].bound {
			return false
		}
	}
	return true
}

func (e *entry) writes(l *Layout) []gpucore.BindGroupEntry {
	out := make([]gpucore.BindGroupEntry, len(e.points))
	for i, p := range e.points {
		out[i] = gpucore.BindGroupEntry{
			Binding:     l.Slots[i].Binding,
			Buffer:      p.buffer,
			Offset:      p.offset,
			Size:        p.size,
			TextureView: p.view,
			Sampler:     p.sampler,
		}
	}
	return out
}

// Config configures a Cache.
type Config struct {
	// ArenaSize is the size of the uniform arena. Zero means DefaultArenaSize.
	ArenaSize uint64
}

// Cache owns every binding-table entry and its GPU bind group.
//
// Binding calls take the write lock for one mutation; Flush takes it for the
// whole materialization. The dirty set has its own mutex so queries do not
// contend with readers of the pool.
type Cache struct {
	mu      sync.RWMutex
	device  gpucore.Device
	layouts *handle.Pool[Layout]
	entries *handle.HotColdPool[gpucore.BindGroupID, *entry]
	arena   *Arena

	// retired collects uniform ranges replaced by binding calls until the
	// next Flush hands them to a frame's drop list.
	retired *droplist.List

	dirtyMu sync.Mutex
	dirty   map[Handle]struct{}
}

// New creates a cache and its uniform arena.
func New(device gpucore.Device, cfg Config) (*Cache, error) {
	arena, err := NewArena(device, cfg.ArenaSize)
	if err != nil {
		return nil, err
	}
	return &Cache{
		device:  device,
		layouts: handle.NewPool[Layout](0),
		entries: handle.NewHotColdPool[gpucore.BindGroupID, *entry](0),
		arena:   arena,
		retired: droplist.New(),
		dirty:   make(map[Handle]struct{}),
	}, nil
}

// Arena returns the uniform arena. It is the droplist.Releaser for purged
// uniform ranges.
func (c *Cache) Arena() *Arena {
	return c.arena
}

// RegisterLayout creates the GPU layout object for l.
func (c *Cache) RegisterLayout(l Layout) (LayoutID, error) {
	if err := l.validate(); err != nil {
		return LayoutID{}, err
	}
	l.Slots = slices.Clone(l.Slots)
	l.names = make(map[string]uint32)
	for _, s := range l.Slots {
		if s.Name != "" {
			l.names[s.Name] = s.Binding
		}
	}
	obj, err := c.device.CreateBindGroupLayout(l.desc())
	if err != nil {
		return LayoutID{}, fmt.Errorf("descriptor: create layout %q: %w", l.Label, err)
	}
	l.object = obj

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layouts.Push(l), nil
}

// LayoutObject returns the GPU layout object of a registered layout.
func (c *Cache) LayoutObject(id LayoutID) (gpucore.BindGroupLayoutID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.layouts.Get(id)
	if !ok {
		return gpucore.InvalidID, false
	}
	return l.object, true
}

// Create adds an entry for layout with every slot unbound. The entry is
// dirty; nothing is allocated on the GPU until it is complete and flushed.
func (c *Cache) Create(layout LayoutID, label string) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.layouts.Get(layout)
	if !ok {
		return Handle{}, ErrInvalidLayout
	}
	e := &entry{layout: layout, label: label, points: make([]point, len(l.Slots))}
	h := c.entries.Push(gpucore.InvalidID, e)
	c.markDirty(h)
	return h, nil
}

func (c *Cache) markDirty(h Handle) {
	c.dirtyMu.Lock()
	c.dirty[h] = struct{}{}
	c.dirtyMu.Unlock()
}

// mutate resolves h and binding and applies fn to the slot under the write
// lock, marking the entry dirty when fn succeeds.
func (c *Cache) mutate(h Handle, binding uint32, fn func(*LayoutSlot, *point) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.GetCold(h)
	if !ok {
		return ErrInvalidHandle
	}
	l, ok := c.layouts.Get((*e).layout)
	if !ok {
		return ErrInvalidLayout
	}
	i, ok := l.slot(binding)
	if !ok {
		return fmt.Errorf("%w: %d in layout %q", ErrNoSuchBinding, binding, l.Label)
	}
	if err := fn(&l.Slots[i], &(*e).points[i]); err != nil {
		return err
	}
	c.markDirty(h)
	return nil
}

func expect(s *LayoutSlot, kind SlotKind) error {
	if s.Kind == kind {
		return nil
	}
	return fmt.Errorf("%w: binding %d is %v", ErrKindMismatch, s.Binding, s.Kind)
}

// retire queues the arena range held by p, if any.
func (c *Cache) retire(p *point) {
	if p.bound && p.arena {
		c.retired.PushUniformRange(p.offset, p.size)
	}
}

// BindImage binds a sampled image.
func (c *Cache) BindImage(h Handle, binding uint32, img ImageBinding) error {
	return c.mutate(h, binding, func(s *LayoutSlot, p *point) error {
		if err := expect(s, SlotSampledImage); err != nil {
			return err
		}
		*p = point{bound: true, view: img.View}
		return nil
	})
}

// BindStorageImage binds a storage image.
func (c *Cache) BindStorageImage(h Handle, binding uint32, img ImageBinding) error {
	return c.mutate(h, binding, func(s *LayoutSlot, p *point) error {
		if err := expect(s, SlotStorageImage); err != nil {
			return err
		}
		*p = point{bound: true, view: img.View}
		return nil
	})
}

// BindSampler binds a sampler.
func (c *Cache) BindSampler(h Handle, binding uint32, sampler gpucore.SamplerID) error {
	return c.mutate(h, binding, func(s *LayoutSlot, p *point) error {
		if err := expect(s, SlotSampler); err != nil {
			return err
		}
		*p = point{bound: true, sampler: sampler}
		return nil
	})
}

// BindUniform copies data into the uniform arena and binds the new range.
// The previously bound range is retired, not freed.
func (c *Cache) BindUniform(h Handle, binding uint32, data []byte) error {
	return c.mutate(h, binding, func(s *LayoutSlot, p *point) error {
		if err := expect(s, SlotUniform); err != nil {
			return err
		}
		if s.Size != 0 && uint64(len(data)) > s.Size {
			return fmt.Errorf("%w: %d > %d at binding %d", ErrUniformSize, len(data), s.Size, s.Binding)
		}
		offset, size, err := c.arena.Push(data)
		if err != nil {
			return err
		}
		c.retire(p)
		*p = point{bound: true, buffer: c.arena.Buffer(), offset: offset, size: size, arena: true}
		return nil
	})
}

// BindDynamicBuffer binds a buffer to a dynamic uniform slot. The dynamic
// offset is supplied per draw.
func (c *Cache) BindDynamicBuffer(h Handle, binding uint32, buf BufferBinding) error {
	return c.mutate(h, binding, func(s *LayoutSlot, p *point) error {
		if err := expect(s, SlotDynamicUniform); err != nil {
			return err
		}
		c.retire(p)
		*p = point{bound: true, buffer: buf.Buffer, offset: buf.Offset, size: buf.Size}
		return nil
	})
}

// BindStorageBuffer binds a range of a storage buffer.
func (c *Cache) BindStorageBuffer(h Handle, binding uint32, buf BufferBinding) error {
	return c.mutate(h, binding, func(s *LayoutSlot, p *point) error {
		if err := expect(s, SlotStorageBuffer); err != nil {
			return err
		}
		*p = point{bound: true, buffer: buf.Buffer, offset: buf.Offset, size: buf.Size}
		return nil
	})
}

// Unbind clears one slot, leaving the entry incomplete.
func (c *Cache) Unbind(h Handle, binding uint32) error {
	return c.mutate(h, binding, func(_ *LayoutSlot, p *point) error {
		c.retire(p)
		*p = point{}
		return nil
	})
}

// Binding returns the binding number of the slot called name in h's layout.
func (c *Cache) Binding(h Handle, name string) (uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries.GetCold(h)
	if !ok {
		return 0, ErrInvalidHandle
	}
	l, ok := c.layouts.Get((*e).layout)
	if !ok {
		return 0, ErrInvalidLayout
	}
	b, ok := l.names[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q in layout %q", ErrNoSuchBinding, name, l.Label)
	}
	return b, nil
}

// BindImageByName is BindImage addressed by slot name.
func (c *Cache) BindImageByName(h Handle, name string, img ImageBinding) error {
	b, err := c.Binding(h, name)
	if err != nil {
		return err
	}
	return c.BindImage(h, b, img)
}

// BindUniformByName is BindUniform addressed by slot name.
func (c *Cache) BindUniformByName(h Handle, name string, data []byte) error {
	b, err := c.Binding(h, name)
	if err != nil {
		return err
	}
	return c.BindUniform(h, b, data)
}

// BindDynamicBufferByName is BindDynamicBuffer addressed by slot name.
func (c *Cache) BindDynamicBufferByName(h Handle, name string, buf BufferBinding) error {
	b, err := c.Binding(h, name)
	if err != nil {
		return err
	}
	return c.BindDynamicBuffer(h, b, buf)
}

// FlushResult reports one Flush.
type FlushResult struct {
	// Retired counts old bind groups handed to the drop list.
	Retired int
	// Allocated counts new bind groups.
	Allocated int
	// Written counts entries that became valid.
	Written int
	// Pending counts entries still dirty after the flush.
	Pending int
	// Errors holds one error per entry whose allocation failed, or the
	// batch write error.
	Errors []error
}

// Err joins every error of the flush.
func (r FlushResult) Err() error {
	return errors.Join(r.Errors...)
}

// Flush materializes every dirty entry. Retired bind groups and uniform
// ranges go to drop. All allocations happen before the single batch write,
// so the write only references final objects. A failed allocation leaves
// its entry dirty without affecting the others.
func (c *Cache) Flush(drop *droplist.List) FlushResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()

	var res FlushResult
	drop.Merge(c.retired)

	if len(c.dirty) == 0 {
		return res
	}

	// Uniform bytes must be on the GPU before any group referencing them.
	if err := c.arena.Commit(c.device); err != nil {
		res.Errors = append(res.Errors, err)
		res.Pending = len(c.dirty)
		return res
	}

	dirty := slices.SortedFunc(maps.Keys(c.dirty), func(a, b Handle) int {
		return int(a.Index()) - int(b.Index())
	})

	var (
		writes []gpucore.BindGroupWrite
		valid  []Handle
	)
	for _, h := range dirty {
		obj, e, ok := c.entries.Get(h)
		if !ok {
			delete(c.dirty, h)
			continue
		}
		if *obj != gpucore.InvalidID {
			drop.PushBindGroup(*obj)
			*obj = gpucore.InvalidID
			res.Retired++
		}
		if !(*e).complete() {
			continue
		}
		l, _ := c.layouts.Get((*e).layout)
		id, err := c.device.AllocateBindGroup(l.object, (*e).label)
		if err != nil {
			err = fmt.Errorf("descriptor: allocate %v (%q): %w", h, (*e).label, err)
			logging.Logger().Warn("descriptor: allocation failed", "handle", h.String(), "err", err)
			res.Errors = append(res.Errors, err)
			continue
		}
		*obj = id
		res.Allocated++
		writes = append(writes, gpucore.BindGroupWrite{Group: id, Entries: (*e).writes(l)})
		valid = append(valid, h)
	}

	if len(writes) > 0 {
		if err := c.device.WriteBindGroups(writes); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("descriptor: write %d bind groups: %w", len(writes), err))
			res.Pending = len(c.dirty)
			return res
		}
	}
	for _, h := range valid {
		delete(c.dirty, h)
	}
	res.Written = len(valid)
	res.Pending = len(c.dirty)

	logging.Logger().Debug("descriptor: flushed",
		"written", res.Written,
		"retired", res.Retired,
		"pending", res.Pending,
		"errors", len(res.Errors))
	return res
}

// Resolve returns the GPU bind group of a valid entry. Entries that are
// dirty or incomplete resolve to nothing.
func (c *Cache) Resolve(h Handle) (gpucore.BindGroupID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obj, ok := c.entries.GetHot(h)
	if !ok || *obj == gpucore.InvalidID || c.IsDirty(h) {
		return gpucore.InvalidID, false
	}
	return *obj, true
}

// Remove drops an entry, retiring its bind group and uniform ranges to drop.
func (c *Cache) Remove(h Handle, drop *droplist.List) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, e, ok := c.entries.Remove(h)
	if !ok {
		return ErrInvalidHandle
	}
	if obj != gpucore.InvalidID {
		drop.PushBindGroup(obj)
	}
	for i := range e.points {
		if p := &e.points[i]; p.bound && p.arena {
			drop.PushUniformRange(p.offset, p.size)
		}
	}
	c.dirtyMu.Lock()
	delete(c.dirty, h)
	c.dirtyMu.Unlock()
	return nil
}

// IsDirty reports whether h awaits materialization.
func (c *Cache) IsDirty(h Handle) bool {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	_, ok := c.dirty[h]
	return ok
}

// IsValid reports whether h is complete and materialized on the GPU.
func (c *Cache) IsValid(h Handle) bool {
	_, ok := c.Resolve(h)
	return ok
}

// DirtyCount returns the number of dirty entries.
func (c *Cache) DirtyCount() int {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	return len(c.dirty)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}

// Close destroys every bind group, layout and the arena buffer. The GPU
// must be idle.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.entries.Drain() {
		if p.Hot != gpucore.InvalidID {
			c.device.DestroyBindGroup(p.Hot)
		}
	}
	for _, l := range c.layouts.Drain() {
		c.device.DestroyBindGroupLayout(l.object)
	}
	c.dirtyMu.Lock()
	clear(c.dirty)
	c.dirtyMu.Unlock()
	c.arena.destroy(c.device)
}

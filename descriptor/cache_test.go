package descriptor

import (
	"errors"
	"sync"
	"testing"

	"github.com/gogpu/framecore/droplist"
	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/internal/gputest"
)

func newTestCache(t *testing.T) (*Cache, *gputest.Device) {
	t.Helper()
	dev := gputest.New()
	c, err := New(dev, Config{ArenaSize: 4096})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, dev
}

// imageUniformLayout has one image slot and one uniform slot.
func imageUniformLayout(t *testing.T, c *Cache) LayoutID {
	t.Helper()
	id, err := c.RegisterLayout(Layout{
		Label: "material",
		Slots: []LayoutSlot{
			{Binding: 0, Kind: SlotSampledImage, Name: "albedo"},
			{Binding: 1, Kind: SlotUniform, Name: "params", Size: 64},
		},
	})
	if err != nil {
		t.Fatalf("RegisterLayout() error = %v", err)
	}
	return id
}

func TestCreateTouchesNoGPU(t *testing.T) {
	c, dev := newTestCache(t)
	layout := imageUniformLayout(t, c)
	dev.ResetCalls()

	h, err := c.Create(layout, "m0")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(dev.Calls()) != 0 {
		t.Errorf("Create() made GPU calls: %v", dev.Calls())
	}
	if !c.IsDirty(h) || c.IsValid(h) {
		t.Errorf("new entry dirty=%v valid=%v, want dirty and invalid", c.IsDirty(h), c.IsValid(h))
	}
}

func TestFlushMaterializesOnceWhenComplete(t *testing.T) {
	c, dev := newTestCache(t)
	layout := imageUniformLayout(t, c)
	h, _ := c.Create(layout, "m0")
	drop := droplist.New()

	if err := c.BindImage(h, 0, ImageBinding{View: 42}); err != nil {
		t.Fatal(err)
	}
	res := c.Flush(drop)
	if res.Err() != nil {
		t.Fatalf("Flush() error = %v", res.Err())
	}
	if !c.IsDirty(h) || c.IsValid(h) {
		t.Fatalf("partially bound entry dirty=%v valid=%v, want dirty and invalid", c.IsDirty(h), c.IsValid(h))
	}
	if _, ok := c.Resolve(h); ok {
		t.Error("Resolve() of incomplete entry should fail")
	}

	if err := c.BindUniform(h, 1, make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	res = c.Flush(drop)
	if res.Err() != nil {
		t.Fatalf("Flush() error = %v", res.Err())
	}
	if c.IsDirty(h) || !c.IsValid(h) {
		t.Fatalf("complete entry dirty=%v valid=%v, want clean and valid", c.IsDirty(h), c.IsValid(h))
	}
	if res.Written != 1 || res.Pending != 0 {
		t.Errorf("result = %+v, want 1 written, 0 pending", res)
	}

	if n := dev.CountCalls("AllocateBindGroup"); n != 1 {
		t.Errorf("AllocateBindGroup calls = %d, want 1", n)
	}
	if n := dev.CountCalls("WriteBindGroups"); n != 1 {
		t.Errorf("WriteBindGroups calls = %d, want 1", n)
	}

	// A further flush with nothing dirty does not touch the GPU.
	c.Flush(drop)
	if n := dev.CountCalls("AllocateBindGroup"); n != 1 {
		t.Errorf("AllocateBindGroup calls after clean flush = %d, want 1", n)
	}

	id, _ := c.Resolve(h)
	entries, ok := dev.Written(id)
	if !ok || len(entries) != 2 {
		t.Fatalf("written entries = %v", entries)
	}
	if entries[0].TextureView != 42 {
		t.Errorf("binding 0 view = %d, want 42", entries[0].TextureView)
	}
	if entries[1].Buffer != c.Arena().Buffer() || entries[1].Offset%UniformAlignment != 0 {
		t.Errorf("binding 1 = %+v, want an aligned arena range", entries[1])
	}
}

func TestFlushBatchesAllWrites(t *testing.T) {
	c, dev := newTestCache(t)
	layout := imageUniformLayout(t, c)
	drop := droplist.New()

	var hs []Handle
	for i := range 5 {
		h, _ := c.Create(layout, "m")
		_ = c.BindImage(h, 0, ImageBinding{View: gpucore.TextureViewID(i + 1)})
		_ = c.BindUniform(h, 1, []byte{1, 2, 3, 4})
		hs = append(hs, h)
	}
	dev.ResetCalls()
	res := c.Flush(drop)
	if res.Written != 5 {
		t.Fatalf("Written = %d, want 5", res.Written)
	}

	calls := dev.Calls()
	lastAlloc, firstWrite := -1, -1
	for i, call := range calls {
		switch call.Op {
		case "AllocateBindGroup":
			lastAlloc = i
		case "WriteBindGroups":
			if firstWrite < 0 {
				firstWrite = i
			}
			if call.Args[0] != 5 {
				t.Errorf("WriteBindGroups batch = %v, want 5", call.Args[0])
			}
		}
	}
	if dev.CountCalls("WriteBindGroups") != 1 {
		t.Errorf("WriteBindGroups calls = %d, want 1", dev.CountCalls("WriteBindGroups"))
	}
	if lastAlloc > firstWrite {
		t.Error("an allocation happened after the batch write")
	}
	for _, h := range hs {
		if !c.IsValid(h) {
			t.Errorf("%v not valid", h)
		}
	}
}

func TestRebindRetiresOldGroup(t *testing.T) {
	c, dev := newTestCache(t)
	layout := imageUniformLayout(t, c)
	h, _ := c.Create(layout, "m0")
	_ = c.BindImage(h, 0, ImageBinding{View: 1})
	_ = c.BindUniform(h, 1, []byte{0, 0, 0, 0})

	frame0 := droplist.New()
	c.Flush(frame0)
	old, _ := c.Resolve(h)

	if err := c.BindImage(h, 0, ImageBinding{View: 2}); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Resolve(h); ok {
		t.Error("dirty entry should not resolve to its stale group")
	}
	frame1 := droplist.New()
	res := c.Flush(frame1)
	if res.Retired != 1 {
		t.Errorf("Retired = %d, want 1", res.Retired)
	}
	cur, ok := c.Resolve(h)
	if !ok || cur == old {
		t.Errorf("Resolve() = %d, %v; want a fresh group", cur, ok)
	}

	entries := frame1.Take()
	found := false
	for _, e := range entries {
		if e.Kind == droplist.KindBindGroup && e.ID == uint64(old) {
			found = true
		}
	}
	if !found {
		t.Errorf("old group %d not in drop list %v", old, entries)
	}
	if dev.Destroyed["bindgroup"] != 0 {
		t.Error("retired group destroyed before purge")
	}
}

func TestRebindUniformRetiresRange(t *testing.T) {
	c, _ := newTestCache(t)
	layout := imageUniformLayout(t, c)
	h, _ := c.Create(layout, "m0")
	_ = c.BindImage(h, 0, ImageBinding{View: 1})
	_ = c.BindUniform(h, 1, make([]byte, 16))
	c.Flush(droplist.New())

	_ = c.BindUniform(h, 1, make([]byte, 16))
	drop := droplist.New()
	c.Flush(drop)

	var ranges int
	for _, e := range drop.Take() {
		if e.Kind == droplist.KindUniformRange {
			ranges++
			if e.Size != UniformAlignment {
				t.Errorf("retired range size = %d, want %d", e.Size, UniformAlignment)
			}
		}
	}
	if ranges != 1 {
		t.Errorf("retired uniform ranges = %d, want 1", ranges)
	}
}

func TestAllocationFailureIsolated(t *testing.T) {
	c, dev := newTestCache(t)
	good := imageUniformLayout(t, c)
	bad, err := c.RegisterLayout(Layout{Label: "bad", Slots: []LayoutSlot{{Binding: 0, Kind: SlotSampler}}})
	if err != nil {
		t.Fatal(err)
	}
	badObj, _ := c.LayoutObject(bad)
	dev.FailAllocate[badObj] = 1

	a, _ := c.Create(good, "a")
	_ = c.BindImage(a, 0, ImageBinding{View: 1})
	_ = c.BindUniform(a, 1, []byte{1, 2, 3, 4})
	b, _ := c.Create(bad, "b")
	_ = c.BindSampler(b, 0, 9)

	drop := droplist.New()
	res := c.Flush(drop)
	if res.Err() == nil || len(res.Errors) != 1 {
		t.Fatalf("Errors = %v, want one allocation error", res.Errors)
	}
	if !errors.Is(res.Err(), gputest.ErrInjected) {
		t.Errorf("Err() = %v, want wrapped ErrInjected", res.Err())
	}
	if !c.IsValid(a) {
		t.Error("entry a should be valid despite b failing")
	}
	if !c.IsDirty(b) || c.IsValid(b) {
		t.Error("entry b should stay dirty and invalid")
	}

	res = c.Flush(drop)
	if res.Err() != nil {
		t.Fatalf("retry Flush() error = %v", res.Err())
	}
	if !c.IsValid(b) {
		t.Error("entry b should be valid after retry")
	}
}

func TestBindErrors(t *testing.T) {
	c, _ := newTestCache(t)
	layout := imageUniformLayout(t, c)
	h, _ := c.Create(layout, "m0")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"stale handle", c.BindImage(Handle{}, 0, ImageBinding{View: 1}), ErrInvalidHandle},
		{"unknown binding", c.BindImage(h, 7, ImageBinding{View: 1}), ErrNoSuchBinding},
		{"kind mismatch", c.BindImage(h, 1, ImageBinding{View: 1}), ErrKindMismatch},
		{"uniform too large", c.BindUniform(h, 1, make([]byte, 65)), ErrUniformSize},
		{"unknown name", c.BindImageByName(h, "normal", ImageBinding{View: 1}), ErrNoSuchBinding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}
	if _, err := c.Create(LayoutID{}, "x"); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("Create(invalid layout) error = %v", err)
	}
}

func TestBindByName(t *testing.T) {
	c, _ := newTestCache(t)
	layout := imageUniformLayout(t, c)
	h, _ := c.Create(layout, "m0")

	if err := c.BindImageByName(h, "albedo", ImageBinding{View: 5}); err != nil {
		t.Fatal(err)
	}
	if err := c.BindUniformByName(h, "params", []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	c.Flush(droplist.New())
	if !c.IsValid(h) {
		t.Error("entry bound by name should be valid")
	}
}

func TestUnbindInvalidates(t *testing.T) {
	c, _ := newTestCache(t)
	layout := imageUniformLayout(t, c)
	h, _ := c.Create(layout, "m0")
	_ = c.BindImage(h, 0, ImageBinding{View: 1})
	_ = c.BindUniform(h, 1, []byte{1, 2, 3, 4})
	c.Flush(droplist.New())

	if err := c.Unbind(h, 0); err != nil {
		t.Fatal(err)
	}
	drop := droplist.New()
	res := c.Flush(drop)
	if res.Retired != 1 || res.Allocated != 0 {
		t.Errorf("result = %+v, want old group retired and nothing allocated", res)
	}
	if c.IsValid(h) || !c.IsDirty(h) {
		t.Error("unbound entry should be dirty and invalid")
	}
}

func TestRemoveRetiresEverything(t *testing.T) {
	c, _ := newTestCache(t)
	layout := imageUniformLayout(t, c)
	h, _ := c.Create(layout, "m0")
	_ = c.BindImage(h, 0, ImageBinding{View: 1})
	_ = c.BindUniform(h, 1, []byte{1, 2, 3, 4})
	c.Flush(droplist.New())

	drop := droplist.New()
	if err := c.Remove(h, drop); err != nil {
		t.Fatal(err)
	}
	if drop.Len() != 2 {
		t.Errorf("drop list = %d entries, want bind group and uniform range", drop.Len())
	}
	if err := c.Remove(h, drop); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("second Remove() error = %v", err)
	}
	if c.IsDirty(h) || c.Len() != 0 {
		t.Error("removed entry still tracked")
	}
}

func TestPurgeReleasesArena(t *testing.T) {
	c, dev := newTestCache(t)
	layout := imageUniformLayout(t, c)
	h, _ := c.Create(layout, "m0")
	_ = c.BindImage(h, 0, ImageBinding{View: 1})
	_ = c.BindUniform(h, 1, []byte{1, 2, 3, 4})
	c.Flush(droplist.New())

	drop := droplist.New()
	_ = c.Remove(h, drop)
	if n := drop.Purge(dev, droplist.Releasers{Uniform: c.Arena()}); n != 2 {
		t.Errorf("Purge() = %d, want 2", n)
	}
	if c.Arena().Used() != 0 {
		t.Errorf("arena used = %d after purge, want 0", c.Arena().Used())
	}
	if dev.Destroyed["bindgroup"] != 1 {
		t.Errorf("destroyed bind groups = %d, want 1", dev.Destroyed["bindgroup"])
	}
}

func TestConcurrentBinds(t *testing.T) {
	c, _ := newTestCache(t)
	layout, _ := c.RegisterLayout(Layout{Label: "img", Slots: []LayoutSlot{{Binding: 0, Kind: SlotSampledImage}}})

	const n = 64
	hs := make([]Handle, n)
	for i := range hs {
		hs[i], _ = c.Create(layout, "")
	}
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.BindImage(hs[i], 0, ImageBinding{View: gpucore.TextureViewID(i + 1)})
		}()
	}
	wg.Wait()

	res := c.Flush(droplist.New())
	if res.Written != n || c.DirtyCount() != 0 {
		t.Errorf("Written = %d, dirty = %d; want %d, 0", res.Written, c.DirtyCount(), n)
	}
}

func TestCloseDestroysObjects(t *testing.T) {
	c, dev := newTestCache(t)
	layout := imageUniformLayout(t, c)
	h, _ := c.Create(layout, "m0")
	_ = c.BindImage(h, 0, ImageBinding{View: 1})
	_ = c.BindUniform(h, 1, []byte{1, 2, 3, 4})
	c.Flush(droplist.New())

	c.Close()
	if dev.LiveBindGroups() != 0 {
		t.Errorf("live bind groups = %d, want 0", dev.LiveBindGroups())
	}
	if dev.LiveBuffers() != 0 {
		t.Errorf("live buffers = %d, want 0", dev.LiveBuffers())
	}
}

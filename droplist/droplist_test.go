package droplist

import (
	"sync"
	"testing"

	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/internal/gputest"
)

type releaseRecorder struct {
	ranges [][2]uint64
}

func (r *releaseRecorder) Release(offset, size uint64) {
	r.ranges = append(r.ranges, [2]uint64{offset, size})
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindBuffer, "buffer"},
		{KindBindGroup, "bind-group"},
		{KindUniformRange, "uniform-range"},
		{KindGeometryRange, "geometry-range"},
		{Kind(200), "Kind(200)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestPurgeDestroysEveryKind(t *testing.T) {
	dev := gputest.New()
	buf, _ := dev.CreateBuffer(&gpucore.BufferDesc{Size: 16})
	layout, _ := dev.CreateBindGroupLayout(&gpucore.BindGroupLayoutDesc{})
	group, _ := dev.AllocateBindGroup(layout, "g")
	tex, _ := dev.CreateTexture(&gpucore.TextureDesc{Width: 1, Height: 1})

	l := New()
	l.PushBuffer(buf)
	l.PushBindGroup(group)
	l.PushTexture(tex)
	l.PushUniformRange(256, 64)
	l.PushGeometryRange(1024, 48)

	rel := &releaseRecorder{}
	geo := &releaseRecorder{}
	if n := l.Purge(dev, Releasers{Uniform: rel, Geometry: geo}); n != 5 {
		t.Fatalf("Purge() = %d, want 5", n)
	}
	if l.Len() != 0 {
		t.Errorf("Len() after Purge = %d, want 0", l.Len())
	}
	for _, kind := range []string{"buffer", "bindgroup", "texture"} {
		if dev.Destroyed[kind] != 1 {
			t.Errorf("Destroyed[%s] = %d, want 1", kind, dev.Destroyed[kind])
		}
	}
	if len(rel.ranges) != 1 || rel.ranges[0] != [2]uint64{256, 64} {
		t.Errorf("released ranges = %v, want [[256 64]]", rel.ranges)
	}
	if len(geo.ranges) != 1 || geo.ranges[0] != [2]uint64{1024, 48} {
		t.Errorf("released geometry ranges = %v, want [[1024 48]]", geo.ranges)
	}
}

func TestPurgeRangeWithoutOwner(t *testing.T) {
	l := New()
	l.PushGeometryRange(0, 16)
	if n := l.Purge(gputest.New(), Releasers{}); n != 1 {
		t.Errorf("Purge() = %d, want 1", n)
	}
	if l.Len() != 0 {
		t.Errorf("Len() after Purge = %d, want 0", l.Len())
	}
}

func TestPurgeEmpty(t *testing.T) {
	if n := New().Purge(gputest.New(), Releasers{}); n != 0 {
		t.Errorf("Purge() on empty list = %d, want 0", n)
	}
}

func TestMerge(t *testing.T) {
	a, b := New(), New()
	a.PushBuffer(1)
	b.PushBuffer(2)
	b.PushBuffer(3)
	a.Merge(b)
	a.Merge(a)
	if a.Len() != 3 || b.Len() != 0 {
		t.Errorf("after Merge: a=%d b=%d, want 3 and 0", a.Len(), b.Len())
	}
}

func TestConcurrentPush(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				l.PushBuffer(gpucore.BufferID(i*100 + j))
			}
		}()
	}
	wg.Wait()
	if l.Len() != 800 {
		t.Errorf("Len() = %d, want 800", l.Len())
	}
}

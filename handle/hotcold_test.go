package handle

import "testing"

type bufferDesc struct {
	size  uint64
	label string
}

func TestHotColdPoolPushGet(t *testing.T) {
	p := NewHotColdPool[uint64, bufferDesc](0)
	h := p.Push(7, bufferDesc{size: 64, label: "vb"})

	hot, ok := p.GetHot(h)
	if !ok || *hot != 7 {
		t.Fatalf("GetHot() = %v, %v; want 7, true", hot, ok)
	}
	cold, ok := p.GetCold(h)
	if !ok || cold.size != 64 {
		t.Fatalf("GetCold() = %+v, %v; want size 64", cold, ok)
	}
}

func TestHotColdPoolRemoveBothSides(t *testing.T) {
	p := NewHotColdPool[uint64, bufferDesc](0)
	h := p.Push(1, bufferDesc{label: "a"})
	hot, cold, ok := p.Remove(h)
	if !ok || hot != 1 || cold.label != "a" {
		t.Fatalf("Remove() = %d, %+v, %v", hot, cold, ok)
	}
	if _, ok := p.GetHot(h); ok {
		t.Error("hot side should be gone")
	}
	if _, ok := p.GetCold(h); ok {
		t.Error("cold side should be gone")
	}

	h2 := p.Push(2, bufferDesc{label: "b"})
	if h2.Index() != h.Index() || h2.Generation() != 1 {
		t.Errorf("reused handle = %v, want index %d generation 1", h2, h.Index())
	}
	if _, ok := p.GetCold(h); ok {
		t.Error("stale handle must not reach the new cold payload")
	}
}

func TestHotColdPoolReplace(t *testing.T) {
	p := NewHotColdPool[uint64, bufferDesc](0)
	h := p.Push(1, bufferDesc{label: "a"})
	oldHot, oldCold, ok := p.Replace(h, 2, bufferDesc{label: "b"})
	if !ok || oldHot != 1 || oldCold.label != "a" {
		t.Fatalf("Replace() = %d, %+v, %v", oldHot, oldCold, ok)
	}
	if prev, _ := p.ReplaceHot(h, 3); prev != 2 {
		t.Errorf("ReplaceHot() = %d, want 2", prev)
	}
	hot, cold, _ := p.Get(h)
	if *hot != 3 || cold.label != "b" {
		t.Errorf("Get() = %d, %+v", *hot, *cold)
	}
}

func TestHotColdPoolDrain(t *testing.T) {
	p := NewHotColdPool[uint64, bufferDesc](0)
	a := p.Push(1, bufferDesc{label: "a"})
	p.Push(2, bufferDesc{label: "b"})
	p.Remove(a)
	p.Push(3, bufferDesc{label: "c"})

	pairs := p.Drain()
	if len(pairs) != 2 {
		t.Fatalf("Drain() returned %d pairs, want 2", len(pairs))
	}
	for _, pair := range pairs {
		want := map[uint64]string{2: "b", 3: "c"}[pair.Hot]
		if pair.Cold.label != want {
			t.Errorf("pair %d cold = %q, want %q", pair.Hot, pair.Cold.label, want)
		}
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d, want 0", p.Len())
	}
}

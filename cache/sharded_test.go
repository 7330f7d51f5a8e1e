package cache

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

func TestShardedGetSet(t *testing.T) {
	c := NewSharded[string, int](4, StringHasher)

	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v; want 1, true", v, ok)
	}
	c.Set("a", 2)
	if v, _ := c.Get("a"); v != 2 {
		t.Errorf("Get(a) after overwrite = %d, want 2", v)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) reported a hit")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestShardedEvictsLeastRecentlyUsed(t *testing.T) {
	// Identity hashing with keys that are multiples of the shard count puts
	// every key in shard 0.
	c := NewSharded[uint64, string](2, Uint64Hasher)
	k := func(i uint64) uint64 { return i * DefaultShardCount }

	c.Set(k(1), "one")
	c.Set(k(2), "two")
	c.Get(k(1)) // two is now the oldest
	c.Set(k(3), "three")

	if _, ok := c.Get(k(2)); ok {
		t.Error("least recently used entry survived eviction")
	}
	for _, i := range []uint64{1, 3} {
		if _, ok := c.Get(k(i)); !ok {
			t.Errorf("entry %d was evicted", i)
		}
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestShardedGetOrCreate(t *testing.T) {
	c := NewSharded[string, []uint32](0, StringHasher)
	var builds int
	build := func() ([]uint32, error) {
		builds++
		return []uint32{0x07230203}, nil
	}

	for range 3 {
		v, err := c.GetOrCreate("shader", build)
		if err != nil || len(v) != 1 {
			t.Fatalf("GetOrCreate() = %v, %v", v, err)
		}
	}
	if builds != 1 {
		t.Errorf("create ran %d times, want 1", builds)
	}

	errBad := errors.New("bad source")
	for range 2 {
		if _, err := c.GetOrCreate("broken", func() ([]uint32, error) { return nil, errBad }); !errors.Is(err, errBad) {
			t.Errorf("GetOrCreate() error = %v, want %v", err, errBad)
		}
	}
	if _, ok := c.Get("broken"); ok {
		t.Error("failed build was cached")
	}

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 4 {
		t.Errorf("Stats() hits=%d misses=%d, want 2 and 4", s.Hits, s.Misses)
	}
}

func TestShardedDeleteAndClear(t *testing.T) {
	c := NewSharded[string, int](8, StringHasher)
	for i := range 20 {
		c.Set(strconv.Itoa(i), i)
	}
	if !c.Delete("3") {
		t.Error("Delete(3) = false, want true")
	}
	if c.Delete("3") {
		t.Error("second Delete(3) = true, want false")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", c.Len())
	}
	c.Set("again", 1)
	if v, ok := c.Get("again"); !ok || v != 1 {
		t.Error("cache unusable after Clear")
	}
}

func TestShardedConcurrentGetOrCreate(t *testing.T) {
	c := NewSharded[string, int](0, StringHasher)
	var builds atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 8 {
				_, _ = c.GetOrCreate(strconv.Itoa(i), func() (int, error) {
					builds.Add(1)
					return i, nil
				})
			}
		}()
	}
	wg.Wait()
	if got := builds.Load(); got != 8 {
		t.Errorf("built %d values, want 8", got)
	}
}

func TestHitRate(t *testing.T) {
	if r := (Stats{}).HitRate(); r != 0 {
		t.Errorf("HitRate() with no lookups = %v, want 0", r)
	}
	if r := (Stats{Hits: 3, Misses: 1}).HitRate(); r != 0.75 {
		t.Errorf("HitRate() = %v, want 0.75", r)
	}
}

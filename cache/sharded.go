// Package cache provides a sharded LRU cache for artifacts that are
// expensive to build and safe to share, such as compiled shader code.
package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const (
	// DefaultShardCount is the number of shards. It is a power of two so
	// shard selection is a mask.
	DefaultShardCount = 16

	// DefaultCapacity is the default number of entries per shard.
	DefaultCapacity = 32

	shardMask = DefaultShardCount - 1
)

// Hasher computes the hash used for shard selection.
type Hasher[K any] func(K) uint64

// StringHasher is the FNV-1a hash of s.
func StringHasher(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s)) // never fails
	return h.Sum64()
}

// Uint64Hasher returns u unchanged, for keys that are already hashes.
func Uint64Hasher(u uint64) uint64 {
	return u
}

// Stats reports cache activity.
type Stats struct {
	Len           int
	TotalCapacity int
	Hits          uint64
	Misses        uint64
	Evictions     uint64
}

// HitRate returns hits over lookups, or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type shard[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*node[K, V]
	lru     lruList[K, V]
}

// Sharded is a concurrency-safe LRU cache split into DefaultShardCount
// independently locked shards. Each shard evicts on its own.
type Sharded[K comparable, V any] struct {
	shards   [DefaultShardCount]shard[K, V]
	hasher   Hasher[K]
	capacity int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewSharded creates a cache holding up to capacity entries per shard.
// A capacity <= 0 means DefaultCapacity.
func NewSharded[K comparable, V any](capacity int, hasher Hasher[K]) *Sharded[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Sharded[K, V]{hasher: hasher, capacity: capacity}
	for i := range c.shards {
		c.shards[i].entries = make(map[K]*node[K, V])
		c.shards[i].lru.init()
	}
	return c
}

func (c *Sharded[K, V]) shard(key K) *shard[K, V] {
	return &c.shards[c.hasher(key)&shardMask]
}

// Get returns the value cached for key and marks it recently used.
func (c *Sharded[K, V]) Get(key K) (V, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.entries[key]
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	s.lru.moveToFront(n)
	c.hits.Add(1)
	return n.value, true
}

// Set stores value for key, evicting the shard's least recently used
// entries when it is full. The value is stored as is.
func (c *Sharded[K, V]) Set(key K, value V) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	c.insertLocked(s, key, value)
}

func (c *Sharded[K, V]) insertLocked(s *shard[K, V], key K, value V) {
	if n, ok := s.entries[key]; ok {
		n.value = value
		s.lru.moveToFront(n)
		return
	}
	for s.lru.len >= c.capacity {
		old := s.lru.back()
		s.lru.remove(old)
		delete(s.entries, old.key)
		c.evictions.Add(1)
	}
	n := &node[K, V]{key: key, value: value}
	s.lru.pushFront(n)
	s.entries[key] = n
}

// GetOrCreate returns the cached value for key or builds it with create.
// create runs under the shard lock, so concurrent callers asking for the
// same key build it once. Failed builds are not cached.
func (c *Sharded[K, V]) GetOrCreate(key K, create func() (V, error)) (V, error) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.entries[key]; ok {
		s.lru.moveToFront(n)
		c.hits.Add(1)
		return n.value, nil
	}
	c.misses.Add(1)
	value, err := create()
	if err != nil {
		return value, err
	}
	c.insertLocked(s, key, value)
	return value, nil
}

// Delete removes key and reports whether it was present.
func (c *Sharded[K, V]) Delete(key K) bool {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.entries[key]
	if !ok {
		return false
	}
	s.lru.remove(n)
	delete(s.entries, key)
	return true
}

// Clear removes every entry. Statistics are kept.
func (c *Sharded[K, V]) Clear() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		clear(s.entries)
		s.lru.init()
		s.mu.Unlock()
	}
}

// Len returns the number of cached entries.
func (c *Sharded[K, V]) Len() int {
	total := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// Stats returns a snapshot of cache activity.
func (c *Sharded[K, V]) Stats() Stats {
	return Stats{
		Len:           c.Len(),
		TotalCapacity: c.capacity * DefaultShardCount,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
	}
}

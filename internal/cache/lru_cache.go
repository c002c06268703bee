// Package cache implements the block cache: a sharded LRU of decoded table
// blocks keyed by (file number, block offset) and bounded by total charge.
//
// Cached values are immutable once inserted, so entries are not pinned;
// eviction only drops the cache's reference.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Key identifies a block within the live table set.
type Key struct {
	FileNumber  uint64
	BlockOffset uint64
}

type entry[V any] struct {
	key    Key
	value  V
	charge uint64
}

// LRUCache is a single-shard LRU bounded by the sum of entry charges.
type LRUCache[V any] struct {
	mu       sync.Mutex
	capacity uint64
	usage    uint64
	table    map[Key]*list.Element
	lru      *list.List

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewLRUCache creates a cache holding at most capacity bytes of charge.
func NewLRUCache[V any](capacity uint64) *LRUCache[V] {
	return &LRUCache[V]{
		capacity: capacity,
		table:    make(map[Key]*list.Element),
		lru:      list.New(),
	}
}

func (c *LRUCache[V]) entryOf(e *list.Element) *entry[V] {
	ent, _ := e.Value.(*entry[V])
	return ent
}

// Insert adds or replaces an entry. Entries larger than the whole cache
// are not stored.
func (c *LRUCache[V]) Insert(key Key, value V, charge uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if charge > c.capacity {
		return
	}
	if e, ok := c.table[key]; ok {
		ent := c.entryOf(e)
		c.usage = c.usage - ent.charge + charge
		ent.value, ent.charge = value, charge
		c.lru.MoveToFront(e)
	} else {
		c.table[key] = c.lru.PushFront(&entry[V]{key: key, value: value, charge: charge})
		c.usage += charge
	}
	for c.usage > c.capacity && c.lru.Len() > 0 {
		c.remove(c.lru.Back())
	}
}

// Lookup returns the cached value for key.
func (c *LRUCache[V]) Lookup(key Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.table[key]; ok {
		c.lru.MoveToFront(e)
		c.hits.Add(1)
		return c.entryOf(e).value, true
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// EraseFile drops every block of a file, used when the table is deleted.
func (c *LRUCache[V]) EraseFile(fileNumber uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.table {
		if key.FileNumber == fileNumber {
			c.remove(e)
		}
	}
}

// Usage returns the current total charge.
func (c *LRUCache[V]) Usage() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Len returns the number of cached entries.
func (c *LRUCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

func (c *LRUCache[V]) Hits() uint64   { return c.hits.Load() }
func (c *LRUCache[V]) Misses() uint64 { return c.misses.Load() }

// must hold mu
func (c *LRUCache[V]) remove(e *list.Element) {
	ent := c.entryOf(e)
	delete(c.table, ent.key)
	c.lru.Remove(e)
	c.usage -= ent.charge
}

// ShardedLRUCache spreads keys over independent shards to reduce lock
// contention between concurrent readers.
type ShardedLRUCache[V any] struct {
	shards []*LRUCache[V]
}

// NewShardedLRUCache creates a cache with numShards shards (rounded up to a
// power of two) sharing capacity evenly.
func NewShardedLRUCache[V any](capacity uint64, numShards int) *ShardedLRUCache[V] {
	if numShards <= 0 {
		numShards = 16
	}
	n := 1
	for n < numShards {
		n <<= 1
	}
	per := max(capacity/uint64(n), 1)
	c := &ShardedLRUCache[V]{shards: make([]*LRUCache[V], n)}
	for i := range c.shards {
		c.shards[i] = NewLRUCache[V](per)
	}
	return c
}

func (c *ShardedLRUCache[V]) shard(key Key) *LRUCache[V] {
	h := key.FileNumber*0x9E3779B97F4A7C15 ^ key.BlockOffset
	h ^= h >> 29
	return c.shards[h&uint64(len(c.shards)-1)]
}

func (c *ShardedLRUCache[V]) Insert(key Key, value V, charge uint64) {
	c.shard(key).Insert(key, value, charge)
}

func (c *ShardedLRUCache[V]) Lookup(key Key) (V, bool) {
	return c.shard(key).Lookup(key)
}

func (c *ShardedLRUCache[V]) EraseFile(fileNumber uint64) {
	for _, s := range c.shards {
		s.EraseFile(fileNumber)
	}
}

func (c *ShardedLRUCache[V]) Usage() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.Usage()
	}
	return total
}

// HitRate returns hits / (hits + misses), 0 before any lookup.
func (c *ShardedLRUCache[V]) HitRate() float64 {
	var hits, misses uint64
	for _, s := range c.shards {
		hits += s.Hits()
		misses += s.Misses()
	}
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

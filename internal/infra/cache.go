// Package infra provides small concurrency-safe primitives shared across
// the engine: caches, rate limiters, and retry helpers.
package infra

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// TTLCache is a thread-safe cache with per-entry expiration and LRU
// eviction when a capacity is configured. It backs the process-wide
// embedding cache, the assembled-prompt cache, and the household view
// cache, so reads vastly outnumber writes.
type TTLCache[K comparable, V any] struct {
	mu         sync.Mutex
	entries    map[K]*list.Element
	order      *list.List // front = most recently used
	defaultTTL time.Duration
	maxSize    int

	hits   atomic.Uint64
	misses atomic.Uint64
	evicts atomic.Uint64

	now func() time.Time
}

type cacheEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// CacheConfig configures a TTL cache.
type CacheConfig struct {
	// DefaultTTL is the default time-to-live for entries.
	DefaultTTL time.Duration

	// MaxSize limits the cache size (0 = unlimited). When full, the
	// least recently used entry is evicted.
	MaxSize int
}

// NewTTLCache creates a TTL cache with the given configuration.
func NewTTLCache[K comparable, V any](config CacheConfig) *TTLCache[K, V] {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	return &TTLCache[K, V]{
		entries:    make(map[K]*list.Element),
		order:      list.New(),
		defaultTTL: config.DefaultTTL,
		maxSize:    config.MaxSize,
		now:        time.Now,
	}
}

// Set stores a value with the default TTL.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value with a custom TTL.
func (c *TTLCache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry[K, V])
		entry.value = value
		entry.expiresAt = c.now().Add(ttl)
		c.order.MoveToFront(elem)
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictLRU()
	}

	elem := c.order.PushFront(&cacheEntry[K, V]{
		key:       key,
		value:     value,
		expiresAt: c.now().Add(ttl),
	})
	c.entries[key] = elem
}

// Get retrieves a value, returning false when absent or expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	entry := elem.Value.(*cacheEntry[K, V])
	if c.now().After(entry.expiresAt) {
		c.removeLocked(elem)
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	c.order.MoveToFront(elem)
	c.hits.Add(1)
	return entry.value, true
}

// Delete removes an entry if present.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Flush removes all entries.
func (c *TTLCache[K, V]) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*list.Element)
	c.order.Init()
}

// Len returns the number of entries, including any not yet collected
// expired ones.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cumulative hit/miss/evict counts.
func (c *TTLCache[K, V]) Stats() (hits, misses, evicts uint64) {
	return c.hits.Load(), c.misses.Load(), c.evicts.Load()
}

func (c *TTLCache[K, V]) evictLRU() {
	if back := c.order.Back(); back != nil {
		c.removeLocked(back)
		c.evicts.Add(1)
	}
}

func (c *TTLCache[K, V]) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry[K, V])
	delete(c.entries, entry.key)
	c.order.Remove(elem)
}

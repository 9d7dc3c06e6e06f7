// Package membership caches who belongs to which chat and space.
package membership

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// Cache is a TTL map with a hard size limit. When an insert would exceed
// the limit the whole map is dropped instead of evicting single entries.
type Cache[K comparable, V any] struct {
	mu       sync.RWMutex
	ttl      time.Duration
	capacity int
	now      func() time.Time
	items    map[K]entry[V]

	hits      uint64
	misses    uint64
	evictions uint64
}

func NewCache[K comparable, V any](ttl time.Duration, capacity int) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache[K, V]{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		items:    make(map[K]entry[V]),
	}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expires) {
		c.mu.Lock()
		c.misses++
		if cur, still := c.items[key]; still && !c.now().Before(cur.expires) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return e.value, true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.capacity {
		c.items = make(map[K]entry[V])
		c.evictions++
	}
	c.items[key] = entry[V]{value: value, expires: c.now().Add(c.ttl)}
}

func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	c.items = make(map[K]entry[V])
	c.mu.Unlock()
}

func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

func (c *Cache[K, V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Size: len(c.items)}
}

package cache

import (
	"context"
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

func (i item[V]) expired(now time.Time) bool {
	return !now.Before(i.expiresAt)
}

// Cache is a thread-safe in-memory cache with TTL support. Expired entries
// are dropped lazily, so there is no background goroutine to stop.
type Cache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]item[V]
	ttl   time.Duration
	now   func() time.Time

	hits   uint64
	misses uint64
}

// New creates a cache whose entries live for ttl.
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		items: make(map[K]item[V]),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get retrieves a value from cache
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[key]
	if !ok || it.expired(c.now()) {
		if ok {
			delete(c.items, key)
		}
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return it.value, true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.items) > 0 && len(c.items)%64 == 0 {
		c.purgeLocked(now)
	}
	c.items[key] = item[V]{value: value, expiresAt: now.Add(ttl)}
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Load errors are not cached.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

// Len counts unexpired entries.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	n := 0
	for _, it := range c.items {
		if !it.expired(now) {
			n++
		}
	}
	return n
}

type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

func (c *Cache[K, V]) Stats() Stats {
	size := c.Len()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: size}
}

func (c *Cache[K, V]) purgeLocked(now time.Time) {
	for k, it := range c.items {
		if it.expired(now) {
			delete(c.items, k)
		}
	}
}

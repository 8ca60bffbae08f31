package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultCapacity = 1024

// MemoryCache is a capacity-bounded in-memory ResultCache. Eviction is
// least-recently-used combined with TTL expiry, whichever triggers first.
type MemoryCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
	now     func() time.Time
}

type memoryItem struct {
	key       string
	value     any
	expiresAt time.Time
}

// NewMemoryCache creates a MemoryCache holding at most capacity entries.
// A non-positive capacity selects the default size.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
		now:     time.Now,
	}
}

// Get returns the cached value for fingerprint. An expired entry is removed
// and reported as a miss.
func (c *MemoryCache) Get(_ context.Context, fingerprint string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	item := elem.Value.(memoryItem)
	if c.now().After(item.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, fingerprint)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return item.value, true
}

// Put stores value under fingerprint for ttl. When the cache is full the
// least-recently-used entry is evicted.
func (c *MemoryCache) Put(_ context.Context, fingerprint string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	item := memoryItem{key: fingerprint, value: value, expiresAt: c.now().Add(ttl)}

	if elem, ok := c.entries[fingerprint]; ok {
		elem.Value = item
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(item)
	c.entries[fingerprint] = elem

	if c.order.Len() <= c.max {
		return
	}

	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		evicted := tail.Value.(memoryItem)
		delete(c.entries, evicted.key)
	}
}

// Len returns the number of resident entries, including any not yet expired.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close releases the cache; a MemoryCache has nothing to release.
func (c *MemoryCache) Close() error {
	return nil
}

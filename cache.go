package urlfetch

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Cache is a fixed-capacity, time-expiring LRU map from fingerprint to content.
// It is safe for concurrent use and never blocks on anything but its own mutex.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	key      string
	value    *Content
	storedAt time.Time
}

// CacheOption configures a Cache
type CacheOption func(*Cache)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache creates a cache holding at most capacity entries for at most ttl each.
// Non-positive values fall back to URLCacheMax and URLCacheTimeout.
func NewCache(capacity int, ttl time.Duration, opts ...CacheOption) *Cache {
	if capacity <= 0 {
		capacity = URLCacheMax
	}
	if ttl <= 0 {
		ttl = URLCacheTimeout
	}
	c := &Cache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the live value for key. An expired entry is evicted and
// reported absent.
func (c *Cache) Lookup(key string) (*Content, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.removeElement(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.value.Clone(), true
}

// Put stores a copy of value under key, evicting the least recently used
// entry first when the cache is full.
func (c *Cache) Put(key string, value *Content) {
	value = value.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.storedAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.capacity {
		c.removeElement(c.order.Back())
	}

	c.items[key] = c.order.PushFront(&cacheEntry{
		key:      key,
		value:    value,
		storedAt: c.now(),
	})
}

// Delete drops key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len counts stored entries, including expired ones not yet looked up.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity is the maximum number of entries.
func (c *Cache) Capacity() int {
	return c.capacity
}

// TTL is the per-entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*cacheEntry).key)
}

// Get implements Store.
func (c *Cache) Get(_ context.Context, key string) (*Content, error) {
	if v, ok := c.Lookup(key); ok {
		return v, nil
	}
	return nil, ErrNotFound
}

// Set implements Store.
func (c *Cache) Set(_ context.Context, key string, content *Content) error {
	c.Put(key, content)
	return nil
}

// Remove implements Store.
func (c *Cache) Remove(_ context.Context, key string) error {
	c.Delete(key)
	return nil
}

var _ Store = (*Cache)(nil)

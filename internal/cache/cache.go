// ABOUTME: Thread-safe TTL cache with size-bounded insertion-order eviction.
// ABOUTME: Backs the session-token user cache and the per-user role cache.

package cache

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the value, its timestamp and list element.
type cacheEntry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited key/value cache.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry[V]
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Put stores a value. If the cache is at capacity, the oldest entry is evicted.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, exists := c.entries[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry[V]{
		value:     value,
		timestamp: now,
		element:   elem,
	}
}

// Delete removes a key. Missing keys are ignored.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry[V])
	c.order.Init()
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

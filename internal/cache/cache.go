// ABOUTME: Thread-safe bounded TTL cache with insertion-order eviction.
// ABOUTME: Owned and injected by its users; never a package-level singleton.

// Package cache provides a generic, size-limited, TTL-based cache. The
// catalog uses it in front of manifest reads and the speculative executor
// uses it for pre-computed results.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry stores one cached value with its timestamp and list position.
type entry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited map. A doubly-linked
// list maintains insertion order for O(1) eviction of the oldest entry.
type Cache[V any] struct {
	mu      sync.RWMutex
	items   map[string]*entry[V]
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine periodically removes expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		items:   make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the cached value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	e, ok := c.items[key]
	if !ok || time.Since(e.timestamp) >= c.ttl {
		return zero, false
	}
	return e.value, true
}

// Put stores a value. Re-putting an existing key refreshes its timestamp
// and moves it to the back of the eviction order. At capacity the oldest
// entry is evicted to make room.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, exists := c.items[key]; exists {
		e.value = value
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.items[key] = &entry[V]{value: value, timestamp: now, element: elem}
}

// Delete removes a key. Missing keys are a no-op.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return
	}
	c.order.Remove(e.element)
	delete(c.items, key)
}

// Len returns the number of entries, including any not yet swept expired ones.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.items, key)
}

// cleanup periodically removes expired entries until Close.
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

func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.items {
		if now.Sub(e.timestamp) > c.ttl {
			c.order.Remove(e.element)
			delete(c.items, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

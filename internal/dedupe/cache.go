// ABOUTME: Thread-safe TTL cache for suppressing replayed companion callbacks.
// ABOUTME: Intent-style delivery can hand us the same response more than once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache tracks recently settled request IDs so duplicate callback deliveries
// can be dropped. Entries expire after a TTL and the cache is size-bounded;
// insertion order is kept in a list for O(1) eviction of the oldest key.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the given TTL and maximum size. A
// background goroutine periodically sweeps expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// CheckAndMark atomically checks whether key was already seen and marks it if
// not. Returns true for a duplicate, false if the key is new and now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		if time.Since(entry.timestamp) < c.ttl {
			return true
		}
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}

	// Evict the oldest entry when full.
	for len(c.seen) >= c.maxSize && c.order.Len() > 0 {
		front := c.order.Front()
		c.order.Remove(front)
		delete(c.seen, front.Value.(string))
	}

	c.seen[key] = &cacheEntry{
		timestamp: time.Now(),
		element:   c.order.PushBack(key),
	}
	return false
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// sweep periodically removes expired entries from the front of the order list.
func (c *Cache) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			for front := c.order.Front(); front != nil; {
				key := front.Value.(string)
				entry := c.seen[key]
				if entry == nil || time.Since(entry.timestamp) < c.ttl {
					break
				}
				next := front.Next()
				c.order.Remove(front)
				delete(c.seen, key)
				front = next
			}
			c.mu.Unlock()
		}
	}
}

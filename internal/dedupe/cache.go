// ABOUTME: Thread-safe TTL cache over message IDs for at-least-once delivery.
// ABOUTME: Listeners use it to drop replayed messages before mailbox append.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the timestamp and list element for a cached message ID.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache tracks recently seen message IDs with a TTL and a size cap. The
// hub may hand the same message to a listener more than once (reconnect
// replays, retried sends); marking IDs here keeps the mailbox free of
// duplicates. Insertion order lives in a doubly-linked list for O(1)
// eviction of the oldest ID.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // message IDs in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedup cache with the specified TTL and maximum size.
// A background goroutine periodically drops expired IDs.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// CheckAndMark atomically checks whether a message ID was already seen and
// marks it if not. Returns true for a duplicate (caller should drop the
// message), false for a fresh ID that is now marked.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[id]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return true
	}

	c.markLocked(id)
	return false
}

// markLocked records an ID. Must be called with mu held.
func (c *Cache) markLocked(id string) {
	now := time.Now()

	if entry, exists := c.seen[id]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(id)
	c.seen[id] = &cacheEntry{timestamp: now, element: elem}
}

// evictOldest removes the oldest ID. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, id)
}

// cleanup periodically removes expired IDs until Close.
func (c *Cache) cleanup() {
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

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, id)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

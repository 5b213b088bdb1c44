// Package cache provides the marker caches used by Kestrel workers.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LRUCache is a thread-safe LRU cache with per-entry expiry.
// It serves single-instance deployments and is the L1 of the two-phase cache.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates an LRU cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the value for key, or nil if it is missing or expired.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*lruEntry)
	if !c.now().Before(entry.expiresAt) {
		c.removeElement(elem)
		return nil, nil
	}

	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores value under key until ttl elapses.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		return nil
	}

	c.items[key] = c.order.PushFront(&lruEntry{key: key, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.removeElement(c.order.Back())
	}
	return nil
}

// Delete removes key.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

func (c *LRUCache) Ping(context.Context) error { return nil }

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	return nil
}

// Stats returns the current size and capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.maxSize
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry).key)
}

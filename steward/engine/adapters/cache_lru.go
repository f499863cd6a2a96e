package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/stewardhq/steward/steward/engine/ports"
)

// LRUCache is an in-process LRU cache with per-entry TTL, used to memoize
// prompt → completion pairs. Get promotes entries, so a single mutex guards
// both the map and the recency list.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*cacheItem
	head     *cacheItem
	tail     *cacheItem
}

type cacheItem struct {
	key       string
	value     []byte
	expiresAt time.Time
	prev      *cacheItem
	next      *cacheItem
}

// NewLRUCache creates a cache bounded to capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity < 1 {
		capacity = 1
	}
	return &LRUCache{
		capacity: capacity,
		items:    make(map[string]*cacheItem),
	}
}

// Get returns the cached value for key, dropping it when expired.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.unlink(item)
		delete(c.items, key)
		return nil, false
	}
	c.moveToFront(item)
	return item.value, true
}

// Set stores value under key for ttlSeconds, evicting the least recently
// used entry when over capacity.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	if item, ok := c.items[key]; ok {
		item.value = value
		item.expiresAt = expiresAt
		c.moveToFront(item)
		return nil
	}

	item := &cacheItem{key: key, value: value, expiresAt: expiresAt}
	c.pushFront(item)
	c.items[key] = item

	if len(c.items) > c.capacity && c.tail != nil {
		evicted := c.tail
		c.unlink(evicted)
		delete(c.items, evicted.key)
	}
	return nil
}

// Delete removes key from the cache. Deleting a missing key is a no-op.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.items[key]; ok {
		c.unlink(item)
		delete(c.items, key)
	}
	return nil
}

// Len reports the number of live entries, expired or not.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRUCache) moveToFront(item *cacheItem) {
	if item == c.head {
		return
	}
	c.unlink(item)
	c.pushFront(item)
}

func (c *LRUCache) pushFront(item *cacheItem) {
	item.next = c.head
	item.prev = nil
	if c.head != nil {
		c.head.prev = item
	}
	c.head = item
	if c.tail == nil {
		c.tail = item
	}
}

func (c *LRUCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev = nil
	item.next = nil
}

var _ ports.Cache = (*LRUCache)(nil)

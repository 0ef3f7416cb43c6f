package embed

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type lruEntry struct {
	key     string
	vec     []float32
	expires time.Time
}

// LRUCache is a bounded in-process embedding cache.
type LRUCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// NewLRUCache creates a cache holding at most maxSize vectors.
// ttl of zero means entries never expire.
func NewLRUCache(maxSize int, ttl time.Duration) *LRUCache {
	if maxSize <= 0 {
		maxSize = 2048
	}
	return &LRUCache{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Name identifies the cache in logs and metrics.
func (c *LRUCache) Name() string { return "memory" }

// Get retrieves a copy of the cached vector.
func (c *LRUCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*lruEntry)
	if !entry.expires.IsZero() && c.now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false, nil
	}

	c.order.MoveToFront(el)
	return append([]float32(nil), entry.vec...), true, nil
}

// Set stores a copy of vec, evicting the least recently used entry when full.
func (c *LRUCache) Set(_ context.Context, key string, vec []float32) error {
	entry := &lruEntry{key: key, vec: append([]float32(nil), vec...)}
	if c.ttl > 0 {
		entry.expires = c.now().Add(c.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return nil
	}

	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}

	c.items[key] = c.order.PushFront(entry)
	return nil
}

// Len returns the number of cached vectors.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// NoCache never stores anything.
type NoCache struct{}

// Name identifies the cache in logs and metrics.
func (NoCache) Name() string { return "none" }

// Get always misses.
func (NoCache) Get(context.Context, string) ([]float32, bool, error) { return nil, false, nil }

// Set discards the vector.
func (NoCache) Set(context.Context, string, []float32) error { return nil }

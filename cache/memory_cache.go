package cache

import (
	"container/list"
	"sync"

	"github.com/proxylab/hproxy/config"
)

// memoryCache is a bounded in-memory LRU cache.
//
// A doubly linked list keeps the recency order with the most-recent entry
// at the front; a map gives O(1) fingerprint lookup. Both are guarded by
// a single mutex and no network I/O ever happens under it.
type memoryCache struct {
	mu       sync.Mutex
	lruList  *list.List
	items    map[string]*list.Element
	capacity int

	stats Stats
}

type lruEntry struct {
	fingerprint string
	body        []byte
}

// defaultCapacity bounds the cache when no capacity is configured.
const defaultCapacity = 10

// NewMemoryCache returns an empty LRU cache bounded by cfg.Capacity entries.
func NewMemoryCache(cfg config.Cache) Cache {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &memoryCache{
		lruList:  list.New(),
		items:    make(map[string]*list.Element),
		capacity: capacity,
	}
}

func (c *memoryCache) Name() string { return "memory" }

// Get returns an owned copy of the cached body, so the caller may write it
// to a socket without holding the cache lock.
func (c *memoryCache) Get(key *Key) ([]byte, error) {
	fp := key.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[fp]
	if !ok {
		c.stats.Misses++
		return nil, ErrMissing
	}

	c.lruList.MoveToFront(element)
	c.stats.Hits++

	// nolint: forcetypeassert // the list holds lruEntry values only.
	entry := element.Value.(*lruEntry)
	body := make([]byte, len(entry.body))
	copy(body, entry.body)
	return body, nil
}

// Put inserts or overwrites the entry and promotes it to most-recent.
// When a new fingerprint arrives at capacity the least-recent entry
// is evicted.
func (c *memoryCache) Put(key *Key, body []byte) {
	if len(body) == 0 {
		return
	}
	fp := key.String()
	if len(fp) == 0 {
		return
	}

	owned := make([]byte, len(body))
	copy(owned, body)

	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.items[fp]; ok {
		// nolint: forcetypeassert // the list holds lruEntry values only.
		element.Value.(*lruEntry).body = owned
		c.lruList.MoveToFront(element)
		return
	}

	c.items[fp] = c.lruList.PushFront(&lruEntry{
		fingerprint: fp,
		body:        owned,
	})

	if c.lruList.Len() > c.capacity {
		c.removeOldest()
	}
}

func (c *memoryCache) removeOldest() {
	element := c.lruList.Back()
	if element == nil {
		return
	}
	c.lruList.Remove(element)
	// nolint: forcetypeassert // the list holds lruEntry values only.
	delete(c.items, element.Value.(*lruEntry).fingerprint)
	c.stats.Evictions++
}

// Stats returns cache stats.
func (c *memoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Items = uint64(c.lruList.Len())
	return s
}

// Close drops all entries.
func (c *memoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lruList = list.New()
	c.items = make(map[string]*list.Element)
	return nil
}

package translate

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a bounded LRU with per-entry TTL, shared by every relay
// handler for translation dedup. All operations take the mutex, so
// concurrent Get/Set/evict are safe.
//
// Expired entries are removed lazily: a Get that finds an expired entry
// deletes it and reports a miss.
type Cache struct {
	mu       sync.Mutex
	maxSize  int
	ttl      time.Duration
	order    *list.List               // Front = most recently used.
	entries  map[string]*list.Element

	hits      uint64
	misses    uint64
	evictions uint64

	// now is swappable in tests to exercise expiry without sleeping.
	now func() time.Time
}

type cacheEntry struct {
	key      string
	value    string
	expireAt time.Time
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Total     uint64  `json:"total"`
	HitRate   float64 `json:"hit_rate"`
}

// NewCache creates a cache holding at most maxSize entries, each living
// for ttl after its last Set.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Get returns the cached value and promotes its recency. Expired entries
// are dropped on touch and count as misses.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}

	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expireAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		return "", false
	}

	c.order.MoveToFront(el)
	c.hits++
	return entry.value, true
}

// Set inserts or refreshes a key, then evicts the least-recently-used
// entry if the cache is over capacity.
func (c *Cache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expireAt := c.now().Add(c.ttl)

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.expireAt = expireAt
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, value: value, expireAt: expireAt})
	c.entries[key] = el

	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
		c.evictions++
	}
}

// Clear drops all entries. Counters are kept — they describe lifetime
// behavior, not current contents.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	stats := CacheStats{
		Size:      c.order.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Total:     total,
	}
	if total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

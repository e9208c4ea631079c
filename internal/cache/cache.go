package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/metrics"
)

// entry is a single cached value with its bookkeeping.
type entry struct {
	key         string
	value       interface{}
	expiresAt   time.Time // zero means no expiry
	tags        []string
	accessCount int64
	element     *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Stats counts cache outcomes since creation.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Expired   int64 `json:"expired"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// Cache is a bounded LRU cache with per-entry TTL and tag invalidation.
// One shared structure guarded by a single mutex; every hit refreshes the
// entry's recency, and inserting beyond MaxSize evicts the least recently
// used entry unconditionally.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = most recently used
	tags    map[string]map[string]struct{}

	maxSize    int
	defaultTTL time.Duration
	metrics    *metrics.Metrics
	stats      Stats
}

// New creates a cache
func New(cfg config.CacheConfig, m *metrics.Metrics) *Cache {
	if m == nil {
		m = &metrics.Metrics{}
	}

	return &Cache{
		entries:    make(map[string]*entry),
		order:      list.New(),
		tags:       make(map[string]map[string]struct{}),
		maxSize:    cfg.MaxSize,
		defaultTTL: cfg.DefaultTTL,
		metrics:    m,
	}
}

// Get returns the cached value for key. Expired entries are deleted lazily
// and never returned.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		c.metrics.RecordCacheOperation("miss")
		return nil, false
	}

	if e.expired(time.Now()) {
		c.remove(e)
		c.stats.Expired++
		c.metrics.RecordCacheOperation("expired")
		return nil, false
	}

	e.accessCount++
	c.order.MoveToFront(e.element)
	c.stats.Hits++
	c.metrics.RecordCacheOperation("hit")
	return e.value, true
}

// GetOrDefault returns the cached value or the caller's default.
func (c *Cache) GetOrDefault(key string, def interface{}) interface{} {
	if v, ok := c.Get(key); ok {
		return v
	}
	return def
}

// Set stores a value. A zero ttl applies the default TTL; a negative ttl
// stores the entry without expiry.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if existing, ok := c.entries[key]; ok {
		c.detachTags(existing)
		existing.value = value
		existing.expiresAt = expiresAt
		existing.tags = tags
		c.attachTags(existing)
		c.order.MoveToFront(existing.element)
		return
	}

	e := &entry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
		tags:      tags,
	}
	e.element = c.order.PushFront(e)
	c.entries[key] = e
	c.attachTags(e)

	for len(c.entries) > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*entry))
		c.stats.Evictions++
		c.metrics.RecordCacheOperation("eviction")
	}
}

// Delete removes a key, reporting whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.remove(e)
	return true
}

// InvalidateByTag removes every entry carrying the tag and returns how many
// were dropped.
func (c *Cache) InvalidateByTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.tags[tag]
	if !ok {
		return 0
	}

	count := 0
	for key := range keys {
		if e, ok := c.entries[key]; ok {
			c.remove(e)
			count++
		}
	}
	return count
}

// Len returns the number of live entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = len(c.entries)
	return s
}

// remove drops an entry from the map, LRU order and tag index. Caller holds
// the lock.
func (c *Cache) remove(e *entry) {
	delete(c.entries, e.key)
	c.order.Remove(e.element)
	c.detachTags(e)
}

func (c *Cache) attachTags(e *entry) {
	for _, tag := range e.tags {
		keys, ok := c.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tags[tag] = keys
		}
		keys[e.key] = struct{}{}
	}
}

func (c *Cache) detachTags(e *entry) {
	for _, tag := range e.tags {
		if keys, ok := c.tags[tag]; ok {
			delete(keys, e.key)
			if len(keys) == 0 {
				delete(c.tags, tag)
			}
		}
	}
}

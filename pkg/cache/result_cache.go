// Package cache provides the read-through discovery result cache.
//
// Caching discovery responses avoids re-running the adapter fan-out for
// repeated queries. The cache is an optional optimization in front of the
// Discovery Engine, never a correctness requirement: the sync engine
// invalidates a tenant's entries on every successful apply, so a cached
// response can only ever be as stale as the sync lag it replaces.
//
// Features:
// - LRU eviction for bounded memory
// - TTL expiration
// - Per-tenant invalidation
// - Thread-safe operations
// - Hit/miss statistics
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// ResultCache is a thread-safe LRU cache for discovery responses.
//
// Keys carry the tenant so InvalidateTenant can drop exactly one tenant's
// entries when the sync engine commits a change for it.
//
// Example:
//
//	c := cache.NewResultCache(1000, 30*time.Second)
//
//	key := c.Key(req.TenantID, req.Fingerprint())
//	if resp, ok := c.Get(key); ok {
//		return resp.(*discovery.Response)
//	}
//	resp := engine.Discover(ctx, req)
//	c.Put(key, resp)
type ResultCache struct {
	mu sync.RWMutex

	maxSize int
	ttl     time.Duration
	enabled bool

	list  *list.List
	items map[uint64]*list.Element

	// tenant -> set of live keys, for targeted invalidation
	tenantKeys map[string]map[uint64]struct{}

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key       uint64
	tenantID  string
	value     any
	expiresAt time.Time
}

// NewResultCache creates a result cache.
//
//   - maxSize: entry cap, LRU-evicted beyond it (default 1000 if <= 0)
//   - ttl: per-entry time-to-live (0 = LRU eviction only)
func NewResultCache(maxSize int, ttl time.Duration) *ResultCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &ResultCache{
		maxSize:    maxSize,
		ttl:        ttl,
		enabled:    true,
		list:       list.New(),
		items:      make(map[uint64]*list.Element, maxSize),
		tenantKeys: make(map[string]map[uint64]struct{}),
	}
}

// Key hashes a tenant and request fingerprint into a cache key.
// Same tenant and fingerprint always produce the same key.
func (c *ResultCache) Key(tenantID, fingerprint string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(fingerprint))
	return h.Sum64()
}

// Get returns a cached response if present and fresh. The enabled flag and
// the entry itself are only read under the lock: SetEnabled and Put mutate
// both concurrently.
func (c *ResultCache) Get(key uint64) (any, bool) {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		c.mu.Unlock()
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	c.list.MoveToFront(elem)
	value := entry.value
	c.mu.Unlock()

	atomic.AddUint64(&c.hits, 1)
	return value, true
}

// Put stores a response under the given key for the given tenant.
func (c *ResultCache) Put(key uint64, tenantID string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.tenantID = tenantID
		if c.ttl > 0 {
			entry.expiresAt = time.Now().Add(c.ttl)
		}
		c.list.MoveToFront(elem)
		c.trackTenant(tenantID, key)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry{key: key, tenantID: tenantID, value: value}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.items[key] = c.list.PushFront(entry)
	c.trackTenant(tenantID, key)
}

// InvalidateTenant drops every entry cached for one tenant. Called by the
// sync engine after each successful apply; implements syncq.Invalidator.
func (c *ResultCache) InvalidateTenant(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.tenantKeys[tenantID]
	if !ok {
		return
	}
	for key := range keys {
		if elem, exists := c.items[key]; exists {
			c.list.Remove(elem)
			delete(c.items, key)
		}
	}
	delete(c.tenantKeys, tenantID)
}

// Clear removes all entries.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[uint64]*list.Element, c.maxSize)
	c.tenantKeys = make(map[string]map[uint64]struct{})
}

// Len returns the number of cached entries.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.list.Len()
}

// Stats returns cache performance statistics.
func (c *ResultCache) Stats() Stats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	c.mu.RLock()
	size := c.list.Len()
	c.mu.RUnlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return Stats{
		Size:    size,
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// Stats holds cache performance counters.
type Stats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64 // percentage, 0-100
}

// SetEnabled toggles the cache. Disabling also clears it.
func (c *ResultCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if !enabled {
		c.list.Init()
		c.items = make(map[uint64]*list.Element, c.maxSize)
		c.tenantKeys = make(map[string]map[uint64]struct{})
	}
}

func (c *ResultCache) trackTenant(tenantID string, key uint64) {
	if c.tenantKeys[tenantID] == nil {
		c.tenantKeys[tenantID] = make(map[uint64]struct{})
	}
	c.tenantKeys[tenantID][key] = struct{}{}
}

// evictOldest removes the least recently used entry. Caller holds mu.
func (c *ResultCache) evictOldest() {
	if elem := c.list.Back(); elem != nil {
		c.removeElement(elem)
	}
}

// removeElement removes an element and its indexes. Caller holds mu.
func (c *ResultCache) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	if keys, ok := c.tenantKeys[entry.tenantID]; ok {
		delete(keys, entry.key)
		if len(keys) == 0 {
			delete(c.tenantKeys, entry.tenantID)
		}
	}
}

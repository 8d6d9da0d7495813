package goaffiliate

import (
	"sync"
	"time"
)

// Cache defines the interface for caching fetched snapshots
// to reduce storage backend load between dashboard refreshes.
// Cached snapshots are shared and must not be mutated by callers.
type Cache interface {
	// Get retrieves a cached snapshot
	// Returns the snapshot and true if found, nil and false otherwise
	Get(affiliateID string) (*Snapshot, bool)

	// Set stores a snapshot in the cache with TTL
	Set(affiliateID string, snap *Snapshot, ttl time.Duration)

	// Invalidate removes an affiliate's snapshot from the cache
	Invalidate(affiliateID string)

	// Clear removes all entries from the cache
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// cacheEntry wraps a cached snapshot with expiration time and access time for LRU
type cacheEntry struct {
	snapshot   *Snapshot
	expiration time.Time
	accessTime time.Time
	sequence   int64 // For tiebreaking when access times are equal
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

// NoopCache is a cache implementation that does nothing
// Used when caching is disabled
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(_ string) (*Snapshot, bool) {
	return nil, false
}

func (c *NoopCache) Set(_ string, _ *Snapshot, _ time.Duration) {}

func (c *NoopCache) Invalidate(_ string) {}

func (c *NoopCache) Clear() {}

func (c *NoopCache) Stats() CacheStats {
	return CacheStats{}
}

// LRUCache implements Cache using an in-memory LRU cache with TTL support
type LRUCache struct {
	entries   map[string]*cacheEntry
	max       int
	mu        sync.Mutex
	hits      int64
	misses    int64
	evictions int64
	sequence  int64
	now       func() time.Time
}

// NewLRUCache creates a new LRU cache holding at most maxSnapshots affiliates
func NewLRUCache(maxSnapshots int) *LRUCache {
	if maxSnapshots <= 0 {
		maxSnapshots = 1000 // default
	}
	return &LRUCache{
		entries: make(map[string]*cacheEntry, maxSnapshots),
		max:     maxSnapshots,
		now:     time.Now,
	}
}

func (c *LRUCache) Get(affiliateID string) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, exists := c.entries[affiliateID]
	if !exists || entry.isExpired(now) {
		if exists {
			delete(c.entries, affiliateID)
		}
		c.misses++
		return nil, false
	}

	entry.accessTime = now
	entry.sequence = c.nextSequence()
	c.hits++
	return entry.snapshot, true
}

func (c *LRUCache) Set(affiliateID string, snap *Snapshot, ttl time.Duration) {
	if snap == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[affiliateID]; !exists && len(c.entries) >= c.max {
		c.evictOldest()
	}

	c.entries[affiliateID] = &cacheEntry{
		snapshot:   snap,
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   c.nextSequence(),
	}
}

// evictOldest removes the least recently used entry (oldest accessTime, then oldest sequence)
func (c *LRUCache) evictOldest() {
	var oldestKey string
	var oldest *cacheEntry
	for key, entry := range c.entries {
		if oldest == nil || entry.accessTime.Before(oldest.accessTime) ||
			(entry.accessTime.Equal(oldest.accessTime) && entry.sequence < oldest.sequence) {
			oldestKey = key
			oldest = entry
		}
	}
	if oldest != nil {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) nextSequence() int64 {
	seq := c.sequence
	c.sequence++
	return seq
}

func (c *LRUCache) Invalidate(affiliateID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, affiliateID)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.max)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

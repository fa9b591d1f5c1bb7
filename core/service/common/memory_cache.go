// Package common provides shared cache building blocks for the history engine.
package common

import (
	"sync"
	"time"

	"history_server/core/domain"
	"history_server/core/port/out"
)

// =============================================================================
// L1 Cache - In-Memory, Least-Hit-Count Eviction
// =============================================================================

// DefaultMemoryCapacity bounds the L1 tier. Exceeding capacity without
// eviction is a defect.
const DefaultMemoryCapacity = 50

// DefaultStaleAge is the age past which entries are purged during periodic
// cleanup regardless of hit count. Bounds memory under write-heavy,
// read-light access patterns.
const DefaultStaleAge = time.Hour

type memoryEntry struct {
	item       *domain.AnalysisHistoryItem
	insertedAt time.Time
	hits       int64
	seq        uint64 // insertion order, breaks hit-count ties
}

// MemoryCache is the fastest tier: a bounded map of history items keyed by
// item ID. When full, the entry with the lowest hit count is evicted before
// inserting (ties broken by insertion order).
type MemoryCache struct {
	mu       sync.RWMutex
	entries  map[string]*memoryEntry
	capacity int
	clk      out.Clock
	nextSeq  uint64

	// Metrics
	hits   int64
	misses int64
}

// NewMemoryCache creates an L1 cache. capacity <= 0 selects the default.
func NewMemoryCache(capacity int, clk out.Clock) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryCache{
		entries:  make(map[string]*memoryEntry, capacity),
		capacity: capacity,
		clk:      clk,
	}
}

// Get returns the cached item and increments its hit counter. Misses are
// counted for the hit-rate statistics.
func (c *MemoryCache) Get(id string) *domain.AnalysisHistoryItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		c.misses++
		return nil
	}
	entry.hits++
	c.hits++
	return entry.item
}

// Set inserts or replaces an item. At capacity, the least-hit entry is
// evicted first.
func (c *MemoryCache) Set(id string, item *domain.AnalysisHistoryItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[id]; ok {
		existing.item = item
		existing.insertedAt = c.clk.Now()
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictLeastHit()
	}

	c.nextSeq++
	c.entries[id] = &memoryEntry{
		item:       item,
		insertedAt: c.clk.Now(),
		seq:        c.nextSeq,
	}
}

// evictLeastHit removes the entry with the lowest hit count; ties fall to
// the earliest inserted. Caller holds the lock.
func (c *MemoryCache) evictLeastHit() {
	var victim string
	var victimEntry *memoryEntry
	for id, entry := range c.entries {
		if victimEntry == nil ||
			entry.hits < victimEntry.hits ||
			(entry.hits == victimEntry.hits && entry.seq < victimEntry.seq) {
			victim = id
			victimEntry = entry
		}
	}
	if victimEntry != nil {
		delete(c.entries, victim)
	}
}

// Delete removes an item.
func (c *MemoryCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Clear removes all entries.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*memoryEntry, c.capacity)
}

// Len returns the current entry count.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// PurgeStale removes entries older than maxAge regardless of hit count.
// Called hourly by the cache janitor. maxAge <= 0 selects the default.
func (c *MemoryCache) PurgeStale(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultStaleAge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clk.Now().Add(-maxAge)
	purged := 0
	for id, entry := range c.entries {
		if entry.insertedAt.Before(cutoff) {
			delete(c.entries, id)
			purged++
		}
	}
	return purged
}

// MemoryStats contains L1 cache statistics.
type MemoryStats struct {
	Items    int     `json:"items"`
	Capacity int     `json:"capacity"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

// Stats returns a snapshot of cache statistics.
func (c *MemoryCache) Stats() MemoryStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hitRate := float64(0)
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return MemoryStats{
		Items:    len(c.entries),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
		HitRate:  hitRate,
	}
}

package history

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"history_server/core/domain"
	"history_server/core/port/out"
	"history_server/core/service/common"
	"history_server/pkg/apperr"
	"history_server/pkg/logger"
)

// =============================================================================
// Cache Manager - L1/L2/L3 Orchestration
// =============================================================================

// CacheManager coordinates the three history tiers: write-through on
// mutations, read-through with promotion on reads, and cache warming.
//
// The manager itself does not retry failed remote writes: the offline-aware
// layer above owns queuing. Remote failures on AddItem/RemoveItem are
// returned to the caller for that purpose; L1/L2 failures are logged and
// swallowed (local tiers degrade, they never break the operation).
type CacheManager struct {
	memory     *common.MemoryCache
	persistent *PersistentCache
	remote     out.HistoryStore
	log        *logger.Logger

	// Deduplicates concurrent preloads for the same owner.
	preloadFlight singleflight.Group
}

// NewCacheManager wires the three tiers together.
func NewCacheManager(memory *common.MemoryCache, persistent *PersistentCache, remote out.HistoryStore, log *logger.Logger) *CacheManager {
	if log == nil {
		log = logger.Default()
	}
	return &CacheManager{
		memory:     memory,
		persistent: persistent,
		remote:     remote,
		log:        log,
	}
}

func validateItem(item *domain.AnalysisHistoryItem) error {
	if item == nil {
		return apperr.BadRequest("history item is required")
	}
	if item.ID == "" {
		return apperr.InvalidInput("id", "must not be empty")
	}
	if !item.Type.Valid() {
		return apperr.InvalidInput("type", fmt.Sprintf("unknown analysis type %q", item.Type))
	}
	return nil
}

// AddLocal writes the item into L1 and L2 only. Used directly by the
// offline layer when the remote tier is known to be unreachable.
func (m *CacheManager) AddLocal(ctx context.Context, item *domain.AnalysisHistoryItem, ownerID string) error {
	if err := validateItem(item); err != nil {
		return err
	}

	m.memory.Set(item.ID, item)
	if err := m.persistent.SaveOne(ctx, ownerID, item); err != nil {
		m.log.WithError(err).WithOwner(ownerID).Warn("L2 save failed for item %s", item.ID)
	}
	return nil
}

// AddItem writes through all three tiers: L1 and L2 synchronously, then the
// remote store. A remote failure is returned (the offline layer queues it);
// the local tiers have already accepted the item at that point.
func (m *CacheManager) AddItem(ctx context.Context, item *domain.AnalysisHistoryItem, ownerID string) error {
	if err := m.AddLocal(ctx, item, ownerID); err != nil {
		return err
	}
	return m.remote.Insert(ctx, item, ownerID)
}

// RemoveLocal deletes from L1 and filters L2 without touching the remote
// store.
func (m *CacheManager) RemoveLocal(ctx context.Context, id, ownerID string) error {
	if id == "" {
		return apperr.InvalidInput("id", "must not be empty")
	}

	m.memory.Delete(id)
	if err := m.persistent.RemoveByID(ctx, ownerID, id); err != nil {
		m.log.WithError(err).WithOwner(ownerID).Warn("L2 remove failed for item %s", id)
	}
	return nil
}

// RemoveItem deletes from L1, filters L2, and deletes from the remote store.
// Remote failure is returned for queuing.
func (m *CacheManager) RemoveItem(ctx context.Context, id, ownerID string) error {
	if err := m.RemoveLocal(ctx, id, ownerID); err != nil {
		return err
	}
	return m.remote.Delete(ctx, id, ownerID)
}

// UpdateCache bulk-refreshes L1 and L2 after a sync or preload. The remote
// tier is not touched.
func (m *CacheManager) UpdateCache(ctx context.Context, items []*domain.AnalysisHistoryItem, ownerID string) {
	for _, item := range items {
		m.memory.Set(item.ID, item)
	}
	if err := m.persistent.ReplaceAll(ctx, ownerID, items); err != nil {
		m.log.WithError(err).WithOwner(ownerID).Warn("L2 bulk refresh failed")
	}
}

// PreloadCache warms the local tiers. If L2 already holds at least limit
// fresh items the local cache is treated as sufficient; otherwise limit
// items are fetched from the remote store. A warming heuristic, not a
// correctness guarantee: L2 may still be stale relative to L3.
func (m *CacheManager) PreloadCache(ctx context.Context, ownerID string, limit int) error {
	if limit <= 0 {
		limit = 50
	}

	cached := m.persistent.GetAll(ctx, ownerID, 0)
	if len(cached) >= limit {
		for _, item := range cached[:limit] {
			m.memory.Set(item.ID, item)
		}
		return nil
	}

	_, err, _ := m.preloadFlight.Do(ownerID, func() (interface{}, error) {
		filter := (&domain.HistoryFilter{OwnerID: ownerID, Limit: limit}).Normalize()
		items, err := m.remote.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		m.UpdateCache(ctx, items, ownerID)
		return nil, nil
	})
	return err
}

// GetFromRemote reads a page from the remote store. Query failure degrades
// to an empty slice and a log line; it never propagates to the UI layer.
func (m *CacheManager) GetFromRemote(ctx context.Context, filter *domain.HistoryFilter) []*domain.AnalysisHistoryItem {
	items, err := m.remote.List(ctx, filter.Normalize())
	if err != nil {
		m.log.WithError(err).WithOwner(filter.OwnerID).Warn("remote history query failed")
		return []*domain.AnalysisHistoryItem{}
	}
	return items
}

// GetItem reads a single item through the tiers, promoting colder-tier hits
// into warmer tiers. Returns nil when the item exists nowhere.
func (m *CacheManager) GetItem(ctx context.Context, id, ownerID string) *domain.AnalysisHistoryItem {
	if item := m.memory.Get(id); item != nil {
		return item
	}

	for _, item := range m.persistent.GetAll(ctx, ownerID, 0) {
		if item.ID == id {
			m.memory.Set(id, item)
			return item
		}
	}

	item, err := m.remote.Get(ctx, id, ownerID)
	if err != nil {
		m.log.WithError(err).WithOwner(ownerID).Warn("remote get failed for item %s", id)
		return nil
	}
	if item == nil {
		return nil
	}

	m.memory.Set(id, item)
	if err := m.persistent.SaveOne(ctx, ownerID, item); err != nil {
		m.log.WithError(err).WithOwner(ownerID).Warn("L2 promotion failed for item %s", id)
	}
	return item
}

// ListItems reads the recent-history list, serving from L2 when it has
// enough fresh items and falling back to the remote store otherwise. Remote
// results are promoted into L1 and L2.
func (m *CacheManager) ListItems(ctx context.Context, ownerID string, limit int) []*domain.AnalysisHistoryItem {
	if limit <= 0 {
		limit = 50
	}

	cached := m.persistent.GetAll(ctx, ownerID, limit)
	if len(cached) >= limit {
		for _, item := range cached {
			m.memory.Set(item.ID, item)
		}
		return cached
	}

	filter := (&domain.HistoryFilter{OwnerID: ownerID, Limit: limit}).Normalize()
	items, err := m.remote.List(ctx, filter)
	if err != nil {
		m.log.WithError(err).WithOwner(ownerID).Warn("remote list failed, serving cached items")
		return cached
	}

	m.UpdateCache(ctx, items, ownerID)
	return items
}

// ClearAll clears L1 and L2 unconditionally. The remote tier is cleared only
// when includeRemote is set. Irreversible; confirmation is a UI concern.
func (m *CacheManager) ClearAll(ctx context.Context, ownerID string, includeRemote bool) error {
	m.memory.Clear()
	if err := m.persistent.Clear(ctx, ownerID); err != nil {
		m.log.WithError(err).WithOwner(ownerID).Warn("L2 clear failed")
	}

	if includeRemote {
		if err := m.remote.DeleteAll(ctx, ownerID); err != nil {
			return err
		}
	}
	return nil
}

// Stats exposes L1 hit/miss statistics.
func (m *CacheManager) Stats() common.MemoryStats {
	return m.memory.Stats()
}

// Memory exposes the L1 tier for the janitor's periodic purge.
func (m *CacheManager) Memory() *common.MemoryCache {
	return m.memory
}

// Persistent exposes the L2 tier (the migration engine reads the legacy
// local snapshot through it).
func (m *CacheManager) Persistent() *PersistentCache {
	return m.persistent
}

// Package history implements the multi-tier history cache orchestration.
package history

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"history_server/core/domain"
	"history_server/core/port/out"
	"history_server/core/service/common"
	"history_server/pkg/logger"
)

// =============================================================================
// L2 Cache - Persistent Snapshot of the Recent History List
// =============================================================================

const (
	// envelopeVersion permits future schema evolution of the cached blob.
	envelopeVersion = 1

	// DefaultCacheTTL bounds how long an L2 snapshot is served before being
	// discarded as stale.
	DefaultCacheTTL = 24 * time.Hour

	// DefaultCompressThreshold gates compression: below this size the
	// overhead outweighs the savings.
	DefaultCompressThreshold = 2048

	cacheKeyPrefix = "history:cache:v1:"
)

// envelope wraps the serialized item list in persistent storage. Data is the
// JSON-encoded item slice, possibly compressed by the configured codec.
type envelope struct {
	Data       []byte `json:"data"`
	Timestamp  int64  `json:"timestamp"` // write time, epoch ms
	Version    int    `json:"version"`
	Compressed bool   `json:"compressed"`
}

// PersistentCacheConfig configures the L2 tier.
type PersistentCacheConfig struct {
	TTL               time.Duration
	CompressThreshold int
	Codec             common.Codec
}

// PersistentCache is the L2 tier: a single serialized blob per owner holding
// the recent history list. Survives restarts; bounded by TTL.
//
// Read-modify-write on SaveOne is not atomic across concurrent writers; the
// single-writer assumption of the consuming layer is documented.
type PersistentCache struct {
	kv    out.KeyValueStore
	clk   out.Clock
	codec common.Codec
	ttl   time.Duration
	compressThreshold int
	log   *logger.Logger
}

// NewPersistentCache creates the L2 cache. A nil config selects defaults
// (24h TTL, no-op codec).
func NewPersistentCache(kv out.KeyValueStore, clk out.Clock, cfg *PersistentCacheConfig, log *logger.Logger) *PersistentCache {
	if cfg == nil {
		cfg = &PersistentCacheConfig{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = DefaultCompressThreshold
	}
	if cfg.Codec == nil {
		cfg.Codec = common.NoopCodec{}
	}
	if log == nil {
		log = logger.Default()
	}
	return &PersistentCache{
		kv:                kv,
		clk:               clk,
		codec:             cfg.Codec,
		ttl:               cfg.TTL,
		compressThreshold: cfg.CompressThreshold,
		log:               log,
	}
}

func cacheKey(ownerID string) string {
	return cacheKeyPrefix + ownerID
}

// GetAll reads the cached list for the owner. Missing key, parse failure,
// and expiry all yield an empty slice, never an error; expired or corrupt
// blobs are deleted as a side effect. limit <= 0 returns everything.
func (c *PersistentCache) GetAll(ctx context.Context, ownerID string, limit int) []*domain.AnalysisHistoryItem {
	key := cacheKey(ownerID)

	raw, ok, err := c.kv.GetItem(ctx, key)
	if err != nil {
		c.log.WithError(err).Warn("persistent cache read failed for %s", key)
		return nil
	}
	if !ok {
		return nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Corrupt blob: treat as a miss and discard.
		c.log.WithError(err).Warn("discarding corrupt cache blob %s", key)
		c.removeQuiet(ctx, key)
		return nil
	}

	if c.expired(env.Timestamp) {
		c.removeQuiet(ctx, key)
		return nil
	}

	data := env.Data
	if env.Compressed {
		data, err = c.codec.Decompress(data)
		if err != nil {
			c.log.WithError(err).Warn("discarding undecompressable cache blob %s", key)
			c.removeQuiet(ctx, key)
			return nil
		}
	}

	var items []*domain.AnalysisHistoryItem
	if err := json.Unmarshal(data, &items); err != nil {
		c.log.WithError(err).Warn("discarding corrupt cache payload %s", key)
		c.removeQuiet(ctx, key)
		return nil
	}

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// SaveOne merges the item into the cached list, replacing any entry with the
// same ID, and rewrites the whole blob.
func (c *PersistentCache) SaveOne(ctx context.Context, ownerID string, item *domain.AnalysisHistoryItem) error {
	existing := c.GetAll(ctx, ownerID, 0)

	merged := make([]*domain.AnalysisHistoryItem, 0, len(existing)+1)
	merged = append(merged, item)
	for _, it := range existing {
		if it.ID != item.ID {
			merged = append(merged, it)
		}
	}
	return c.ReplaceAll(ctx, ownerID, merged)
}

// RemoveByID filters the item out of the cached list and rewrites the blob.
func (c *PersistentCache) RemoveByID(ctx context.Context, ownerID, id string) error {
	existing := c.GetAll(ctx, ownerID, 0)
	if len(existing) == 0 {
		return nil
	}

	filtered := existing[:0]
	for _, it := range existing {
		if it.ID != id {
			filtered = append(filtered, it)
		}
	}
	return c.ReplaceAll(ctx, ownerID, filtered)
}

// ReplaceAll overwrites the blob wholesale. Used after bulk sync.
func (c *PersistentCache) ReplaceAll(ctx context.Context, ownerID string, items []*domain.AnalysisHistoryItem) error {
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}

	compressed := false
	if _, isNoop := c.codec.(common.NoopCodec); !isNoop && len(data) > c.compressThreshold {
		if packed, err := c.codec.Compress(data); err == nil {
			data = packed
			compressed = true
		} else {
			c.log.WithError(err).Warn("compression failed, storing raw blob")
		}
	}

	env := envelope{
		Data:       data,
		Timestamp:  c.clk.Now().UnixMilli(),
		Version:    envelopeVersion,
		Compressed: compressed,
	}
	blob, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	return c.kv.SetItem(ctx, cacheKey(ownerID), string(blob))
}

// Clear removes the owner's blob entirely.
func (c *PersistentCache) Clear(ctx context.Context, ownerID string) error {
	return c.kv.RemoveItem(ctx, cacheKey(ownerID))
}

func (c *PersistentCache) expired(writtenAtMs int64) bool {
	writtenAt := time.UnixMilli(writtenAtMs)
	return c.clk.Now().After(writtenAt.Add(c.ttl))
}

func (c *PersistentCache) removeQuiet(ctx context.Context, key string) {
	if err := c.kv.RemoveItem(ctx, key); err != nil {
		c.log.WithError(err).Warn("failed to remove stale cache blob %s", key)
	}
}

package history

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"history_server/core/domain"
	"history_server/core/service/common"
	"history_server/pkg/clock"
)

// fakeKV is a map-backed KeyValueStore with optional error injection.
type fakeKV struct {
	mu     sync.Mutex
	data   map[string]string
	getErr error
	setErr error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (f *fakeKV) GetItem(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", false, f.getErr
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) SetItem(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = value
	return nil
}

func (f *fakeKV) RemoveItem(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeKV) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func newTestCache(kv *fakeKV, clk *clock.Fake, codec common.Codec) *PersistentCache {
	return NewPersistentCache(kv, clk, &PersistentCacheConfig{Codec: codec}, nil)
}

func cacheItem(id string, ts int64) *domain.AnalysisHistoryItem {
	return &domain.AnalysisHistoryItem{
		ID:        id,
		Type:      domain.AnalysisSentence,
		Input:     "input-" + id,
		Timestamp: ts,
	}
}

func TestPersistentCacheRoundtrip(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := newTestCache(kv, clk, nil)

	items := []*domain.AnalysisHistoryItem{
		cacheItem("a", 300),
		cacheItem("b", 200),
		cacheItem("c", 100),
	}
	if err := cache.ReplaceAll(ctx, "owner-1", items); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	got := cache.GetAll(ctx, "owner-1", 0)
	if len(got) != 3 {
		t.Fatalf("GetAll returned %d items, want 3", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Errorf("order not preserved: %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}

	limited := cache.GetAll(ctx, "owner-1", 2)
	if len(limited) != 2 {
		t.Errorf("GetAll with limit returned %d items, want 2", len(limited))
	}
}

func TestPersistentCacheOwnerIsolation(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := newTestCache(kv, clk, nil)

	if err := cache.ReplaceAll(ctx, "owner-1", []*domain.AnalysisHistoryItem{cacheItem("a", 1)}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	if got := cache.GetAll(ctx, "owner-2", 0); len(got) != 0 {
		t.Errorf("owner-2 sees %d items from owner-1, want 0", len(got))
	}
}

func TestPersistentCacheSaveOne(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := newTestCache(kv, clk, nil)

	if err := cache.SaveOne(ctx, "owner-1", cacheItem("a", 100)); err != nil {
		t.Fatalf("SaveOne: %v", err)
	}
	if err := cache.SaveOne(ctx, "owner-1", cacheItem("b", 200)); err != nil {
		t.Fatalf("SaveOne: %v", err)
	}

	got := cache.GetAll(ctx, "owner-1", 0)
	if len(got) != 2 {
		t.Fatalf("GetAll returned %d items, want 2", len(got))
	}
	// The newest write leads the list.
	if got[0].ID != "b" {
		t.Errorf("first item = %s, want b", got[0].ID)
	}

	// Same-ID save replaces instead of duplicating.
	updated := cacheItem("a", 300)
	updated.Input = "revised"
	if err := cache.SaveOne(ctx, "owner-1", updated); err != nil {
		t.Fatalf("SaveOne: %v", err)
	}

	got = cache.GetAll(ctx, "owner-1", 0)
	if len(got) != 2 {
		t.Fatalf("GetAll after replace returned %d items, want 2", len(got))
	}
	if got[0].ID != "a" || got[0].Input != "revised" {
		t.Errorf("replaced item = %+v, want revised a at head", got[0])
	}
}

func TestPersistentCacheRemoveByID(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := newTestCache(kv, clk, nil)

	items := []*domain.AnalysisHistoryItem{cacheItem("a", 1), cacheItem("b", 2)}
	if err := cache.ReplaceAll(ctx, "owner-1", items); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	if err := cache.RemoveByID(ctx, "owner-1", "a"); err != nil {
		t.Fatalf("RemoveByID: %v", err)
	}

	got := cache.GetAll(ctx, "owner-1", 0)
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("GetAll after remove = %+v, want only b", got)
	}

	// Removing from an empty list is a no-op.
	if err := cache.RemoveByID(ctx, "owner-2", "x"); err != nil {
		t.Errorf("RemoveByID on empty owner: %v", err)
	}
}

func TestPersistentCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := newTestCache(kv, clk, nil)

	if err := cache.ReplaceAll(ctx, "owner-1", []*domain.AnalysisHistoryItem{cacheItem("a", 1)}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	clk.Advance(DefaultCacheTTL - time.Minute)
	if got := cache.GetAll(ctx, "owner-1", 0); len(got) != 1 {
		t.Fatalf("fresh blob should still be served, got %d items", len(got))
	}

	clk.Advance(2 * time.Minute)
	if got := cache.GetAll(ctx, "owner-1", 0); len(got) != 0 {
		t.Errorf("expired blob served %d items, want 0", len(got))
	}
	if kv.has(cacheKeyPrefix + "owner-1") {
		t.Error("expired blob should have been deleted from storage")
	}
}

func TestPersistentCacheCorruptBlobDiscarded(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := newTestCache(kv, clk, nil)

	key := cacheKeyPrefix + "owner-1"
	kv.data[key] = "{not json"

	if got := cache.GetAll(ctx, "owner-1", 0); len(got) != 0 {
		t.Errorf("corrupt blob yielded %d items, want 0", len(got))
	}
	if kv.has(key) {
		t.Error("corrupt blob should have been deleted")
	}
}

func TestPersistentCacheReadErrorDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	kv.getErr = context.DeadlineExceeded
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := newTestCache(kv, clk, nil)

	if got := cache.GetAll(ctx, "owner-1", 0); got != nil {
		t.Errorf("storage error yielded %d items, want miss", len(got))
	}
}

func TestPersistentCacheCompression(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := NewPersistentCache(kv, clk, &PersistentCacheConfig{
		Codec:             common.GzipCodec{},
		CompressThreshold: 100,
	}, nil)

	big := cacheItem("a", 1)
	big.Input = strings.Repeat("the quick brown fox ", 200)
	if err := cache.ReplaceAll(ctx, "owner-1", []*domain.AnalysisHistoryItem{big}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	blob := kv.data[cacheKeyPrefix+"owner-1"]
	if !strings.Contains(blob, `"compressed":true`) {
		t.Error("large payload should have been stored compressed")
	}

	got := cache.GetAll(ctx, "owner-1", 0)
	if len(got) != 1 {
		t.Fatalf("GetAll returned %d items, want 1", len(got))
	}
	if got[0].Input != big.Input {
		t.Error("decompressed payload does not match the original")
	}
}

func TestPersistentCacheSmallPayloadStaysRaw(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := NewPersistentCache(kv, clk, &PersistentCacheConfig{
		Codec:             common.GzipCodec{},
		CompressThreshold: 1 << 20,
	}, nil)

	if err := cache.ReplaceAll(ctx, "owner-1", []*domain.AnalysisHistoryItem{cacheItem("a", 1)}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	blob := kv.data[cacheKeyPrefix+"owner-1"]
	if strings.Contains(blob, `"compressed":true`) {
		t.Error("payload below the threshold should not be compressed")
	}
}

func TestPersistentCacheClear(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := newTestCache(kv, clk, nil)

	if err := cache.ReplaceAll(ctx, "owner-1", []*domain.AnalysisHistoryItem{cacheItem("a", 1)}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	if err := cache.Clear(ctx, "owner-1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := cache.GetAll(ctx, "owner-1", 0); len(got) != 0 {
		t.Errorf("GetAll after Clear returned %d items, want 0", len(got))
	}
}

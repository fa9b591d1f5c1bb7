package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"history_server/core/domain"
	"history_server/core/service/common"
	"history_server/pkg/clock"
)

// fakeRemote is a scriptable in-memory HistoryStore.
type fakeRemote struct {
	mu    sync.Mutex
	items map[string]*domain.AnalysisHistoryItem

	insertErr error
	deleteErr error
	listErr   error
	getErr    error

	listCalls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{items: make(map[string]*domain.AnalysisHistoryItem)}
}

func (f *fakeRemote) List(_ context.Context, filter *domain.HistoryFilter) ([]*domain.AnalysisHistoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*domain.AnalysisHistoryItem
	for _, item := range f.items {
		out = append(out, item)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeRemote) Get(_ context.Context, id, _ string) (*domain.AnalysisHistoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.items[id], nil
}

func (f *fakeRemote) Insert(_ context.Context, item *domain.AnalysisHistoryItem, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.items[item.ID] = item
	return nil
}

func (f *fakeRemote) Update(_ context.Context, id string, item *domain.AnalysisHistoryItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return errors.New("not found")
	}
	f.items[id] = item
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.items, id)
	return nil
}

func (f *fakeRemote) DeleteAll(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.items = make(map[string]*domain.AnalysisHistoryItem)
	return nil
}

func (f *fakeRemote) Ping(_ context.Context) error { return nil }

func newTestManager(t *testing.T) (*CacheManager, *fakeKV, *fakeRemote) {
	t.Helper()
	kv := newFakeKV()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	remote := newFakeRemote()
	memory := common.NewMemoryCache(10, clk)
	persistent := newTestCache(kv, clk, nil)
	return NewCacheManager(memory, persistent, remote, nil), kv, remote
}

func TestCacheManagerAddItemWritesThroughAllTiers(t *testing.T) {
	ctx := context.Background()
	mgr, _, remote := newTestManager(t)

	item := cacheItem("a", 100)
	if err := mgr.AddItem(ctx, item, "owner-1"); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	if mgr.Memory().Get("a") == nil {
		t.Error("item missing from L1")
	}
	if got := mgr.Persistent().GetAll(ctx, "owner-1", 0); len(got) != 1 {
		t.Errorf("L2 holds %d items, want 1", len(got))
	}
	if remote.items["a"] == nil {
		t.Error("item missing from remote store")
	}
}

func TestCacheManagerAddItemValidation(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	tests := []struct {
		name string
		item *domain.AnalysisHistoryItem
	}{
		{"nil item", nil},
		{"empty id", &domain.AnalysisHistoryItem{Type: domain.AnalysisWord}},
		{"unknown type", &domain.AnalysisHistoryItem{ID: "x", Type: "song"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := mgr.AddItem(ctx, tt.item, "owner-1"); err == nil {
				t.Error("AddItem accepted an invalid item")
			}
		})
	}
}

func TestCacheManagerAddItemReturnsRemoteFailure(t *testing.T) {
	ctx := context.Background()
	mgr, _, remote := newTestManager(t)
	remote.insertErr = errors.New("network down")

	item := cacheItem("a", 100)
	err := mgr.AddItem(ctx, item, "owner-1")
	if err == nil {
		t.Fatal("AddItem should surface the remote failure")
	}

	// Local tiers accepted the item before the remote write failed.
	if mgr.Memory().Get("a") == nil {
		t.Error("item missing from L1 after remote failure")
	}
	if got := mgr.Persistent().GetAll(ctx, "owner-1", 0); len(got) != 1 {
		t.Errorf("L2 holds %d items, want 1", len(got))
	}
}

func TestCacheManagerRemoveItem(t *testing.T) {
	ctx := context.Background()
	mgr, _, remote := newTestManager(t)

	item := cacheItem("a", 100)
	if err := mgr.AddItem(ctx, item, "owner-1"); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if err := mgr.RemoveItem(ctx, "a", "owner-1"); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}

	if mgr.Memory().Get("a") != nil {
		t.Error("item still in L1 after removal")
	}
	if got := mgr.Persistent().GetAll(ctx, "owner-1", 0); len(got) != 0 {
		t.Errorf("L2 still holds %d items", len(got))
	}
	if remote.items["a"] != nil {
		t.Error("item still in remote store")
	}
}

func TestCacheManagerGetItemPromotesFromL2(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	item := cacheItem("a", 100)
	if err := mgr.Persistent().ReplaceAll(ctx, "owner-1", []*domain.AnalysisHistoryItem{item}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	got := mgr.GetItem(ctx, "a", "owner-1")
	if got == nil {
		t.Fatal("GetItem missed an L2-resident item")
	}
	if mgr.Memory().Get("a") == nil {
		t.Error("L2 hit should have been promoted into L1")
	}
}

func TestCacheManagerGetItemPromotesFromRemote(t *testing.T) {
	ctx := context.Background()
	mgr, _, remote := newTestManager(t)

	remote.items["a"] = cacheItem("a", 100)

	got := mgr.GetItem(ctx, "a", "owner-1")
	if got == nil {
		t.Fatal("GetItem missed a remote-resident item")
	}
	if mgr.Memory().Get("a") == nil {
		t.Error("remote hit should have been promoted into L1")
	}
	if cached := mgr.Persistent().GetAll(ctx, "owner-1", 0); len(cached) != 1 {
		t.Error("remote hit should have been promoted into L2")
	}
}

func TestCacheManagerGetItemMiss(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	if got := mgr.GetItem(ctx, "nowhere", "owner-1"); got != nil {
		t.Errorf("GetItem = %+v, want nil", got)
	}
}

func TestCacheManagerListItemsServesL2WhenSufficient(t *testing.T) {
	ctx := context.Background()
	mgr, _, remote := newTestManager(t)

	items := []*domain.AnalysisHistoryItem{cacheItem("a", 3), cacheItem("b", 2)}
	if err := mgr.Persistent().ReplaceAll(ctx, "owner-1", items); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	got := mgr.ListItems(ctx, "owner-1", 2)
	if len(got) != 2 {
		t.Fatalf("ListItems returned %d items, want 2", len(got))
	}
	if remote.listCalls != 0 {
		t.Errorf("remote hit %d times, want 0 when L2 is sufficient", remote.listCalls)
	}
}

func TestCacheManagerListItemsFallsBackToRemote(t *testing.T) {
	ctx := context.Background()
	mgr, _, remote := newTestManager(t)

	remote.items["a"] = cacheItem("a", 100)

	got := mgr.ListItems(ctx, "owner-1", 5)
	if len(got) != 1 {
		t.Fatalf("ListItems returned %d items, want 1", len(got))
	}
	// Remote results are promoted into L2 for the next read.
	if cached := mgr.Persistent().GetAll(ctx, "owner-1", 0); len(cached) != 1 {
		t.Error("remote list should have refreshed L2")
	}
}

func TestCacheManagerListItemsServesCachedOnRemoteFailure(t *testing.T) {
	ctx := context.Background()
	mgr, _, remote := newTestManager(t)

	if err := mgr.Persistent().ReplaceAll(ctx, "owner-1", []*domain.AnalysisHistoryItem{cacheItem("a", 1)}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	remote.listErr = errors.New("network down")

	got := mgr.ListItems(ctx, "owner-1", 5)
	if len(got) != 1 {
		t.Errorf("ListItems returned %d items, want the 1 cached item", len(got))
	}
}

func TestCacheManagerPreloadSkipsRemoteWhenL2Sufficient(t *testing.T) {
	ctx := context.Background()
	mgr, _, remote := newTestManager(t)

	items := []*domain.AnalysisHistoryItem{cacheItem("a", 2), cacheItem("b", 1)}
	if err := mgr.Persistent().ReplaceAll(ctx, "owner-1", items); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	if err := mgr.PreloadCache(ctx, "owner-1", 2); err != nil {
		t.Fatalf("PreloadCache: %v", err)
	}
	if remote.listCalls != 0 {
		t.Errorf("remote hit %d times, want 0", remote.listCalls)
	}
	if mgr.Memory().Get("a") == nil || mgr.Memory().Get("b") == nil {
		t.Error("preload should have warmed L1 from L2")
	}
}

func TestCacheManagerPreloadFetchesRemoteWhenL2Insufficient(t *testing.T) {
	ctx := context.Background()
	mgr, _, remote := newTestManager(t)

	remote.items["a"] = cacheItem("a", 100)

	if err := mgr.PreloadCache(ctx, "owner-1", 10); err != nil {
		t.Fatalf("PreloadCache: %v", err)
	}
	if remote.listCalls != 1 {
		t.Errorf("remote hit %d times, want 1", remote.listCalls)
	}
	if mgr.Memory().Get("a") == nil {
		t.Error("preload should have warmed L1 from the remote store")
	}
}

func TestCacheManagerGetFromRemoteDegradesOnError(t *testing.T) {
	ctx := context.Background()
	mgr, _, remote := newTestManager(t)
	remote.listErr = errors.New("network down")

	got := mgr.GetFromRemote(ctx, &domain.HistoryFilter{OwnerID: "owner-1"})
	if got == nil {
		t.Fatal("GetFromRemote should return an empty slice, not nil")
	}
	if len(got) != 0 {
		t.Errorf("GetFromRemote returned %d items, want 0", len(got))
	}
}

func TestCacheManagerClearAll(t *testing.T) {
	ctx := context.Background()
	mgr, _, remote := newTestManager(t)

	if err := mgr.AddItem(ctx, cacheItem("a", 100), "owner-1"); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	t.Run("local only", func(t *testing.T) {
		if err := mgr.ClearAll(ctx, "owner-1", false); err != nil {
			t.Fatalf("ClearAll: %v", err)
		}
		if mgr.Memory().Len() != 0 {
			t.Error("L1 not cleared")
		}
		if remote.items["a"] == nil {
			t.Error("remote store should be untouched without includeRemote")
		}
	})

	t.Run("include remote", func(t *testing.T) {
		if err := mgr.ClearAll(ctx, "owner-1", true); err != nil {
			t.Fatalf("ClearAll: %v", err)
		}
		if len(remote.items) != 0 {
			t.Error("remote store should be cleared with includeRemote")
		}
	})
}

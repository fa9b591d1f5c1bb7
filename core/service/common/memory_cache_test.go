package common

import (
	"fmt"
	"testing"
	"time"

	"history_server/core/domain"
	"history_server/pkg/clock"
)

func testItem(id string) *domain.AnalysisHistoryItem {
	return &domain.AnalysisHistoryItem{
		ID:        id,
		Type:      domain.AnalysisWord,
		Input:     "input-" + id,
		Timestamp: 1000,
	}
}

func TestMemoryCacheSetGet(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := NewMemoryCache(10, clk)

	cache.Set("a", testItem("a"))

	got := cache.Get("a")
	if got == nil {
		t.Fatal("Get returned nil for cached item")
	}
	if got.Input != "input-a" {
		t.Errorf("Input = %q, want %q", got.Input, "input-a")
	}

	if cache.Get("missing") != nil {
		t.Error("Get returned non-nil for missing item")
	}
}

func TestMemoryCacheDefaultCapacity(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := NewMemoryCache(0, clk)

	if got := cache.Stats().Capacity; got != DefaultMemoryCapacity {
		t.Errorf("Capacity = %d, want %d", got, DefaultMemoryCapacity)
	}
}

func TestMemoryCacheLeastHitEviction(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := NewMemoryCache(3, clk)

	cache.Set("a", testItem("a"))
	cache.Set("b", testItem("b"))
	cache.Set("c", testItem("c"))

	// a and c gain hits; b stays at zero and is the eviction victim.
	cache.Get("a")
	cache.Get("c")
	cache.Get("c")

	cache.Set("d", testItem("d"))

	if cache.Get("b") != nil {
		t.Error("least-hit entry b should have been evicted")
	}
	for _, id := range []string{"a", "c", "d"} {
		if cache.Get(id) == nil {
			t.Errorf("entry %s should have survived eviction", id)
		}
	}
	if got := cache.Len(); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}
}

func TestMemoryCacheEvictionTieBreaksByInsertionOrder(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := NewMemoryCache(3, clk)

	// All entries at zero hits: the oldest insertion loses.
	cache.Set("first", testItem("first"))
	cache.Set("second", testItem("second"))
	cache.Set("third", testItem("third"))

	cache.Set("fourth", testItem("fourth"))

	if cache.Get("first") != nil {
		t.Error("oldest zero-hit entry should have been evicted")
	}
	if cache.Get("second") == nil || cache.Get("third") == nil {
		t.Error("newer zero-hit entries should have survived")
	}
}

func TestMemoryCacheSetExistingDoesNotEvict(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := NewMemoryCache(2, clk)

	cache.Set("a", testItem("a"))
	cache.Set("b", testItem("b"))

	// Replacing an existing entry at capacity must not evict anything.
	updated := testItem("a")
	updated.Input = "updated"
	cache.Set("a", updated)

	if cache.Len() != 2 {
		t.Errorf("Len = %d, want 2", cache.Len())
	}
	if got := cache.Get("a"); got == nil || got.Input != "updated" {
		t.Errorf("replaced entry not visible: %+v", got)
	}
	if cache.Get("b") == nil {
		t.Error("entry b should not have been evicted by a replace")
	}
}

func TestMemoryCacheDeleteAndClear(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := NewMemoryCache(10, clk)

	cache.Set("a", testItem("a"))
	cache.Set("b", testItem("b"))

	cache.Delete("a")
	if cache.Get("a") != nil {
		t.Error("deleted entry still retrievable")
	}

	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", cache.Len())
	}
}

func TestMemoryCachePurgeStale(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	cache := NewMemoryCache(10, clk)

	cache.Set("old1", testItem("old1"))
	cache.Set("old2", testItem("old2"))

	clk.Advance(2 * time.Hour)
	cache.Set("fresh", testItem("fresh"))

	purged := cache.PurgeStale(time.Hour)
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}
	if cache.Get("old1") != nil || cache.Get("old2") != nil {
		t.Error("stale entries survived the purge")
	}
	if cache.Get("fresh") == nil {
		t.Error("fresh entry should have survived the purge")
	}
}

func TestMemoryCachePurgeStaleDefaultAge(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	cache := NewMemoryCache(10, clk)

	cache.Set("a", testItem("a"))
	clk.Advance(DefaultStaleAge + time.Minute)

	if purged := cache.PurgeStale(0); purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}

func TestMemoryCacheStats(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := NewMemoryCache(10, clk)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("item-%d", i)
		cache.Set(id, testItem(id))
	}

	cache.Get("item-0")
	cache.Get("item-1")
	cache.Get("item-0")
	cache.Get("no-such-item")

	stats := cache.Stats()
	if stats.Items != 3 {
		t.Errorf("Items = %d, want 3", stats.Items)
	}
	if stats.Hits != 3 {
		t.Errorf("Hits = %d, want 3", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
	if want := 0.75; stats.HitRate != want {
		t.Errorf("HitRate = %v, want %v", stats.HitRate, want)
	}
}

package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/splax/pulse/internal/domain"
)

func TestMemoryCacheGenerationMismatchMisses(t *testing.T) {
	cache := NewMemoryCache(0)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)
	key := BucketKey{ProjectID: "p", Granularity: domain.Granularity1h, Start: start}

	entries, _ := cache.Lookup(ctx, []BucketKey{key})
	// a sample lands while the bucket is being computed
	if err := cache.Invalidate(ctx, "p", start.Add(30*time.Minute)); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	entries[0].Bucket = &domain.AggregatedBucket{RequestCount: 1}
	if err := cache.Store(ctx, entries); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, _ := cache.Lookup(ctx, []BucketKey{key})
	if got[0].Bucket != nil {
		t.Fatalf("entry computed under an old generation must not be served")
	}
	if got[0].Generation != 1 {
		t.Fatalf("expected generation 1, got %d", got[0].Generation)
	}
}

func TestMemoryCacheInvalidatesEveryGranularity(t *testing.T) {
	cache := NewMemoryCache(0)
	ctx := context.Background()
	ts := time.Date(2024, 6, 1, 14, 37, 12, 0, time.UTC)
	if err := cache.Invalidate(ctx, "p", ts); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	keys := []BucketKey{
		{ProjectID: "p", Granularity: domain.Granularity1m, Start: time.Date(2024, 6, 1, 14, 37, 0, 0, time.UTC)},
		{ProjectID: "p", Granularity: domain.Granularity5m, Start: time.Date(2024, 6, 1, 14, 35, 0, 0, time.UTC)},
		{ProjectID: "p", Granularity: domain.Granularity1h, Start: time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)},
		{ProjectID: "p", Granularity: domain.Granularity1m, Start: time.Date(2024, 6, 1, 14, 38, 0, 0, time.UTC)},
	}
	got, _ := cache.Lookup(ctx, keys)
	for i, want := range []int64{1, 1, 1, 0} {
		if got[i].Generation != want {
			t.Fatalf("key %d: expected generation %d, got %d", i, want, got[i].Generation)
		}
	}
}

func TestMemoryCacheBoundsGenerations(t *testing.T) {
	cache := NewMemoryCache(6)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)
	stale := BucketKey{ProjectID: "p", Granularity: domain.Granularity1m, Start: start}

	inflight, _ := cache.Lookup(ctx, []BucketKey{stale})
	for i := 0; i < 500; i++ {
		if err := cache.Invalidate(ctx, "p", start.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("Invalidate: %v", err)
		}
	}
	cache.mu.Lock()
	tracked := len(cache.generations)
	cache.mu.Unlock()
	if tracked > 6 {
		t.Fatalf("expected at most 6 tracked generations, got %d", tracked)
	}

	// computed before the table was reset, so it must never be served
	inflight[0].Bucket = &domain.AggregatedBucket{RequestCount: 99}
	if err := cache.Store(ctx, inflight); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, _ := cache.Lookup(ctx, []BucketKey{stale})
	if got[0].Bucket != nil {
		t.Fatalf("entry from before the reset was served")
	}

	fresh := got
	fresh[0].Bucket = &domain.AggregatedBucket{RequestCount: 3}
	if err := cache.Store(ctx, fresh); err != nil {
		t.Fatalf("Store: %v", err)
	}
	again, _ := cache.Lookup(ctx, []BucketKey{stale})
	if again[0].Bucket == nil || again[0].Bucket.RequestCount != 3 {
		t.Fatalf("expected entry stored under the current generation to be served, got %+v", again[0])
	}
}

package aggregate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/splax/pulse/internal/domain"
)

func TestBucketIDIsStableAcrossZones(t *testing.T) {
	start := time.Date(2024, 6, 1, 14, 55, 0, 0, time.UTC)
	local := start.In(time.FixedZone("X", 3600))
	a := bucketID(BucketKey{ProjectID: "p", Granularity: domain.Granularity5m, Start: start})
	b := bucketID(BucketKey{ProjectID: "p", Granularity: domain.Granularity5m, Start: local})
	if a != b {
		t.Fatalf("expected identical ids, got %q and %q", a, b)
	}
}

func TestParseGeneration(t *testing.T) {
	if parseGeneration(nil) != 0 {
		t.Fatalf("missing generation must read as 0")
	}
	if parseGeneration("7") != 7 {
		t.Fatalf("expected 7")
	}
	if parseGeneration("garbage") != 0 {
		t.Fatalf("malformed generation must read as 0")
	}
}

func TestRedisCacheInvalidation(t *testing.T) {
	addr := os.Getenv("PULSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PULSE_TEST_REDIS_ADDR not set")
	}
	cache, err := NewRedisCache(addr, "", 0, time.Minute, discardLogger())
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	defer cache.Close()
	ctx := context.Background()
	project := "redis-test-" + time.Now().Format("150405.000000000")
	start := time.Date(2024, 6, 1, 14, 55, 0, 0, time.UTC)
	key := BucketKey{ProjectID: project, Granularity: domain.Granularity1m, Start: start}

	entries, err := cache.Lookup(ctx, []BucketKey{key})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	p95 := 12.0
	entries[0].Bucket = &domain.AggregatedBucket{ProjectID: project, Granularity: domain.Granularity1m, BucketStart: start, RequestCount: 3, P95LatencyMS: &p95}
	if err := cache.Store(ctx, entries); err != nil {
		t.Fatalf("Store: %v", err)
	}
	hit, err := cache.Lookup(ctx, []BucketKey{key})
	if err != nil || hit[0].Bucket == nil || hit[0].Bucket.RequestCount != 3 {
		t.Fatalf("expected cache hit, got %+v err=%v", hit, err)
	}
	if err := cache.Invalidate(ctx, project, start.Add(10*time.Second)); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	miss, err := cache.Lookup(ctx, []BucketKey{key})
	if err != nil || miss[0].Bucket != nil {
		t.Fatalf("expected miss after invalidation, got %+v err=%v", miss, err)
	}
}

package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"runtime"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/splax/pulse/internal/apperr"
	"github.com/splax/pulse/internal/domain"
	"github.com/splax/pulse/internal/repository/memory"
	"github.com/splax/pulse/internal/service/metrics"
)

const projectID = "5b6c7d8e-1f2a-4b3c-8d9e-0a1b2c3d4e5f"

var testNow = time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fatalHelper interface {
	Helper()
	Fatalf(format string, args ...any)
}

type fixture struct {
	store   *memory.Store
	metrics *metrics.Service
	agg     *Aggregator
	cache   *MemoryCache
}

func newFixture(t fatalHelper, withCache bool) fixture {
	t.Helper()
	store := memory.New()
	if err := store.CreateProject(context.Background(), &domain.Project{ID: projectID, Name: "api", Email: "ops@example.com", APIKeyHash: "h"}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	var cache *MemoryCache
	var inv metrics.Invalidator
	var bc BucketCache
	if withCache {
		cache = NewMemoryCache(0)
		inv = cache
		bc = cache
	}
	svc := metrics.New(store, store, inv, discardLogger(), metrics.Options{PageSize: 7, ClockSkew: 365 * 24 * time.Hour})
	agg := New(svc, bc, discardLogger())
	agg.now = func() time.Time { return testNow }
	return fixture{store: store, metrics: svc, agg: agg, cache: cache}
}

func (f fixture) record(t fatalHelper, ts time.Time, latency float64, status int) {
	t.Helper()
	_, err := f.metrics.Record(context.Background(), projectID, metrics.SampleInput{
		Endpoint:   "/checkout",
		Method:     "GET",
		LatencyMS:  latency,
		StatusCode: status,
		Timestamp:  ts,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestP95NearestRank(t *testing.T) {
	values := make([]float64, 0, 100)
	for v := 1000; v >= 10; v -= 10 {
		values = append(values, float64(v))
	}
	got := P95(values)
	if got == nil || *got != 950 {
		t.Fatalf("expected p95 950, got %v", got)
	}
	if P95(nil) != nil {
		t.Fatalf("expected nil p95 for no values")
	}
	single := P95([]float64{42})
	if single == nil || *single != 42 {
		t.Fatalf("expected single value p95, got %v", single)
	}
	twenty := make([]float64, 20)
	for i := range twenty {
		twenty[i] = float64(i + 1)
	}
	if got := P95(twenty); *got != 19 {
		t.Fatalf("expected index 18 for n=20, got %v", *got)
	}
}

func TestAggregateBucketsAndEmptyBuckets(t *testing.T) {
	f := newFixture(t, false)
	start := testNow.Add(-10 * time.Minute)
	for i := 1; i <= 100; i++ {
		status := 200
		if i%10 == 0 {
			status = 503
		}
		f.record(t, start.Add(time.Duration(i)*100*time.Millisecond), float64(i*10), status)
	}
	f.record(t, start.Add(2*time.Minute), 5, 404)

	buckets, err := f.agg.Aggregate(context.Background(), projectID, domain.Granularity1m, domain.TimeRange{From: start, To: start.Add(3 * time.Minute)})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(buckets))
	}
	first := buckets[0]
	if first.RequestCount != 100 || first.ErrorCount != 10 || first.P95LatencyMS == nil || *first.P95LatencyMS != 950 {
		t.Fatalf("unexpected first bucket: %+v p95=%v", first, first.P95LatencyMS)
	}
	empty := buckets[1]
	if empty.RequestCount != 0 || empty.ErrorCount != 0 || empty.P95LatencyMS != nil {
		t.Fatalf("expected empty bucket, got %+v", empty)
	}
	if !empty.BucketStart.Equal(start.Add(time.Minute)) {
		t.Fatalf("unexpected bucket start %s", empty.BucketStart)
	}
	if buckets[2].ErrorCount != 1 {
		t.Fatalf("404 must count as an error: %+v", buckets[2])
	}
}

func TestAggregateAlignsUnalignedRange(t *testing.T) {
	f := newFixture(t, false)
	from := testNow.Add(-12*time.Minute + 30*time.Second)
	buckets, err := f.agg.Aggregate(context.Background(), projectID, domain.Granularity5m, domain.TimeRange{From: from, To: testNow.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(buckets) != 3 {
		t.Fatalf("expected 3 overlapping 5m buckets, got %d", len(buckets))
	}
	if !buckets[0].BucketStart.Equal(testNow.Add(-15 * time.Minute)) {
		t.Fatalf("first bucket must be floor(from), got %s", buckets[0].BucketStart)
	}
}

func TestAggregateRejectsBadInput(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.agg.Aggregate(context.Background(), projectID, domain.Granularity("2m"), domain.TimeRange{From: testNow.Add(-time.Hour), To: testNow}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for granularity, got %v", err)
	}
	if _, err := f.agg.Aggregate(context.Background(), projectID, domain.Granularity1m, domain.TimeRange{From: testNow, To: testNow}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for empty range, got %v", err)
	}
	if _, err := f.agg.Aggregate(context.Background(), projectID, domain.Granularity1m, domain.TimeRange{From: testNow.Add(-30 * 24 * time.Hour), To: testNow}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for oversized range, got %v", err)
	}
}

func TestAggregateRejectsCenturyRangeWithoutAllocating(t *testing.T) {
	f := newFixture(t, false)
	ranges := []domain.TimeRange{
		{From: time.Date(1950, 1, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2050, 1, 1, 0, 0, 0, 0, time.UTC)},
		// wider than time.Duration can represent
		{From: time.Date(1700, 1, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, g := range []domain.Granularity{domain.Granularity1m, domain.Granularity1h} {
		for _, r := range ranges {
			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			_, err := f.agg.Aggregate(context.Background(), projectID, g, r)
			runtime.ReadMemStats(&after)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("%s %v: expected validation error, got %v", g, r, err)
			}
			if delta := after.TotalAlloc - before.TotalAlloc; delta > 1<<20 {
				t.Fatalf("%s %v: rejecting the range allocated %d bytes", g, r, delta)
			}
		}
	}
}

func TestBucketCountMatchesStarts(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []domain.TimeRange{
		{From: base, To: base.Add(time.Minute)},
		{From: base.Add(10 * time.Second), To: base.Add(3*time.Minute + time.Second)},
		{From: base.Add(-7 * time.Minute), To: base.Add(2 * time.Hour)},
		{From: base, To: base},
	}
	for _, g := range []domain.Granularity{domain.Granularity1m, domain.Granularity5m, domain.Granularity1h} {
		for _, r := range cases {
			if got, want := bucketCount(g, r), int64(len(bucketStarts(g, r))); got != want {
				t.Fatalf("%s %v: bucketCount=%d, starts=%d", g, r, got, want)
			}
		}
	}
}

func TestLatestCompletedBucket(t *testing.T) {
	f := newFixture(t, false)
	now := testNow.Add(30 * time.Second)
	f.record(t, testNow.Add(-30*time.Second), 100, 200)
	f.record(t, testNow.Add(10*time.Second), 900, 500)

	bucket, err := f.agg.LatestCompleted(context.Background(), projectID, domain.Granularity1m, now)
	if err != nil {
		t.Fatalf("LatestCompleted: %v", err)
	}
	if !bucket.BucketStart.Equal(testNow.Add(-time.Minute)) || bucket.RequestCount != 1 {
		t.Fatalf("expected the previous minute only, got %+v", bucket)
	}
}

func TestCachedBucketInvalidatedByLateSample(t *testing.T) {
	f := newFixture(t, true)
	r := domain.TimeRange{From: testNow.Add(-5 * time.Minute), To: testNow}
	f.record(t, testNow.Add(-4*time.Minute), 100, 200)

	first, err := f.agg.Aggregate(context.Background(), projectID, domain.Granularity1m, r)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if first[1].RequestCount != 1 {
		t.Fatalf("unexpected first pass: %+v", first[1])
	}

	f.record(t, testNow.Add(-4*time.Minute+time.Second), 300, 500)
	second, err := f.agg.Aggregate(context.Background(), projectID, domain.Granularity1m, r)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if second[1].RequestCount != 2 || second[1].ErrorCount != 1 || *second[1].P95LatencyMS != 300 {
		t.Fatalf("stale bucket served after late sample: %+v", second[1])
	}
}

func TestCachedEqualsUncomputed(t *testing.T) {
	cached := newFixture(t, true)
	plain := newFixture(t, false)
	base := testNow.Add(-2 * time.Hour)
	for i := 0; i < 50; i++ {
		ts := base.Add(time.Duration(i*137) * time.Second)
		cached.record(t, ts, float64(i%17), 200+i%4*100)
		plain.record(t, ts, float64(i%17), 200+i%4*100)
	}
	r := domain.TimeRange{From: base, To: testNow}
	for pass := 0; pass < 2; pass++ {
		got, err := cached.agg.Aggregate(context.Background(), projectID, domain.Granularity5m, r)
		if err != nil {
			t.Fatalf("Aggregate: %v", err)
		}
		want, err := plain.agg.Aggregate(context.Background(), projectID, domain.Granularity5m, r)
		if err != nil {
			t.Fatalf("Aggregate: %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("pass %d: cached result differs from computed result", pass)
		}
	}
}

// Aggregation is a pure function of the stored samples: insertion order and
// repeated calls never change the encoded output.
func TestAggregateDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		offsets := rapid.SliceOfN(rapid.IntRange(0, 3599), 1, 60).Draw(rt, "offsets")
		latencies := rapid.SliceOfN(rapid.Float64Range(0, 5000), len(offsets), len(offsets)).Draw(rt, "latencies")
		g := rapid.SampledFrom(domain.Granularities).Draw(rt, "granularity")
		perm := rapid.Permutation(indexes(len(offsets))).Draw(rt, "order")

		base := testNow.Add(-2 * time.Hour)
		a := newFixture(rt, false)
		b := newFixture(rt, true)
		for i := range offsets {
			a.record(rt, base.Add(time.Duration(offsets[i])*time.Second), latencies[i], 200)
			j := perm[i]
			b.record(rt, base.Add(time.Duration(offsets[j])*time.Second), latencies[j], 200)
		}
		r := domain.TimeRange{From: base, To: base.Add(time.Hour)}
		first, err := a.agg.Aggregate(context.Background(), projectID, g, r)
		if err != nil {
			rt.Fatalf("Aggregate: %v", err)
		}
		second, err := b.agg.Aggregate(context.Background(), projectID, g, r)
		if err != nil {
			rt.Fatalf("Aggregate: %v", err)
		}
		again, err := b.agg.Aggregate(context.Background(), projectID, g, r)
		if err != nil {
			rt.Fatalf("Aggregate: %v", err)
		}
		x, _ := json.Marshal(first)
		y, _ := json.Marshal(second)
		z, _ := json.Marshal(again)
		if string(x) != string(y) || string(y) != string(z) {
			rt.Fatalf("non-deterministic aggregation:\n%s\n%s\n%s", x, y, z)
		}
	})
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

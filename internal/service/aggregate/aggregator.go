// Package aggregate rolls raw samples up into fixed-width buckets.
package aggregate

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/pulse/internal/apperr"
	"github.com/splax/pulse/internal/domain"
)

// MaxBuckets bounds a single aggregation request.
const MaxBuckets = 5000

// SampleSource walks raw samples in timestamp order.
type SampleSource interface {
	Iterate(ctx context.Context, projectID string, r domain.TimeRange, fn func(domain.MetricSample) error) error
}

// Aggregator computes bucket summaries on demand, serving completed buckets
// from an optional cache.
type Aggregator struct {
	samples SampleSource
	cache   BucketCache
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs an aggregator. cache may be nil.
func New(samples SampleSource, cache BucketCache, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		samples: samples,
		cache:   cache,
		logger:  logger.With("component", "aggregator"),
		now:     time.Now,
	}
}

// Aggregate returns one bucket per aligned interval overlapping r, in
// ascending order. Buckets without samples have zero counts and a nil p95.
func (a *Aggregator) Aggregate(ctx context.Context, projectID string, g domain.Granularity, r domain.TimeRange) ([]domain.AggregatedBucket, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, apperr.Validation("project id required")
	}
	if _, err := domain.ParseGranularity(string(g)); err != nil {
		return nil, apperr.Validation(err.Error())
	}
	r = r.UTC()
	if r.Empty() {
		return nil, apperr.Validation("from must be before to")
	}
	if n := bucketCount(g, r); n > MaxBuckets {
		return nil, apperr.Validationf("range spans %d buckets, at most %d allowed", n, MaxBuckets)
	}
	starts := bucketStarts(g, r)

	step := g.Duration()
	now := a.now().UTC()
	out := make([]domain.AggregatedBucket, len(starts))
	filled := make([]bool, len(starts))

	// only buckets that have fully elapsed are cacheable
	var cacheable []BucketKey
	var cacheIdx []int
	if a.cache != nil {
		for i, start := range starts {
			if !start.Add(step).After(now) {
				cacheable = append(cacheable, BucketKey{ProjectID: projectID, Granularity: g, Start: start})
				cacheIdx = append(cacheIdx, i)
			}
		}
	}
	var entries []CacheEntry
	if len(cacheable) > 0 {
		var err error
		entries, err = a.cache.Lookup(ctx, cacheable)
		if err != nil {
			a.logger.Warn("bucket cache lookup failed", "project_id", projectID, "error", err)
			entries = nil
		}
		for j, entry := range entries {
			if entry.Bucket != nil {
				out[cacheIdx[j]] = *entry.Bucket
				filled[cacheIdx[j]] = true
			}
		}
	}

	first, last := -1, -1
	for i := range starts {
		if !filled[i] {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return out, nil
	}

	span := domain.TimeRange{From: starts[first], To: starts[last].Add(step)}
	rollups := make(map[int64]*rollup)
	err := a.samples.Iterate(ctx, projectID, span, func(sample domain.MetricSample) error {
		key := g.Truncate(sample.Timestamp).Unix()
		b := rollups[key]
		if b == nil {
			b = &rollup{}
			rollups[key] = b
		}
		b.add(sample)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var toStore []CacheEntry
	for i, start := range starts {
		if filled[i] {
			continue
		}
		out[i] = rollups[start.Unix()].toBucket(projectID, g, start)
		filled[i] = true
	}
	for j, entry := range entries {
		if entry.Bucket == nil {
			bucket := out[cacheIdx[j]]
			toStore = append(toStore, CacheEntry{Key: entry.Key, Generation: entry.Generation, Bucket: &bucket})
		}
	}
	if len(toStore) > 0 {
		if err := a.cache.Store(ctx, toStore); err != nil {
			a.logger.Warn("bucket cache store failed", "project_id", projectID, "error", err)
		}
	}
	return out, nil
}

// LatestCompleted returns the most recent bucket that has fully elapsed at
// now: [Truncate(now)-g, Truncate(now)).
func (a *Aggregator) LatestCompleted(ctx context.Context, projectID string, g domain.Granularity, now time.Time) (domain.AggregatedBucket, error) {
	end := g.Truncate(now)
	buckets, err := a.Aggregate(ctx, projectID, g, domain.TimeRange{From: end.Add(-g.Duration()), To: end})
	if err != nil {
		return domain.AggregatedBucket{}, err
	}
	if len(buckets) != 1 {
		return domain.AggregatedBucket{}, apperr.Invariant("expected exactly one completed bucket")
	}
	return buckets[0], nil
}

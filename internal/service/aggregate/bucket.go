package aggregate

import (
	"sort"
	"time"

	"github.com/splax/pulse/internal/domain"
)

// rollup accumulates the samples of a single bucket.
type rollup struct {
	count      int64
	errorCount int64
	latencies  []float64
}

func (b *rollup) add(sample domain.MetricSample) {
	b.count++
	if sample.IsError() {
		b.errorCount++
	}
	b.latencies = append(b.latencies, sample.LatencyMS)
}

func (b *rollup) toBucket(projectID string, g domain.Granularity, start time.Time) domain.AggregatedBucket {
	out := domain.AggregatedBucket{
		ProjectID:   projectID,
		Granularity: g,
		BucketStart: start,
	}
	if b == nil {
		return out
	}
	out.RequestCount = b.count
	out.ErrorCount = b.errorCount
	out.P95LatencyMS = P95(b.latencies)
	return out
}

// P95 returns the nearest-rank 95th percentile: the value at 0-based index
// ceil(0.95*n)-1 of the ascending sort. It returns nil for no values.
func P95(latencies []float64) *float64 {
	n := len(latencies)
	if n == 0 {
		return nil
	}
	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)
	// integer ceil keeps n=100 at index 94 without float rounding drift
	idx := (95*n+99)/100 - 1
	v := sorted[idx]
	return &v
}

// bucketCount is len(bucketStarts(g, r)) computed without allocating. Spans
// beyond the range of time.Duration saturate, which still exceeds MaxBuckets.
func bucketCount(g domain.Granularity, r domain.TimeRange) int64 {
	if r.Empty() {
		return 0
	}
	step := g.Duration()
	span := r.To.Sub(g.Truncate(r.From))
	n := int64(span / step)
	if span%step != 0 {
		n++
	}
	return n
}

// bucketStarts lists the aligned starts of every bucket overlapping r.
func bucketStarts(g domain.Granularity, r domain.TimeRange) []time.Time {
	if r.Empty() {
		return nil
	}
	step := g.Duration()
	starts := make([]time.Time, 0, bucketCount(g, r))
	for start := g.Truncate(r.From); start.Before(r.To); start = start.Add(step) {
		starts = append(starts, start)
	}
	return starts
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// MetricSample is one raw request observation reported by a monitored API.
type MetricSample struct {
	ID                int64
	ProjectID         string
	Endpoint          string
	Method            string
	LatencyMS         float64
	StatusCode        int
	ResponseSizeBytes int64
	Timestamp         time.Time
	IngestedAt        time.Time
}

// IsError reports whether the sample counts toward a bucket's error_count.
func (s MetricSample) IsError() bool {
	return s.StatusCode >= 400
}

// Granularity is the width of an aggregation bucket.
type Granularity string

const (
	Granularity1m Granularity = "1m"
	Granularity5m Granularity = "5m"
	Granularity1h Granularity = "1h"
)

// Granularities lists every supported bucket width, narrowest first.
var Granularities = []Granularity{Granularity1m, Granularity5m, Granularity1h}

// ParseGranularity validates a bucket query value.
func ParseGranularity(value string) (Granularity, error) {
	switch g := Granularity(strings.TrimSpace(value)); g {
	case Granularity1m, Granularity5m, Granularity1h:
		return g, nil
	default:
		return "", fmt.Errorf("invalid bucket %q: must be one of 1m, 5m, 1h", value)
	}
}

// Duration returns the bucket width.
func (g Granularity) Duration() time.Duration {
	switch g {
	case Granularity5m:
		return 5 * time.Minute
	case Granularity1h:
		return time.Hour
	default:
		return time.Minute
	}
}

// Truncate floors t to the bucket boundary, aligned to the Unix epoch in UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(g.Duration())
}

// TimeRange is the half-open interval [From, To).
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// UTC returns the range with both bounds in UTC.
func (r TimeRange) UTC() TimeRange {
	return TimeRange{From: r.From.UTC(), To: r.To.UTC()}
}

// Empty reports whether the range covers no instant.
func (r TimeRange) Empty() bool {
	return !r.From.Before(r.To)
}

// AggregatedBucket summarises the samples of one project in one bucket.
// P95LatencyMS is nil when the bucket holds no samples.
type AggregatedBucket struct {
	ProjectID    string
	Granularity  Granularity
	BucketStart  time.Time
	RequestCount int64
	ErrorCount   int64
	P95LatencyMS *float64
}

// ErrorRate returns error_count/request_count; ok is false for an empty bucket.
func (b AggregatedBucket) ErrorRate() (rate float64, ok bool) {
	if b.RequestCount <= 0 {
		return 0, false
	}
	return float64(b.ErrorCount) / float64(b.RequestCount), true
}

// HasData reports whether any sample landed in the bucket.
func (b AggregatedBucket) HasData() bool {
	return b.RequestCount > 0
}

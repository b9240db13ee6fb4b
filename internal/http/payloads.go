package httpx

import (
	"strings"
	"time"

	"github.com/splax/pulse/internal/domain"
)

type projectView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
}

type createdProjectView struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	APIKey    string `json:"api_key"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
}

type policyView struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Metric          string  `json:"metric"`
	Comparison      string  `json:"comparison"`
	Threshold       float64 `json:"threshold"`
	Severity        string  `json:"severity"`
	CooldownMinutes int     `json:"cooldown_minutes"`
	IsActive        bool    `json:"is_active"`
	LastTriggeredAt *string `json:"last_triggered_at"`
	CreatedAt       string  `json:"created_at"`
}

type sampleView struct {
	Timestamp         string  `json:"timestamp"`
	Endpoint          string  `json:"endpoint"`
	Method            string  `json:"method"`
	LatencyMS         float64 `json:"latency_ms"`
	StatusCode        int     `json:"status_code"`
	ResponseSizeBytes int64   `json:"response_size_bytes"`
}

type bucketView struct {
	BucketStart  string   `json:"bucket_start"`
	P95LatencyMS *float64 `json:"p95_latency_ms"`
	RequestCount int64    `json:"request_count"`
	ErrorCount   int64    `json:"error_count"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toProjectView(p domain.Project) projectView {
	return projectView{ID: p.ID, Name: p.Name, Email: p.Email, CreatedAt: formatTime(p.CreatedAt)}
}

func toPolicyView(p domain.Policy) policyView {
	view := policyView{
		ID:              p.ID,
		Name:            p.Name,
		Metric:          string(p.Metric),
		Comparison:      string(p.Comparison),
		Threshold:       p.Threshold,
		Severity:        string(p.Severity),
		CooldownMinutes: p.CooldownMinutes,
		IsActive:        p.IsActive,
		CreatedAt:       formatTime(p.CreatedAt),
	}
	if p.LastTriggeredAt != nil {
		last := formatTime(*p.LastTriggeredAt)
		view.LastTriggeredAt = &last
	}
	return view
}

func toSampleViews(samples []domain.MetricSample) []sampleView {
	views := make([]sampleView, 0, len(samples))
	for _, s := range samples {
		views = append(views, sampleView{
			Timestamp:         formatTime(s.Timestamp),
			Endpoint:          s.Endpoint,
			Method:            s.Method,
			LatencyMS:         s.LatencyMS,
			StatusCode:        s.StatusCode,
			ResponseSizeBytes: s.ResponseSizeBytes,
		})
	}
	return views
}

func toBucketViews(buckets []domain.AggregatedBucket) []bucketView {
	views := make([]bucketView, 0, len(buckets))
	for _, b := range buckets {
		views = append(views, bucketView{
			BucketStart:  formatTime(b.BucketStart),
			P95LatencyMS: b.P95LatencyMS,
			RequestCount: b.RequestCount,
			ErrorCount:   b.ErrorCount,
		})
	}
	return views
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02",
}

// parseTimestamp accepts RFC 3339 and zone-less ISO 8601 values. A value
// without a zone is read as UTC.
func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), true
	}
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Package metrics records raw request samples and serves them back in
// timestamp order.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/splax/pulse/internal/apperr"
	"github.com/splax/pulse/internal/domain"
	"github.com/splax/pulse/internal/repository"
)

const (
	DefaultPageSize  = 500
	MaxPageSize      = 1000
	DefaultClockSkew = 5 * time.Minute
	DefaultMethod    = "GET"
	maxEndpointLen   = 2048
	maxMethodLen     = 16
)

// Invalidator drops cached aggregates that a new sample makes stale.
type Invalidator interface {
	Invalidate(ctx context.Context, projectID string, ts time.Time) error
}

// SampleInput is a sample as reported by a client.
type SampleInput struct {
	Endpoint          string
	Method            string
	LatencyMS         float64
	StatusCode        int
	ResponseSizeBytes int64
	Timestamp         time.Time
}

// Page is one slice of an ordered sample scan. Next is nil on the last page.
type Page struct {
	Samples []domain.MetricSample
	Next    *Cursor
}

// Options tunes validation and paging.
type Options struct {
	ClockSkew time.Duration
	PageSize  int
}

// Service owns the raw metric store.
type Service struct {
	samples     repository.SampleRepository
	projects    repository.ProjectRepository
	invalidator Invalidator
	logger      *slog.Logger
	now         func() time.Time
	clockSkew   time.Duration
	pageSize    int
}

// New constructs a metrics service. invalidator may be nil when no cache is
// configured.
func New(samples repository.SampleRepository, projects repository.ProjectRepository, invalidator Invalidator, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = DefaultClockSkew
	}
	if opts.PageSize <= 0 || opts.PageSize > MaxPageSize {
		opts.PageSize = DefaultPageSize
	}
	return &Service{
		samples:     samples,
		projects:    projects,
		invalidator: invalidator,
		logger:      logger.With("component", "metrics"),
		now:         time.Now,
		clockSkew:   opts.ClockSkew,
		pageSize:    opts.PageSize,
	}
}

// Record validates and durably stores one sample. It returns only after the
// write is committed.
func (s *Service) Record(ctx context.Context, projectID string, in SampleInput) (*domain.MetricSample, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, apperr.Validation("project id required")
	}
	sample, err := s.validate(in)
	if err != nil {
		return nil, err
	}
	sample.ProjectID = projectID
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, translate(err)
	}
	if err := s.samples.InsertSample(ctx, sample); err != nil {
		return nil, translate(err)
	}
	if s.invalidator != nil {
		if err := s.invalidator.Invalidate(ctx, projectID, sample.Timestamp); err != nil {
			// cached entries carry a generation, so a failed bump only costs
			// freshness until the entry expires
			s.logger.Warn("failed to invalidate cached buckets", "project_id", projectID, "timestamp", sample.Timestamp, "error", err)
		}
	}
	return sample, nil
}

func (s *Service) validate(in SampleInput) (*domain.MetricSample, error) {
	endpoint := strings.TrimSpace(in.Endpoint)
	if endpoint == "" {
		return nil, apperr.Validation("endpoint is required")
	}
	if len(endpoint) > maxEndpointLen {
		return nil, apperr.Validationf("endpoint must be at most %d characters", maxEndpointLen)
	}
	method := strings.ToUpper(strings.TrimSpace(in.Method))
	if method == "" {
		method = DefaultMethod
	}
	if len(method) > maxMethodLen {
		return nil, apperr.Validationf("method must be at most %d characters", maxMethodLen)
	}
	if math.IsNaN(in.LatencyMS) || math.IsInf(in.LatencyMS, 0) {
		return nil, apperr.Validation("latency_ms must be a finite number")
	}
	if in.LatencyMS < 0 {
		return nil, apperr.Validation("latency_ms must be >= 0")
	}
	if in.StatusCode < 100 || in.StatusCode > 599 {
		return nil, apperr.Validation("status_code must be between 100 and 599")
	}
	if in.ResponseSizeBytes < 0 {
		return nil, apperr.Validation("response_size_bytes must be >= 0")
	}
	if in.Timestamp.IsZero() {
		return nil, apperr.Validation("timestamp is required")
	}
	ts := in.Timestamp.UTC()
	if ts.After(s.now().Add(s.clockSkew)) {
		return nil, apperr.Validation("timestamp is in the future")
	}
	return &domain.MetricSample{
		Endpoint:          endpoint,
		Method:            method,
		LatencyMS:         in.LatencyMS,
		StatusCode:        in.StatusCode,
		ResponseSizeBytes: in.ResponseSizeBytes,
		Timestamp:         ts.Truncate(time.Microsecond),
	}, nil
}

// Query returns one page of samples in [r.From, r.To), ascending by
// (timestamp, id), resuming after cursor.
func (s *Service) Query(ctx context.Context, projectID string, r domain.TimeRange, cursor Cursor, limit int) (Page, error) {
	if r.Empty() {
		return Page{}, apperr.Validation("from must be before to")
	}
	if limit <= 0 {
		limit = s.pageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	after, err := DecodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return Page{}, translate(err)
	}
	// one extra row tells us whether another page exists
	rows, err := s.samples.ListSamples(ctx, projectID, r.UTC(), after, limit+1)
	if err != nil {
		return Page{}, translate(err)
	}
	page := Page{Samples: rows}
	if len(rows) > limit {
		page.Samples = rows[:limit]
		last := page.Samples[limit-1]
		next := EncodeCursor(repository.SampleCursor{Timestamp: last.Timestamp, ID: last.ID})
		page.Next = &next
	}
	return page, nil
}

// Iterate calls fn for every sample in the range, in order, fetching pages
// lazily. It stops at the first error fn returns.
func (s *Service) Iterate(ctx context.Context, projectID string, r domain.TimeRange, fn func(domain.MetricSample) error) error {
	if r.Empty() {
		return nil
	}
	r = r.UTC()
	var after repository.SampleCursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := s.samples.ListSamples(ctx, projectID, r, after, s.pageSize)
		if err != nil {
			return translate(err)
		}
		for _, row := range rows {
			if err := fn(row); err != nil {
				return err
			}
		}
		if len(rows) < s.pageSize {
			return nil
		}
		last := rows[len(rows)-1]
		after = repository.SampleCursor{Timestamp: last.Timestamp, ID: last.ID}
	}
}

// ListRecent returns the newest samples of a project, newest first.
func (s *Service) ListRecent(ctx context.Context, projectID string, limit int) ([]domain.MetricSample, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, translate(err)
	}
	rows, err := s.samples.ListRecentSamples(ctx, projectID, limit)
	if err != nil {
		return nil, translate(err)
	}
	return rows, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperr.NotFound("project")
	case errors.Is(err, repository.ErrInvalidArgument):
		return apperr.Validation("invalid metric sample")
	default:
		return err
	}
}

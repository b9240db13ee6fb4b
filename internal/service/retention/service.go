// Package retention prunes raw samples past their retention window.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/splax/pulse/internal/apperr"
)

const (
	DefaultRetention = 7 * 24 * time.Hour
	DefaultInterval  = 24 * time.Hour
)

// SampleDeleter removes samples older than a cutoff.
type SampleDeleter interface {
	DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service runs the cleanup job.
type Service struct {
	samples   SampleDeleter
	logger    *slog.Logger
	retention time.Duration
	interval  time.Duration
	attempts  uint64
	now       func() time.Time
	once      sync.Once
}

// New constructs a retention job. Non-positive durations fall back to the
// defaults.
func New(samples SampleDeleter, logger *slog.Logger, retention, interval time.Duration) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		samples:   samples,
		logger:    logger.With("component", "retention"),
		retention: retention,
		interval:  interval,
		attempts:  2,
		now:       time.Now,
	}
}

// Run prunes once at start and then every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.once.Do(func() {
		s.logger.Info("retention job started", "retention", s.retention, "interval", s.interval)
	})
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.prune(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention job stopped")
			return
		case <-ticker.C:
			s.prune(ctx)
		}
	}
}

func (s *Service) prune(ctx context.Context) {
	deleted, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("raw metrics cleanup failed", "error", err)
		return
	}
	s.logger.Info("raw metrics cleanup completed", "deleted", deleted)
}

// RunOnce deletes every sample older than the retention window and returns
// how many were removed.
func (s *Service) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)
	var deleted int64
	backoff := retry.WithMaxRetries(s.attempts, retry.NewExponential(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		n, err := s.samples.DeleteSamplesBefore(ctx, cutoff)
		if err != nil {
			if apperr.IsTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		deleted = n
		return nil
	})
	return deleted, err
}

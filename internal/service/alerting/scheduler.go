package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/pulse/internal/domain"
)

// ProjectLister enumerates the projects to evaluate.
type ProjectLister interface {
	List(ctx context.Context) ([]domain.Project, error)
}

// Ticker is the unit of work the scheduler runs per project.
type Ticker interface {
	Tick(ctx context.Context, projectID string) (TickReport, error)
}

// SchedulerOptions tunes the evaluation loop.
type SchedulerOptions struct {
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
}

// Scheduler drives periodic evaluation of every project.
type Scheduler struct {
	projects    ProjectLister
	ticker      Ticker
	logger      *slog.Logger
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	once        sync.Once
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(projects ProjectLister, ticker Ticker, logger *slog.Logger, opts SchedulerOptions) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Timeout <= 0 || opts.Timeout > opts.Interval {
		opts.Timeout = opts.Interval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Scheduler{
		projects:    projects,
		ticker:      ticker,
		logger:      logger.With("component", "scheduler"),
		interval:    opts.Interval,
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
	}
}

// Run evaluates all projects every interval. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.once.Do(func() {
		s.logger.Info("alert scheduler started", "interval", s.interval, "concurrency", s.concurrency)
	})
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("alert scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass over every project and returns the reports
// of the ticks that completed.
func (s *Scheduler) RunOnce(ctx context.Context) []TickReport {
	projects, err := s.projects.List(ctx)
	if err != nil {
		s.logger.Error("failed to list projects", "error", err)
		return nil
	}
	var mu sync.Mutex
	reports := make([]TickReport, 0, len(projects))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, project := range projects {
		project := project
		g.Go(func() error {
			tickCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			report, err := s.ticker.Tick(tickCtx, project.ID)
			if err != nil {
				// one project's outage never blocks the others
				s.logger.Error("evaluation tick failed", "project_id", project.ID, "error", err)
				return nil
			}
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// Package alerting evaluates alert policies against the latest completed
// bucket and raises alerts under a per-policy cooldown.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/splax/pulse/internal/apperr"
	"github.com/splax/pulse/internal/domain"
)

// PolicySource lists the policies a tick evaluates.
type PolicySource interface {
	ListActive(ctx context.Context, projectID string) ([]domain.Policy, error)
}

// BucketSource resolves the bucket a tick evaluates against.
type BucketSource interface {
	LatestCompleted(ctx context.Context, projectID string, g domain.Granularity, now time.Time) (domain.AggregatedBucket, error)
}

// AlertWriter moves last_triggered_at and records the alert atomically.
type AlertWriter interface {
	FireAlert(ctx context.Context, alert *domain.Alert, expected *time.Time) (bool, error)
}

// Listener is told about every alert after it is committed.
type Listener interface {
	AlertFired(ctx context.Context, alert domain.Alert)
}

// Outcome is the result of evaluating one policy in one tick.
type Outcome string

const (
	OutcomeFired       Outcome = "fired"
	OutcomeNoData      Outcome = "no_data"
	OutcomeNotBreached Outcome = "not_breached"
	OutcomeSuppressed  Outcome = "suppressed"
	OutcomeConflict    Outcome = "conflict"
	OutcomeFailed      Outcome = "failed"
)

// TickReport summarises one evaluation pass over a project.
type TickReport struct {
	ProjectID   string
	EvaluatedAt time.Time
	BucketStart time.Time
	Evaluated   int
	Fired       int
	NoData      int
	NotBreached int
	Suppressed  int
	Conflicts   int
	Failed      int
	Alerts      []domain.Alert
}

func (r *TickReport) add(outcome Outcome) {
	r.Evaluated++
	switch outcome {
	case OutcomeFired:
		r.Fired++
	case OutcomeNoData:
		r.NoData++
	case OutcomeNotBreached:
		r.NotBreached++
	case OutcomeSuppressed:
		r.Suppressed++
	case OutcomeConflict:
		r.Conflicts++
	case OutcomeFailed:
		r.Failed++
	}
}

// Options tunes the evaluator.
type Options struct {
	// Concurrency bounds policies evaluated in parallel within one tick.
	Concurrency   int
	RetryAttempts int
	RetryBase     time.Duration
	Registerer    prometheus.Registerer
}

// Evaluator runs policy ticks.
type Evaluator struct {
	policies    PolicySource
	buckets     BucketSource
	alerts      AlertWriter
	listeners   []Listener
	logger      *slog.Logger
	now         func() time.Time
	concurrency int
	attempts    uint64
	retryBase   time.Duration
	metrics     *evaluatorMetrics
}

// NewEvaluator constructs an evaluator with sane defaults.
func NewEvaluator(policies PolicySource, buckets BucketSource, alerts AlertWriter, logger *slog.Logger, opts Options, listeners ...Listener) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 100 * time.Millisecond
	}
	return &Evaluator{
		policies:    policies,
		buckets:     buckets,
		alerts:      alerts,
		listeners:   listeners,
		logger:      logger.With("component", "evaluator"),
		now:         time.Now,
		concurrency: opts.Concurrency,
		attempts:    uint64(opts.RetryAttempts),
		retryBase:   opts.RetryBase,
		metrics:     newEvaluatorMetrics(opts.Registerer),
	}
}

// Tick evaluates every active policy of a project against the latest
// completed 1-minute bucket. Failures of individual policies are logged and
// counted; only failures to load the policies or the bucket, or ctx ending
// before the tick completes, fail the tick.
func (e *Evaluator) Tick(ctx context.Context, projectID string) (TickReport, error) {
	now := e.now().UTC()
	report := TickReport{ProjectID: projectID, EvaluatedAt: now}

	var policies []domain.Policy
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		policies, err = e.policies.ListActive(ctx, projectID)
		return err
	})
	if err != nil {
		e.metrics.ticks.WithLabelValues("error").Inc()
		return report, fmt.Errorf("list active policies: %w", err)
	}
	if len(policies) == 0 {
		e.metrics.ticks.WithLabelValues("ok").Inc()
		return report, nil
	}

	var bucket domain.AggregatedBucket
	err = e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		bucket, err = e.buckets.LatestCompleted(ctx, projectID, domain.Granularity1m, now)
		return err
	})
	if err != nil {
		e.metrics.ticks.WithLabelValues("error").Inc()
		return report, fmt.Errorf("load latest bucket: %w", err)
	}
	report.BucketStart = bucket.BucketStart

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, policy := range policies {
		policy := policy
		g.Go(func() error {
			outcome, alert := e.evaluate(ctx, policy, bucket, now)
			e.metrics.outcomes.WithLabelValues(string(outcome)).Inc()
			mu.Lock()
			report.add(outcome)
			if alert != nil {
				report.Alerts = append(report.Alerts, *alert)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		e.metrics.ticks.WithLabelValues("error").Inc()
		return report, apperr.Transient("evaluation tick", err)
	}

	e.metrics.ticks.WithLabelValues("ok").Inc()
	if report.Fired > 0 || report.Failed > 0 || report.Conflicts > 0 {
		e.logger.Info("evaluation tick complete",
			"project_id", projectID,
			"bucket_start", bucket.BucketStart,
			"evaluated", report.Evaluated,
			"fired", report.Fired,
			"conflicts", report.Conflicts,
			"failed", report.Failed,
		)
	}
	return report, nil
}

func (e *Evaluator) evaluate(ctx context.Context, policy domain.Policy, bucket domain.AggregatedBucket, now time.Time) (outcome Outcome, fired *domain.Alert) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("policy evaluation panicked", "policy_id", policy.ID, "panic", r)
			outcome, fired = OutcomeFailed, nil
		}
	}()

	value, ok := Observe(policy.Metric, bucket)
	if !ok {
		return OutcomeNoData, nil
	}
	if !policy.Comparison.Holds(value, policy.Threshold) {
		return OutcomeNotBreached, nil
	}
	if !StateAt(policy.LastTriggeredAt, policy.Cooldown(), now).CanFire() {
		return OutcomeSuppressed, nil
	}

	alert := &domain.Alert{
		ProjectID:   policy.ProjectID,
		PolicyID:    policy.ID,
		PolicyName:  policy.Name,
		Metric:      policy.Metric,
		Value:       value,
		Threshold:   policy.Threshold,
		Comparison:  policy.Comparison,
		Severity:    policy.Severity,
		Message:     Message(policy, value),
		TriggeredAt: now,
	}
	var won bool
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		won, err = e.alerts.FireAlert(ctx, alert, policy.LastTriggeredAt)
		return err
	})
	if err != nil {
		e.logger.Error("failed to fire alert", "project_id", policy.ProjectID, "policy_id", policy.ID, "error", err)
		return OutcomeFailed, nil
	}
	if !won {
		// last_triggered_at moved under us: another evaluator owns this window
		e.metrics.conflicts.Inc()
		conflict := apperr.Invariant("last_triggered_at changed during evaluation")
		e.logger.Warn("skipping policy", "project_id", policy.ProjectID, "policy_id", policy.ID, "error", conflict)
		return OutcomeConflict, nil
	}

	e.metrics.fired.WithLabelValues(string(policy.Severity)).Inc()
	e.logger.Info("alert fired",
		"project_id", alert.ProjectID,
		"policy_id", alert.PolicyID,
		"alert_id", alert.ID,
		"metric", alert.Metric,
		"value", alert.Value,
		"threshold", alert.Threshold,
		"severity", alert.Severity,
	)
	for _, l := range e.listeners {
		l.AlertFired(ctx, *alert)
	}
	return OutcomeFired, alert
}

// withRetry retries fn while it fails with a transient error.
func (e *Evaluator) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(e.attempts, retry.NewExponential(e.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && apperr.IsTransient(err) && !errors.Is(ctx.Err(), context.Canceled) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Observe extracts the value a policy metric compares against. ok is false
// when the bucket holds no samples.
func Observe(metric domain.MetricKind, bucket domain.AggregatedBucket) (value float64, ok bool) {
	switch metric {
	case domain.MetricLatencyP95:
		if bucket.P95LatencyMS == nil {
			return 0, false
		}
		return *bucket.P95LatencyMS, true
	case domain.MetricErrorRate:
		return bucket.ErrorRate()
	case domain.MetricThroughput:
		if !bucket.HasData() {
			return 0, false
		}
		return float64(bucket.RequestCount), true
	default:
		return 0, false
	}
}

// Message renders the human readable alert text.
func Message(policy domain.Policy, value float64) string {
	return fmt.Sprintf("%s: %s %s %s (observed %s)",
		policy.Name,
		policy.Metric,
		policy.Comparison,
		strconv.FormatFloat(policy.Threshold, 'f', -1, 64),
		strconv.FormatFloat(value, 'f', 4, 64),
	)
}

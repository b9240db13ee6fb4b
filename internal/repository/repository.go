package repository

import (
	"context"
	"time"

	"github.com/splax/pulse/internal/domain"
)

// SampleCursor marks the last sample returned by a page. The zero value starts
// from the beginning of the range.
type SampleCursor struct {
	Timestamp time.Time
	ID        int64
}

// IsZero reports whether the cursor points at the start of a range.
func (c SampleCursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.ID == 0
}

// ProjectRepository persists monitored projects.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectByAPIKeyHash(ctx context.Context, hash string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
}

// SampleRepository is the append-only raw metric store.
type SampleRepository interface {
	InsertSample(ctx context.Context, sample *domain.MetricSample) error
	// ListSamples returns samples in [r.From, r.To) ordered by (timestamp, id)
	// strictly after the cursor.
	ListSamples(ctx context.Context, projectID string, r domain.TimeRange, after SampleCursor, limit int) ([]domain.MetricSample, error)
	ListRecentSamples(ctx context.Context, projectID string, limit int) ([]domain.MetricSample, error)
	DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PolicyRepository persists alert policies.
type PolicyRepository interface {
	CreatePolicy(ctx context.Context, policy *domain.Policy) error
	GetPolicy(ctx context.Context, projectID string, policyID int64) (*domain.Policy, error)
	ListPolicies(ctx context.Context, projectID string, activeOnly bool) ([]domain.Policy, error)
	SetPolicyActive(ctx context.Context, projectID string, policyID int64, active bool) (*domain.Policy, error)
	// RecordTrigger sets last_triggered_at to at only if it still equals
	// expected (nil meaning never triggered). It reports whether the swap won.
	RecordTrigger(ctx context.Context, policyID int64, expected *time.Time, at time.Time) (bool, error)
}

// AlertRepository is the append-only alert store.
type AlertRepository interface {
	// FireAlert performs the RecordTrigger compare-and-set for alert.PolicyID
	// and inserts alert in the same transaction. It returns false, without
	// inserting, when the compare-and-set loses.
	FireAlert(ctx context.Context, alert *domain.Alert, expected *time.Time) (bool, error)
	ListAlerts(ctx context.Context, projectID string, limit int) ([]domain.Alert, error)
}

// Store bundles every repository the service needs.
type Store interface {
	ProjectRepository
	SampleRepository
	PolicyRepository
	AlertRepository
}

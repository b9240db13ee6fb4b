// Package policy manages alert policies.
package policy

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

// DefaultCooldownMinutes applies when a policy omits its cooldown.
const DefaultCooldownMinutes = 15

const maxNameLength = 100

// Input is the client-supplied definition of a policy. Raw strings are parsed
// here so every entry point shares one set of rules.
type Input struct {
	Name            string
	Metric          string
	Comparison      string
	Threshold       float64
	Severity        string
	CooldownMinutes *int
}

// Service validates and persists policies.
type Service struct {
	policies repository.PolicyRepository
	projects repository.ProjectRepository
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a policy service.
func New(policies repository.PolicyRepository, projects repository.ProjectRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{policies: policies, projects: projects, logger: logger.With("component", "policies"), now: time.Now}
}

// Create validates in and stores an active policy that has never fired.
func (s *Service) Create(ctx context.Context, projectID string, in Input) (*domain.Policy, error) {
	policy, err := s.build(projectID, in)
	if err != nil {
		return nil, err
	}
	if _, err := s.projects.GetProjectByID(ctx, policy.ProjectID); err != nil {
		return nil, translate(err, "project")
	}
	if err := s.policies.CreatePolicy(ctx, policy); err != nil {
		return nil, translate(err, "project")
	}
	s.logger.Info("policy created", "project_id", policy.ProjectID, "policy_id", policy.ID, "metric", policy.Metric)
	return policy, nil
}

func (s *Service) build(projectID string, in Input) (*domain.Policy, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, apperr.Validation("project id required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	if len(name) > maxNameLength {
		return nil, apperr.Validationf("name must be at most %d characters", maxNameLength)
	}
	metric, err := domain.ParseMetricKind(in.Metric)
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}
	cmp, err := domain.ParseComparison(in.Comparison)
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}
	severity, err := domain.ParseSeverity(in.Severity)
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}
	if math.IsNaN(in.Threshold) || math.IsInf(in.Threshold, 0) {
		return nil, apperr.Validation("threshold must be a finite number")
	}
	cooldown := DefaultCooldownMinutes
	if in.CooldownMinutes != nil {
		cooldown = *in.CooldownMinutes
	}
	if cooldown < 0 {
		return nil, apperr.Validation("cooldown_minutes must be >= 0")
	}
	if cooldown > domain.MaxCooldownMinutes {
		return nil, apperr.Validationf("cooldown_minutes must be <= %d", domain.MaxCooldownMinutes)
	}
	return &domain.Policy{
		ProjectID:       projectID,
		Name:            name,
		Metric:          metric,
		Comparison:      cmp,
		Threshold:       in.Threshold,
		Severity:        severity,
		CooldownMinutes: cooldown,
		IsActive:        true,
		CreatedAt:       s.now().UTC().Truncate(time.Microsecond),
	}, nil
}

// List returns every policy of a project in creation order.
func (s *Service) List(ctx context.Context, projectID string) ([]domain.Policy, error) {
	return s.list(ctx, projectID, false)
}

// ListActive returns the policies the evaluator should consider.
func (s *Service) ListActive(ctx context.Context, projectID string) ([]domain.Policy, error) {
	return s.list(ctx, projectID, true)
}

func (s *Service) list(ctx context.Context, projectID string, activeOnly bool) ([]domain.Policy, error) {
	policies, err := s.policies.ListPolicies(ctx, strings.TrimSpace(projectID), activeOnly)
	if err != nil {
		return nil, translate(err, "project")
	}
	return policies, nil
}

// SetActive enables or disables a policy.
func (s *Service) SetActive(ctx context.Context, projectID string, policyID int64, active bool) (*domain.Policy, error) {
	if policyID <= 0 {
		return nil, apperr.NotFound("policy")
	}
	policy, err := s.policies.SetPolicyActive(ctx, strings.TrimSpace(projectID), policyID, active)
	if err != nil {
		return nil, translate(err, "policy")
	}
	s.logger.Info("policy updated", "project_id", policy.ProjectID, "policy_id", policy.ID, "is_active", active)
	return policy, nil
}

// RecordTrigger moves last_triggered_at from expected to at, atomically. The
// boolean is false when another writer changed it first.
func (s *Service) RecordTrigger(ctx context.Context, policyID int64, expected *time.Time, at time.Time) (bool, error) {
	won, err := s.policies.RecordTrigger(ctx, policyID, expected, at)
	if err != nil {
		return false, translate(err, "policy")
	}
	return won, nil
}

func translate(err error, entity string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperr.NotFound(entity)
	case errors.Is(err, repository.ErrInvalidArgument):
		return apperr.Validation("invalid policy")
	default:
		return err
	}
}

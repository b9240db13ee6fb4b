// Package memory is an in-process implementation of the repository
// interfaces. It backs tests and the DATABASE_URL=memory:// development mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/pulse/internal/domain"
	"github.com/splax/pulse/internal/repository"
)

// Store keeps every entity in maps guarded by a single mutex.
type Store struct {
	mu         sync.RWMutex
	projects   map[string]domain.Project
	byKeyHash  map[string]string
	samples    map[string][]domain.MetricSample
	policies   map[int64]domain.Policy
	alerts     map[string][]domain.Alert
	nextSample int64
	nextPolicy int64
	nextAlert  int64
	now        func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		projects:  make(map[string]domain.Project),
		byKeyHash: make(map[string]string),
		samples:   make(map[string][]domain.MetricSample),
		policies:  make(map[int64]domain.Policy),
		alerts:    make(map[string][]domain.Alert),
		now:       time.Now,
	}
}

func (s *Store) CreateProject(ctx context.Context, project *domain.Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[project.ID]; ok {
		return repository.ErrConflict
	}
	if _, ok := s.byKeyHash[project.APIKeyHash]; ok {
		return repository.ErrConflict
	}
	s.projects[project.ID] = *project
	s.byKeyHash[project.APIKeyHash] = project.ID
	return nil
}

func (s *Store) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProjectByAPIKeyHash(ctx context.Context, hash string) (*domain.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKeyHash[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	p := s.projects[id]
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	projects := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool {
		if projects[i].CreatedAt.Equal(projects[j].CreatedAt) {
			return projects[i].ID < projects[j].ID
		}
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects, nil
}

func (s *Store) InsertSample(ctx context.Context, sample *domain.MetricSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[sample.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	s.nextSample++
	sample.ID = s.nextSample
	if sample.IngestedAt.IsZero() {
		sample.IngestedAt = s.now().UTC()
	}
	stored := *sample
	list := s.samples[sample.ProjectID]
	// keep (timestamp, id) order; out-of-order arrivals are inserted in place
	idx := sort.Search(len(list), func(i int) bool {
		return sampleAfter(list[i], stored.Timestamp, stored.ID)
	})
	list = append(list, domain.MetricSample{})
	copy(list[idx+1:], list[idx:])
	list[idx] = stored
	s.samples[sample.ProjectID] = list
	return nil
}

func (s *Store) ListSamples(ctx context.Context, projectID string, r domain.TimeRange, after repository.SampleCursor, limit int) ([]domain.MetricSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.samples[projectID]
	start := sort.Search(len(list), func(i int) bool {
		if !after.IsZero() {
			return sampleAfter(list[i], after.Timestamp, after.ID)
		}
		return !list[i].Timestamp.Before(r.From)
	})
	out := make([]domain.MetricSample, 0)
	for i := start; i < len(list) && len(out) < limit; i++ {
		sample := list[i]
		if !sample.Timestamp.Before(r.To) {
			break
		}
		if r.Contains(sample.Timestamp) {
			out = append(out, sample)
		}
	}
	return out, nil
}

func (s *Store) ListRecentSamples(ctx context.Context, projectID string, limit int) ([]domain.MetricSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.samples[projectID]
	out := make([]domain.MetricSample, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (s *Store) DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for projectID, list := range s.samples {
		idx := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(cutoff) })
		deleted += int64(idx)
		s.samples[projectID] = append([]domain.MetricSample(nil), list[idx:]...)
	}
	return deleted, nil
}

func (s *Store) CreatePolicy(ctx context.Context, policy *domain.Policy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[policy.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	s.nextPolicy++
	policy.ID = s.nextPolicy
	stored := *policy
	stored.LastTriggeredAt = copyTime(policy.LastTriggeredAt)
	s.policies[stored.ID] = stored
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, projectID string, policyID int64) (*domain.Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[policyID]
	if !ok || p.ProjectID != projectID {
		return nil, repository.ErrNotFound
	}
	p.LastTriggeredAt = copyTime(p.LastTriggeredAt)
	return &p, nil
}

func (s *Store) ListPolicies(ctx context.Context, projectID string, activeOnly bool) ([]domain.Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	policies := make([]domain.Policy, 0)
	for _, p := range s.policies {
		if p.ProjectID != projectID || (activeOnly && !p.IsActive) {
			continue
		}
		p.LastTriggeredAt = copyTime(p.LastTriggeredAt)
		policies = append(policies, p)
	}
	// ids are assigned in creation order
	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	return policies, nil
}

func (s *Store) SetPolicyActive(ctx context.Context, projectID string, policyID int64, active bool) (*domain.Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[policyID]
	if !ok || p.ProjectID != projectID {
		return nil, repository.ErrNotFound
	}
	p.IsActive = active
	s.policies[policyID] = p
	p.LastTriggeredAt = copyTime(p.LastTriggeredAt)
	return &p, nil
}

func (s *Store) RecordTrigger(ctx context.Context, policyID int64, expected *time.Time, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapTriggerLocked(policyID, expected, at)
}

func (s *Store) swapTriggerLocked(policyID int64, expected *time.Time, at time.Time) (bool, error) {
	p, ok := s.policies[policyID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !sameTime(p.LastTriggeredAt, expected) {
		return false, nil
	}
	stamp := storeTime(at)
	p.LastTriggeredAt = &stamp
	s.policies[policyID] = p
	return true, nil
}

func (s *Store) FireAlert(ctx context.Context, alert *domain.Alert, expected *time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	won, err := s.swapTriggerLocked(alert.PolicyID, expected, alert.TriggeredAt)
	if err != nil || !won {
		return false, err
	}
	s.nextAlert++
	alert.ID = s.nextAlert
	alert.TriggeredAt = storeTime(alert.TriggeredAt)
	s.alerts[alert.ProjectID] = append(s.alerts[alert.ProjectID], *alert)
	return true, nil
}

func (s *Store) ListAlerts(ctx context.Context, projectID string, limit int) ([]domain.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.alerts[projectID]
	sorted := append([]domain.Alert(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].TriggeredAt.Equal(sorted[j].TriggeredAt) {
			return sorted[i].ID > sorted[j].ID
		}
		return sorted[i].TriggeredAt.After(sorted[j].TriggeredAt)
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted, nil
}

func sampleAfter(s domain.MetricSample, ts time.Time, id int64) bool {
	if s.Timestamp.Equal(ts) {
		return s.ID > id
	}
	return s.Timestamp.After(ts)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// storeTime mirrors the microsecond precision of the Postgres store.
func storeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

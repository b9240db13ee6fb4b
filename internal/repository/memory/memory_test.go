package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/pulse/internal/domain"
	"github.com/splax/pulse/internal/repository"
)

func seedProject(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateProject(context.Background(), &domain.Project{
		ID:         id,
		Name:       "api-" + id,
		Email:      "ops@example.com",
		APIKeyHash: "hash-" + id,
		CreatedAt:  time.Now().UTC(),
	}))
}

func TestCreateProjectRejectsDuplicateKeyHash(t *testing.T) {
	s := New()
	seedProject(t, s, "p1")
	err := s.CreateProject(context.Background(), &domain.Project{ID: "p2", APIKeyHash: "hash-p1"})
	assert.ErrorIs(t, err, repository.ErrConflict)

	got, err := s.GetProjectByAPIKeyHash(context.Background(), "hash-p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
}

func TestInsertSampleUnknownProject(t *testing.T) {
	s := New()
	err := s.InsertSample(context.Background(), &domain.MetricSample{ProjectID: "missing", Timestamp: time.Now()})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestListSamplesOrdersAndPages(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProject(t, s, "p1")
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	// inserted out of order
	for _, offset := range []int{3, 1, 2, 0, 1} {
		require.NoError(t, s.InsertSample(ctx, &domain.MetricSample{
			ProjectID: "p1",
			Endpoint:  "/x",
			Method:    "GET",
			Timestamp: base.Add(time.Duration(offset) * time.Second),
		}))
	}
	r := domain.TimeRange{From: base, To: base.Add(3 * time.Second)}

	first, err := s.ListSamples(ctx, "p1", r, repository.SampleCursor{}, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, base, first[0].Timestamp)
	assert.Equal(t, base.Add(time.Second), first[1].Timestamp)

	last := first[len(first)-1]
	rest, err := s.ListSamples(ctx, "p1", r, repository.SampleCursor{Timestamp: last.Timestamp, ID: last.ID}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2, "sample at To must be excluded")
	assert.Equal(t, base.Add(time.Second), rest[0].Timestamp)
	assert.Greater(t, rest[0].ID, last.ID)
	assert.Equal(t, base.Add(2*time.Second), rest[1].Timestamp)
}

func TestDeleteSamplesBefore(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProject(t, s, "p1")
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.InsertSample(ctx, &domain.MetricSample{ProjectID: "p1", Timestamp: base.Add(time.Duration(i) * time.Hour)}))
	}
	deleted, err := s.DeleteSamplesBefore(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	recent, err := s.ListRecentSamples(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, base.Add(3*time.Hour), recent[0].Timestamp)
}

func TestRecordTriggerCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProject(t, s, "p1")
	policy := &domain.Policy{ProjectID: "p1", Name: "slow", IsActive: true}
	require.NoError(t, s.CreatePolicy(ctx, policy))

	at := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	won, err := s.RecordTrigger(ctx, policy.ID, nil, at)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.RecordTrigger(ctx, policy.ID, nil, at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, won, "stale expectation must lose")

	stored, err := s.GetPolicy(ctx, "p1", policy.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastTriggeredAt)
	assert.Equal(t, at.Truncate(time.Microsecond), *stored.LastTriggeredAt)

	won, err = s.RecordTrigger(ctx, policy.ID, stored.LastTriggeredAt, at.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, won)
}

func TestFireAlertConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProject(t, s, "p1")
	policy := &domain.Policy{ProjectID: "p1", Name: "errors", IsActive: true}
	require.NoError(t, s.CreatePolicy(ctx, policy))

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.FireAlert(ctx, &domain.Alert{ProjectID: "p1", PolicyID: policy.ID, TriggeredAt: now}, nil)
			assert.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	alerts, err := s.ListAlerts(ctx, "p1", 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestListPoliciesScopesByProject(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProject(t, s, "p1")
	seedProject(t, s, "p2")
	require.NoError(t, s.CreatePolicy(ctx, &domain.Policy{ProjectID: "p1", Name: "a", IsActive: true}))
	require.NoError(t, s.CreatePolicy(ctx, &domain.Policy{ProjectID: "p2", Name: "b", IsActive: true}))
	off := &domain.Policy{ProjectID: "p1", Name: "c", IsActive: true}
	require.NoError(t, s.CreatePolicy(ctx, off))
	_, err := s.SetPolicyActive(ctx, "p1", off.ID, false)
	require.NoError(t, err)

	all, err := s.ListPolicies(ctx, "p1", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name)
	assert.Equal(t, "c", all[1].Name)

	active, err := s.ListPolicies(ctx, "p1", true)
	require.NoError(t, err)
	require.Len(t, active, 1)

	_, err = s.GetPolicy(ctx, "p2", off.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

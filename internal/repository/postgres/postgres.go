package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/pulse/internal/apperr"
	"github.com/splax/pulse/internal/domain"
	"github.com/splax/pulse/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository = (*Repository)(nil)
	_ repository.SampleRepository  = (*Repository)(nil)
	_ repository.PolicyRepository  = (*Repository)(nil)
	_ repository.AlertRepository   = (*Repository)(nil)
	_ repository.Store             = (*Repository)(nil)
)

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, email, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.Email, project.APIKeyHash, project.CreatedAt)
	return classify("create project", err)
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id::text, name, email, api_key_hash, created_at FROM projects WHERE id = $1`
	return r.scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// GetProjectByAPIKeyHash resolves the project owning an ingest credential.
func (r *Repository) GetProjectByAPIKeyHash(ctx context.Context, hash string) (*domain.Project, error) {
	const query = `SELECT id::text, name, email, api_key_hash, created_at FROM projects WHERE api_key_hash = $1`
	return r.scanProject(r.pool.QueryRow(ctx, query, hash))
}

func (r *Repository) scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Email, &p.APIKeyHash, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, classify("get project", err)
	}
	return &p, nil
}

// ListProjects returns every project, oldest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id::text, name, email, api_key_hash, created_at FROM projects ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, classify("list projects", err)
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.APIKeyHash, &p.CreatedAt); err != nil {
			return nil, classify("list projects", err)
		}
		projects = append(projects, p)
	}
	return projects, classify("list projects", rows.Err())
}

// InsertSample appends a raw metric sample. It returns after the row is committed.
func (r *Repository) InsertSample(ctx context.Context, sample *domain.MetricSample) error {
	if sample == nil {
		return fmt.Errorf("metric sample required")
	}
	const query = `INSERT INTO metric_samples (
		project_id,
		endpoint,
		method,
		latency_ms,
		status_code,
		response_size_bytes,
		ts,
		ingested_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,COALESCE($8, NOW())
	) RETURNING id, ingested_at`
	var (
		id       int64
		ingested time.Time
	)
	err := r.pool.QueryRow(ctx, query,
		sample.ProjectID,
		sample.Endpoint,
		sample.Method,
		sample.LatencyMS,
		sample.StatusCode,
		sample.ResponseSizeBytes,
		sample.Timestamp,
		nilTime(sample.IngestedAt),
	).Scan(&id, &ingested)
	if err != nil {
		return classify("insert sample", err)
	}
	sample.ID = id
	sample.IngestedAt = ingested
	return nil
}

const sampleColumns = `id, project_id::text, endpoint, method, latency_ms, status_code, response_size_bytes, ts, ingested_at`

// ListSamples returns one ascending page of samples after the cursor.
func (r *Repository) ListSamples(ctx context.Context, projectID string, tr domain.TimeRange, after repository.SampleCursor, limit int) ([]domain.MetricSample, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + sampleColumns + `
	FROM metric_samples
	WHERE project_id = $1 AND ts >= $2 AND ts < $3
		AND ($4::timestamptz IS NULL OR (ts, id) > ($4::timestamptz, $5::bigint))
	ORDER BY ts ASC, id ASC
	LIMIT $6`
	var cursorTS any
	if !after.IsZero() {
		cursorTS = after.Timestamp
	}
	rows, err := r.pool.Query(ctx, query, projectID, tr.From, tr.To, cursorTS, after.ID, limit)
	if err != nil {
		return nil, classify("list samples", err)
	}
	return collectSamples(rows)
}

// ListRecentSamples returns the newest samples first.
func (r *Repository) ListRecentSamples(ctx context.Context, projectID string, limit int) ([]domain.MetricSample, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + sampleColumns + `
	FROM metric_samples
	WHERE project_id = $1
	ORDER BY ts DESC, id DESC
	LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, classify("list recent samples", err)
	}
	return collectSamples(rows)
}

func collectSamples(rows pgx.Rows) ([]domain.MetricSample, error) {
	defer rows.Close()
	samples := make([]domain.MetricSample, 0)
	for rows.Next() {
		var s domain.MetricSample
		if err := rows.Scan(
			&s.ID,
			&s.ProjectID,
			&s.Endpoint,
			&s.Method,
			&s.LatencyMS,
			&s.StatusCode,
			&s.ResponseSizeBytes,
			&s.Timestamp,
			&s.IngestedAt,
		); err != nil {
			return nil, classify("scan sample", err)
		}
		s.Timestamp = s.Timestamp.UTC()
		s.IngestedAt = s.IngestedAt.UTC()
		samples = append(samples, s)
	}
	return samples, classify("scan sample", rows.Err())
}

// DeleteSamplesBefore removes raw samples older than cutoff.
func (r *Repository) DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM metric_samples WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, classify("delete samples", err)
	}
	return tag.RowsAffected(), nil
}

const policyColumns = `id, project_id::text, name, metric, comparison, threshold, severity, cooldown_minutes, is_active, last_triggered_at, created_at`

// CreatePolicy inserts a policy and assigns its identifier.
func (r *Repository) CreatePolicy(ctx context.Context, policy *domain.Policy) error {
	const query = `INSERT INTO alert_policies (
		project_id, name, metric, comparison, threshold, severity, cooldown_minutes, is_active, last_triggered_at, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`
	err := r.pool.QueryRow(ctx, query,
		policy.ProjectID,
		policy.Name,
		string(policy.Metric),
		string(policy.Comparison),
		policy.Threshold,
		string(policy.Severity),
		policy.CooldownMinutes,
		policy.IsActive,
		timePtrToNil(policy.LastTriggeredAt),
		policy.CreatedAt,
	).Scan(&policy.ID)
	return classify("create policy", err)
}

// GetPolicy returns a single policy scoped to its project.
func (r *Repository) GetPolicy(ctx context.Context, projectID string, policyID int64) (*domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM alert_policies WHERE project_id = $1 AND id = $2`
	p, err := scanPolicy(r.pool.QueryRow(ctx, query, projectID, policyID))
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPolicies returns a project's policies in creation order.
func (r *Repository) ListPolicies(ctx context.Context, projectID string, activeOnly bool) ([]domain.Policy, error) {
	query := `SELECT ` + policyColumns + `
	FROM alert_policies
	WHERE project_id = $1 AND ($2 = FALSE OR is_active)
	ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, projectID, activeOnly)
	if err != nil {
		return nil, classify("list policies", err)
	}
	defer rows.Close()
	policies := make([]domain.Policy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, classify("list policies", rows.Err())
}

// SetPolicyActive toggles the active flag and returns the updated policy.
func (r *Repository) SetPolicyActive(ctx context.Context, projectID string, policyID int64, active bool) (*domain.Policy, error) {
	query := `UPDATE alert_policies SET is_active = $3
	WHERE project_id = $1 AND id = $2
	RETURNING ` + policyColumns
	p, err := scanPolicy(r.pool.QueryRow(ctx, query, projectID, policyID, active))
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const recordTriggerQuery = `UPDATE alert_policies SET last_triggered_at = $3
	WHERE id = $1 AND last_triggered_at IS NOT DISTINCT FROM $2::timestamptz`

// RecordTrigger swaps last_triggered_at from expected to at.
func (r *Repository) RecordTrigger(ctx context.Context, policyID int64, expected *time.Time, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, recordTriggerQuery, policyID, timePtrToNil(expected), storeTime(at))
	if err != nil {
		return false, classify("record trigger", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FireAlert records the trigger and appends the alert atomically.
func (r *Repository) FireAlert(ctx context.Context, alert *domain.Alert, expected *time.Time) (bool, error) {
	if alert == nil {
		return false, fmt.Errorf("alert required")
	}
	triggeredAt := storeTime(alert.TriggeredAt)
	fired := false
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, recordTriggerQuery, alert.PolicyID, timePtrToNil(expected), triggeredAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return nil
		}
		const insert = `INSERT INTO alerts (
			project_id, policy_id, policy_name, metric, value, threshold, comparison, severity, message, triggered_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`
		if err := tx.QueryRow(ctx, insert,
			alert.ProjectID,
			alert.PolicyID,
			alert.PolicyName,
			string(alert.Metric),
			alert.Value,
			alert.Threshold,
			string(alert.Comparison),
			string(alert.Severity),
			alert.Message,
			triggeredAt,
		).Scan(&alert.ID); err != nil {
			return err
		}
		fired = true
		return nil
	})
	if err != nil {
		return false, classify("fire alert", err)
	}
	alert.TriggeredAt = triggeredAt
	return fired, nil
}

// ListAlerts returns a project's alerts, newest first.
func (r *Repository) ListAlerts(ctx context.Context, projectID string, limit int) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, project_id::text, policy_id, policy_name, metric, value, threshold, comparison, severity, message, triggered_at
	FROM alerts
	WHERE project_id = $1
	ORDER BY triggered_at DESC, id DESC
	LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, classify("list alerts", err)
	}
	defer rows.Close()
	alerts := make([]domain.Alert, 0)
	for rows.Next() {
		var (
			a                            domain.Alert
			metric, comparison, severity string
		)
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.PolicyID, &a.PolicyName, &metric, &a.Value, &a.Threshold, &comparison, &severity, &a.Message, &a.TriggeredAt); err != nil {
			return nil, classify("list alerts", err)
		}
		a.Metric = domain.MetricKind(metric)
		a.Comparison = domain.Comparison(comparison)
		a.Severity = domain.Severity(severity)
		a.TriggeredAt = a.TriggeredAt.UTC()
		alerts = append(alerts, a)
	}
	return alerts, classify("list alerts", rows.Err())
}

func scanPolicy(row pgx.Row) (domain.Policy, error) {
	var (
		p                            domain.Policy
		metric, comparison, severity string
		last                         *time.Time
	)
	if err := row.Scan(&p.ID, &p.ProjectID, &p.Name, &metric, &comparison, &p.Threshold, &severity, &p.CooldownMinutes, &p.IsActive, &last, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Policy{}, repository.ErrNotFound
		}
		return domain.Policy{}, classify("scan policy", err)
	}
	p.Metric = domain.MetricKind(metric)
	p.Comparison = domain.Comparison(comparison)
	p.Severity = domain.Severity(severity)
	if last != nil {
		utc := last.UTC()
		p.LastTriggeredAt = &utc
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

// classify maps driver errors onto repository sentinels and the transient kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Transient(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505":
			return repository.ErrConflict
		case "23514", "22P02", "22007", "22008":
			return repository.ErrInvalidArgument
		case "40001", "40P01", "53300", "57P01", "57P03":
			return apperr.Transient(op, err)
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return apperr.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return apperr.Transient(op, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return apperr.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// storeTime drops precision below what timestamptz keeps so compare-and-set
// values read back equal to what was written.
func storeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return storeTime(*t)
}

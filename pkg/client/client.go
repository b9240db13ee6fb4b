// Package client is a Go client for the pulse HTTP API and an SDK for
// reporting request samples from a monitored service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxErrorBodySize = 4096

// Client provides typed access to the pulse API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// Sentinel errors matched by APIError.Is.
var (
	ErrUnauthorized = errors.New("pulse: unauthorized")
	ErrInvalid      = errors.New("pulse: invalid request")
	ErrNotFound     = errors.New("pulse: not found")
	ErrRateLimited  = errors.New("pulse: rate limited")
	ErrUnavailable  = errors.New("pulse: temporarily unavailable")
)

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Is maps status codes onto the package sentinels.
func (e APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrInvalid:
		return e.Status == http.StatusBadRequest || e.Status == http.StatusRequestEntityTooLarge
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	case ErrUnavailable:
		return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusBadGateway || e.Status == http.StatusGatewayTimeout
	}
	return false
}

// Retryable reports whether repeating the request may succeed.
func (e APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) (http.Header, error) {
	if c == nil {
		return nil, errors.New("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.Header, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return resp.Header, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.Header, fmt.Errorf("decode response: %w", err)
	}
	return resp.Header, nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

func projectPath(projectID, suffix string) string {
	return "/api/projects/" + url.PathEscape(projectID) + "/" + suffix
}

// Project describes a monitored API.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// CreatedProject carries the ingest key, which the API returns only once.
type CreatedProject struct {
	Project
	APIKey string `json:"api_key"`
}

// CreateProject registers a project.
func (c *Client) CreateProject(ctx context.Context, name, email string) (CreatedProject, error) {
	body := map[string]string{"name": name, "email": email}
	var created CreatedProject
	if _, err := c.do(ctx, http.MethodPost, "/api/projects/create/", body, "", &created); err != nil {
		return CreatedProject{}, err
	}
	return created, nil
}

// ListProjects returns every project.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if _, err := c.do(ctx, http.MethodGet, "/api/projects/", nil, "", &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject fetches one project.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	if _, err := c.do(ctx, http.MethodGet, projectPath(projectID, ""), nil, "", &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// Policy is an alert rule.
type Policy struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Metric          string     `json:"metric"`
	Comparison      string     `json:"comparison"`
	Threshold       float64    `json:"threshold"`
	Severity        string     `json:"severity"`
	CooldownMinutes int        `json:"cooldown_minutes"`
	IsActive        bool       `json:"is_active"`
	LastTriggeredAt *time.Time `json:"last_triggered_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// PolicyInput defines a new policy. A nil CooldownMinutes uses the server
// default.
type PolicyInput struct {
	Name            string  `json:"name"`
	Metric          string  `json:"metric"`
	Comparison      string  `json:"comparison"`
	Threshold       float64 `json:"threshold"`
	Severity        string  `json:"severity"`
	CooldownMinutes *int    `json:"cooldown_minutes,omitempty"`
}

// ListPolicies returns the policies of a project in creation order.
func (c *Client) ListPolicies(ctx context.Context, projectID string) ([]Policy, error) {
	var policies []Policy
	if _, err := c.do(ctx, http.MethodGet, projectPath(projectID, "policies/"), nil, "", &policies); err != nil {
		return nil, err
	}
	return policies, nil
}

// CreatePolicy adds a policy to a project.
func (c *Client) CreatePolicy(ctx context.Context, projectID string, input PolicyInput) (Policy, error) {
	var policy Policy
	if _, err := c.do(ctx, http.MethodPost, projectPath(projectID, "policies/"), input, "", &policy); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// SetPolicyActive enables or disables a policy.
func (c *Client) SetPolicyActive(ctx context.Context, projectID string, policyID int64, active bool) (Policy, error) {
	path := projectPath(projectID, fmt.Sprintf("policies/%d/", policyID))
	var policy Policy
	if _, err := c.do(ctx, http.MethodPatch, path, map[string]bool{"is_active": active}, "", &policy); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Alert is a fired policy.
type Alert struct {
	ID          int64     `json:"id"`
	PolicyID    int64     `json:"policy_id"`
	PolicyName  string    `json:"policy_name"`
	Message     string    `json:"message"`
	Severity    string    `json:"severity"`
	Metric      string    `json:"metric"`
	Comparison  string    `json:"comparison"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// ListAlerts returns recent alerts, newest first.
func (c *Client) ListAlerts(ctx context.Context, projectID string, limit int) ([]Alert, error) {
	path := projectPath(projectID, "alerts/")
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var alerts []Alert
	if _, err := c.do(ctx, http.MethodGet, path, nil, "", &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// Sample is one request observation.
type Sample struct {
	Endpoint          string    `json:"endpoint"`
	Method            string    `json:"method"`
	StatusCode        int       `json:"status_code"`
	LatencyMS         float64   `json:"latency_ms"`
	ResponseSizeBytes int64     `json:"response_size_bytes"`
	Timestamp         time.Time `json:"timestamp"`
}

// Ingest reports one sample with the project's API key.
func (c *Client) Ingest(ctx context.Context, apiKey string, sample Sample) error {
	if strings.TrimSpace(apiKey) == "" {
		return errors.New("api key required")
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	sample.Timestamp = sample.Timestamp.UTC()
	_, err := c.do(ctx, http.MethodPost, "/api/ingest/", sample, apiKey, nil)
	return err
}

// RecentSamples returns the newest samples first.
func (c *Client) RecentSamples(ctx context.Context, projectID string, limit int) ([]Sample, error) {
	path := projectPath(projectID, "metrics/")
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var samples []Sample
	if _, err := c.do(ctx, http.MethodGet, path, nil, "", &samples); err != nil {
		return nil, err
	}
	return samples, nil
}

// SamplePage is one page of a range scan. Next is empty on the last page.
type SamplePage struct {
	Samples []Sample
	Next    string
}

// QuerySamples pages through samples in [from, to) in ascending order.
func (c *Client) QuerySamples(ctx context.Context, projectID string, from, to time.Time, cursor string, limit int) (SamplePage, error) {
	query := url.Values{}
	query.Set("from", from.UTC().Format(time.RFC3339Nano))
	query.Set("to", to.UTC().Format(time.RFC3339Nano))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	var samples []Sample
	headers, err := c.do(ctx, http.MethodGet, projectPath(projectID, "metrics/")+"?"+query.Encode(), nil, "", &samples)
	if err != nil {
		return SamplePage{}, err
	}
	return SamplePage{Samples: samples, Next: headers.Get("X-Next-Cursor")}, nil
}

// Bucket is one aggregated interval. P95LatencyMS is nil for an empty bucket.
type Bucket struct {
	BucketStart  time.Time `json:"bucket_start"`
	P95LatencyMS *float64  `json:"p95_latency_ms"`
	RequestCount int64     `json:"request_count"`
	ErrorCount   int64     `json:"error_count"`
}

// Aggregated returns buckets of the given width ("1m", "5m" or "1h"). Zero
// from/to select the server's default window.
func (c *Client) Aggregated(ctx context.Context, projectID, bucket string, from, to time.Time) ([]Bucket, error) {
	query := url.Values{}
	if bucket != "" {
		query.Set("bucket", bucket)
	}
	if !from.IsZero() {
		query.Set("from", from.UTC().Format(time.RFC3339Nano))
	}
	if !to.IsZero() {
		query.Set("to", to.UTC().Format(time.RFC3339Nano))
	}
	path := projectPath(projectID, "metrics/aggregated/")
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var buckets []Bucket
	if _, err := c.do(ctx, http.MethodGet, path, nil, "", &buckets); err != nil {
		return nil, err
	}
	return buckets, nil
}

package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	httpx "github.com/splax/pulse/internal/http"
	"github.com/splax/pulse/internal/repository/memory"
	"github.com/splax/pulse/internal/service/aggregate"
	"github.com/splax/pulse/internal/service/metrics"
	"github.com/splax/pulse/internal/service/policy"
	"github.com/splax/pulse/internal/service/project"
	"github.com/splax/pulse/internal/ws"
	"github.com/splax/pulse/pkg/client"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	cache := aggregate.NewMemoryCache(0)
	metricSvc := metrics.New(store, store, cache, logger, metrics.Options{})
	hub := ws.NewHub(0, logger)
	router := httpx.NewRouter(logger, httpx.Services{
		Projects:   project.New(store, logger),
		Metrics:    metricSvc,
		Aggregates: aggregate.New(metricSvc, cache, logger),
		Policies:   policy.New(store, store, logger),
		Alerts:     store,
		Hub:        hub,
	}, httpx.Options{Registerer: prometheus.NewRegistry(), Gatherer: prometheus.NewRegistry()})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		router.Close()
		hub.Close()
	})
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	c, err := client.New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	created, err := c.CreateProject(ctx, "storefront", "oncall@example.com")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if created.APIKey == "" || created.ID == "" {
		t.Fatalf("expected id and key, got %+v", created)
	}
	projects, err := c.ListProjects(ctx)
	if err != nil || len(projects) != 1 || projects[0].ID != created.ID {
		t.Fatalf("list projects: %v %+v", err, projects)
	}

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Minute)
	for i, latency := range []float64{10, 20, 30, 40} {
		sample := client.Sample{
			Endpoint:   "/cart",
			Method:     "GET",
			StatusCode: 200,
			LatencyMS:  latency,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}
		if err := c.Ingest(ctx, created.APIKey, sample); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	var seen []float64
	cursor := ""
	for {
		page, err := c.QuerySamples(ctx, created.ID, base, base.Add(time.Minute), cursor, 3)
		if err != nil {
			t.Fatalf("query samples: %v", err)
		}
		for _, s := range page.Samples {
			seen = append(seen, s.LatencyMS)
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}
	if len(seen) != 4 || seen[0] != 10 || seen[3] != 40 {
		t.Fatalf("unexpected samples %v", seen)
	}

	buckets, err := c.Aggregated(ctx, created.ID, "1m", base, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("aggregated: %v", err)
	}
	if len(buckets) != 1 || buckets[0].RequestCount != 4 || buckets[0].P95LatencyMS == nil || *buckets[0].P95LatencyMS != 40 {
		t.Fatalf("unexpected buckets %+v", buckets)
	}

	cooldown := 5
	policy, err := c.CreatePolicy(ctx, created.ID, client.PolicyInput{
		Name: "slow cart", Metric: "latency_p95", Comparison: ">", Threshold: 25, Severity: "warn", CooldownMinutes: &cooldown,
	})
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	if policy.CooldownMinutes != 5 || !policy.IsActive || policy.LastTriggeredAt != nil {
		t.Fatalf("unexpected policy %+v", policy)
	}
	policy, err = c.SetPolicyActive(ctx, created.ID, policy.ID, false)
	if err != nil || policy.IsActive {
		t.Fatalf("deactivate policy: %v %+v", err, policy)
	}

	alerts, err := c.ListAlerts(ctx, created.ID, 10)
	if err != nil || len(alerts) != 0 {
		t.Fatalf("list alerts: %v %+v", err, alerts)
	}
}

func TestClientMapsErrors(t *testing.T) {
	srv := newServer(t)
	c, err := client.New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.GetProject(context.Background(), "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = c.CreateProject(context.Background(), "", "x@example.com")
	if !errors.Is(err, client.ErrInvalid) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

package retention

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/pulse/internal/domain"
	"github.com/splax/pulse/internal/repository/memory"
)

func TestRunOnceDeletesSamplesPastRetention(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if err := store.CreateProject(ctx, &domain.Project{ID: "p", APIKeyHash: "h"}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	now := time.Date(2024, 8, 10, 3, 0, 0, 0, time.UTC)
	for _, age := range []time.Duration{8 * 24 * time.Hour, 7*24*time.Hour + time.Second, 7 * 24 * time.Hour, time.Hour} {
		if err := store.InsertSample(ctx, &domain.MetricSample{ProjectID: "p", Endpoint: "/", Method: "GET", StatusCode: 200, Timestamp: now.Add(-age)}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	svc := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)), 0, 0)
	svc.now = func() time.Time { return now }
	deleted, err := svc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted samples, got %d", deleted)
	}
	remaining, err := store.ListRecentSamples(ctx, "p", 10)
	if err != nil {
		t.Fatalf("ListRecentSamples: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining samples, got %d", len(remaining))
	}
}

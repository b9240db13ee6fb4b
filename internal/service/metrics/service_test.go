package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/splax/pulse/internal/apperr"
	"github.com/splax/pulse/internal/domain"
	"github.com/splax/pulse/internal/repository"
	"github.com/splax/pulse/internal/repository/memory"
)

const projectID = "3f0e8c3a-7d52-4d8e-9b8f-1c2d3e4f5a6b"

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, projectID string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ts)
	return r.err
}

func (r *recordingInvalidator) snapshot() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.calls...)
}

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, pageSize int) (*Service, *memory.Store, *recordingInvalidator) {
	t.Helper()
	store := memory.New()
	if err := store.CreateProject(context.Background(), &domain.Project{ID: projectID, Name: "api", Email: "ops@example.com", APIKeyHash: "h", CreatedAt: testNow}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	inv := &recordingInvalidator{}
	svc := New(store, store, inv, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{PageSize: pageSize})
	svc.now = func() time.Time { return testNow }
	return svc, store, inv
}

func validInput(ts time.Time) SampleInput {
	return SampleInput{Endpoint: "/orders", Method: "post", LatencyMS: 12.5, StatusCode: 201, ResponseSizeBytes: 512, Timestamp: ts}
}

func TestRecordValidation(t *testing.T) {
	svc, _, inv := newTestService(t, 0)
	cases := map[string]func(*SampleInput){
		"negative latency": func(in *SampleInput) { in.LatencyMS = -1 },
		"nan latency":      func(in *SampleInput) { in.LatencyMS = math.NaN() },
		"status too low":   func(in *SampleInput) { in.StatusCode = 99 },
		"status too high":  func(in *SampleInput) { in.StatusCode = 600 },
		"negative size":    func(in *SampleInput) { in.ResponseSizeBytes = -1 },
		"empty endpoint":   func(in *SampleInput) { in.Endpoint = "  " },
		"missing time":     func(in *SampleInput) { in.Timestamp = time.Time{} },
		"future time":      func(in *SampleInput) { in.Timestamp = testNow.Add(6 * time.Minute) },
	}
	for name, mutate := range cases {
		in := validInput(testNow.Add(-time.Minute))
		mutate(&in)
		if _, err := svc.Record(context.Background(), projectID, in); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	if calls := inv.snapshot(); len(calls) != 0 {
		t.Fatalf("rejected samples must not invalidate caches, got %d calls", len(calls))
	}
}

func TestRecordAcceptsBoundaryValues(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	in := validInput(testNow.Add(5 * time.Minute))
	in.LatencyMS = 0
	in.StatusCode = 599
	in.Method = ""
	sample, err := svc.Record(context.Background(), projectID, in)
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if sample.Method != DefaultMethod {
		t.Fatalf("expected default method, got %q", sample.Method)
	}
}

func TestRecordUnknownProject(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	_, err := svc.Record(context.Background(), "7c9e6679-7425-40de-944b-e07fc1f90ae7", validInput(testNow))
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordInvalidatesContainingBuckets(t *testing.T) {
	svc, _, inv := newTestService(t, 0)
	inv.err = errors.New("redis down")
	ts := testNow.Add(-90 * time.Second)
	if _, err := svc.Record(context.Background(), projectID, validInput(ts)); err != nil {
		t.Fatalf("Record must succeed when invalidation fails: %v", err)
	}
	calls := inv.snapshot()
	if len(calls) != 1 || !calls[0].Equal(ts) {
		t.Fatalf("expected one invalidation at %s, got %v", ts, calls)
	}
}

func TestQueryPagesWithCursor(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()
	base := testNow.Add(-time.Hour)
	for i := 0; i < 7; i++ {
		if _, err := svc.Record(ctx, projectID, validInput(base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	r := domain.TimeRange{From: base, To: testNow}

	var got []domain.MetricSample
	var cursor Cursor
	pages := 0
	for {
		page, err := svc.Query(ctx, projectID, r, cursor, 3)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		pages++
		got = append(got, page.Samples...)
		if page.Next == nil {
			break
		}
		cursor = *page.Next
	}
	if pages != 3 || len(got) != 7 {
		t.Fatalf("expected 7 samples over 3 pages, got %d over %d", len(got), pages)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatalf("samples out of order at %d", i)
		}
	}
}

func TestQueryRejectsBadCursorAndRange(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	r := domain.TimeRange{From: testNow.Add(-time.Hour), To: testNow}
	if _, err := svc.Query(context.Background(), projectID, r, Cursor("%%%"), 10); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for cursor, got %v", err)
	}
	inverted := domain.TimeRange{From: r.To, To: r.From}
	if _, err := svc.Query(context.Background(), projectID, inverted, "", 10); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for range, got %v", err)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nanos := rapid.Int64Range(0, 4102444800000000000).Draw(t, "nanos")
		id := rapid.Int64Range(1, math.MaxInt64).Draw(t, "id")
		pos, err := DecodeCursor(EncodeCursor(repositoryCursor(nanos, id)))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if pos.Timestamp.UnixNano() != nanos || pos.ID != id {
			t.Fatalf("round trip mismatch: %v", pos)
		}
	})
}

// Every recorded sample inside the range comes back exactly once across pages.
func TestRecordThenIterateExactlyOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		svc, _, _ := newTestService(t, rapid.IntRange(1, 7).Draw(rt, "page"))
		ctx := context.Background()
		offsets := rapid.SliceOfN(rapid.IntRange(0, 120), 0, 40).Draw(rt, "offsets")
		base := testNow.Add(-2 * time.Hour)
		want := make(map[int64]bool)
		for _, off := range offsets {
			sample, err := svc.Record(ctx, projectID, validInput(base.Add(time.Duration(off)*time.Second)))
			if err != nil {
				rt.Fatalf("Record: %v", err)
			}
			if off < 100 {
				want[sample.ID] = true
			}
		}
		seen := make(map[int64]int)
		r := domain.TimeRange{From: base, To: base.Add(100 * time.Second)}
		err := svc.Iterate(ctx, projectID, r, func(s domain.MetricSample) error {
			seen[s.ID]++
			return nil
		})
		if err != nil {
			rt.Fatalf("Iterate: %v", err)
		}
		if len(seen) != len(want) {
			rt.Fatalf("expected %d samples, saw %d", len(want), len(seen))
		}
		for id, n := range seen {
			if n != 1 || !want[id] {
				rt.Fatalf("sample %d seen %d times (expected=%v)", id, n, want[id])
			}
		}
	})
}

func TestListRecentNewestFirst(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.Record(ctx, projectID, validInput(testNow.Add(-time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	rows, err := svc.ListRecent(ctx, projectID, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(rows) != 2 || !rows[0].Timestamp.Equal(testNow) {
		t.Fatalf("unexpected recent rows: %+v", rows)
	}
}

func repositoryCursor(nanos, id int64) repository.SampleCursor {
	return repository.SampleCursor{Timestamp: time.Unix(0, nanos).UTC(), ID: id}
}

package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/splax/pulse/internal/domain"
	"github.com/splax/pulse/internal/service/metrics"
)

const defaultRawRangeSpan = 24 * time.Hour

// handleRawMetrics lists raw samples. Without from, to or cursor it returns
// the newest samples first; otherwise it pages the range in ascending order
// and hands the continuation cursor back in X-Next-Cursor.
func (r *Router) handleRawMetrics(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	rawFrom := strings.TrimSpace(query.Get("from"))
	rawTo := strings.TrimSpace(query.Get("to"))
	cursor := metrics.Cursor(strings.TrimSpace(query.Get("cursor")))

	if rawFrom == "" && rawTo == "" && cursor == "" {
		limit, ok := intParam(req, "limit", r.rawLimit)
		if !ok || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		samples, err := r.metrics.ListRecent(req.Context(), projectID, limit)
		if err != nil {
			writeAppError(w, r.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toSampleViews(samples))
		return
	}

	limit, ok := intParam(req, "limit", 0)
	if !ok || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	from, to, ok := parseRange(rawFrom, rawTo)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid datetime format")
		return
	}
	if to.IsZero() {
		to = r.now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultRawRangeSpan)
	}
	page, err := r.metrics.Query(req.Context(), projectID, domain.TimeRange{From: from, To: to}, cursor, limit)
	if err != nil {
		writeAppError(w, r.logger, err)
		return
	}
	if page.Next != nil {
		w.Header().Set("X-Next-Cursor", string(*page.Next))
	}
	writeJSON(w, http.StatusOK, toSampleViews(page.Samples))
}

// handleAggregatedMetrics returns one entry per bucket in the window. The
// default window is the last aggregateWindow buckets up to and including the
// current one.
func (r *Router) handleAggregatedMetrics(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	bucket := strings.TrimSpace(query.Get("bucket"))
	if bucket == "" {
		bucket = string(domain.Granularity1m)
	}
	g, err := domain.ParseGranularity(bucket)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid bucket value")
		return
	}
	from, to, ok := parseRange(query.Get("from"), query.Get("to"))
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid datetime format")
		return
	}
	span := time.Duration(r.aggregateWindow) * g.Duration()
	if to.IsZero() {
		to = g.Truncate(r.now()).Add(g.Duration())
	}
	if from.IsZero() {
		from = to.Add(-span)
	}
	buckets, err := r.aggregates.Aggregate(req.Context(), projectID, g, domain.TimeRange{From: from, To: to})
	if err != nil {
		writeAppError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBucketViews(buckets))
}

// parseRange reads optional from/to bounds; zero values mean absent.
func parseRange(rawFrom, rawTo string) (from, to time.Time, ok bool) {
	if v := strings.TrimSpace(rawFrom); v != "" {
		if from, ok = parseTimestamp(v); !ok {
			return time.Time{}, time.Time{}, false
		}
	}
	if v := strings.TrimSpace(rawTo); v != "" {
		if to, ok = parseTimestamp(v); !ok {
			return time.Time{}, time.Time{}, false
		}
	}
	return from, to, true
}

package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/pulse/internal/service/metrics"
)

type ingestPayload struct {
	Endpoint          *string  `json:"endpoint"`
	Method            *string  `json:"method"`
	StatusCode        *int     `json:"status_code"`
	LatencyMS         *float64 `json:"latency_ms"`
	ResponseSizeBytes *int64   `json:"response_size_bytes"`
	Timestamp         *string  `json:"timestamp"`
}

// missing names the first required field absent from the payload.
func (p ingestPayload) missing() string {
	switch {
	case p.Endpoint == nil:
		return "endpoint"
	case p.StatusCode == nil:
		return "status_code"
	case p.LatencyMS == nil:
		return "latency_ms"
	case p.Timestamp == nil:
		return "timestamp"
	}
	return ""
}

func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	project, ok := projectFromContext(req.Context())
	if !ok {
		r.logger.Error("project context missing for ingest", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload ingestPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if field := payload.missing(); field != "" {
		writeError(w, http.StatusBadRequest, "Missing field: "+field)
		return
	}
	ts, ok := parseTimestamp(*payload.Timestamp)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid timestamp format")
		return
	}
	input := metrics.SampleInput{
		Endpoint:   *payload.Endpoint,
		StatusCode: *payload.StatusCode,
		LatencyMS:  *payload.LatencyMS,
		Timestamp:  ts,
	}
	if payload.Method != nil {
		input.Method = *payload.Method
	}
	if payload.ResponseSizeBytes != nil {
		input.ResponseSizeBytes = *payload.ResponseSizeBytes
	}
	if _, err := r.metrics.Record(req.Context(), project.ID, input); err != nil {
		writeAppError(w, r.logger, err)
		return
	}
	r.recordIngest()
	w.WriteHeader(http.StatusNoContent)
}

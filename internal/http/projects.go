package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/splax/pulse/internal/service/alerting"
	"github.com/splax/pulse/internal/service/policy"
	"github.com/splax/pulse/internal/service/project"
	"github.com/splax/pulse/internal/ws"
)

func (r *Router) handleProjectCreate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := r.projects.Create(req.Context(), project.CreateInput{Name: payload.Name, Email: payload.Email})
	if err != nil {
		writeAppError(w, r.logger, err)
		return
	}
	p := created.Project
	writeJSON(w, http.StatusCreated, createdProjectView{
		ID:        p.ID,
		ProjectID: p.ID,
		APIKey:    created.APIKey,
		Name:      p.Name,
		Email:     p.Email,
		CreatedAt: formatTime(p.CreatedAt),
	})
}

// handleProjects serves /api/projects/ and everything scoped below a
// project id.
func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/projects/"), "/")
	if trimmed == "" {
		r.handleProjectList(w, req)
		return
	}
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	p, err := r.projects.Get(req.Context(), projectID)
	if err != nil {
		writeAppError(w, r.logger, err)
		return
	}
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, toProjectView(*p))
	case len(parts) == 2 && parts[1] == "policies":
		r.handlePolicies(w, req, projectID)
	case len(parts) == 3 && parts[1] == "policies":
		r.handlePolicyUpdate(w, req, projectID, parts[2])
	case len(parts) == 2 && parts[1] == "alerts":
		r.handleAlerts(w, req, projectID)
	case len(parts) == 3 && parts[1] == "alerts" && parts[2] == "stream":
		r.handleAlertStream(w, req, projectID)
	case len(parts) == 2 && parts[1] == "metrics":
		r.handleRawMetrics(w, req, projectID)
	case len(parts) == 3 && parts[1] == "metrics" && parts[2] == "aggregated":
		r.handleAggregatedMetrics(w, req, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProjectList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projects, err := r.projects.List(req.Context())
	if err != nil {
		writeAppError(w, r.logger, err)
		return
	}
	views := make([]projectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, toProjectView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handlePolicies(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		policies, err := r.policies.List(req.Context(), projectID)
		if err != nil {
			writeAppError(w, r.logger, err)
			return
		}
		views := make([]policyView, 0, len(policies))
		for _, p := range policies {
			views = append(views, toPolicyView(p))
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		if !r.admit(w, "policy_create", "write:"+clientIP(req), rateLimitWrite, rateWindowDefault) {
			return
		}
		var payload struct {
			Name            string   `json:"name"`
			Metric          string   `json:"metric"`
			Comparison      string   `json:"comparison"`
			Threshold       *float64 `json:"threshold"`
			Severity        string   `json:"severity"`
			CooldownMinutes *int     `json:"cooldown_minutes"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.Threshold == nil {
			writeError(w, http.StatusBadRequest, "threshold is required")
			return
		}
		created, err := r.policies.Create(req.Context(), projectID, policy.Input{
			Name:            payload.Name,
			Metric:          payload.Metric,
			Comparison:      payload.Comparison,
			Threshold:       *payload.Threshold,
			Severity:        payload.Severity,
			CooldownMinutes: payload.CooldownMinutes,
		})
		if err != nil {
			writeAppError(w, r.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toPolicyView(*created))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handlePolicyUpdate(w http.ResponseWriter, req *http.Request, projectID, rawID string) {
	if req.Method != http.MethodPatch {
		r.methodNotAllowed(w)
		return
	}
	policyID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || policyID <= 0 {
		r.notFound(w)
		return
	}
	var payload struct {
		IsActive *bool `json:"is_active"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.IsActive == nil {
		writeError(w, http.StatusBadRequest, "is_active is required")
		return
	}
	updated, err := r.policies.SetActive(req.Context(), projectID, policyID, *payload.IsActive)
	if err != nil {
		writeAppError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyView(*updated))
}

func (r *Router) handleAlerts(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, ok := intParam(req, "limit", defaultAlertsLimit)
	if !ok || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxAlertsLimit {
		limit = maxAlertsLimit
	}
	alerts, err := r.alerts.ListAlerts(req.Context(), projectID, limit)
	if err != nil {
		writeAppError(w, r.logger, err)
		return
	}
	views := make([]alerting.AlertJSON, 0, len(alerts))
	for _, a := range alerts {
		views = append(views, alerting.AlertToJSON(a))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleAlertStream pushes new alerts of a project as server-sent events.
func (r *Router) handleAlertStream(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := r.hub.Subscribe(projectID)
	client := ws.NewSSEClient(w, flusher, "alert", r.logger)
	if err := ws.Serve(req.Context(), sub, client, r.heartbeat); err != nil {
		r.logger.Debug("alert stream closed", "project_id", projectID, "error", err)
	}
}

// handleAlertsWS is the websocket flavour of the alert stream.
func (r *Router) handleAlertsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID := strings.TrimSpace(req.URL.Query().Get("project_id"))
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	if _, err := r.projects.Get(req.Context(), projectID); err != nil {
		writeAppError(w, r.logger, err)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	sub := r.hub.Subscribe(projectID)
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go func() {
		client.DiscardReads()
		cancel()
	}()
	if err := ws.Serve(ctx, sub, client, r.heartbeat); err != nil {
		r.logger.Debug("alert websocket closed", "project_id", projectID, "error", err)
	}
}

// intParam parses an optional integer query parameter.
func intParam(req *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(req.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

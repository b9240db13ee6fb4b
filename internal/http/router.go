package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/splax/pulse/internal/domain"
	"github.com/splax/pulse/internal/service/aggregate"
	"github.com/splax/pulse/internal/service/metrics"
	"github.com/splax/pulse/internal/service/policy"
	"github.com/splax/pulse/internal/service/project"
	"github.com/splax/pulse/internal/ws"
)

// AlertLister reads the alert history of a project.
type AlertLister interface {
	ListAlerts(ctx context.Context, projectID string, limit int) ([]domain.Alert, error)
}

// Services groups the domain services exposed over HTTP.
type Services struct {
	Projects   project.Service
	Metrics    *metrics.Service
	Aggregates *aggregate.Aggregator
	Policies   *policy.Service
	Alerts     AlertLister
	Hub        *ws.Hub
}

// Options tunes limits and probes of the router.
type Options struct {
	Limiter         RateLimiter
	DBHealth        func(context.Context) error
	CacheHealth     func(context.Context) error
	Registerer      prometheus.Registerer
	Gatherer        prometheus.Gatherer
	IngestRateLimit int
	RawMetricsLimit int
	AggregateWindow int
	Heartbeat       time.Duration
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	projects   project.Service
	metrics    *metrics.Service
	aggregates *aggregate.Aggregator
	policies   *policy.Service
	alerts     AlertLister
	hub        *ws.Hub
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	gatherer   prometheus.Gatherer

	dbHealth        func(context.Context) error
	cacheHealth     func(context.Context) error
	ingestLimit     int
	rawLimit        int
	aggregateWindow int
	heartbeat       time.Duration
	now             func() time.Time

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	samplesIngested    prometheus.Counter
}

const (
	rateWindowDefault      = time.Minute
	rateWindowRealtime     = 30 * time.Second
	rateLimitProjectCreate = 10
	rateLimitRead          = 240
	rateLimitWrite         = 60
	rateLimitRealtime      = 30
	defaultIngestRateLimit = 6000
	defaultRawMetricsLimit = 100
	defaultAggregateWindow = 60
	defaultAlertsLimit     = 100
	maxAlertsLimit         = 1000
	maxBodyBytes           = 64 << 10
	healthCheckTimeout     = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc Services, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		projects:   svc.Projects,
		metrics:    svc.Metrics,
		aggregates: svc.Aggregates,
		policies:   svc.Policies,
		alerts:     svc.Alerts,
		hub:        svc.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:         opts.Limiter,
		gatherer:        opts.Gatherer,
		dbHealth:        opts.DBHealth,
		cacheHealth:     opts.CacheHealth,
		ingestLimit:     opts.IngestRateLimit,
		rawLimit:        opts.RawMetricsLimit,
		aggregateWindow: opts.AggregateWindow,
		heartbeat:       opts.Heartbeat,
		now:             time.Now,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.ingestLimit == 0 {
		r.ingestLimit = defaultIngestRateLimit
	}
	if r.rawLimit <= 0 {
		r.rawLimit = defaultRawMetricsLimit
	}
	if r.aggregateWindow <= 0 {
		r.aggregateWindow = defaultAggregateWindow
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r.initMetrics(reg)
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/api/projects/create/", r.audit("/api/projects/create/", r.withRateLimit("project_create", rateLimitProjectCreate, rateWindowDefault, rateLimitKeyIP, r.handleProjectCreate)))
	r.mux.HandleFunc("/api/projects/", r.audit("/api/projects/", r.withRateLimit("projects", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleProjects)))
	r.mux.HandleFunc("/api/ingest/", r.audit("/api/ingest/", r.requireAPIKey(r.withRateLimit("ingest", r.ingestLimit, rateWindowDefault, rateLimitKeyProject, r.handleIngest))))
	r.mux.HandleFunc("/ws/alerts", r.audit("/ws/alerts", r.withRateLimit("ws_alerts", rateLimitRealtime, rateWindowRealtime, rateLimitKeyIP, r.handleAlertsWS)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	probe := func(name string, check func(context.Context) error, critical bool) {
		if check == nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := check(ctx); err != nil {
			if critical {
				status = "degraded"
			}
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	probe("database", r.dbHealth, true)
	probe("cache", r.cacheHealth, false)
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  r.now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if project, ok := projectFromContext(ctx); ok {
			actor = "project"
			fields = append(fields, "project_id", project.ID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		case route == "/api/ingest/":
			r.logger.Debug("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(max(decision.remaining, 0)))
	if !decision.reset.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.reset.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

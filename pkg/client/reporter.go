package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultQueueSize  = 1024
	defaultWorkers    = 2
	defaultAttempts   = 3
	defaultRetryBase  = 200 * time.Millisecond
	defaultReportWait = 5 * time.Second
)

// ReporterOptions tunes background delivery.
type ReporterOptions struct {
	QueueSize int
	Workers   int
	Attempts  int
	RetryBase time.Duration
	Logger    *slog.Logger
}

// Reporter ships samples to the ingest endpoint in the background. Samples
// are dropped, not blocked on, when the queue is full.
type Reporter struct {
	client   *Client
	apiKey   string
	queue    chan Sample
	logger   *slog.Logger
	attempts uint64
	base     time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	sent    atomic.Int64
	dropped atomic.Int64
}

// NewReporter starts the delivery workers.
func NewReporter(c *Client, apiKey string, opts ReporterOptions) (*Reporter, error) {
	if c == nil {
		return nil, errors.New("reporter requires a client")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("reporter requires an api key")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Reporter{
		client:   c,
		apiKey:   apiKey,
		queue:    make(chan Sample, opts.QueueSize),
		logger:   opts.Logger.With("component", "pulse_reporter"),
		attempts: uint64(opts.Attempts),
		base:     opts.RetryBase,
		now:      time.Now,
	}
	r.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go r.work()
	}
	return r, nil
}

// Report queues a sample. It returns false when the sample was dropped.
func (r *Reporter) Report(sample Sample) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return false
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = r.now()
	}
	select {
	case r.queue <- sample:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Stats returns delivered and dropped sample counts.
func (r *Reporter) Stats() (sent, dropped int64) {
	return r.sent.Load(), r.dropped.Load()
}

// Close stops accepting samples and waits for the queue to drain or ctx to
// end.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reporter) work() {
	defer r.wg.Done()
	for sample := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), defaultReportWait)
		if err := r.send(ctx, sample); err != nil {
			r.dropped.Add(1)
			r.logger.Warn("sample delivery failed", "endpoint", sample.Endpoint, "error", err)
		} else {
			r.sent.Add(1)
		}
		cancel()
	}
}

func (r *Reporter) send(ctx context.Context, sample Sample) error {
	backoff := retry.WithMaxRetries(r.attempts-1, retry.NewExponential(r.base))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := r.client.Ingest(ctx, r.apiKey, sample)
		if err == nil {
			return nil
		}
		var apiErr APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return err
		}
		return retry.RetryableError(err)
	})
}

// Middleware reports one sample per request served by next.
func (r *Reporter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := r.now()
		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, req)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		r.Report(Sample{
			Endpoint:          req.URL.Path,
			Method:            req.Method,
			StatusCode:        status,
			LatencyMS:         float64(r.now().Sub(start).Microseconds()) / 1000,
			ResponseSizeBytes: rec.bytes,
			Timestamp:         start,
		})
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += int64(n)
	return n, err
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

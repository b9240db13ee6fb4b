package httpx

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter admits at most limit requests per key over window.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed    bool
	remaining  int
	reset      time.Time
	retryAfter time.Duration
}

// memoryRateLimiter keeps one token bucket per key. A bucket holds limit
// tokens and refills at limit per window.
type memoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*keyBucket
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

type keyBucket struct {
	limiter *rate.Limiter
	idle    time.Duration
	seen    time.Time
}

// NewMemoryRateLimiter returns a process-local limiter.
func NewMemoryRateLimiter() RateLimiter {
	rl := newMemoryRateLimiter(time.Now)
	go rl.sweepLoop()
	return rl
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{
		buckets: make(map[string]*keyBucket),
		now:     now,
		stopCh:  make(chan struct{}),
	}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	refill := rate.Every(window / time.Duration(limit))

	rl.mu.Lock()
	bucket, ok := rl.buckets[key]
	if !ok || bucket.limiter.Burst() != limit || bucket.limiter.Limit() != refill {
		bucket = &keyBucket{limiter: rate.NewLimiter(refill, limit), idle: window}
		rl.buckets[key] = bucket
	}
	bucket.seen = now
	rl.mu.Unlock()

	allowed := bucket.limiter.AllowN(now, 1)
	tokens := bucket.limiter.TokensAt(now)
	decision := rateDecision{
		allowed:   allowed,
		remaining: int(math.Max(0, math.Floor(tokens))),
		reset:     now.Add(refillTime(float64(limit)-tokens, refill)),
	}
	if !allowed {
		decision.retryAfter = refillTime(1-tokens, refill)
	}
	return decision
}

func refillTime(tokens float64, per rate.Limit) time.Duration {
	if tokens <= 0 || per <= 0 {
		return 0
	}
	return time.Duration(tokens / float64(per) * float64(time.Second))
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup drops buckets idle long enough to have refilled completely.
func (rl *memoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, bucket := range rl.buckets {
		if now.Sub(bucket.seen) > bucket.idle {
			delete(rl.buckets, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}

func (r *Router) withRateLimit(route string, limit int, window time.Duration, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		key := keyFn(req)
		if key == "" {
			key = rateLimitKeyIP(req)
		}
		if !r.admit(w, route, key, limit, window) {
			return
		}
		next(w, req)
	}
}

// admit charges one request against key and writes the 429 response when the
// key is over its limit.
func (r *Router) admit(w http.ResponseWriter, route, key string, limit int, window time.Duration) bool {
	if limit <= 0 || r.limiter == nil {
		return true
	}
	decision := r.limiter.Allow(key, limit, window)
	r.applyRateHeaders(w, limit, decision)
	if decision.allowed {
		return true
	}
	if decision.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.retryAfter.Seconds()))))
	}
	r.recordRateLimitHit(route, rateMetricKey(key))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// rateLimitKeyProject keys ingest traffic by the authenticated project.
func rateLimitKeyProject(req *http.Request) string {
	if project, ok := projectFromContext(req.Context()); ok {
		return "project:" + project.ID
	}
	return ""
}

func rateLimitKeyIP(req *http.Request) string {
	host := clientIP(req)
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

func rateMetricKey(key string) string {
	if key == "" {
		return "unknown"
	}
	if idx := strings.IndexRune(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/splax/pulse/internal/app/migrate"
	httpx "github.com/splax/pulse/internal/http"
	"github.com/splax/pulse/internal/notify"
	"github.com/splax/pulse/internal/repository"
	"github.com/splax/pulse/internal/repository/memory"
	"github.com/splax/pulse/internal/repository/postgres"
	"github.com/splax/pulse/internal/service/aggregate"
	"github.com/splax/pulse/internal/service/alerting"
	"github.com/splax/pulse/internal/service/metrics"
	"github.com/splax/pulse/internal/service/policy"
	"github.com/splax/pulse/internal/service/project"
	"github.com/splax/pulse/internal/service/retention"
	"github.com/splax/pulse/internal/ws"
	"github.com/splax/pulse/pkg/config"
	"github.com/splax/pulse/pkg/logger"
)

const memoryDatabaseURL = "memory://"

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store    repository.Store
		dbHealth func(context.Context) error
	)
	if strings.HasPrefix(cfg.DatabaseURL, memoryDatabaseURL) {
		log.Warn("using in-memory store; data is lost on restart")
		store = memory.New()
	} else {
		pool, err := openPool(ctx, cfg)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		runner, err := migrate.New(pool, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if cfg.AutoMigrate {
			if err := runner.Ensure(ctx); err != nil {
				log.Error("migrations failed", "error", err)
				os.Exit(1)
			}
		}
		runner.Close()
		store = postgres.New(pool)
		dbHealth = pool.Ping
	}

	var (
		cache       aggregate.BucketCache = aggregate.NewMemoryCache(0)
		cacheHealth func(context.Context) error
	)
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisCache, err := aggregate.NewRedisCache(addr, cfg.RedisPassword, cfg.RedisDB, cfg.BucketCacheTTL, log)
		if err != nil {
			log.Warn("redis bucket cache unavailable, using memory cache", "error", err)
		} else {
			defer redisCache.Close()
			cache = redisCache
			cacheHealth = redisCache.Ping
		}
	}

	projectSvc := project.New(store, log)
	metricSvc := metrics.New(store, store, cache, log, metrics.Options{
		ClockSkew: cfg.ClockSkewTolerance,
		PageSize:  cfg.SamplePageSize,
	})
	aggregator := aggregate.New(metricSvc, cache, log)
	policySvc := policy.New(store, store, log)
	hub := ws.NewHub(0, log)
	defer hub.Close()

	listeners := []alerting.Listener{alerting.NewStreamListener(hub, log)}
	notifier := notify.NewEmailNotifier(notify.EmailConfig{
		Addr:      cfg.SMTPAddr,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		PerMinute: cfg.NotifyPerMinute,
	}, store, log)
	if notifier != nil {
		listeners = append(listeners, notifier)
		defer notifier.Wait()
	}

	evaluator := alerting.NewEvaluator(policySvc, aggregator, store, log, alerting.Options{
		Concurrency:   cfg.PolicyConcurrency,
		RetryAttempts: cfg.StoreRetryAttempts,
		RetryBase:     cfg.StoreRetryBase,
	}, listeners...)
	scheduler := alerting.NewScheduler(projectSvc, evaluator, log, alerting.SchedulerOptions{
		Interval:    cfg.EvaluationInterval,
		Timeout:     cfg.EvaluationTimeout,
		Concurrency: cfg.EvaluationConcurrency,
	})
	cleaner := retention.New(store, log, time.Duration(cfg.RetentionDays)*24*time.Hour, cfg.RetentionInterval)

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		cleaner.Run(ctx)
	}()

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Services{
		Projects:   projectSvc,
		Metrics:    metricSvc,
		Aggregates: aggregator,
		Policies:   policySvc,
		Alerts:     store,
		Hub:        hub,
	}, httpx.Options{
		Limiter:         limiter,
		DBHealth:        dbHealth,
		CacheHealth:     cacheHealth,
		IngestRateLimit: cfg.IngestRateLimit,
		RawMetricsLimit: cfg.RawMetricsLimit,
		AggregateWindow: cfg.AggregateWindow,
		Heartbeat:       cfg.SSEHeartbeat,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		workers.Wait()
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func openPool(ctx context.Context, cfg config.APIConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.StoreTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.StoreTimeout
	}
	return pgxpool.NewWithConfig(ctx, poolCfg)
}

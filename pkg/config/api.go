package config

import "time"

// APIConfig holds runtime configuration for the pulse API service.
type APIConfig struct {
	Environment           string
	Addr                  string
	LogLevel              string
	DatabaseURL           string
	MigrationsDir         string
	AutoMigrate           bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RateLimitRedisAddr    string
	RateLimitRedisPass    string
	RateLimitRedisDB      int
	StoreTimeout          time.Duration
	ClockSkewTolerance    time.Duration
	SamplePageSize        int
	RawMetricsLimit       int
	AggregateWindow       int
	BucketCacheTTL        time.Duration
	EvaluationInterval    time.Duration
	EvaluationTimeout     time.Duration
	EvaluationConcurrency int
	PolicyConcurrency     int
	StoreRetryAttempts    int
	StoreRetryBase        time.Duration
	RetentionDays         int
	RetentionInterval     time.Duration
	SMTPAddr              string
	SMTPUsername          string
	SMTPPassword          string
	SMTPFrom              string
	NotifyPerMinute       int
	SSEHeartbeat          time.Duration
	IngestRateLimit       int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	redisAddr := GetString("REDIS_ADDR", "")
	return APIConfig{
		Environment:           GetString("APP_ENV", "development"),
		Addr:                  GetString("API_ADDR", ":8000"),
		LogLevel:              GetString("LOG_LEVEL", "info"),
		DatabaseURL:           GetString("DATABASE_URL", "postgres://pulse:pulse@db:5432/pulse?sslmode=disable"),
		MigrationsDir:         GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		AutoMigrate:           GetBool("DB_AUTO_MIGRATE", true),
		RedisAddr:             redisAddr,
		RedisPassword:         GetString("REDIS_PASSWORD", ""),
		RedisDB:               GetInt("REDIS_DB", 0),
		RateLimitRedisAddr:    GetString("RATE_LIMIT_REDIS_ADDR", redisAddr),
		RateLimitRedisPass:    GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:      GetInt("RATE_LIMIT_REDIS_DB", 0),
		StoreTimeout:          GetSeconds("STORE_TIMEOUT_SECONDS", 5),
		ClockSkewTolerance:    GetSeconds("METRIC_CLOCK_SKEW_SECONDS", 300),
		SamplePageSize:        GetInt("METRIC_PAGE_SIZE", 500),
		RawMetricsLimit:       GetInt("METRIC_RAW_LIMIT", 100),
		AggregateWindow:       GetInt("AGGREGATE_DEFAULT_BUCKETS", 60),
		BucketCacheTTL:        time.Duration(GetInt("BUCKET_CACHE_TTL_HOURS", 24)) * time.Hour,
		EvaluationInterval:    GetSeconds("EVALUATION_INTERVAL_SECONDS", 60),
		EvaluationTimeout:     GetSeconds("EVALUATION_TIMEOUT_SECONDS", 30),
		EvaluationConcurrency: GetInt("EVALUATION_CONCURRENCY", 8),
		PolicyConcurrency:     GetInt("POLICY_CONCURRENCY", 4),
		StoreRetryAttempts:    GetInt("STORE_RETRY_ATTEMPTS", 3),
		StoreRetryBase:        time.Duration(GetInt("STORE_RETRY_BASE_MS", 100)) * time.Millisecond,
		RetentionDays:         GetInt("METRIC_RETENTION_DAYS", 7),
		RetentionInterval:     time.Duration(GetInt("METRIC_RETENTION_INTERVAL_HOURS", 24)) * time.Hour,
		SMTPAddr:              GetString("SMTP_ADDR", ""),
		SMTPUsername:          GetString("SMTP_USERNAME", ""),
		SMTPPassword:          GetString("SMTP_PASSWORD", ""),
		SMTPFrom:              GetString("SMTP_FROM", "alerts@pulse.local"),
		NotifyPerMinute:       GetInt("NOTIFY_PER_MINUTE", 30),
		SSEHeartbeat:          GetSeconds("SSE_HEARTBEAT_SECONDS", 15),
		IngestRateLimit:       GetInt("INGEST_RATE_LIMIT_PER_MINUTE", 6000),
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadAPIConfigDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	cfg := LoadAPIConfig()
	if cfg.ClockSkewTolerance != 5*time.Minute {
		t.Fatalf("expected 5m clock skew tolerance, got %s", cfg.ClockSkewTolerance)
	}
	if cfg.RetentionDays != 7 {
		t.Fatalf("expected 7 retention days, got %d", cfg.RetentionDays)
	}
	if cfg.EvaluationInterval != time.Minute {
		t.Fatalf("expected 1m evaluation interval, got %s", cfg.EvaluationInterval)
	}
}

func TestRateLimitRedisFallsBackToSharedRedis(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache:6379")
	cfg := LoadAPIConfig()
	if cfg.RateLimitRedisAddr != "cache:6379" {
		t.Fatalf("expected rate limiter to reuse REDIS_ADDR, got %q", cfg.RateLimitRedisAddr)
	}
}

func TestGetIntInvalidReturnsFallback(t *testing.T) {
	t.Setenv("PULSE_TEST_INT", "abc")
	if got := GetInt("PULSE_TEST_INT", 42); got != 42 {
		t.Fatalf("expected fallback 42, got %d", got)
	}
	t.Setenv("PULSE_TEST_INT", " 7 ")
	if got := GetInt("PULSE_TEST_INT", 42); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

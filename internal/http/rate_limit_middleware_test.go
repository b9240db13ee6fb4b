package httpx

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestMemoryRateLimiterRefillsPerWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := newMemoryRateLimiter(clock.now)

	first := rl.Allow("ip:1", 3, 3*time.Second)
	if !first.allowed || first.remaining != 2 {
		t.Fatalf("unexpected first decision %+v", first)
	}
	if want := clock.t.Add(time.Second); !first.reset.Equal(want) {
		t.Fatalf("expected reset %v, got %v", want, first.reset)
	}
	rl.Allow("ip:1", 3, 3*time.Second)
	third := rl.Allow("ip:1", 3, 3*time.Second)
	if !third.allowed || third.remaining != 0 {
		t.Fatalf("unexpected third decision %+v", third)
	}

	denied := rl.Allow("ip:1", 3, 3*time.Second)
	if denied.allowed {
		t.Fatal("expected fourth request to be rejected")
	}
	if denied.retryAfter != time.Second {
		t.Fatalf("expected retry after 1s, got %v", denied.retryAfter)
	}

	if other := rl.Allow("ip:2", 3, 3*time.Second); !other.allowed {
		t.Fatal("expected independent key to be admitted")
	}

	clock.t = clock.t.Add(time.Second)
	if again := rl.Allow("ip:1", 3, 3*time.Second); !again.allowed {
		t.Fatal("expected a refilled token after one interval")
	}
}

func TestMemoryRateLimiterDisabledLimit(t *testing.T) {
	rl := newMemoryRateLimiter(time.Now)
	for i := 0; i < 10; i++ {
		if !rl.Allow("k", 0, time.Minute).allowed {
			t.Fatal("expected zero limit to admit everything")
		}
	}
}

func TestMemoryRateLimiterCleanupDropsIdleBuckets(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := newMemoryRateLimiter(clock.now)
	rl.Allow("busy", 5, time.Minute)
	rl.Allow("idle", 5, time.Minute)

	clock.t = clock.t.Add(30 * time.Second)
	rl.Allow("busy", 5, time.Minute)
	rl.cleanup(clock.t.Add(45 * time.Second))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.buckets["idle"]; ok {
		t.Fatal("expected idle bucket to be swept")
	}
	if _, ok := rl.buckets["busy"]; !ok {
		t.Fatal("expected recently used bucket to survive")
	}
}

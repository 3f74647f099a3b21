package security

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, cfg RateLimiterConfig) (*RateLimiter, *time.Time) {
	t.Helper()
	rl := NewRateLimiter(cfg)
	t.Cleanup(rl.Stop)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 5})
	defer rl.Stop()

	if rl.config.Burst != 10 {
		t.Errorf("Burst = %d, want 10", rl.config.Burst)
	}
	if rl.config.MaxEntries != DefaultMaxLimiterEntries {
		t.Errorf("MaxEntries = %d, want %d", rl.config.MaxEntries, DefaultMaxLimiterEntries)
	}
	if rl.config.IdleTimeout != DefaultLimiterIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", rl.config.IdleTimeout, DefaultLimiterIdleTimeout)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, now := newTestLimiter(t, RateLimiterConfig{Rate: 1, Burst: 3})

	for i := range 3 {
		if !rl.Allow("10.0.0.1") {
			t.Errorf("request %d rejected within burst", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request beyond burst allowed")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other key shares the bucket")
	}

	*now = now.Add(time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("token not refilled after one second")
	}
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimiterConfig{Rate: 2, Burst: 1})

	if d := rl.RetryAfter("k"); d != 0 {
		t.Errorf("RetryAfter() on fresh key = %v, want 0", d)
	}
	if !rl.Allow("k") {
		t.Fatal("first request rejected")
	}
	if d := rl.RetryAfter("k"); d != 500*time.Millisecond {
		t.Errorf("RetryAfter() = %v, want 500ms", d)
	}
	// RetryAfter must not consume a token.
	if d := rl.RetryAfter("k"); d != 500*time.Millisecond {
		t.Errorf("second RetryAfter() = %v, want 500ms", d)
	}
}

func TestRateLimiter_Eviction(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimiterConfig{Rate: 1, Burst: 1, MaxEntries: 3})

	for i := range 5 {
		rl.Allow(fmt.Sprintf("key-%d", i))
	}
	if rl.Len() != 3 {
		t.Errorf("Len() = %d, want 3", rl.Len())
	}
	if rl.Evictions() != 2 {
		t.Errorf("Evictions() = %d, want 2", rl.Evictions())
	}
	// key-0 was evicted and starts with a full bucket again.
	if !rl.Allow("key-0") {
		t.Error("evicted key should get a fresh bucket")
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl, now := newTestLimiter(t, RateLimiterConfig{Rate: 1, IdleTimeout: time.Minute})

	rl.Allow("old")
	*now = now.Add(45 * time.Second)
	rl.Allow("recent")
	*now = now.Add(30 * time.Second)

	if removed := rl.Sweep(); removed != 1 {
		t.Errorf("Sweep() removed %d, want 1", removed)
	}
	if rl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", rl.Len())
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1000, Burst: 100, MaxEntries: 10})
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := range 50 {
				rl.Allow(fmt.Sprintf("k-%d", (n+j)%15))
			}
		}(i)
	}
	wg.Wait()

	if rl.Len() > 10 {
		t.Errorf("Len() = %d, exceeds MaxEntries", rl.Len())
	}
	rl.Stop()
}

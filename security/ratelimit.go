package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limiter defaults.
const (
	DefaultMaxLimiterEntries  = 10000
	DefaultLimiterIdleTimeout = 30 * time.Minute
	DefaultLimiterCleanup     = 5 * time.Minute
)

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// Rate is the sustained requests per second allowed per key.
	Rate float64

	// Burst is the bucket size per key. Defaults to twice Rate.
	Burst int

	// MaxEntries bounds the number of keys tracked. The least recently seen
	// key is evicted when the bound is reached. Default 10,000.
	MaxEntries int

	// IdleTimeout removes keys not seen for this long. Default 30 minutes.
	IdleTimeout time.Duration

	// CleanupInterval is how often idle keys are swept. Default 5 minutes.
	CleanupInterval time.Duration

	Logger *slog.Logger
}

type limiterEntry struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per key, typically the client IP, in
// front of the token and revocation endpoints.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	config  RateLimiterConfig
	logger  *slog.Logger
	now     func() time.Time

	evictions int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter and starts its idle sweep.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Burst <= 0 {
		config.Burst = max(1, int(config.Rate*2))
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxLimiterEntries
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultLimiterIdleTimeout
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultLimiterCleanup
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	rl := &RateLimiter{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		config:  config,
		logger:  config.Logger,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow consumes one token for key and reports whether the request may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	return rl.entry(key, now).limiter.AllowN(now, 1)
}

// RetryAfter returns how long key has to wait for its next token. Zero means
// a request would be allowed now. No token is consumed.
func (rl *RateLimiter) RetryAfter(key string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	r := rl.entry(key, now).limiter.ReserveN(now, 1)
	if !r.OK() {
		return rl.config.IdleTimeout
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return delay
}

// entry returns the limiter for key, creating it and evicting the least
// recently seen key when full. Callers hold rl.mu.
func (rl *RateLimiter) entry(key string, now time.Time) *limiterEntry {
	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		e := elem.Value.(*limiterEntry)
		e.lastSeen = now
		return e
	}

	if len(rl.entries) >= rl.config.MaxEntries {
		if oldest := rl.lru.Back(); oldest != nil {
			e := rl.lru.Remove(oldest).(*limiterEntry)
			delete(rl.entries, e.key)
			rl.evictions++
			rl.logger.Debug("Rate limiter evicted key", "entries", len(rl.entries), "evictions", rl.evictions)
		}
	}

	e := &limiterEntry{
		key:      key,
		limiter:  rate.NewLimiter(rate.Limit(rl.config.Rate), rl.config.Burst),
		lastSeen: now,
	}
	rl.entries[key] = rl.lru.PushFront(e)
	return e
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Sweep()
		case <-rl.stop:
			return
		}
	}
}

// Sweep drops keys idle for longer than the configured timeout.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.config.IdleTimeout)
	removed := 0
	// The list is ordered by recency, so stop at the first fresh entry.
	for elem := rl.lru.Back(); elem != nil; {
		e := elem.Value.(*limiterEntry)
		if !e.lastSeen.Before(cutoff) {
			break
		}
		prev := elem.Prev()
		rl.lru.Remove(elem)
		delete(rl.entries, e.key)
		removed++
		elem = prev
	}
	if removed > 0 {
		rl.logger.Debug("Rate limiter sweep", "removed", removed, "remaining", len(rl.entries))
	}
	return removed
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Evictions returns how many keys were dropped because the limiter was full.
func (rl *RateLimiter) Evictions() int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.evictions
}

// Stop ends the idle sweep. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

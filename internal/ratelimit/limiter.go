package ratelimit

import (
	"math"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Limiter applies a token-bucket limit per key (a session id or client address).
// Buckets live in a MemoryStore and are evicted once idle.
type Limiter struct {
	store *MemoryStore
	limit rate.Limit
	burst int
}

// Config holds configuration for the rate limiter.
type Config struct {
	// RequestsPerSecond is the sustained rate per key. Zero or less disables limiting.
	RequestsPerSecond float64
	// Burst is the bucket capacity; defaults to max(1, ceil(RequestsPerSecond)).
	Burst int
	// IdleTTL evicts buckets not touched for this long (default 10m).
	IdleTTL time.Duration
	// CleanupInterval is how often idle buckets are swept (default 1m).
	CleanupInterval time.Duration
}

// DefaultConfig returns the submit defaults: one stream every two seconds per key, burst 3.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 0.5, Burst: 3}
}

// NewLimiter creates a limiter. A zero rate yields a limiter that allows everything.
func NewLimiter(cfg Config) *Limiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst <= 0 {
			burst = int(math.Max(1, math.Ceil(cfg.RequestsPerSecond)))
		}
	}
	return &Limiter{
		store: NewMemoryStore(cfg.IdleTTL, cfg.CleanupInterval),
		limit: limit,
		burst: burst,
	}
}

// Enabled reports whether the limiter ever rejects.
func (l *Limiter) Enabled() bool {
	return l != nil && l.limit != rate.Inf
}

// Allow consumes one token for key. Blank keys and disabled limiters always pass.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() || strings.TrimSpace(key) == "" {
		return true
	}
	return l.store.bucket(key, l.limit, l.burst).Allow()
}

// Remaining returns the tokens currently available for key.
func (l *Limiter) Remaining(key string) float64 {
	if !l.Enabled() {
		return math.Inf(1)
	}
	return math.Max(0, l.store.bucket(key, l.limit, l.burst).Tokens())
}

// RetryAfter estimates how long until key has a token again.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.Enabled() {
		return 0
	}
	missing := 1 - l.store.bucket(key, l.limit, l.burst).Tokens()
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(l.limit) * float64(time.Second))
}

// Burst returns the bucket capacity.
func (l *Limiter) Burst() int { return l.burst }

// Reset forgets key's bucket.
func (l *Limiter) Reset(key string) {
	l.store.reset(key)
}

// Stats reports store occupancy.
func (l *Limiter) Stats() StoreStats {
	return l.store.Stats()
}

// Close stops the background cleanup.
func (l *Limiter) Close() error {
	return l.store.Close()
}

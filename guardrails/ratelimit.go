// Package guardrails protects the orchestrator from abusive request rates.
package guardrails

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/becomeliminal/nim-recall/core"
)

// Result is the outcome of a guardrails check.
type Result struct {
	// Allowed is false when the request must not reach the orchestrator.
	Allowed bool

	// RetryAfter hints when the next request would be admitted.
	RetryAfter time.Duration

	// Warning explains a rejection.
	Warning string
}

// Guardrails admits or rejects requests per user.
type Guardrails interface {
	Check(ctx context.Context, userID string) (*Result, error)
}

// Config holds rate limiter configuration.
type Config struct {
	// Limit is the number of events allowed per Window, also the burst.
	// Default: 20
	Limit int

	// Window is the refill period for Limit events.
	// Default: 1 minute
	Window time.Duration

	// IdleTTL evicts buckets of users not seen for this long.
	// Default: 10 minutes
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = Config{
	Limit:   20,
	Window:  time.Minute,
	IdleTTL: 10 * time.Minute,
}

// RateLimiter is a per-user token bucket.
type RateLimiter struct {
	config Config
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Option configures the rate limiter.
type Option func(*RateLimiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *RateLimiter) {
		r.now = now
	}
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config Config, opts ...Option) *RateLimiter {
	if config.Limit <= 0 {
		config.Limit = DefaultConfig.Limit
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig.Window
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = DefaultConfig.IdleTTL
	}

	r := &RateLimiter{
		config:  config,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lastSweep = r.now()
	return r
}

// Check takes one token from userID's bucket. A rejected request consumes
// nothing: its reservation is cancelled immediately.
func (r *RateLimiter) Check(ctx context.Context, userID string) (*Result, error) {
	if userID == "" {
		return nil, &core.ValidationError{Field: "user", Reason: "must not be empty"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := r.now()

	r.mu.Lock()
	r.evictIdle(now)
	b, ok := r.buckets[userID]
	if !ok {
		every := r.config.Window / time.Duration(r.config.Limit)
		b = &bucket{limiter: rate.NewLimiter(rate.Every(every), r.config.Limit)}
		r.buckets[userID] = b
	}
	b.lastSeen = now
	r.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return &Result{Allowed: false, Warning: "rate limit exceeded"}, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		log.Printf("[RATELIMIT] Rejected user=%s, retry in %s", userID, delay.Round(time.Millisecond))
		return &Result{
			Allowed:    false,
			RetryAfter: delay,
			Warning:    fmt.Sprintf("rate limit exceeded, retry in %s", delay.Round(time.Millisecond)),
		}, nil
	}
	return &Result{Allowed: true}, nil
}

// evictIdle drops idle buckets at most once per IdleTTL. Caller holds r.mu.
func (r *RateLimiter) evictIdle(now time.Time) {
	if now.Sub(r.lastSweep) < r.config.IdleTTL {
		return
	}
	r.lastSweep = now
	for userID, b := range r.buckets {
		if now.Sub(b.lastSeen) >= r.config.IdleTTL {
			delete(r.buckets, userID)
		}
	}
}

// Len returns the number of tracked users.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

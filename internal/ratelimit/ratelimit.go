// Package ratelimit implements a per-caller token bucket for the REST
// surface. Buckets refill lazily on each Allow call — no background
// goroutines — and buckets idle past an hour are pruned opportunistically
// so one-off callers don't accumulate forever.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a caller has exhausted their bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

const pruneAge = time.Hour

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited.
	BurstSize         int // Bucket capacity. 0 = RequestsPerMinute.
}

// Limiter is a per-caller token bucket. Each caller gets an independent
// bucket; one caller cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // Tokens per second.
	burst   float64
	ops     int // Allow calls since the last prune.
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// New creates a Limiter. With RequestsPerMinute == 0 Allow always
// succeeds.
func New(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow consumes one token from the caller's bucket, refilling it for the
// elapsed time first. Returns ErrRateLimited when the bucket is empty.
func (l *Limiter) Allow(callerID string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.maybePrune(now)

	b, ok := l.buckets[callerID]
	if !ok {
		// First request starts with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[callerID] = b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Remaining reports how many whole tokens the caller has left, for
// rate-limit response headers. Does not consume.
func (l *Limiter) Remaining(callerID string) int {
	if l.rate <= 0 {
		return -1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[callerID]
	if !ok {
		return int(l.burst)
	}
	tokens := b.tokens + time.Since(b.lastFill).Seconds()*l.rate
	if tokens > l.burst {
		tokens = l.burst
	}
	return int(tokens)
}

// maybePrune drops buckets idle past pruneAge. Runs at most once per 1024
// Allow calls; callers hold l.mu.
func (l *Limiter) maybePrune(now time.Time) {
	l.ops++
	if l.ops < 1024 {
		return
	}
	l.ops = 0
	for id, b := range l.buckets {
		if now.Sub(b.lastFill) > pruneAge {
			delete(l.buckets, id)
		}
	}
}

// Package ratelimit implements a per-credential token bucket used for
// admission control ahead of the retry controller. Each client credential
// gets an independent bucket; one caller cannot exhaust another's quota.
// Thread-safe. No background goroutines, tokens are refilled lazily on
// each Allow call.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/jkaninda/umba/internal/config"
)

// ErrRateLimited is returned when a credential has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter is a per-credential token bucket rate limiter.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter from config. A nil config or zero
// RequestsPerMinute means unlimited: Allow always succeeds.
func NewLimiter(cfg *config.RateLimitConfig) *Limiter {
	if cfg == nil {
		return &Limiter{buckets: make(map[string]*bucket)}
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow checks whether the credential has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is
// empty. Jobs already admitted are never interrupted; this gate applies
// only before the first attempt starts.
func (l *Limiter) Allow(credential string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[credential]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[credential] = b
	}

	// Refill tokens based on elapsed time.
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

// Prune drops buckets idle longer than maxIdle, bounding memory when
// credentials churn. Safe to call from a janitor goroutine.
func (l *Limiter) Prune(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for credential, b := range l.buckets {
		if b.lastFill.Before(cutoff) {
			delete(l.buckets, credential)
		}
	}
}

package security

import (
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      int     // maximum burst size
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a rate limiter that starts full.
// rate is the sustained rate (operations per second)
// burst is the maximum allowed burst (operations)
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return newRateLimiter(rate, burst, time.Now)
}

func newRateLimiter(rate float64, burst int, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: now(),
		now:        now,
	}
}

// Allow reports whether an operation may proceed and consumes a token if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefill = now

	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}

	return false
}

func (r *RateLimiter) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRefill
}

// KeyedRateLimiter keeps one token bucket per key, typically a client
// address or bearer token.
type KeyedRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	rate     float64
	burst    int
	idle     time.Duration
	now      func() time.Time
}

// NewKeyedRateLimiter creates a per-key rate limiter. Buckets unused for
// longer than idle are dropped on the next Allow call.
func NewKeyedRateLimiter(rate float64, burst int, idle time.Duration) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rate,
		burst:    burst,
		idle:     idle,
		now:      time.Now,
	}
}

// Allow checks if an operation for key is allowed.
func (k *KeyedRateLimiter) Allow(key string) bool {
	k.mu.Lock()
	now := k.now()
	if k.idle > 0 {
		for other, l := range k.limiters {
			if other != key && now.Sub(l.idleSince()) > k.idle {
				delete(k.limiters, other)
			}
		}
	}
	limiter, ok := k.limiters[key]
	if !ok {
		limiter = newRateLimiter(k.rate, k.burst, k.now)
		k.limiters[key] = limiter
	}
	k.mu.Unlock()

	return limiter.Allow()
}

// Len returns the number of tracked keys.
func (k *KeyedRateLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

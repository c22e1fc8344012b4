// ABOUTME: Per-session token-bucket rate limiting for inbound frames
// ABOUTME: Buckets are independent across sessions; check-and-consume is atomic

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter tracks one token bucket per session id. Each bucket holds capacity
// tokens and refills linearly over window. Buckets are created full on first
// use and are independent, so sessions never contend on each other's bucket.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	capacity int
	every    rate.Limit
}

// New creates a Limiter with the given bucket capacity and refill window.
func New(capacity int, window time.Duration) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		capacity: capacity,
		every:    rate.Limit(float64(capacity) / window.Seconds()),
	}
}

// Allow consumes one token from the session's bucket if available.
// Returns false when the session is out of tokens; the caller treats that as
// a distinct rate-limited outcome, not an authorization failure.
func (l *Limiter) Allow(sessionID string) bool {
	return l.allowAt(sessionID, time.Now())
}

// allowAt is the clock-explicit implementation backing Allow.
func (l *Limiter) allowAt(sessionID string, at time.Time) bool {
	return l.bucket(sessionID).AllowN(at, 1)
}

// bucket returns the session's limiter, creating a full bucket on first use.
func (l *Limiter) bucket(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[sessionID]
	if !ok {
		b = rate.NewLimiter(l.every, l.capacity)
		l.buckets[sessionID] = b
	}
	return b
}

// Remove drops the session's bucket. Idempotent; called on session teardown
// so buckets do not accumulate for the life of the process.
func (l *Limiter) Remove(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, sessionID)
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ABOUTME: Tests for per-session token buckets
// ABOUTME: Covers exhaustion, refill, cross-session independence, and removal

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_ExhaustionAndRefill(t *testing.T) {
	l := New(5, time.Minute)
	base := time.Now()

	for i := 0; i < 5; i++ {
		assert.True(t, l.allowAt("sess-1", base), "call %d should succeed", i+1)
	}
	assert.False(t, l.allowAt("sess-1", base), "6th call should be rate limited")

	// After a full refill window the bucket is back at capacity.
	later := base.Add(time.Minute)
	assert.True(t, l.allowAt("sess-1", later))
}

func TestLimiter_PartialRefill(t *testing.T) {
	l := New(5, time.Minute)
	base := time.Now()

	for i := 0; i < 5; i++ {
		l.allowAt("sess-1", base)
	}
	assert.False(t, l.allowAt("sess-1", base))

	// One fifth of the window refills one token, no more.
	oneToken := base.Add(12 * time.Second)
	assert.True(t, l.allowAt("sess-1", oneToken))
	assert.False(t, l.allowAt("sess-1", oneToken))
}

func TestLimiter_SessionsAreIndependent(t *testing.T) {
	l := New(1, time.Minute)
	base := time.Now()

	assert.True(t, l.allowAt("sess-1", base))
	assert.False(t, l.allowAt("sess-1", base))

	// sess-2 has its own full bucket.
	assert.True(t, l.allowAt("sess-2", base))
}

func TestLimiter_RemoveResetsBucket(t *testing.T) {
	l := New(1, time.Minute)
	base := time.Now()

	assert.True(t, l.allowAt("sess-1", base))
	assert.False(t, l.allowAt("sess-1", base))

	l.Remove("sess-1")
	assert.Equal(t, 0, l.Len())

	// A fresh bucket is created full.
	assert.True(t, l.allowAt("sess-1", base))
}

func TestLimiter_RemoveIsIdempotent(t *testing.T) {
	l := New(1, time.Minute)

	l.Remove("never-seen")
	l.Remove("never-seen")
	assert.Equal(t, 0, l.Len())
}

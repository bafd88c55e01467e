// Package ratelimit provides the per-agent token bucket consulted by the
// router before any SEND is processed. Denied sends are dropped silently and
// only visible in stats.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is what the router sees. The no-op implementation is selectable
// via configuration for workloads that must never drop.
type Limiter interface {
	// TryAcquire consumes one token for name, reporting whether the send
	// may proceed.
	TryAcquire(name string) bool
	// Reset drops accumulated state for name (used when an agent is
	// replaced or released).
	Reset(name string)
	// Stats returns cumulative counters.
	Stats() Stats
}

// Stats are cumulative since construction.
type Stats struct {
	Allowed uint64 `json:"allowed"`
	Denied  uint64 `json:"denied"`
	Buckets int    `json:"buckets"`
}

// TokenBucket keeps one x/time/rate limiter per agent name. Buckets start
// full, allowing an initial burst, and refill at the sustained rate.
type TokenBucket struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rate    rate.Limit
	burst   int
	allowed uint64
	denied  uint64
}

// NewTokenBucket creates a limiter with the given sustained rate (tokens per
// second) and burst capacity.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	return &TokenBucket{
		buckets: make(map[string]*rate.Limiter),
		rate:    rate.Limit(perSecond),
		burst:   burst,
	}
}

func (t *TokenBucket) TryAcquire(name string) bool {
	t.mu.Lock()
	b, ok := t.buckets[name]
	if !ok {
		b = rate.NewLimiter(t.rate, t.burst)
		t.buckets[name] = b
	}
	allowed := b.Allow()
	if allowed {
		t.allowed++
	} else {
		t.denied++
	}
	t.mu.Unlock()
	return allowed
}

func (t *TokenBucket) Reset(name string) {
	t.mu.Lock()
	delete(t.buckets, name)
	t.mu.Unlock()
}

func (t *TokenBucket) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Allowed: t.allowed, Denied: t.denied, Buckets: len(t.buckets)}
}

// Noop never denies. Selected when rate limiting is disabled.
type Noop struct{}

func (Noop) TryAcquire(string) bool { return true }
func (Noop) Reset(string)           {}
func (Noop) Stats() Stats           { return Stats{} }

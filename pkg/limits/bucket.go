// Package limits implements the abuse controls of the agent service: keyed
// token-bucket rate limiting and keyed concurrency caps. Counters are
// process-local; multi-replica deployments either shard users to a single
// replica or use the Redis-backed limiter.
package limits

import (
	"context"
	"math"
	"sync"
	"time"
)

// Rule describes one bucket class. Capacity equals the per-minute rate and
// the bucket refills at Rate/60 tokens per second.
type Rule struct {
	PerMinute int
}

func (r Rule) refillPerSec() float64 {
	return float64(r.PerMinute) / 60.0
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter int // seconds until a token is expected; >= 1 when denied
}

// Limiter is the contract shared by the in-memory and Redis stores.
type Limiter interface {
	Allow(ctx context.Context, key string, rule Rule) (Decision, error)
}

// TokenBucket holds the refill state for one key.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(refillPerSec float64, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillPerSec,
		lastRefill: time.Now(),
	}
}

// Take refills from elapsed time, then consumes one token if available.
// When denied, RetryAfter is ceil((1-tokens)/refillRate), lower-bounded at 1.
func (tb *TokenBucket) Take() Decision {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return Decision{Allowed: true}
	}

	retry := int(math.Ceil((1 - tb.tokens) / tb.refillRate))
	if retry < 1 {
		retry = 1
	}
	return Decision{Allowed: false, RetryAfter: retry}
}

// MemoryLimiter keeps one bucket per key. Buckets are never evicted; at this
// traffic class the map stays small enough that LRU eviction is not needed.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewMemoryLimiter creates an empty in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*TokenBucket)}
}

// Allow checks and consumes one token for key under rule.
func (l *MemoryLimiter) Allow(_ context.Context, key string, rule Rule) (Decision, error) {
	l.mu.Lock()
	tb, ok := l.buckets[key]
	if !ok {
		rate := rule.refillPerSec()
		if rate <= 0 {
			rate = 1
		}
		tb = NewTokenBucket(rate, rule.PerMinute)
		l.buckets[key] = tb
	}
	l.mu.Unlock()

	return tb.Take(), nil
}

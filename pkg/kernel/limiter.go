package kernel

import (
	"context"
	"math"
	"sync"
	"time"
)

// BackpressurePolicy defines per-actor request limits.
type BackpressurePolicy struct {
	RPM   int
	Burst int
}

// RatePerSecond converts RPM to the bucket refill rate.
func (p BackpressurePolicy) RatePerSecond() float64 {
	rate := float64(p.RPM) / 60.0
	if rate <= 0 {
		rate = 1
	}
	return rate
}

// Capacity is the bucket size, at least one token.
func (p BackpressurePolicy) Capacity() int {
	if p.Burst < 1 {
		return 1
	}
	return p.Burst
}

// LimitDecision is the outcome of one limiter check.
type LimitDecision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow checks if the actor may perform an action costing 'cost' tokens.
	Allow(ctx context.Context, actorID string, policy BackpressurePolicy, cost int) (LimitDecision, error)
}

// retryAfter is how long until 'cost' tokens are available again.
func retryAfter(tokens float64, cost int, rate float64) time.Duration {
	missing := float64(cost) - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing/rate*1000)) * time.Millisecond
}

// TokenBucket implements a thread-safe token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	clock      func() time.Time
}

func NewTokenBucket(ratePerSec float64, capacity int, clock func() time.Time) *TokenBucket {
	if clock == nil {
		clock = time.Now
	}
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: clock(),
		clock:      clock,
	}
}

func (tb *TokenBucket) Allow(cost int) LimitDecision {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
		tb.lastRefill = now
	}

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return LimitDecision{Allowed: true, Remaining: tb.tokens}
	}
	return LimitDecision{Remaining: tb.tokens, RetryAfter: retryAfter(tb.tokens, cost, tb.refillRate)}
}

// InMemoryLimiterStore for tests and single-instance deployments.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	clock   func() time.Time
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{
		buckets: make(map[string]*TokenBucket),
		clock:   time.Now,
	}
}

// WithClock overrides clock for testing.
func (s *InMemoryLimiterStore) WithClock(clock func() time.Time) *InMemoryLimiterStore {
	s.clock = clock
	return s
}

func (s *InMemoryLimiterStore) Allow(ctx context.Context, actorID string, policy BackpressurePolicy, cost int) (LimitDecision, error) {
	s.mu.Lock()
	tb, exists := s.buckets[actorID]
	if !exists {
		tb = NewTokenBucket(policy.RatePerSecond(), policy.Capacity(), s.clock)
		s.buckets[actorID] = tb
	}
	s.mu.Unlock()

	return tb.Allow(cost), nil
}

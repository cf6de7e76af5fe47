package guard

import (
	"context"
	"sync"
	"time"
)

// LimiterStore is the shared burst-rate bucket behind the rapid-fire signal.
// Allow consumes one token from the key's bucket, which holds max tokens and
// refills over window. The in-memory store covers single-instance
// deployments; multi-instance deployments share counts through Redis.
type LimiterStore interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func (tb *tokenBucket) take(now time.Time) bool {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// MemoryLimiterStore keeps one token bucket per key, guarded by a mutex.
type MemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	clock   func() time.Time
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{
		buckets: make(map[string]*tokenBucket),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *MemoryLimiterStore) WithClock(clock func() time.Time) *MemoryLimiterStore {
	s.clock = clock
	return s
}

func (s *MemoryLimiterStore) Allow(_ context.Context, key string, max int, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	tb, ok := s.buckets[key]
	if !ok {
		rate := float64(max) / window.Seconds()
		if rate <= 0 {
			rate = 1
		}
		tb = &tokenBucket{
			tokens:     float64(max),
			capacity:   float64(max),
			refillRate: rate,
			lastRefill: now,
		}
		s.buckets[key] = tb
	}
	return tb.take(now), nil
}

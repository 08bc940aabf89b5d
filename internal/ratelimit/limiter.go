// Package ratelimit throttles producers per key before jobs reach the store.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter consumes one token for key. It reports whether the call is allowed
// and the tokens left afterwards.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Local is an in-process Limiter with one token bucket per key. Used when no
// shared Redis is configured.
type Local struct {
	capacity int
	refill   rate.Limit

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLocal(capacity int, refillPerSecond float64) *Local {
	return &Local{
		capacity: capacity,
		refill:   rate.Limit(refillPerSecond),
		buckets:  make(map[string]*rate.Limiter),
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, float64, error) {
	l.mu.Lock()
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(l.refill, l.capacity)
		l.buckets[key] = lim
	}
	l.mu.Unlock()

	now := time.Now()
	allowed := lim.AllowN(now, 1)
	return allowed, lim.TokensAt(now), nil
}

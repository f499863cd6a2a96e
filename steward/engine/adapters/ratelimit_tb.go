package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	ports "github.com/stewardhq/steward/steward/engine/ports"
)

// ErrRateLimitExceeded is returned when a bucket has no tokens left.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// TokenBucket is a per-key token bucket rate limiter. Buckets start full and
// refill one token per refill interval.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int
	refillRate time.Duration
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket creates a limiter holding capacity tokens per key.
func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// Acquire takes a token for key, returning the function that gives it back.
// It fails fast with ErrRateLimitExceeded rather than queueing.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: tb.capacity, lastRefill: time.Now()}
		tb.buckets[key] = b
	}

	if refill := int(time.Since(b.lastRefill) / tb.refillRate); refill > 0 {
		b.tokens = min(b.tokens+refill, tb.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(refill) * tb.refillRate)
	}

	if b.tokens <= 0 {
		return nil, ErrRateLimitExceeded
	}
	b.tokens--

	release = func() {
		tb.mu.Lock()
		defer tb.mu.Unlock()
		if b, ok := tb.buckets[key]; ok {
			b.tokens = min(b.tokens+1, tb.capacity)
		}
	}
	return release, nil
}

var _ ports.RateLimiter = (*TokenBucket)(nil)

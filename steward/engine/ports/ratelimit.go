package engineports

import "context"

// RateLimiter coordinates throughput across completion backends.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

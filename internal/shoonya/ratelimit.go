package shoonya

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a minimum spacing between calls to one broker
// connection. A single instance is shared by every session on that
// connection; waiting callers are not served in any particular order.
type RateLimiter struct {
	limiter     *rate.Limiter
	minInterval time.Duration
}

// NewRateLimiter allows at most one call per minInterval. A non-positive
// interval disables spacing.
func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &RateLimiter{
		limiter:     rate.NewLimiter(limit, 1),
		minInterval: minInterval,
	}
}

// MinInterval returns the configured spacing.
func (r *RateLimiter) MinInterval() time.Duration {
	return r.minInterval
}

// Do waits for the next slot and then runs call. It fails without calling
// when ctx ends, or would end, before the slot opens.
func (r *RateLimiter) Do(ctx context.Context, call func() error) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return call()
}

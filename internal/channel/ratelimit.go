package channel

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles one adapter's outbound calls.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter allows burst calls at once, refilled at perMinute.
func NewRateLimiter(burst int, perMinute float64) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(perMinute/60), burst)}
}

// Wait blocks until a call may proceed or ctx is done and returns the
// time spent waiting. A nil limiter never blocks.
func (rl *RateLimiter) Wait(ctx context.Context) (time.Duration, error) {
	if rl == nil {
		return 0, nil
	}
	start := time.Now()
	err := rl.lim.Wait(ctx)
	return time.Since(start), err
}

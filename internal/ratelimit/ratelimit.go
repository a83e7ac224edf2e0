// Package ratelimit spaces outbound protocol commands by a minimum interval.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum wall-clock gap between consecutive sends.
// It has a single token, so a send after an idle period goes out at once and
// a send that follows too closely sleeps for the remainder of the interval.
type Limiter struct {
	interval time.Duration
	lim      *rate.Limiter
}

// New returns a Limiter for the given interval. An interval <= 0 disables
// limiting.
func New(interval time.Duration) *Limiter {
	if interval <= 0 {
		return &Limiter{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Limiter{
		interval: interval,
		lim:      rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Interval returns the configured minimum gap.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Wait blocks until the next send is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.lim.Wait(ctx)
}

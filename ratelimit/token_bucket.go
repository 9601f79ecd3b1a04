/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/lrucache"
	"golang.org/x/time/rate"
)

// TokenBucketLimiter implements token bucket rate limiting on top of golang.org/x/time/rate.
// Unlike the sliding window algorithms, it allows short bursts up to the configured burst size.
type TokenBucketLimiter struct {
	getLimiter func(key string) *rate.Limiter
}

// NewTokenBucketLimiter creates a new token bucket rate limiter.
// If maxBurst is 0, maxRate.Count is used as the burst size.
// If maxKeys is 0, a single bucket is shared by all keys.
func NewTokenBucketLimiter(maxRate Rate, maxBurst, maxKeys int) (*TokenBucketLimiter, error) {
	if err := maxRate.Validate(); err != nil {
		return nil, err
	}
	if maxBurst < 0 {
		return nil, fmt.Errorf("max burst should not be negative, got %d", maxBurst)
	}
	if maxBurst == 0 {
		maxBurst = maxRate.Count
	}

	newLimiter := func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(float64(maxRate.Count)/maxRate.Duration.Seconds()), maxBurst)
	}

	if maxKeys == 0 {
		lim := newLimiter()
		return &TokenBucketLimiter{getLimiter: func(_ string) *rate.Limiter { return lim }}, nil
	}

	store, err := lrucache.New[string, *rate.Limiter](maxKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	return &TokenBucketLimiter{
		getLimiter: func(key string) *rate.Limiter {
			lim, _ := store.GetOrAdd(key, newLimiter)
			return lim
		},
	}, nil
}

// Allow checks if the item should be admitted based on the rate limit.
// A token is consumed only when the item is admitted.
func (l *TokenBucketLimiter) Allow(_ context.Context, key string) (allow bool, retryAfter time.Duration, err error) {
	rsv := l.getLimiter(key).Reserve()
	if d := rsv.Delay(); d > 0 {
		rsv.Cancel()
		return false, d, nil
	}
	return true, 0, nil
}

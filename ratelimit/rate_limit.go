/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Rate describes the frequency of admitted items: at most Count items per Duration.
type Rate struct {
	Count    int
	Duration time.Duration
}

// String returns a human-readable representation of the rate.
func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Count, r.Duration)
}

// Validate checks that the rate is usable for limiting.
func (r Rate) Validate() error {
	if r.Count <= 0 {
		return fmt.Errorf("rate count should be positive, got %d", r.Count)
	}
	if r.Duration <= 0 {
		return fmt.Errorf("rate duration should be positive, got %s", r.Duration)
	}
	return nil
}

// Limiter interface defines the rate limiting contract.
// Allow is a pure predicate: it never blocks, and a denied attempt is not counted
// against the limit. The returned retryAfter is an estimation of how long the
// caller should wait before the key has capacity again.
type Limiter interface {
	Allow(ctx context.Context, key string) (allow bool, retryAfter time.Duration, err error)
}

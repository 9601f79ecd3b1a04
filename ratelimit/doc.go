/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides per-key admission gates that control how many items
// may enter a flow-controlled pipeline over time.
//
// All limiters implement the Limiter interface and are pure predicates:
// Allow never blocks and never mutates state on denial, it only reports whether
// the item may pass and how long the caller should wait before retrying.
//
// Available algorithms:
//   - SlidingWindowLimiter - single sliding window (github.com/RussellLuo/slidingwindow)
//   - LeakyBucketLimiter - GCRA leaky bucket (github.com/throttled/throttled)
//   - TokenBucketLimiter - token bucket (golang.org/x/time/rate)
//   - MultiWindowLimiter - several sliding windows checked all-or-nothing
//     (e.g. per-minute, per-hour and per-day limits for the same key)
//
// Per-key limiter state lives in an LRU store with optional TTL, so idle keys
// are evicted lazily and memory stays bounded.
package ratelimit

/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/lrucache"
)

// MultiWindowLimiter enforces several sliding window limits for the same key at once
// (e.g. 100/minute, 1000/hour and 10000/day). An item is admitted only if every
// window has capacity, and admission increments all windows' counters atomically
// for that key. Denial mutates nothing.
//
// Each window is approximated with two adjacent fixed buckets of the window's
// duration: the count of the previous bucket is weighted by the fraction of it
// that still overlaps the trailing window. The approximation is exact for
// uniformly distributed arrivals. In the worst case (all previous-bucket events
// clustered at its end) a true trailing window of length D may briefly contain
// up to 2*Count admitted events; no more than Count events are ever admitted
// within a single fixed bucket.
//
// Per-key state is kept in an LRU store with a TTL of twice the longest window,
// so idle keys are evicted lazily; RunPeriodicCleanup may be used to sweep them
// proactively.
type MultiWindowLimiter struct {
	rates    []Rate
	getState func(key string) *multiWindowState
	store    *lrucache.LRUCache[string, *multiWindowState]

	timeNow func() time.Time // replaced in tests
}

type windowCounter struct {
	prevCount int64
	currCount int64
	currStart time.Time
}

type multiWindowState struct {
	mu      sync.Mutex
	windows []windowCounter
}

// NewMultiWindowLimiter creates a new multi-window rate limiter.
// If maxKeys is 0, a single shared state is used for all keys.
func NewMultiWindowLimiter(rates []Rate, maxKeys int) (*MultiWindowLimiter, error) {
	if len(rates) == 0 {
		return nil, fmt.Errorf("at least one rate should be configured")
	}
	var keyTTL time.Duration
	for i, r := range rates {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rate #%d: %w", i, err)
		}
		if r.Duration*2 > keyTTL {
			keyTTL = r.Duration * 2
		}
	}

	l := &MultiWindowLimiter{rates: rates, timeNow: time.Now}
	newState := func() *multiWindowState {
		return &multiWindowState{windows: make([]windowCounter, len(rates))}
	}

	if maxKeys == 0 {
		st := newState()
		l.getState = func(_ string) *multiWindowState { return st }
		return l, nil
	}

	store, err := lrucache.NewWithOpts[string, *multiWindowState](maxKeys, nil, lrucache.Options{DefaultTTL: keyTTL})
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	l.store = store
	l.getState = func(key string) *multiWindowState {
		st, _ := store.GetOrAdd(key, newState)
		return st
	}
	return l, nil
}

// Allow checks if the item should be admitted based on all configured windows.
// On denial, the returned retryAfter corresponds to the most restrictive window.
func (l *MultiWindowLimiter) Allow(_ context.Context, key string) (allow bool, retryAfter time.Duration, err error) {
	now := l.timeNow()
	st := l.getState(key)

	st.mu.Lock()
	defer st.mu.Unlock()

	for i := range st.windows {
		w := &st.windows[i]
		d := l.rates[i].Duration
		w.advance(d, now)
		if w.slidingCount(d, now)+1 > int64(l.rates[i].Count) {
			if ra := now.Truncate(d).Add(d).Sub(now); ra > retryAfter {
				retryAfter = ra
			}
		}
	}
	if retryAfter > 0 {
		return false, retryAfter, nil
	}

	for i := range st.windows {
		st.windows[i].currCount++
	}
	return true, 0, nil
}

// RunPeriodicCleanup runs a cycle of periodic cleanup of idle keys.
// It's supposed to be run in a separate goroutine and is a no-op for a keyless limiter.
func (l *MultiWindowLimiter) RunPeriodicCleanup(ctx context.Context, interval time.Duration) {
	if l.store == nil {
		<-ctx.Done()
		return
	}
	l.store.RunPeriodicCleanup(ctx, interval)
}

// advance rotates the buckets so that currStart is the fixed bucket containing now.
func (w *windowCounter) advance(d time.Duration, now time.Time) {
	start := now.Truncate(d)
	switch {
	case w.currStart.Equal(start):
	case w.currStart.Add(d).Equal(start):
		w.prevCount, w.currCount = w.currCount, 0
		w.currStart = start
	default:
		w.prevCount, w.currCount = 0, 0
		w.currStart = start
	}
}

// slidingCount returns the weighted number of events in the trailing window of length d.
func (w *windowCounter) slidingCount(d time.Duration, now time.Time) int64 {
	weight := 1 - float64(now.Sub(w.currStart))/float64(d)
	return int64(float64(w.prevCount)*weight) + w.currCount
}

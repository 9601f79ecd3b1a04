/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultBlockTimeout determines how long an OverflowBlock enqueue may wait for free space.
const DefaultBlockTimeout = time.Second * 5

// ErrTimeout is returned by Dequeue when no item arrives within the given timeout.
var ErrTimeout = errors.New("wait timed out")

// EnqueueResult is the outcome of an Enqueue call.
type EnqueueResult int

// Enqueue outcomes.
const (
	// EnqueueResultEnqueued means the item was placed into the buffer
	// (possibly after an eviction, depending on the policy).
	EnqueueResultEnqueued EnqueueResult = iota

	// EnqueueResultDropped means the incoming item was discarded by the policy;
	// an OverflowEvent was emitted for it.
	EnqueueResultDropped

	// EnqueueResultRejected means the buffer was full and the OverflowError policy
	// rejected the item with no mutation and no event.
	EnqueueResultRejected

	// EnqueueResultTimeout means an OverflowBlock wait elapsed without free space.
	EnqueueResultTimeout

	// EnqueueResultCanceled means the context was canceled during an OverflowBlock wait.
	EnqueueResultCanceled
)

// String returns a string representation of the enqueue result.
func (r EnqueueResult) String() string {
	switch r {
	case EnqueueResultEnqueued:
		return "enqueued"
	case EnqueueResultDropped:
		return "dropped"
	case EnqueueResultRejected:
		return "rejected"
	case EnqueueResultTimeout:
		return "timeout"
	case EnqueueResultCanceled:
		return "canceled"
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// Options represents options for the buffer.
type Options[T any] struct {
	// BlockTimeout bounds the OverflowBlock wait. If 0, DefaultBlockTimeout is used.
	BlockTimeout time.Duration

	// ReplaceVictim selects an occupant to evict for the OverflowReplace policy.
	// Required when that policy is used.
	ReplaceVictim ReplaceVictimFunc[T]

	// OnOverflow receives an event for every item discarded by the policy.
	OnOverflow OnOverflowFunc[T]
}

// Buffer is a fixed-capacity FIFO buffer with a configurable overflow policy.
// The zero value is not usable; use New or NewWithOpts.
type Buffer[T any] struct {
	policy        OverflowPolicy
	blockTimeout  time.Duration
	replaceVictim ReplaceVictimFunc[T]
	onOverflow    OnOverflowFunc[T]

	mu    sync.Mutex
	items []T
	head  int
	count int

	// notEmpty and notFull carry at most one wakeup token each;
	// woken waiters re-check state and re-signal while work remains.
	notEmpty chan struct{}
	notFull  chan struct{}
}

// New creates a new Buffer with the given capacity and overflow policy.
func New[T any](capacity int, policy OverflowPolicy) (*Buffer[T], error) {
	return NewWithOpts(capacity, policy, Options[T]{})
}

// Must is a version of New that panics if an error occurs.
func Must[T any](capacity int, policy OverflowPolicy) *Buffer[T] {
	b, err := New[T](capacity, policy)
	if err != nil {
		panic(err)
	}
	return b
}

// NewWithOpts creates a new Buffer with the given capacity, overflow policy, and options.
func NewWithOpts[T any](capacity int, policy OverflowPolicy, opts Options[T]) (*Buffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity should be positive, got %d", capacity)
	}
	switch policy {
	case OverflowBlock, OverflowDropNewest, OverflowDropOldest, OverflowError:
	case OverflowReplace:
		if opts.ReplaceVictim == nil {
			return nil, fmt.Errorf("replace victim func is required for %q overflow policy", policy)
		}
	default:
		return nil, fmt.Errorf("unknown overflow policy %v", policy)
	}
	if opts.BlockTimeout < 0 {
		return nil, fmt.Errorf("block timeout should not be negative, got %s", opts.BlockTimeout)
	}
	if opts.BlockTimeout == 0 {
		opts.BlockTimeout = DefaultBlockTimeout
	}
	return &Buffer[T]{
		policy:        policy,
		blockTimeout:  opts.BlockTimeout,
		replaceVictim: opts.ReplaceVictim,
		onOverflow:    opts.OnOverflow,
		items:         make([]T, capacity),
		notEmpty:      make(chan struct{}, 1),
		notFull:       make(chan struct{}, 1),
	}, nil
}

// Len returns the current occupancy.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the capacity the buffer was constructed with.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Policy returns the buffer's overflow policy.
func (b *Buffer[T]) Policy() OverflowPolicy {
	return b.policy
}

// Enqueue puts an item into the buffer, applying the overflow policy when full.
// Only the OverflowBlock policy may suspend the caller, and only up to the
// configured block timeout; ctx cancellation aborts the wait immediately and is
// reported as EnqueueResultCanceled together with the ctx error.
func (b *Buffer[T]) Enqueue(ctx context.Context, item T) (EnqueueResult, error) {
	b.mu.Lock()
	if b.count < len(b.items) {
		b.pushLocked(item)
		b.mu.Unlock()
		signal(b.notEmpty)
		return EnqueueResultEnqueued, nil
	}

	switch b.policy {
	case OverflowError:
		b.mu.Unlock()
		return EnqueueResultRejected, nil

	case OverflowDropNewest:
		b.mu.Unlock()
		b.emitOverflow(item, DropReasonNewest)
		return EnqueueResultDropped, nil

	case OverflowDropOldest:
		evicted := b.popLocked()
		b.pushLocked(item)
		b.mu.Unlock()
		signal(b.notEmpty)
		b.emitOverflow(evicted, DropReasonOldest)
		return EnqueueResultEnqueued, nil

	case OverflowReplace:
		for i := 0; i < b.count; i++ {
			occupant := b.items[(b.head+i)%len(b.items)]
			if b.replaceVictim(occupant, item) {
				b.removeLocked(i)
				b.pushLocked(item)
				b.mu.Unlock()
				signal(b.notEmpty)
				b.emitOverflow(occupant, DropReasonReplaced)
				return EnqueueResultEnqueued, nil
			}
		}
		b.mu.Unlock()
		b.emitOverflow(item, DropReasonNewest)
		return EnqueueResultDropped, nil
	}

	// OverflowBlock
	b.mu.Unlock()
	return b.enqueueBlocking(ctx, item)
}

func (b *Buffer[T]) enqueueBlocking(ctx context.Context, item T) (EnqueueResult, error) {
	timer := time.NewTimer(b.blockTimeout)
	defer timer.Stop()

	for {
		select {
		case <-b.notFull:
			b.mu.Lock()
			if b.count < len(b.items) {
				b.pushLocked(item)
				spaceLeft := b.count < len(b.items)
				b.mu.Unlock()
				signal(b.notEmpty)
				if spaceLeft {
					signal(b.notFull)
				}
				return EnqueueResultEnqueued, nil
			}
			b.mu.Unlock()
		case <-timer.C:
			return EnqueueResultTimeout, nil
		case <-ctx.Done():
			return EnqueueResultCanceled, ctx.Err()
		}
	}
}

// TryDequeue removes and returns the head item without waiting.
func (b *Buffer[T]) TryDequeue() (item T, ok bool) {
	b.mu.Lock()
	if b.count == 0 {
		b.mu.Unlock()
		return item, false
	}
	item = b.popLocked()
	remaining := b.count > 0
	b.mu.Unlock()
	signal(b.notFull)
	if remaining {
		signal(b.notEmpty)
	}
	return item, true
}

// Dequeue removes and returns the head item, waiting up to timeout for one to arrive.
// ErrTimeout is returned when the timeout elapses; ctx cancellation aborts the wait
// immediately and returns the ctx error.
func (b *Buffer[T]) Dequeue(ctx context.Context, timeout time.Duration) (item T, err error) {
	if it, ok := b.TryDequeue(); ok {
		return it, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-b.notEmpty:
			if it, ok := b.TryDequeue(); ok {
				return it, nil
			}
		case <-timer.C:
			return item, ErrTimeout
		case <-ctx.Done():
			return item, ctx.Err()
		}
	}
}

func (b *Buffer[T]) pushLocked(item T) {
	b.items[(b.head+b.count)%len(b.items)] = item
	b.count++
}

func (b *Buffer[T]) popLocked() T {
	var zero T
	item := b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % len(b.items)
	b.count--
	return item
}

// removeLocked removes the item at logical position i (0 = head), preserving FIFO
// order of the survivors.
func (b *Buffer[T]) removeLocked(i int) {
	var zero T
	n := len(b.items)
	for j := i; j < b.count-1; j++ {
		b.items[(b.head+j)%n] = b.items[(b.head+j+1)%n]
	}
	b.items[(b.head+b.count-1)%n] = zero
	b.count--
}

func (b *Buffer[T]) emitOverflow(item T, reason DropReason) {
	if b.onOverflow == nil {
		return
	}
	b.onOverflow(OverflowEvent[T]{Item: item, Reason: reason, Time: time.Now()})
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package buffer

import (
	"fmt"
	"time"
)

// OverflowPolicy determines what happens when an item is enqueued into a full buffer.
// The policy set is closed: Buffer dispatches over it with a single switch.
type OverflowPolicy int

// Supported overflow policies.
const (
	// OverflowBlock suspends the producer until space frees, the block timeout
	// elapses, or the context is canceled. Nothing is ever dropped silently.
	OverflowBlock OverflowPolicy = iota

	// OverflowDropNewest discards the incoming item; existing contents are untouched.
	OverflowDropNewest

	// OverflowDropOldest evicts the head of the queue to make room for the incoming
	// item. With capacity 1 this degenerates to strict conflation ("latest wins").
	OverflowDropOldest

	// OverflowReplace evicts the first occupant matched by the configured victim
	// predicate in favor of the incoming item; if none qualifies, behaves as
	// OverflowDropNewest.
	OverflowReplace

	// OverflowError rejects the incoming item immediately with no mutation,
	// surfacing the overflow to the caller.
	OverflowError
)

// String returns a string representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case OverflowBlock:
		return "block"
	case OverflowDropNewest:
		return "drop_newest"
	case OverflowDropOldest:
		return "drop_oldest"
	case OverflowReplace:
		return "replace"
	case OverflowError:
		return "error"
	}
	return fmt.Sprintf("unknown(%d)", int(p))
}

// ParseOverflowPolicy parses an overflow policy from its string form as used in configuration.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "block":
		return OverflowBlock, nil
	case "drop_newest":
		return OverflowDropNewest, nil
	case "drop_oldest":
		return OverflowDropOldest, nil
	case "replace":
		return OverflowReplace, nil
	case "error":
		return OverflowError, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

// DropReason tells why an item was discarded by an overflow policy.
type DropReason int

// Drop reasons.
const (
	// DropReasonNewest means the incoming item itself was discarded.
	DropReasonNewest DropReason = iota

	// DropReasonOldest means the queue head was evicted in favor of the incoming item.
	DropReasonOldest

	// DropReasonReplaced means an occupant matched by the victim predicate was evicted.
	DropReasonReplaced
)

// String returns a string representation of the drop reason.
func (r DropReason) String() string {
	switch r {
	case DropReasonNewest:
		return "dropped_newest"
	case DropReasonOldest:
		return "dropped_oldest"
	case DropReasonReplaced:
		return "replaced"
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// OverflowEvent is emitted (never stored) whenever an overflow policy discards an item.
type OverflowEvent[T any] struct {
	Item   T
	Reason DropReason
	Time   time.Time
}

// OnOverflowFunc is called for every emitted OverflowEvent. It's invoked outside
// the buffer's critical section and must be safe for concurrent use.
type OnOverflowFunc[T any] func(event OverflowEvent[T])

// ReplaceVictimFunc reports whether occupant may be evicted in favor of incoming.
// Used by the OverflowReplace policy; the first matching occupant (in FIFO order) is evicted.
type ReplaceVictimFunc[T any] func(occupant, incoming T) bool

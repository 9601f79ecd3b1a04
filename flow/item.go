/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package flow

import (
	"fmt"
	"time"

	"github.com/acronis/go-flowlimit/buffer"
)

// PriorityClass is re-exported from the buffer package for convenience.
type PriorityClass = buffer.PriorityClass

// Priority classes.
const (
	PriorityNormal = buffer.PriorityNormal
	PriorityHigh   = buffer.PriorityHigh
)

// Item is a unit of work flowing through the engine. The payload is opaque to
// the engine; the item is owned by the buffer from admission until dequeue and
// discarded after a terminal processing outcome.
type Item[T any] struct {
	// ID uniquely identifies the item for logging and dead-letter correlation.
	ID string

	// Payload is the caller's data, passed through to the handler untouched.
	Payload T

	// Priority tells which scheduler buffer the item is routed to.
	Priority PriorityClass

	// Key is the admission key (e.g. a client identifier) used for rate limiting.
	// An empty key bypasses rate limiting.
	Key string

	// EnqueuedAt is the submission timestamp.
	EnqueuedAt time.Time

	retry *retryState
}

// Attempt returns how many processing attempts the item has already failed.
func (it Item[T]) Attempt() int {
	if it.retry == nil {
		return 0
	}
	return it.retry.attempt
}

// Decision tells how the engine disposed of a submission.
type Decision int

// Admission decisions.
const (
	DecisionAccepted Decision = iota
	DecisionRejectedRateLimit
	DecisionRejectedOverflow
	DecisionRejectedShed
)

// String returns a string representation of the decision.
func (d Decision) String() string {
	switch d {
	case DecisionAccepted:
		return "accepted"
	case DecisionRejectedRateLimit:
		return "rejected_rate_limit"
	case DecisionRejectedOverflow:
		return "rejected_overflow"
	case DecisionRejectedShed:
		return "rejected_shed"
	}
	return fmt.Sprintf("unknown(%d)", int(d))
}

// AdmissionResult is returned synchronously from Submit. It is the only feedback
// a producer ever gets: anything that happens after acceptance is observable
// only through the dead-letter sink and metrics.
type AdmissionResult struct {
	Decision Decision

	// RetryAfter estimates how long the producer should back off before
	// resubmitting. Non-zero only for rate-limit rejections.
	RetryAfter time.Duration
}

// Accepted reports whether the item entered the pipeline.
func (r AdmissionResult) Accepted() bool {
	return r.Decision == DecisionAccepted
}

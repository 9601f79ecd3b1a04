/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package buffer

import (
	"context"
	"fmt"
	"time"
)

// PriorityClass tells which of the scheduler's buffers an item is routed to.
type PriorityClass int

// Priority classes.
const (
	PriorityNormal PriorityClass = iota
	PriorityHigh
)

// String returns a string representation of the priority class.
func (c PriorityClass) String() string {
	switch c {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	}
	return fmt.Sprintf("unknown(%d)", int(c))
}

// Scheduler wraps two buffers and drains them with strict priority: Dequeue never
// returns a normal-class item while a high-class item is available. Fairness for
// normal items under sustained high-priority load is the caller's concern
// (cap high-priority admission upstream, e.g. with a rate limiter).
//
// Each buffer keeps its own capacity and overflow policy, so the total memory
// bound is the sum of the two capacities.
type Scheduler[T any] struct {
	high   *Buffer[T]
	normal *Buffer[T]

	notEmpty chan struct{}
}

// NewScheduler creates a new Scheduler over the given high- and normal-priority buffers.
func NewScheduler[T any](high, normal *Buffer[T]) (*Scheduler[T], error) {
	if high == nil || normal == nil {
		return nil, fmt.Errorf("both high and normal buffers are required")
	}
	return &Scheduler[T]{
		high:     high,
		normal:   normal,
		notEmpty: make(chan struct{}, 1),
	}, nil
}

// Enqueue routes the item to the buffer matching its priority class.
// The outcome is whatever that buffer's overflow policy yields.
func (s *Scheduler[T]) Enqueue(ctx context.Context, class PriorityClass, item T) (EnqueueResult, error) {
	buf := s.normal
	if class == PriorityHigh {
		buf = s.high
	}
	res, err := buf.Enqueue(ctx, item)
	if res == EnqueueResultEnqueued {
		signal(s.notEmpty)
	}
	return res, err
}

// TryDequeue removes and returns the next item without waiting,
// draining the high-priority buffer to exhaustion first.
func (s *Scheduler[T]) TryDequeue() (item T, ok bool) {
	if it, found := s.high.TryDequeue(); found {
		s.resignal()
		return it, true
	}
	if it, found := s.normal.TryDequeue(); found {
		s.resignal()
		return it, true
	}
	return item, false
}

// Dequeue removes and returns the next item, waiting up to timeout when both
// buffers are empty. ErrTimeout is returned when the timeout elapses;
// ctx cancellation aborts the wait immediately and returns the ctx error.
func (s *Scheduler[T]) Dequeue(ctx context.Context, timeout time.Duration) (item T, err error) {
	if it, ok := s.TryDequeue(); ok {
		return it, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-s.notEmpty:
			if it, ok := s.TryDequeue(); ok {
				return it, nil
			}
		case <-timer.C:
			return item, ErrTimeout
		case <-ctx.Done():
			return item, ctx.Err()
		}
	}
}

// Len returns the total occupancy of both buffers.
func (s *Scheduler[T]) Len() int {
	return s.high.Len() + s.normal.Len()
}

// Cap returns the summed capacity of both buffers.
func (s *Scheduler[T]) Cap() int {
	return s.high.Cap() + s.normal.Cap()
}

// High returns the high-priority buffer.
func (s *Scheduler[T]) High() *Buffer[T] {
	return s.high
}

// Normal returns the normal-priority buffer.
func (s *Scheduler[T]) Normal() *Buffer[T] {
	return s.normal
}

func (s *Scheduler[T]) resignal() {
	if s.high.Len() > 0 || s.normal.Len() > 0 {
		signal(s.notEmpty)
	}
}

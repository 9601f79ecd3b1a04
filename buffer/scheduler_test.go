/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, highCap, normalCap int) *Scheduler[int] {
	t.Helper()
	high, err := New[int](highCap, OverflowError)
	require.NoError(t, err)
	normal, err := New[int](normalCap, OverflowError)
	require.NoError(t, err)
	s, err := NewScheduler(high, normal)
	require.NoError(t, err)
	return s
}

func TestSchedulerValidation(t *testing.T) {
	_, err := NewScheduler[int](nil, nil)
	require.Error(t, err)
}

func TestSchedulerRoutesByClass(t *testing.T) {
	s := newTestScheduler(t, 2, 2)
	ctx := context.Background()

	res, err := s.Enqueue(ctx, PriorityHigh, 1)
	require.NoError(t, err)
	require.Equal(t, EnqueueResultEnqueued, res)

	res, err = s.Enqueue(ctx, PriorityNormal, 2)
	require.NoError(t, err)
	require.Equal(t, EnqueueResultEnqueued, res)

	require.Equal(t, 1, s.High().Len())
	require.Equal(t, 1, s.Normal().Len())
	require.Equal(t, 2, s.Len())
	require.Equal(t, 4, s.Cap())
}

func TestSchedulerStrictPriority(t *testing.T) {
	s := newTestScheduler(t, 4, 4)
	ctx := context.Background()

	// Interleave enqueues; high items must all come out before any normal one.
	_, err := s.Enqueue(ctx, PriorityNormal, 100)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, PriorityHigh, 1)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, PriorityNormal, 101)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, PriorityHigh, 2)
	require.NoError(t, err)

	var got []int
	for {
		it, ok := s.TryDequeue()
		if !ok {
			break
		}
		got = append(got, it)
	}
	require.Equal(t, []int{1, 2, 100, 101}, got, "high drained first, FIFO within each class")
}

func TestSchedulerDequeueTimeout(t *testing.T) {
	s := newTestScheduler(t, 1, 1)

	_, err := s.Dequeue(context.Background(), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSchedulerDequeueCancellation(t *testing.T) {
	s := newTestScheduler(t, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := s.Dequeue(ctx, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSchedulerDequeueWakesOnEnqueue(t *testing.T) {
	s := newTestScheduler(t, 1, 1)

	done := make(chan int, 1)
	go func() {
		it, err := s.Dequeue(context.Background(), 5*time.Second)
		if err == nil {
			done <- it
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := s.Enqueue(context.Background(), PriorityNormal, 7)
	require.NoError(t, err)

	select {
	case it := <-done:
		require.Equal(t, 7, it)
	case <-time.After(time.Second):
		t.Fatal("dequeue was not woken up by enqueue")
	}
}

func TestSchedulerPerClassPolicies(t *testing.T) {
	high, err := New[int](1, OverflowError)
	require.NoError(t, err)
	normal, err := New[int](1, OverflowDropOldest)
	require.NoError(t, err)
	s, err := NewScheduler(high, normal)
	require.NoError(t, err)

	ctx := context.Background()

	res, err := s.Enqueue(ctx, PriorityHigh, 1)
	require.NoError(t, err)
	require.Equal(t, EnqueueResultEnqueued, res)

	res, err = s.Enqueue(ctx, PriorityHigh, 2)
	require.NoError(t, err)
	require.Equal(t, EnqueueResultRejected, res)

	res, err = s.Enqueue(ctx, PriorityNormal, 10)
	require.NoError(t, err)
	require.Equal(t, EnqueueResultEnqueued, res)

	// Conflating normal buffer: the latest wins.
	res, err = s.Enqueue(ctx, PriorityNormal, 11)
	require.NoError(t, err)
	require.Equal(t, EnqueueResultEnqueued, res)

	it, ok := s.TryDequeue()
	require.True(t, ok)
	require.Equal(t, 1, it)

	it, ok = s.TryDequeue()
	require.True(t, ok)
	require.Equal(t, 11, it)
}

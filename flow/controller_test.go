/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package flow

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-appkit/log/logtest"

	"github.com/acronis/go-flowlimit/buffer"
	"github.com/acronis/go-flowlimit/throttle"
)

func newTestConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Buffers.High = BufferConfig{Capacity: 8, OverflowPolicy: "block"}
	cfg.Buffers.Normal = BufferConfig{Capacity: 16, OverflowPolicy: "drop_oldest"}
	cfg.Buffers.BlockTimeout = 100 * time.Millisecond
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 10 * time.Millisecond
	cfg.Workers = 2
	return cfg
}

type processedSink[T any] struct {
	mu    sync.Mutex
	items []Item[T]
	ch    chan struct{}
}

func newProcessedSink[T any]() *processedSink[T] {
	return &processedSink[T]{ch: make(chan struct{}, 100)}
}

func (s *processedSink[T]) handler(_ context.Context, item Item[T]) error {
	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
	s.ch <- struct{}{}
	return nil
}

func (s *processedSink[T]) waitN(t *testing.T, n int) []Item[T] {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for item #%d to be processed", i+1)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Item[T]{}, s.items...)
}

func TestControllerProcessesAcceptedItems(t *testing.T) {
	sink := newProcessedSink[int]()
	c, err := New[int](newTestConfig(), sink.handler, Opts[int]{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	c.Start(nil)
	defer func() { require.NoError(t, c.Stop(false)) }()

	for i := 0; i < 5; i++ {
		res, submitErr := c.Submit(context.Background(), i, PriorityNormal, "")
		require.NoError(t, submitErr)
		require.True(t, res.Accepted())
	}

	items := sink.waitN(t, 5)
	payloads := make([]int, 0, len(items))
	for _, it := range items {
		require.NotEmpty(t, it.ID)
		require.Zero(t, it.Attempt())
		payloads = append(payloads, it.Payload)
	}
	sort.Ints(payloads)
	require.Equal(t, []int{0, 1, 2, 3, 4}, payloads)
}

func TestControllerHighPriorityProcessedFirst(t *testing.T) {
	cfg := newTestConfig()
	cfg.Workers = 1
	sink := newProcessedSink[string]()
	c, err := New[string](cfg, sink.handler, Opts[string]{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	// Enqueue before starting the worker so the dequeue order is observable.
	for _, payload := range []string{"n1", "n2", "n3"} {
		res, submitErr := c.Submit(context.Background(), payload, PriorityNormal, "")
		require.NoError(t, submitErr)
		require.True(t, res.Accepted())
	}
	res, err := c.Submit(context.Background(), "urgent", PriorityHigh, "")
	require.NoError(t, err)
	require.True(t, res.Accepted())

	c.Start(nil)
	defer func() { require.NoError(t, c.Stop(false)) }()

	items := sink.waitN(t, 4)
	require.Equal(t, "urgent", items[0].Payload)
	require.Equal(t, []string{"n1", "n2", "n3"}, []string{items[1].Payload, items[2].Payload, items[3].Payload})
}

func TestControllerRateLimit(t *testing.T) {
	cfg := newTestConfig()
	cfg.RateLimit.Windows = []RateLimitWindowConfig{{Duration: time.Minute, Max: 2}}

	c, err := New[int](cfg, func(_ context.Context, _ Item[int]) error { return nil }, Opts[int]{})
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Stop(false)) }()

	for i := 0; i < 2; i++ {
		res, submitErr := c.Submit(context.Background(), i, PriorityNormal, "tenant-1")
		require.NoError(t, submitErr)
		require.True(t, res.Accepted())
	}

	res, err := c.Submit(context.Background(), 3, PriorityNormal, "tenant-1")
	require.NoError(t, err)
	require.Equal(t, DecisionRejectedRateLimit, res.Decision)
	require.Greater(t, res.RetryAfter, time.Duration(0))

	// Other keys are unaffected.
	res, err = c.Submit(context.Background(), 4, PriorityNormal, "tenant-2")
	require.NoError(t, err)
	require.True(t, res.Accepted())

	// An empty key bypasses the limiter entirely.
	for i := 0; i < 10; i++ {
		res, err = c.Submit(context.Background(), i, PriorityNormal, "")
		require.NoError(t, err)
		require.True(t, res.Accepted())
	}
}

func TestControllerRateLimitDryRun(t *testing.T) {
	cfg := newTestConfig()
	cfg.RateLimit.Windows = []RateLimitWindowConfig{{Duration: time.Minute, Max: 1}}
	cfg.RateLimit.DryRun = true

	logRecorder := logtest.NewRecorder()
	promMetrics := NewPrometheusMetrics()
	c, err := New[int](cfg, func(_ context.Context, _ Item[int]) error { return nil }, Opts[int]{
		Logger:  logRecorder,
		Metrics: promMetrics,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Stop(false)) }()

	for i := 0; i < 3; i++ {
		res, submitErr := c.Submit(context.Background(), i, PriorityNormal, "tenant-1")
		require.NoError(t, submitErr)
		require.True(t, res.Accepted(), "dry-run mode should admit over-limit submissions")
	}
	_, found := logRecorder.FindEntry("rate limit exceeded, dry-run mode, item will be admitted")
	require.True(t, found)

	// The two over-limit submissions are counted as would-be rejections.
	require.Equal(t, 2.0, promtestutil.ToFloat64(
		promMetrics.RejectedTotal.With(prometheus.Labels{"reason": ReasonRateLimitDryRun})))
}

func TestControllerOverflowRejection(t *testing.T) {
	cfg := newTestConfig()
	cfg.Buffers.Normal = BufferConfig{Capacity: 2, OverflowPolicy: "error"}

	c, err := New[int](cfg, func(_ context.Context, _ Item[int]) error { return nil }, Opts[int]{})
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Stop(false)) }()

	for i := 0; i < 2; i++ {
		res, submitErr := c.Submit(context.Background(), i, PriorityNormal, "")
		require.NoError(t, submitErr)
		require.True(t, res.Accepted())
	}
	res, err := c.Submit(context.Background(), 3, PriorityNormal, "")
	require.NoError(t, err)
	require.Equal(t, DecisionRejectedOverflow, res.Decision)
	require.Equal(t, 2, c.QueueLen())
}

func TestControllerOverflowDropNotifiesCallback(t *testing.T) {
	cfg := newTestConfig()
	cfg.Buffers.Normal = BufferConfig{Capacity: 1, OverflowPolicy: "drop_oldest"}

	var dropped []string
	c, err := New[string](cfg, func(_ context.Context, _ Item[string]) error { return nil }, Opts[string]{
		OnOverflow: func(event buffer.OverflowEvent[Item[string]]) {
			dropped = append(dropped, event.Item.Payload)
		},
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Stop(false)) }()

	for _, payload := range []string{"a", "b", "c"} {
		res, submitErr := c.Submit(context.Background(), payload, PriorityNormal, "")
		require.NoError(t, submitErr)
		require.True(t, res.Accepted())
	}
	require.Equal(t, []string{"a", "b"}, dropped)
	require.Equal(t, 1, c.QueueLen())
}

func TestControllerShedsUnderLoad(t *testing.T) {
	cfg := newTestConfig()
	cfg.Buffers.High = BufferConfig{Capacity: 2, OverflowPolicy: "error"}
	cfg.Buffers.Normal = BufferConfig{Capacity: 2, OverflowPolicy: "error"}

	// A coin-flip stub that always lands on "shed" makes the medium and high
	// tiers deterministic rejections.
	th, err := throttle.NewWithOpts(throttle.Options{RandFloat: func() float64 { return 0.999 }})
	require.NoError(t, err)

	c, err := New[int](cfg, func(_ context.Context, _ Item[int]) error { return nil }, Opts[int]{Throttle: th})
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Stop(false)) }()

	// Occupancy 0/4 and 1/4: low tier, always admitted.
	for i := 0; i < 2; i++ {
		res, submitErr := c.Submit(context.Background(), i, PriorityNormal, "")
		require.NoError(t, submitErr)
		require.True(t, res.Accepted())
	}

	// Occupancy 2/4: medium tier, the stubbed coin-flip sheds.
	res, err := c.Submit(context.Background(), 3, PriorityNormal, "")
	require.NoError(t, err)
	require.Equal(t, DecisionRejectedShed, res.Decision)
}

func TestControllerAdmissionAndDrainScenario(t *testing.T) {
	cfg := newTestConfig()
	cfg.Buffers.High = BufferConfig{Capacity: 2, OverflowPolicy: "error"}
	cfg.Buffers.Normal = BufferConfig{Capacity: 2, OverflowPolicy: "error"}
	cfg.RateLimit.Windows = []RateLimitWindowConfig{{Duration: time.Second, Max: 100}}
	cfg.Workers = 1

	sink := newProcessedSink[string]()
	c, err := New[string](cfg, sink.handler, Opts[string]{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Stop(false)) }()

	for _, s := range []struct {
		payload string
		class   PriorityClass
	}{
		{"h1", PriorityHigh},
		{"h2", PriorityHigh},
		{"n1", PriorityNormal},
		{"n2", PriorityNormal},
	} {
		res, submitErr := c.Submit(context.Background(), s.payload, s.class, "client-1")
		require.NoError(t, submitErr)
		require.True(t, res.Accepted(), "payload %s", s.payload)
	}

	res, err := c.Submit(context.Background(), "n3", PriorityNormal, "client-1")
	require.NoError(t, err)
	require.Equal(t, DecisionRejectedOverflow, res.Decision)

	c.Start(nil)

	items := sink.waitN(t, 4)
	require.Equal(t, "h1", items[0].Payload)
	require.Equal(t, "h2", items[1].Payload)
	require.Equal(t, "n1", items[2].Payload)
	require.Equal(t, "n2", items[3].Payload)
}

func TestControllerSubmitAfterStop(t *testing.T) {
	c, err := New[int](newTestConfig(), func(_ context.Context, _ Item[int]) error { return nil }, Opts[int]{})
	require.NoError(t, err)

	c.Start(nil)
	require.NoError(t, c.Stop(true))

	_, err = c.Submit(context.Background(), 1, PriorityNormal, "")
	require.ErrorIs(t, err, ErrClosed)

	// Stop is idempotent.
	require.NoError(t, c.Stop(true))
}

func TestControllerGracefulStopDrainsBuffers(t *testing.T) {
	cfg := newTestConfig()
	cfg.Workers = 1

	var processed atomic.Int32
	c, err := New[int](cfg, func(_ context.Context, _ Item[int]) error {
		processed.Inc()
		return nil
	}, Opts[int]{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		res, submitErr := c.Submit(context.Background(), i, PriorityNormal, "")
		require.NoError(t, submitErr)
		require.True(t, res.Accepted())
	}

	c.Start(nil)
	require.NoError(t, c.Stop(true))
	require.Equal(t, int32(10), processed.Load())
	require.Equal(t, 0, c.QueueLen())
}

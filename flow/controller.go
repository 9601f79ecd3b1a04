/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package flow

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"
	"github.com/acronis/go-appkit/service"
	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/acronis/go-flowlimit/buffer"
	"github.com/acronis/go-flowlimit/ratelimit"
	"github.com/acronis/go-flowlimit/throttle"
)

// ErrClosed is returned by Submit after the controller has been stopped.
var ErrClosed = errors.New("flow controller is stopped")

// DefaultPollInterval determines how long an idle worker waits on the scheduler
// before re-checking for shutdown.
const DefaultPollInterval = 250 * time.Millisecond

const limiterCleanupInterval = time.Minute

// Smoothing factor of the consumer latency moving average feeding the throttle.
const latencyEWMAAlpha = 0.2

// Handler processes one accepted item. A nil return is a terminal success; an
// error return is retried while Opts.IsRetryable reports it as transient.
type Handler[T any] func(ctx context.Context, item Item[T]) error

// DeadLetterFunc receives each permanently failed item exactly once, together
// with its final error. It must not block for long: it is called from worker
// and retry-timer goroutines.
type DeadLetterFunc[T any] func(item Item[T], cause error)

// Opts represents options for the Controller.
type Opts[T any] struct {
	// Logger is used for all controller logging. Defaults to a disabled logger.
	Logger log.FieldLogger

	// Metrics collects controller metrics. Defaults to a no-op collector.
	Metrics MetricsCollector

	// IsRetryable classifies handler errors. Nil means every error is permanent.
	IsRetryable retry.IsRetryable

	// RateLimiter overrides the limiter built from the configuration.
	RateLimiter ratelimit.Limiter

	// Throttle overrides the adaptive throttle built from the configuration.
	Throttle *throttle.AdaptiveThrottle

	// ReplaceVictim selects eviction victims for buffers with the "replace" overflow policy.
	ReplaceVictim buffer.ReplaceVictimFunc[Item[T]]

	// DeadLetter receives permanently failed items. Nil means they are only counted and logged.
	DeadLetter DeadLetterFunc[T]

	// OnOverflow is called for every buffered item discarded by an overflow policy,
	// after the controller's own accounting.
	OnOverflow buffer.OnOverflowFunc[Item[T]]

	// PollInterval overrides DefaultPollInterval. Intended for tests.
	PollInterval time.Duration
}

// Controller is the flow-control façade: a Submit-side admission pipeline
// (rate limiting, adaptive shedding, priority-aware bounded buffering) in front
// of a worker pool that drains the scheduler and processes items with bounded
// retries and a dead-letter sink.
//
// Controller implements service.Unit and can be managed by service.Service.
type Controller[T any] struct {
	handler      Handler[T]
	logger       log.FieldLogger
	metrics      MetricsCollector
	isRetryable  retry.IsRetryable
	deadLetterFn DeadLetterFunc[T]

	userOnOverflow buffer.OnOverflowFunc[Item[T]]

	limiter  ratelimit.Limiter
	dryRun   bool
	throttle *throttle.AdaptiveThrottle
	sched    *buffer.Scheduler[Item[T]]

	workers      int
	pollInterval time.Duration
	retryCfg     RetryConfig

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	cleanupWG sync.WaitGroup

	draining atomic.Bool

	retryMu     sync.Mutex
	retryTimers map[uint64]*time.Timer
	retrySeq    uint64
	closed      bool

	avgLatency atomic.Float64 // handler latency EWMA, nanoseconds
}

var _ service.Unit = (*Controller[any])(nil)
var _ service.MetricsRegisterer = (*Controller[any])(nil)

// New creates a new Controller for the given configuration and handler.
func New[T any](cfg *Config, handler Handler[T], opts Opts[T]) (*Controller[T], error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = disabledMetricsCollector
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}

	limiter := opts.RateLimiter
	if limiter == nil && len(cfg.RateLimit.Windows) > 0 {
		var err error
		if limiter, err = newLimiter(cfg.RateLimit); err != nil {
			return nil, fmt.Errorf("create rate limiter: %w", err)
		}
	}

	adaptiveThrottle := opts.Throttle
	if adaptiveThrottle == nil && cfg.Throttle.Enabled {
		var err error
		adaptiveThrottle, err = throttle.NewWithOpts(throttle.Options{
			MediumThreshold:   cfg.Throttle.MediumThreshold,
			HighThreshold:     cfg.Throttle.HighThreshold,
			MediumProbability: cfg.Throttle.MediumProbability,
			HighProbability:   cfg.Throttle.HighProbability,
			LatencyCeiling:    cfg.Throttle.LatencyCeiling,
		})
		if err != nil {
			return nil, fmt.Errorf("create throttle: %w", err)
		}
	}

	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller[T]{
		handler:        handler,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		isRetryable:    opts.IsRetryable,
		deadLetterFn:   opts.DeadLetter,
		userOnOverflow: opts.OnOverflow,
		limiter:        limiter,
		dryRun:         cfg.RateLimit.DryRun,
		throttle:       adaptiveThrottle,
		workers:        workers,
		pollInterval:   opts.PollInterval,
		retryCfg:       cfg.Retry,
		ctx:            ctx,
		cancel:         cancel,
		retryTimers:    make(map[uint64]*time.Timer),
	}

	sched, err := newScheduler(cfg.Buffers, opts, c.onOverflow)
	if err != nil {
		cancel()
		return nil, err
	}
	c.sched = sched
	return c, nil
}

func newLimiter(cfg RateLimitConfig) (ratelimit.Limiter, error) {
	if len(cfg.Windows) > 1 {
		rates := make([]ratelimit.Rate, 0, len(cfg.Windows))
		for _, w := range cfg.Windows {
			rates = append(rates, ratelimit.Rate{Count: w.Max, Duration: w.Duration})
		}
		return ratelimit.NewMultiWindowLimiter(rates, cfg.MaxKeys)
	}
	rate := ratelimit.Rate{Count: cfg.Windows[0].Max, Duration: cfg.Windows[0].Duration}
	switch cfg.Alg {
	case RateLimitAlgLeakyBucket:
		return ratelimit.NewLeakyBucketLimiter(rate, cfg.MaxBurst, cfg.MaxKeys)
	case RateLimitAlgTokenBucket:
		return ratelimit.NewTokenBucketLimiter(rate, cfg.MaxBurst, cfg.MaxKeys)
	default:
		return ratelimit.NewSlidingWindowLimiter(rate, cfg.MaxKeys)
	}
}

func newScheduler[T any](
	cfg BuffersConfig, opts Opts[T], onOverflow buffer.OnOverflowFunc[Item[T]],
) (*buffer.Scheduler[Item[T]], error) {
	newBuf := func(bufCfg BufferConfig) (*buffer.Buffer[Item[T]], error) {
		policy, err := buffer.ParseOverflowPolicy(bufCfg.OverflowPolicy)
		if err != nil {
			return nil, err
		}
		return buffer.NewWithOpts(bufCfg.Capacity, policy, buffer.Options[Item[T]]{
			BlockTimeout:  cfg.BlockTimeout,
			ReplaceVictim: opts.ReplaceVictim,
			OnOverflow:    onOverflow,
		})
	}
	high, err := newBuf(cfg.High)
	if err != nil {
		return nil, fmt.Errorf("create high-priority buffer: %w", err)
	}
	normal, err := newBuf(cfg.Normal)
	if err != nil {
		return nil, fmt.Errorf("create normal-priority buffer: %w", err)
	}
	return buffer.NewScheduler(high, normal)
}

// Submit runs the admission pipeline for one payload and returns the decision
// synchronously. Acceptance means the item entered a buffer; everything after
// that is fire-and-forget. An empty key bypasses rate limiting.
func (c *Controller[T]) Submit(
	ctx context.Context, payload T, priority PriorityClass, key string,
) (AdmissionResult, error) {
	if c.isClosed() {
		return AdmissionResult{}, ErrClosed
	}

	if c.limiter != nil && key != "" {
		allow, retryAfter, err := c.limiter.Allow(ctx, key)
		if err != nil {
			return AdmissionResult{}, fmt.Errorf("rate limit check: %w", err)
		}
		if !allow {
			if c.dryRun {
				c.metrics.IncRejected(ReasonRateLimitDryRun)
				c.logger.Info("rate limit exceeded, dry-run mode, item will be admitted",
					log.String("key", key), log.DurationIn(retryAfter, time.Millisecond))
			} else {
				c.metrics.IncRejected(DecisionRejectedRateLimit.String())
				return AdmissionResult{Decision: DecisionRejectedRateLimit, RetryAfter: retryAfter}, nil
			}
		}
	}

	if c.throttle != nil && !c.throttle.ShouldAdmit(c.loadSample()) {
		c.metrics.IncRejected(DecisionRejectedShed.String())
		return AdmissionResult{Decision: DecisionRejectedShed}, nil
	}

	item := Item[T]{
		ID:         xid.New().String(),
		Payload:    payload,
		Priority:   priority,
		Key:        key,
		EnqueuedAt: time.Now(),
	}
	res, err := c.sched.Enqueue(ctx, priority, item)
	switch res {
	case buffer.EnqueueResultEnqueued:
		c.metrics.IncAccepted()
		c.updateOccupancy()
		return AdmissionResult{Decision: DecisionAccepted}, nil
	case buffer.EnqueueResultCanceled:
		c.metrics.IncRejected(DecisionRejectedOverflow.String())
		return AdmissionResult{Decision: DecisionRejectedOverflow}, err
	default:
		c.metrics.IncRejected(DecisionRejectedOverflow.String())
		return AdmissionResult{Decision: DecisionRejectedOverflow}, nil
	}
}

// Start launches the worker pool. Implements service.Unit interface.
func (c *Controller[T]) Start(_ chan<- error) {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.workerLoop()
	}
	if mw, ok := c.limiter.(*ratelimit.MultiWindowLimiter); ok {
		c.cleanupWG.Add(1)
		go func() {
			defer c.cleanupWG.Done()
			mw.RunPeriodicCleanup(c.ctx, limiterCleanupInterval)
		}()
	}
	c.logger.Info("flow controller started", log.Int("workers", c.workers))
}

// Stop stops the worker pool. Implements service.Unit interface.
//
// A graceful stop first closes admission, drops pending retry timers, and lets
// the workers drain the buffers; a non-graceful stop cancels in-flight waits
// and abandons buffered items.
func (c *Controller[T]) Stop(gracefully bool) error {
	c.retryMu.Lock()
	if c.closed {
		c.retryMu.Unlock()
		return nil
	}
	c.closed = true
	droppedRetries := len(c.retryTimers)
	for id, tm := range c.retryTimers {
		tm.Stop()
		delete(c.retryTimers, id)
	}
	c.retryMu.Unlock()

	if droppedRetries > 0 {
		c.logger.Warn("pending retries dropped on shutdown", log.Int("count", droppedRetries))
	}

	if gracefully {
		c.draining.Store(true)
	} else {
		c.cancel()
	}
	c.wg.Wait()
	c.cancel()
	c.cleanupWG.Wait()
	c.logger.Info("flow controller stopped", log.Bool("gracefully", gracefully))
	return nil
}

// MustRegisterMetrics implements service.MetricsRegisterer interface.
func (c *Controller[T]) MustRegisterMetrics() {
	if pm, ok := c.metrics.(*PrometheusMetrics); ok {
		pm.MustRegister()
	}
}

// UnregisterMetrics implements service.MetricsRegisterer interface.
func (c *Controller[T]) UnregisterMetrics() {
	if pm, ok := c.metrics.(*PrometheusMetrics); ok {
		pm.Unregister()
	}
}

// QueueLen returns the total number of buffered items.
func (c *Controller[T]) QueueLen() int {
	return c.sched.Len()
}

func (c *Controller[T]) workerLoop() {
	defer c.wg.Done()
	for {
		item, err := c.sched.Dequeue(c.ctx, c.pollInterval)
		if err != nil {
			if errors.Is(err, buffer.ErrTimeout) {
				if c.draining.Load() && c.sched.Len() == 0 {
					return
				}
				continue
			}
			return // context canceled
		}
		c.updateOccupancy()
		c.process(item)
	}
}

func (c *Controller[T]) onOverflow(event buffer.OverflowEvent[Item[T]]) {
	c.metrics.IncDropped(event.Reason.String())
	c.logger.Warn("buffered item discarded",
		log.String("item_id", event.Item.ID),
		log.String("reason", event.Reason.String()))
	if cb := c.userOnOverflow; cb != nil {
		cb(event)
	}
}

func (c *Controller[T]) isClosed() bool {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	return c.closed
}

func (c *Controller[T]) loadSample() throttle.LoadSample {
	return throttle.LoadSample{
		Time:               time.Now(),
		QueueDepthRatio:    float64(c.sched.Len()) / float64(c.sched.Cap()),
		AvgConsumerLatency: time.Duration(c.avgLatency.Load()),
	}
}

func (c *Controller[T]) observeLatency(elapsed time.Duration) {
	for {
		old := c.avgLatency.Load()
		upd := old + latencyEWMAAlpha*(float64(elapsed)-old)
		if old == 0 {
			upd = float64(elapsed)
		}
		if c.avgLatency.CompareAndSwap(old, upd) {
			return
		}
	}
}

func (c *Controller[T]) updateOccupancy() {
	c.metrics.SetQueueOccupancy(buffer.PriorityHigh.String(), c.sched.High().Len())
	c.metrics.SetQueueOccupancy(buffer.PriorityNormal.String(), c.sched.Normal().Len())
}

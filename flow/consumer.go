/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package flow

import (
	"fmt"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-flowlimit/buffer"
)

// retryState travels with the item across attempts so that the backoff sequence
// continues where it left off instead of restarting on every re-dequeue.
type retryState struct {
	attempt int
	lastErr error
	backOff backoff.BackOff
}

func (c *Controller[T]) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryCfg.InitialDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = c.retryCfg.Multiplier
	bo.MaxInterval = c.retryCfg.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithMaxRetries(bo, uint64(c.retryCfg.MaxAttempts))
}

// process runs one handler attempt and disposes of the outcome: success,
// scheduled retry, or dead-letter. It never blocks the worker on a backoff delay.
func (c *Controller[T]) process(item Item[T]) {
	start := time.Now()
	err := c.callHandler(item)
	elapsed := time.Since(start)
	c.observeLatency(elapsed)

	if err == nil {
		c.metrics.ObserveProcessing(ProcessingStatusOK, elapsed)
		return
	}
	c.metrics.ObserveProcessing(ProcessingStatusError, elapsed)

	if c.isRetryable == nil || !c.isRetryable(err) {
		c.deadLetter(item, err)
		return
	}

	if item.retry == nil {
		item.retry = &retryState{backOff: c.newBackOff()}
	}
	item.retry.lastErr = err

	delay := item.retry.backOff.NextBackOff()
	if delay == backoff.Stop {
		c.deadLetter(item, fmt.Errorf("retries exhausted after %d attempts: %w", item.retry.attempt+1, err))
		return
	}

	item.retry.attempt++
	c.metrics.IncRetried()
	c.logger.Warn("item processing failed, retry scheduled",
		log.String("item_id", item.ID),
		log.Int("attempt", item.retry.attempt),
		log.DurationIn(delay, time.Millisecond),
		log.Error(err))
	c.scheduleRetry(item, delay)
}

func (c *Controller[T]) callHandler(item Item[T]) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return c.handler(c.ctx, item)
}

// scheduleRetry re-admits the item after the backoff delay. The retried item
// re-enters the scheduler at normal priority so that a failing item cannot
// starve fresh high-priority work. Pending timers are dropped on Stop.
func (c *Controller[T]) scheduleRetry(item Item[T], delay time.Duration) {
	c.retryMu.Lock()
	if c.closed {
		// Dead-letter outside the lock: the sink may call back into the controller.
		c.retryMu.Unlock()
		c.deadLetter(item, fmt.Errorf("controller is stopped: %w", item.retry.lastErr))
		return
	}
	id := c.retrySeq
	c.retrySeq++
	c.retryTimers[id] = time.AfterFunc(delay, func() {
		c.retryMu.Lock()
		delete(c.retryTimers, id)
		closed := c.closed
		c.retryMu.Unlock()
		if closed {
			return
		}
		c.reenqueueRetry(item)
	})
	c.retryMu.Unlock()
}

func (c *Controller[T]) reenqueueRetry(item Item[T]) {
	res, err := c.sched.Enqueue(c.ctx, PriorityNormal, item)
	if err != nil || res != buffer.EnqueueResultEnqueued {
		cause := fmt.Errorf("retry re-enqueue %s: %w", res, item.retry.lastErr)
		if err != nil {
			cause = fmt.Errorf("retry re-enqueue %s (%v): %w", res, err, item.retry.lastErr)
		}
		c.deadLetter(item, cause)
		return
	}
	c.updateOccupancy()
}

func (c *Controller[T]) deadLetter(item Item[T], cause error) {
	c.metrics.IncDeadLettered()
	c.logger.Error("item dead-lettered",
		log.String("item_id", item.ID),
		log.String("key", item.Key),
		log.Int("attempts", item.Attempt()+1),
		log.Error(cause))
	if c.deadLetterFn != nil {
		c.deadLetterFn(item, cause)
	}
}

package pipeline

import (
	"context"
	"math/rand"
	"time"

	"github.com/avesa-io/avesa/pkg/apperror"
)

// RetryPolicy retries transient failures with capped exponential
// backoff and jitter. Non-retryable kinds and exhausted budgets return
// the last error unchanged so callers can classify it.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// JitterRatio spreads each delay by ±ratio to keep concurrent
	// chunks from synchronizing their retries.
	JitterRatio float64

	// OnRetry observes every scheduled retry, attempt counting from 1.
	OnRetry func(attempt int, kind apperror.Kind, delay time.Duration)
}

// newRetryPolicy builds the chunk fetch policy from pipeline settings.
func newRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		JitterRatio: 0.2,
	}
}

// Do runs fn until it succeeds, fails permanently, or the budget runs
// out. An expired context stops retrying immediately; the caller
// distinguishes timeout from cancellation off the context, not the
// returned error.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			if err != nil {
				return err
			}
			return ctx.Err()
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !apperror.Retryable(err) || attempt == attempts || ctx.Err() != nil {
			return err
		}

		delay := p.delay(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, apperror.KindOf(err), delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// delay computes backoff for the attempt that just failed: exponential
// from BaseDelay, capped at MaxDelay, jittered, and never below a
// server-provided Retry-After hint.
func (p RetryPolicy) delay(attempt int, err error) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.JitterRatio > 0 {
		spread := float64(delay) * p.JitterRatio
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}

	if hint, ok := apperror.RetryAfterHint(err); ok && hint > delay {
		delay = hint
	}
	return delay
}

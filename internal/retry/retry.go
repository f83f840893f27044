// Package retry wraps a single action invocation with bounded retry and
// exponential backoff. Failures are classified by a pluggable classifier so
// transient tool failures are retried while fatal ones short-circuit.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Class is the retryability classification of a failure.
type Class int

const (
	// ClassRetryable marks transient failures safe to attempt again.
	ClassRetryable Class = iota
	// ClassFatal marks failures that must not be retried, either because the
	// input is invalid or because the action already produced an observable
	// side effect.
	ClassFatal
)

// Classifier decides how a failure is treated. Classifiers must return
// ClassFatal for errors from actions that are not known to be idempotent and
// may already have had side effects.
type Classifier func(error) Class

// Policy bounds the retry behavior for one action invocation.
type Policy struct {
	MaxAttempts  int           // total invocations, including the first (min 1)
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // backoff cap
	Multiplier   float64       // exponential backoff multiplier
	Jitter       bool          // add 0-20% random variation to each delay
}

// normalized fills in usable values for zero fields.
func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2.0
	}
	return p
}

// ExhaustedError reports that every allowed attempt failed. It unwraps to the
// last failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Fn is the retried operation.
type Fn[T any] func(ctx context.Context) (T, error)

// Do invokes fn up to policy.MaxAttempts times. It returns the first success,
// a fatal failure immediately without consuming remaining attempts, or an
// ExhaustedError wrapping the last retryable failure. The backoff sleep
// between attempts observes ctx cancellation.
func Do[T any](ctx context.Context, policy Policy, fn Fn[T], classify Classifier, onRetry func(attempt int, delay time.Duration, err error)) (T, error) {
	var zero T
	policy = policy.normalized()

	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		if classify != nil && classify(err) == ClassFatal {
			return zero, err
		}

		if attempt >= policy.MaxAttempts {
			return zero, &ExhaustedError{Attempts: attempt, Last: err}
		}

		delay := backoffDelay(policy, attempt-1)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry interrupted: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
}

// backoffDelay computes initialDelay * multiplier^retries, capped at MaxDelay,
// with optional jitter.
func backoffDelay(policy Policy, retries int) time.Duration {
	delay := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(retries))
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	if policy.Jitter {
		delay += rand.Float64() * 0.2 * delay
	}
	return time.Duration(delay)
}

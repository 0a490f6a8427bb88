// Package retry wraps fallible operations with classified errors and
// jittered exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy controls backoff behavior. A Policy is immutable once constructed
// and may be shared by many concurrent calls.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultPolicy mirrors the service defaults: three retries starting at one
// second, capped at a minute.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay returns the backoff before retrying attempt n (0-indexed):
// min(MaxDelay, BaseDelay*Multiplier^n), perturbed by up to ±10% jitter so
// concurrent workers do not retry in lockstep.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && delay > max {
		delay = max
	}
	if p.Jitter {
		delay += delay * 0.1 * (rand.Float64()*2 - 1)
		// Jitter must not push the delay past the cap.
		if max := float64(p.MaxDelay); p.MaxDelay > 0 && delay > max {
			delay = max
		}
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// Operation is a single fallible attempt. Implementations should honor ctx.
type Operation func(ctx context.Context) error

// Executor runs operations under a retry policy. The zero value is not
// usable; construct with NewExecutor.
type Executor struct {
	policy         Policy
	attemptTimeout time.Duration
	onRetry        func(attempt int, err error, delay time.Duration)
	logger         *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithAttemptTimeout bounds each individual attempt, independent of the
// policy's backoff delays. An expired attempt is a transient failure.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Executor) { e.attemptTimeout = d }
}

// WithOnRetry registers a hook invoked before each backoff sleep.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

// NewExecutor constructs an Executor for the given policy.
func NewExecutor(policy Policy, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{policy: policy, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

// Execute runs op until it succeeds, fails permanently, or the retry budget
// is consumed. It returns the number of attempts made. Permanent errors
// propagate immediately without sleeping; exhaustion returns an
// *ExhaustedError carrying the last failure. Backoff sleeps block only the
// calling goroutine.
func (e *Executor) Execute(ctx context.Context, op Operation) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt, fmt.Errorf("execute aborted: %w", lastErr)
		}

		lastErr = e.runAttempt(ctx, op)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !Retryable(lastErr) {
			return attempt + 1, lastErr
		}
		if attempt == e.policy.MaxRetries {
			break
		}

		delay := e.policy.Delay(attempt)
		if e.onRetry != nil {
			e.onRetry(attempt+1, lastErr, delay)
		}
		e.logger.Warn("attempt failed, backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.String("class", Classify(lastErr).String()),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return attempt + 1, fmt.Errorf("backoff interrupted: %w", lastErr)
		case <-time.After(delay):
		}
	}
	return e.policy.MaxRetries + 1, &ExhaustedError{Attempts: e.policy.MaxRetries + 1, Err: lastErr}
}

func (e *Executor) runAttempt(ctx context.Context, op Operation) error {
	if e.attemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()
	err := op(attemptCtx)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// The attempt budget expired, not the caller: a transient failure.
		return Transient(fmt.Errorf("attempt timed out after %s: %w", e.attemptTimeout, err))
	}
	return err
}

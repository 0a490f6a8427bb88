package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPolicyDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := Policy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
	}

	require.Equal(t, time.Second, p.Delay(0))
	require.Equal(t, 2*time.Second, p.Delay(1))
	require.Equal(t, 4*time.Second, p.Delay(2))
	require.Equal(t, 8*time.Second, p.Delay(3))
	// Capped from here on.
	require.Equal(t, 10*time.Second, p.Delay(4))
	require.Equal(t, 10*time.Second, p.Delay(10))
}

func TestPolicyDelayJitterStaysBounded(t *testing.T) {
	t.Parallel()

	p := Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   4 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	for attempt := 0; attempt < 8; attempt++ {
		for i := 0; i < 200; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, p.MaxDelay)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"explicit transient", Transient(errors.New("boom")), ClassTransient},
		{"explicit permanent", Permanent(errors.New("boom")), ClassPermanent},
		{"explicit rate limited", RateLimited(errors.New("boom")), ClassRateLimited},
		{"wrapped classification", fmt.Errorf("outer: %w", Permanent(errors.New("inner"))), ClassPermanent},
		{"status 429", &StatusError{Code: 429}, ClassRateLimited},
		{"status 503", &StatusError{Code: 503}, ClassTransient},
		{"status 404", &StatusError{Code: 404}, ClassPermanent},
		{"context canceled", context.Canceled, ClassPermanent},
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"net error", &net.DNSError{Err: "no such host", IsTimeout: true}, ClassTransient},
		{"unknown defaults permanent", errors.New("mystery"), ClassPermanent},
		{"wrapped unknown", fmt.Errorf("outer: %w", errors.New("mystery")), ClassPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 2.0}, zap.NewNop())
	calls := 0
	attempts, err := exec.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, attempts)
	require.Equal(t, 1, calls)
}

func TestExecutePermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 2.0}, zap.NewNop())
	boom := Permanent(errors.New("bad request"))
	calls := 0
	attempts, err := exec.Execute(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, attempts)
	require.Equal(t, 1, calls)
}

func TestExecuteUnclassifiedStopsImmediately(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 2.0}, zap.NewNop())
	boom := errors.New("malformed input")
	calls := 0
	attempts, err := exec.Execute(context.Background(), func(context.Context) error {
		calls++
		return boom
	})

	// A plain error is permanent: no retries, no exhaustion wrapper.
	require.ErrorIs(t, err, boom)
	var exhausted *ExhaustedError
	require.False(t, errors.As(err, &exhausted))
	require.Equal(t, 1, attempts)
	require.Equal(t, 1, calls)
}

func TestExecuteTransientRecovers(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 2.0}, zap.NewNop())
	calls := 0
	attempts, err := exec.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, 3, calls)
}

func TestExecuteExhaustsBudget(t *testing.T) {
	t.Parallel()

	var retries []int
	exec := NewExecutor(
		Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 2.0},
		zap.NewNop(),
		WithOnRetry(func(attempt int, _ error, _ time.Duration) {
			retries = append(retries, attempt)
		}),
	)
	last := Transient(errors.New("still down"))
	attempts, err := exec.Execute(context.Background(), func(context.Context) error {
		return last
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, attempts)
	require.Equal(t, 3, exhausted.Attempts)
	require.ErrorIs(t, err, last)
	require.Equal(t, []int{1, 2}, retries)
}

func TestExecuteHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(Policy{MaxRetries: 5, BaseDelay: time.Hour, Multiplier: 2.0}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := exec.Execute(ctx, func(context.Context) error {
		cancel()
		return Transient(errors.New("flaky"))
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestExecuteAttemptTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(
		Policy{MaxRetries: 1, BaseDelay: time.Millisecond, Multiplier: 2.0},
		zap.NewNop(),
		WithAttemptTimeout(10*time.Millisecond),
	)
	calls := 0
	attempts, err := exec.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, Retryable(Transient(errors.New("x"))))
	assert.True(t, Retryable(RateLimited(errors.New("x"))))
	assert.False(t, Retryable(Permanent(errors.New("x"))))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(errors.New("x")))
}

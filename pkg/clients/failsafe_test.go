package clients

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errPermanent = errors.New("permanent")

func TestRetryPolicyRetriesUpToLimit(t *testing.T) {
	policy := NewRetryPolicy[string](RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond})

	var attempts atomic.Int32
	_, err := Execute(context.Background(), func(context.Context) (string, error) {
		attempts.Add(1)
		return "", errors.New("timeout")
	}, policy)

	require.EqualError(t, err, "timeout")
	require.Equal(t, int32(2), attempts.Load())
}

func TestRetryPolicyNegativeRetriesMeansSingleAttempt(t *testing.T) {
	policy := NewRetryPolicy[int](RetryConfig{MaxRetries: -2})

	var attempts atomic.Int32
	_, err := Execute(context.Background(), func(context.Context) (int, error) {
		attempts.Add(1)
		return 0, errors.New("boom")
	}, policy)

	require.Error(t, err)
	require.Equal(t, int32(1), attempts.Load())
}

func TestRetryPolicySkipsNonRetryable(t *testing.T) {
	policy := NewRetryPolicy[int](RetryConfig{
		MaxRetries:  3,
		BaseDelay:   time.Millisecond,
		ShouldRetry: func(err error) bool { return !errors.Is(err, errPermanent) },
	})

	var attempts atomic.Int32
	_, err := Execute(context.Background(), func(context.Context) (int, error) {
		attempts.Add(1)
		return 0, errPermanent
	}, policy)

	require.ErrorIs(t, err, errPermanent)
	require.Equal(t, int32(1), attempts.Load())
}

func TestRetryPolicyEventualSuccess(t *testing.T) {
	policy := NewRetryPolicy[int](RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond})

	var attempts atomic.Int32
	v, err := Execute(context.Background(), func(context.Context) (int, error) {
		if attempts.Add(1) < 3 {
			return 0, errors.New("flaky")
		}
		return 9, nil
	}, policy)

	require.NoError(t, err)
	require.Equal(t, 9, v)
}

func TestCircuitBreakerOpensAndReportsStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker[int](CircuitBreakerConfig{
		Name:             "platform-poll",
		FailureThreshold: 2,
		Window:           2,
		Delay:            time.Hour,
		OnStateChange: func(_ string, from, to CircuitBreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	fail := func(context.Context) (int, error) { return 0, errors.New("502") }
	for i := 0; i < 2; i++ {
		_, err := Execute(context.Background(), fail, cb)
		require.Error(t, err)
	}

	var called bool
	_, err := Execute(context.Background(), func(context.Context) (int, error) {
		called = true
		return 1, nil
	}, cb)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.False(t, called)
	require.Equal(t, []string{"closed->open"}, transitions)
}

func TestCircuitBreakerIgnoresFilteredErrors(t *testing.T) {
	cb := NewCircuitBreaker[int](CircuitBreakerConfig{
		FailureThreshold: 1,
		Window:           1,
		Delay:            time.Hour,
		IsFailure:        func(err error) bool { return !errors.Is(err, errPermanent) },
	})

	for i := 0; i < 3; i++ {
		_, err := Execute(context.Background(), func(context.Context) (int, error) { return 0, errPermanent }, cb)
		require.ErrorIs(t, err, errPermanent)
	}
	require.True(t, cb.IsClosed())
}

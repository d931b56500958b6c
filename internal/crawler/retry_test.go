package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy(5).Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &FetchError{URL: "u", Transient: true, Err: errors.New("reset")}
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryBoundedAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy(3).Retry(context.Background(), func() error {
		calls++
		return errors.New("timeout")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPermanentError(t *testing.T) {
	t.Parallel()

	calls := 0
	permanent := StatusError("u", 404)
	err := fastPolicy(5).Retry(context.Background(), func() error {
		calls++
		return permanent
	}, nil)
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnClosedQueue(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy(5).Retry(context.Background(), func() error {
		calls++
		return ErrQueueClosed
	}, nil)
	require.ErrorIs(t, err, ErrQueueClosed)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(StatusError("u", 503)))
	assert.True(t, IsTransient(StatusError("u", 429)))
	assert.False(t, IsTransient(StatusError("u", 404)))
	assert.False(t, IsTransient(fmt.Errorf("enqueue continuation: %w", ErrQueueClosed)))

	terminated := &TerminateError{Reason: "operator"}
	assert.ErrorIs(t, terminated, ErrTerminated)
	assert.Contains(t, terminated.Error(), "operator")
}

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/casarerpa/internal/errkind"
)

type kindError struct {
	kind errkind.Kind
	msg  string
}

func (e *kindError) Error() string      { return e.msg }
func (e *kindError) Kind() errkind.Kind { return e.kind }

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{
		Attempts:     5,
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     35 * time.Millisecond,
	}

	assert.Equal(t, time.Duration(0), p.delay(1))
	assert.Equal(t, 10*time.Millisecond, p.delay(2))
	assert.Equal(t, 20*time.Millisecond, p.delay(3))
	assert.Equal(t, 35*time.Millisecond, p.delay(4)) // capped: would be 40ms
}

func TestDo_SucceedsWithoutRetryOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}, nil, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesRetryableErrorUntilSuccess(t *testing.T) {
	// Mirrors scenario S3: fails twice then succeeds, 3 total executions.
	calls := 0
	err := Do(context.Background(), RetryPolicy{
		Attempts:     3,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
	}, nil, func() error {
		calls++
		if calls < 3 {
			return &kindError{kind: errkind.Transient, msg: "transient failure"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsImmediatelyOnNonRetryableError(t *testing.T) {
	calls := 0
	sentinel := &kindError{kind: errkind.NotFound, msg: "missing"}
	err := Do(context.Background(), RetryPolicy{Attempts: 5, InitialDelay: time.Millisecond, Multiplier: 2}, nil, func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}, nil, func() error {
		calls++
		return &kindError{kind: errkind.Transient, msg: "still failing"}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_CustomRetryableOverridesDefault(t *testing.T) {
	calls := 0
	plainErr := errors.New("plain")
	alwaysRetry := func(error) bool { return true }

	err := Do(context.Background(), RetryPolicy{Attempts: 2, InitialDelay: time.Millisecond, Multiplier: 2}, alwaysRetry, func() error {
		calls++
		return plainErr
	})
	assert.ErrorIs(t, err, plainErr)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, RetryPolicy{Attempts: 3, InitialDelay: time.Second, Multiplier: 2}, nil, func() error {
		calls++
		return &kindError{kind: errkind.Transient, msg: "retryable"}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

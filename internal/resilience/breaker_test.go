package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := newBreaker("svc", Settings{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: 1,
	})

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
		assert.Equal(t, StateClosed, b.Stats().State)
	}

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateOpen, b.Stats().State)
}

func TestBreaker_OpenFailsFast(t *testing.T) {
	b := newBreaker("svc", Settings{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: 1,
	})

	require.NoError(t, b.Allow())
	b.Failure()
	require.Equal(t, StateOpen, b.Stats().State)

	err := b.Allow()
	require.Error(t, err)
	var circuitErr *ErrCircuitOpen
	require.ErrorAs(t, err, &circuitErr)
	assert.Equal(t, "svc", circuitErr.Name)
	assert.Equal(t, int64(1), b.Stats().Blocked)
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := newBreaker("svc", Settings{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	})

	require.NoError(t, b.Allow())
	b.Failure()
	require.Equal(t, StateOpen, b.Stats().State)

	time.Sleep(15 * time.Millisecond)

	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.Stats().State)

	// A second concurrent call is blocked while one probe is in flight.
	err := b.Allow()
	require.Error(t, err)
}

func TestBreaker_ClosesAfterSuccessThresholdInHalfOpen(t *testing.T) {
	b := newBreaker("svc", Settings{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	})

	require.NoError(t, b.Allow())
	b.Failure()
	time.Sleep(15 * time.Millisecond)

	require.NoError(t, b.Allow())
	b.Success()
	assert.Equal(t, StateHalfOpen, b.Stats().State)

	require.NoError(t, b.Allow())
	b.Success()
	assert.Equal(t, StateClosed, b.Stats().State)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newBreaker("svc", Settings{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	})

	require.NoError(t, b.Allow())
	b.Failure()
	time.Sleep(15 * time.Millisecond)

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateOpen, b.Stats().State)
	assert.Equal(t, int64(2), b.Stats().TimesOpened)
}

func TestBreaker_Call_PropagatesUnderlyingError(t *testing.T) {
	b := newBreaker("svc", DefaultSettings())
	sentinel := errors.New("boom")

	err := b.Call(func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, int64(1), b.Stats().Failed)
}

func TestBreaker_MonotonicityWithoutFailures(t *testing.T) {
	// Property 8: absent failures, failure_count is non-increasing (stays
	// at zero); absent successes in half-open, state never returns to
	// closed without at least one success.
	b := newBreaker("svc", Settings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: 1,
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Allow())
		b.Success()
	}
	assert.Equal(t, StateClosed, b.Stats().State)
	assert.Equal(t, 0, b.failureCount)
}

func TestRegistry_GetOrCreateIsStable(t *testing.T) {
	r := NewRegistry(DefaultSettings())
	a := r.GetOrCreate("robot-session")
	b := r.GetOrCreate("robot-session")
	assert.Same(t, a, b)

	_, err := r.Get("unknown")
	assert.ErrorIs(t, err, ErrUnknownBreaker)
}

func TestRegistry_AllSnapshotsEveryBreaker(t *testing.T) {
	r := NewRegistry(DefaultSettings())
	r.GetOrCreate("one")
	r.GetOrCreate("two")

	all := r.All()
	assert.Len(t, all, 2)
	assert.Contains(t, all, "one")
	assert.Contains(t, all, "two")
}

package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/casarerpa/casarerpa/internal/errkind"
)

// RetryPolicy is a composable backoff schedule: attempt n (1-indexed, n >= 2)
// sleeps min(InitialDelay * Multiplier^(n-2), MaxDelay) before running, with
// optional ±25% jitter applied to the computed delay. Attempt 1 never sleeps,
// so the first retry waits InitialDelay.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration // zero means unbounded
	Jitter       bool
}

// Classifiable is satisfied by an error that knows its own errkind.Kind.
// Errors that don't implement it are treated as non-retryable unless the
// caller passes an explicit override via RetryableFunc.
type Classifiable interface {
	Kind() errkind.Kind
}

// delay returns the backoff duration for the given 1-indexed attempt number,
// before jitter is applied.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-2))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// jittered applies ±25% uniform jitter to d if enabled.
func jittered(d time.Duration, enabled bool) time.Duration {
	if !enabled || d <= 0 {
		return d
	}
	// uniform in [0.75, 1.25]
	factor := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}

// RetryableFunc classifies whether err should be retried. If nil, Do falls
// back to errkind.Retryable via the Classifiable interface, treating any
// error that does not implement it as non-retryable.
type RetryableFunc func(err error) bool

// DefaultRetryable treats err as retryable if it implements Classifiable and
// its Kind is in errkind.Retryable's set.
func DefaultRetryable(err error) bool {
	var c Classifiable
	if errors.As(err, &c) {
		return errkind.Retryable(c.Kind())
	}
	return false
}

// Do runs fn up to p.Attempts times, sleeping the policy's backoff between
// attempts, stopping early on success or on a non-retryable error (per
// retryable, or DefaultRetryable if retryable is nil). With the default
// classification a Conflict error is retried once, then surfaces. Returns
// the last error if every attempt failed, or ctx.Err() if ctx is cancelled
// while waiting to retry.
func Do(ctx context.Context, p RetryPolicy, retryable RetryableFunc, fn func() error) error {
	useDefault := retryable == nil
	if useDefault {
		retryable = DefaultRetryable
	}
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 {
			d := jittered(p.delay(attempt), p.Jitter)
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < p.Attempts && !retryable(err) {
			return err
		}
		var c Classifiable
		if useDefault && attempt >= 2 && errors.As(err, &c) && c.Kind() == errkind.Conflict {
			return err
		}
	}
	return lastErr
}

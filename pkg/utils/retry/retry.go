package retry

import (
	"context"
	"errors"
	"time"
)

// ErrRetry can be returned from a retried function to ask for one more call
// regardless of the retryable predicate.
var ErrRetry = errors.New("retry")

// Backoff is a (blocking) function returns when to retry.
//
// # Args
//
// - context: context. If context is canceled, Backoff should return ctx.Err().
//
// # Returns
//
// - error: nil if retry, non-nil if not.
type Backoff func(context.Context) error

// StaticBackoff returns a Backoff function that waits for a fixed interval.
var StaticBackoff = func(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1)
}

// ExponentialBackoff returns a Backoff function that waits with exponential backoff.
//
// For N-th call, it waits for `initialInterval * r^N` or context to be done.
var ExponentialBackoff = func(initialInterval time.Duration, r float64) Backoff {
	interval := initialInterval
	return func(ctx context.Context) error {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			interval = time.Duration(int64(float64(interval) * r))
			return nil
		}
	}
}

// Policy bounds how many times, and how patiently, an operation is retried.
type Policy struct {
	// Attempts is the number of calls in total, including the first one.
	// Values less than 1 are treated as 1.
	Attempts int

	// Initial is the wait before the second call.
	Initial time.Duration

	// Multiplier grows the wait for each following call. Values less than 1 are treated as 1.
	Multiplier float64
}

// DefaultPolicy retries 5 times in total, waiting 100ms, 200ms, 400ms and 800ms between.
var DefaultPolicy = Policy{Attempts: 5, Initial: 100 * time.Millisecond, Multiplier: 2}

func (p Policy) Backoff() Backoff {
	r := p.Multiplier
	if r < 1 {
		r = 1
	}
	return ExponentialBackoff(p.Initial, r)
}

// Do calls f until it succeeds, fails with an error that is not retryable,
// or the attempts run out.
//
// # Args
//
// - ctx: context. It is passed to f, and interrupts waiting between calls.
//
// - p: retry policy.
//
// - retryable: reports whether an error is worth another call. ErrRetry is always retried.
//
// - f: function to be called.
//
// # Returns
//
// - T: last return value of f
//
// - error: nil on success. Otherwise the last error f returned.
// When ctx is done while waiting, ctx.Err() joined with the last error.
func Do[T any](
	ctx context.Context, p Policy, retryable func(error) bool,
	f func(context.Context) (T, error),
) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff()

	var last T
	var err error
	for n := 1; ; n++ {
		last, err = f(ctx)
		if err == nil {
			return last, nil
		}
		if !errors.Is(err, ErrRetry) && (retryable == nil || !retryable(err)) {
			return last, err
		}
		if attempts <= n {
			return last, err
		}
		if berr := backoff(ctx); berr != nil {
			return last, errors.Join(berr, err)
		}
	}
}

package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opst/kjobs/pkg/utils/retry"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func isTransient(err error) bool {
	return errors.Is(err, errTransient)
}

func TestDo(t *testing.T) {
	policy := retry.Policy{Attempts: 3, Initial: time.Millisecond, Multiplier: 2}

	type When struct {
		results []error
	}
	type Then struct {
		calls int
		err   error
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			calls := 0
			got, err := retry.Do(
				context.Background(), policy, isTransient,
				func(context.Context) (int, error) {
					r := when.results[calls]
					calls += 1
					return calls, r
				},
			)

			if calls != then.calls {
				t.Errorf("calls = %d, want %d", calls, then.calls)
			}
			if got != calls {
				t.Errorf("returned value = %d, want %d (last one)", got, calls)
			}
			if then.err == nil {
				if err != nil {
					t.Errorf("err = %v, want nil", err)
				}
			} else if !errors.Is(err, then.err) {
				t.Errorf("err = %v, want %v", err, then.err)
			}
		}
	}

	t.Run("it returns at once when the first call succeeds", theory(
		When{results: []error{nil}},
		Then{calls: 1},
	))
	t.Run("it retries transient errors until success", theory(
		When{results: []error{errTransient, errTransient, nil}},
		Then{calls: 3},
	))
	t.Run("it gives up after attempts run out", theory(
		When{results: []error{errTransient, errTransient, errTransient, nil}},
		Then{calls: 3, err: errTransient},
	))
	t.Run("it does not retry permanent errors", theory(
		When{results: []error{errPermanent, nil}},
		Then{calls: 1, err: errPermanent},
	))
	t.Run("it retries ErrRetry even if the predicate rejects it", theory(
		When{results: []error{retry.ErrRetry, nil}},
		Then{calls: 2},
	))

	t.Run("it stops waiting when the context is canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := retry.Policy{Attempts: 10, Initial: time.Hour, Multiplier: 1}

		calls := 0
		_, err := retry.Do(ctx, slow, isTransient, func(context.Context) (struct{}, error) {
			calls += 1
			cancel()
			return struct{}{}, errTransient
		})

		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		if !errors.Is(err, errTransient) {
			t.Errorf("err = %v, want to keep the last error", err)
		}
	})
}

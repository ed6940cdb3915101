package context

import (
	"context"
	"testing"
	"time"
)

// WithTest returns a context which is done 1 second before the deadline of the test,
// to leave time to clean up resources.
//
// The context is canceled when the test ends.
func WithTest(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if deadline, ok := t.Deadline(); ok {
		ctx, cancel = context.WithDeadline(context.Background(), deadline.Add(-time.Second))
	}
	t.Cleanup(cancel)
	return ctx
}

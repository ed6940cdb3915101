// Package queuetest provides a test suite every queue backend should pass.
package queuetest

import (
	"context"
	"errors"
	"testing"
	"time"

	ctxutil "github.com/opst/kjobs/internal/testutils/context"
	"github.com/opst/kjobs/pkg/queue"
)

// Env is a queue under test.
type Env struct {
	Queue queue.Queue

	// Expire makes messages received so far visible again.
	Expire func()
}

// Run tests q with a fresh Env for each case.
func Run(t *testing.T, setup func(t *testing.T) Env) {
	ctx := ctxutil.WithTest(t)
	short := 50 * time.Millisecond

	t.Run("it returns nil when the queue is empty", func(t *testing.T) {
		env := setup(t)
		m, err := env.Queue.Receive(ctx, short)
		if err != nil {
			t.Fatal(err)
		}
		if m != nil {
			t.Errorf("received: %+v", m)
		}
	})

	t.Run("it delivers messages in the enqueued order", func(t *testing.T) {
		env := setup(t)
		ids := []string{}
		for _, p := range []string{"first", "second"} {
			id, err := env.Queue.Enqueue(ctx, []byte(p))
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, id)
		}

		for nth, want := range []string{"first", "second"} {
			m, err := env.Queue.Receive(ctx, short)
			if err != nil {
				t.Fatal(err)
			}
			if m == nil {
				t.Fatalf("#%d: nothing received", nth)
			}
			if string(m.Payload) != want || m.ID != ids[nth] {
				t.Errorf("#%d: received (%s, %s), want (%s, %s)", nth, m.ID, m.Payload, ids[nth], want)
			}
			if m.Receives != 1 {
				t.Errorf("#%d: Receives = %d, want 1", nth, m.Receives)
			}
		}
	})

	t.Run("it hides received messages until they expire", func(t *testing.T) {
		env := setup(t)
		id, err := env.Queue.Enqueue(ctx, []byte("payload"))
		if err != nil {
			t.Fatal(err)
		}
		first, err := env.Queue.Receive(ctx, short)
		if err != nil || first == nil {
			t.Fatalf("first receive: (%v, %v)", first, err)
		}

		if m, err := env.Queue.Receive(ctx, short); err != nil {
			t.Fatal(err)
		} else if m != nil {
			t.Fatalf("invisible message is received: %+v", m)
		}

		env.Expire()

		second, err := env.Queue.Receive(ctx, short)
		if err != nil || second == nil {
			t.Fatalf("second receive: (%v, %v)", second, err)
		}
		if second.ID != id || second.Receives != 2 {
			t.Errorf("redelivered (%s, %d), want (%s, 2)", second.ID, second.Receives, id)
		}
		if second.ReceiptHandle == first.ReceiptHandle {
			t.Error("receipt handle is reused")
		}

		if err := env.Queue.Ack(ctx, first.ReceiptHandle); !errors.Is(err, queue.ErrStaleReceipt) {
			t.Errorf("ack with the stale receipt: %v", err)
		}
		if err := env.Queue.Ack(ctx, second.ReceiptHandle); err != nil {
			t.Errorf("ack: %v", err)
		}
	})

	t.Run("acknowledged messages are not delivered again", func(t *testing.T) {
		env := setup(t)
		if _, err := env.Queue.Enqueue(ctx, []byte("payload")); err != nil {
			t.Fatal(err)
		}
		m, err := env.Queue.Receive(ctx, short)
		if err != nil || m == nil {
			t.Fatalf("receive: (%v, %v)", m, err)
		}
		if err := env.Queue.Ack(ctx, m.ReceiptHandle); err != nil {
			t.Fatal(err)
		}

		env.Expire()
		if again, err := env.Queue.Receive(ctx, short); err != nil {
			t.Fatal(err)
		} else if again != nil {
			t.Errorf("acknowledged message is redelivered: %+v", again)
		}

		if err := env.Queue.Ack(ctx, m.ReceiptHandle); err != nil {
			t.Errorf("second ack: %v", err)
		}
	})

	t.Run("it rejects broken receipts", func(t *testing.T) {
		env := setup(t)
		if err := env.Queue.Ack(ctx, "broken"); !errors.Is(err, queue.ErrInvalidReceipt) {
			t.Errorf("err = %v, want ErrInvalidReceipt", err)
		}
	})

	t.Run("it wakes up when a message is enqueued while waiting", func(t *testing.T) {
		env := setup(t)
		go func() {
			time.Sleep(short)
			env.Queue.Enqueue(ctx, []byte("late"))
		}()
		m, err := env.Queue.Receive(ctx, 5*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if m == nil || string(m.Payload) != "late" {
			t.Errorf("received: %+v", m)
		}
	})

	t.Run("it stops waiting when the context is canceled", func(t *testing.T) {
		env := setup(t)
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(short)
			cancel()
		}()
		if _, err := env.Queue.Receive(cctx, time.Minute); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

package memory_test

import (
	"sync"
	"testing"
	"time"

	"github.com/opst/kjobs/pkg/queue/memory"
	"github.com/opst/kjobs/pkg/queue/queuetest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queuetest.Env {
		c := &clock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
		broker := memory.NewBroker(time.Hour, memory.WithClock(c.Now))
		t.Cleanup(func() { broker.Close() })

		q, err := broker.Open("test")
		if err != nil {
			t.Fatal(err)
		}
		return queuetest.Env{
			Queue:  q,
			Expire: func() { c.Advance(time.Hour) },
		}
	})
}

func TestBroker(t *testing.T) {
	broker := memory.NewBroker(time.Minute)

	t.Run("queues with the same name are the same", func(t *testing.T) {
		a, err := broker.Open("a")
		if err != nil {
			t.Fatal(err)
		}
		again, err := broker.Open("a")
		if err != nil {
			t.Fatal(err)
		}
		if a != again {
			t.Error("queue is opened twice")
		}
		if a.Name() != "a" {
			t.Errorf("Name() = %s", a.Name())
		}
	})

	t.Run("it rejects empty name", func(t *testing.T) {
		if _, err := broker.Open(""); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("closed broker opens nothing", func(t *testing.T) {
		if err := broker.Close(); err != nil {
			t.Fatal(err)
		}
		if _, err := broker.Open("b"); err == nil {
			t.Error("expected error")
		}
	})
}

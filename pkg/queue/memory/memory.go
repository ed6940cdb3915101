// Package memory implements in-process queues.
//
// Messages do not survive the process. This is for single-process deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/queue"
)

type Option func(*Broker)

// WithClock replaces the clock used to decide visibility.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// Broker holds queues in memory. Queues opened with the same name share messages.
type Broker struct {
	visibility time.Duration
	now        func() time.Time

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

// NewBroker creates a broker. visibility is how long a received message is hidden.
func NewBroker(visibility time.Duration, options ...Option) *Broker {
	b := &Broker{
		visibility: visibility,
		now:        time.Now,
		queues:     map[string]*Queue{},
	}
	for _, o := range options {
		o(b)
	}
	return b
}

func (b *Broker) Open(name string) (queue.Queue, error) {
	if name == "" {
		return nil, xe.NewConfiguration("queue name is empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, xe.New("broker is closed")
	}
	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	q := &Queue{
		name:       name,
		visibility: b.visibility,
		now:        b.now,
		messages:   map[string]*entry{},
		notify:     make(chan struct{}),
	}
	b.queues[name] = q
	return q, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type entry struct {
	id        string
	payload   []byte
	seq       uint64
	visibleAt time.Time
	receives  int
	token     string
}

type Queue struct {
	name       string
	visibility time.Duration
	now        func() time.Time

	mu       sync.Mutex
	seq      uint64
	messages map[string]*entry

	// closed and replaced when a message is enqueued.
	notify chan struct{}
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	body := make([]byte, len(payload))
	copy(body, payload)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq += 1
	q.messages[id] = &entry{id: id, payload: body, seq: q.seq, visibleAt: q.now()}
	close(q.notify)
	q.notify = make(chan struct{})
	return id, nil
}

// Len returns how many messages are in the queue, including invisible ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *Queue) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		m, notify, next := q.claim()
		if m != nil {
			return m, nil
		}

		// wake up when an invisible message comes back, if it is earlier than the timer.
		var back <-chan time.Time
		var backTimer *time.Timer
		if 0 < next {
			backTimer = time.NewTimer(next)
			back = backTimer.C
		}

		expired := false
		select {
		case <-ctx.Done():
		case <-timer.C:
			expired = true
		case <-notify:
		case <-back:
		}
		if backTimer != nil {
			backTimer.Stop()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if expired {
			m, _, _ := q.claim()
			return m, nil
		}
	}
}

// claim takes the oldest visible message.
//
// When there are no visible messages, it returns the channel notifying
// new messages and the duration until an invisible message gets visible (0 if none).
func (q *Queue) claim() (*queue.Message, <-chan struct{}, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	visible := []*entry{}
	var next time.Duration
	for _, e := range q.messages {
		if !now.Before(e.visibleAt) {
			visible = append(visible, e)
			continue
		}
		if d := e.visibleAt.Sub(now); next == 0 || d < next {
			next = d
		}
	}
	if len(visible) == 0 {
		return nil, q.notify, next
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].seq < visible[j].seq })

	e := visible[0]
	e.receives += 1
	e.token = uuid.NewString()
	e.visibleAt = now.Add(q.visibility)

	body := make([]byte, len(e.payload))
	copy(body, e.payload)
	return &queue.Message{
		ID:            e.id,
		Payload:       body,
		ReceiptHandle: queue.NewReceipt(e.id, e.token),
		Receives:      e.receives,
	}, nil, 0
}

func (q *Queue) Ack(ctx context.Context, receiptHandle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, token, ok := queue.ParseReceipt(receiptHandle)
	if !ok {
		return queue.ErrInvalidReceipt
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.messages[id]
	if !ok {
		return nil
	}
	if e.token != token {
		return queue.ErrStaleReceipt
	}
	delete(q.messages, id)
	return nil
}

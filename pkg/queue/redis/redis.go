// Package redis implements queues on Redis.
//
// Each queue is stored in these keys:
//
//   - <prefix><name>:seq (string): counter to make message ids.
//   - <prefix><name>:pending (sorted set): message ids scored by the time (unix milli) they get visible.
//   - <prefix><name>:payload (hash): message id -> payload.
//   - <prefix><name>:receives (hash): message id -> how many times it is delivered.
//   - <prefix><name>:receipt (hash): message id -> token of the latest delivery.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/queue"
	goredis "github.com/redis/go-redis/v9"
)

const defaultPollInterval = 100 * time.Millisecond

// maxTxAttempts bounds optimistic transactions which lose races.
const maxTxAttempts = 16

type Option func(*Broker)

// WithClock replaces the clock used to decide visibility.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithPollInterval sets how often Receive checks the queue while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) { b.poll = d }
}

type Broker struct {
	client     goredis.UniversalClient
	prefix     string
	visibility time.Duration
	poll       time.Duration
	now        func() time.Time
}

// NewBroker creates a broker on the client. The broker owns the client, and closes it on Close.
func NewBroker(client goredis.UniversalClient, prefix string, visibility time.Duration, options ...Option) *Broker {
	b := &Broker{
		client:     client,
		prefix:     prefix,
		visibility: visibility,
		poll:       defaultPollInterval,
		now:        time.Now,
	}
	for _, o := range options {
		o(b)
	}
	return b
}

// Connect connects to the Redis server and creates a broker on it.
func Connect(ctx context.Context, opts *goredis.Options, prefix string, visibility time.Duration, options ...Option) (*Broker, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xe.NewInfrastructureCausedBy(fmt.Sprintf("cannot connect to redis at %s", opts.Addr), err)
	}
	return NewBroker(client, prefix, visibility, options...), nil
}

func (b *Broker) Open(name string) (queue.Queue, error) {
	if name == "" {
		return nil, xe.NewConfiguration("queue name is empty")
	}
	base := b.prefix + name
	return &Queue{
		broker:   b,
		name:     name,
		seq:      base + ":seq",
		pending:  base + ":pending",
		payload:  base + ":payload",
		receives: base + ":receives",
		receipt:  base + ":receipt",
	}, nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}

type Queue struct {
	broker *Broker
	name   string

	seq      string
	pending  string
	payload  string
	receives string
	receipt  string
}

func (q *Queue) Name() string {
	return q.name
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (q *Queue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	client := q.broker.client
	n, err := client.Incr(ctx, q.seq).Result()
	if err != nil {
		return "", xe.NewInfrastructureCausedBy("redis: enqueue", err)
	}
	// zero-padded, so that ids enqueued at the same millisecond are sorted in order.
	id := fmt.Sprintf("%016d", n)

	pipe := client.TxPipeline()
	pipe.HSet(ctx, q.payload, id, payload)
	pipe.ZAdd(ctx, q.pending, goredis.Z{Score: millis(q.broker.now()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", xe.NewInfrastructureCausedBy("redis: enqueue", err)
	}
	return id, nil
}

func (q *Queue) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	deadline := time.Now().Add(wait)
	for {
		m, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}

		rest := time.Until(deadline)
		if rest <= 0 {
			return nil, nil
		}
		interval := q.broker.poll
		if rest < interval {
			interval = rest
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// claim takes the oldest visible message and hides it, or returns nil if nothing is visible.
func (q *Queue) claim(ctx context.Context) (*queue.Message, error) {
	client := q.broker.client
	for range maxTxAttempts {
		var claimed *queue.Message
		err := client.Watch(ctx, func(tx *goredis.Tx) error {
			claimed = nil
			now := q.broker.now()
			ids, err := tx.ZRangeByScore(ctx, q.pending, &goredis.ZRangeBy{
				Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Count: 1,
			}).Result()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			id := ids[0]

			payload, err := tx.HGet(ctx, q.payload, id).Bytes()
			if errors.Is(err, goredis.Nil) {
				// orphan. drop it and look for the next.
				_, err := tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
					p.ZRem(ctx, q.pending, id)
					return nil
				})
				if err != nil {
					return err
				}
				return errOrphan
			} else if err != nil {
				return err
			}

			token := uuid.NewString()
			var receives *goredis.IntCmd
			_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
				p.ZAdd(ctx, q.pending, goredis.Z{Score: millis(now.Add(q.broker.visibility)), Member: id})
				p.HSet(ctx, q.receipt, id, token)
				receives = p.HIncrBy(ctx, q.receives, id, 1)
				return nil
			})
			if err != nil {
				return err
			}
			claimed = &queue.Message{
				ID:            id,
				Payload:       payload,
				ReceiptHandle: queue.NewReceipt(id, token),
				Receives:      int(receives.Val()),
			}
			return nil
		}, q.pending)

		switch {
		case err == nil:
			return claimed, nil
		case errors.Is(err, goredis.TxFailedErr), errors.Is(err, errOrphan):
			continue
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, xe.NewInfrastructureCausedBy("redis: receive", err)
		}
	}
	return nil, nil
}

var errOrphan = errors.New("orphan message")

func (q *Queue) Ack(ctx context.Context, receiptHandle string) error {
	id, token, ok := queue.ParseReceipt(receiptHandle)
	if !ok {
		return queue.ErrInvalidReceipt
	}

	client := q.broker.client
	for range maxTxAttempts {
		err := client.Watch(ctx, func(tx *goredis.Tx) error {
			current, err := tx.HGet(ctx, q.receipt, id).Result()
			if errors.Is(err, goredis.Nil) {
				return nil
			} else if err != nil {
				return err
			}
			if current != token {
				return queue.ErrStaleReceipt
			}
			_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
				p.ZRem(ctx, q.pending, id)
				p.HDel(ctx, q.payload, id)
				p.HDel(ctx, q.receives, id)
				p.HDel(ctx, q.receipt, id)
				return nil
			})
			return err
		}, q.receipt)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, queue.ErrStaleReceipt):
			return err
		case errors.Is(err, goredis.TxFailedErr):
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return xe.NewInfrastructureCausedBy("redis: ack", err)
		}
	}
	return xe.NewInfrastructureCausedBy("redis: ack", goredis.TxFailedErr)
}

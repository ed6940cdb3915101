// Package postgres implements queues on a PostgreSQL table.
//
// Receivers take messages with SELECT ... FOR UPDATE SKIP LOCKED,
// so many workers can share a queue without blocking each other.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/queue"
)

const defaultPollInterval = 500 * time.Millisecond

// Pool is the subset of *pgxpool.Pool queues use.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

var _ Pool = &pgxpool.Pool{}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

type Option func(*Broker)

// WithPollInterval sets how often Receive checks the table while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) { b.poll = d }
}

type Broker struct {
	pool       Pool
	table      string
	visibility time.Duration
	poll       time.Duration
}

// NewBroker creates a broker storing messages in the table.
// The broker owns the pool, and closes it on Close.
func NewBroker(pool Pool, table string, visibility time.Duration, options ...Option) (*Broker, error) {
	if !identifier.MatchString(table) {
		return nil, xe.NewConfiguration(fmt.Sprintf("table name %q is not a plain identifier", table))
	}
	b := &Broker{
		pool:       pool,
		table:      table,
		visibility: visibility,
		poll:       defaultPollInterval,
	}
	for _, o := range options {
		o(b)
	}
	return b, nil
}

// Connect connects to the database and creates a broker on it, creating the table if missing.
func Connect(ctx context.Context, dsn string, table string, visibility time.Duration, options ...Option) (*Broker, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, xe.NewInfrastructureCausedBy("cannot connect to postgres", err)
	}
	b, err := NewBroker(pool, table, visibility, options...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := b.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// Migrate creates the table and its index if they do not exist.
func (b *Broker) Migrate(ctx context.Context) error {
	for _, stmt := range []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s" (
			"id" uuid PRIMARY KEY,
			"seq" bigserial NOT NULL,
			"queue" text NOT NULL,
			"payload" bytea NOT NULL,
			"enqueued_at" timestamptz NOT NULL DEFAULT now(),
			"visible_at" timestamptz NOT NULL DEFAULT now(),
			"receipt" uuid,
			"receives" integer NOT NULL DEFAULT 0
		)`, b.table),
		fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS "%s_visible" ON "%s" ("queue", "visible_at", "seq")`,
			b.table, b.table,
		),
	} {
		_, err := b.pool.Exec(ctx, stmt)
		if err == nil {
			continue
		}

		// other process may create them at the same time.
		pgerr := new(pgconn.PgError)
		if errors.As(err, &pgerr) && (pgerr.Code == pgerrcode.UniqueViolation || pgerr.Code == pgerrcode.DuplicateTable) {
			continue
		}
		return xe.NewInfrastructureCausedBy("postgres: migrate", err)
	}
	return nil
}

func (b *Broker) Open(name string) (queue.Queue, error) {
	if name == "" {
		return nil, xe.NewConfiguration("queue name is empty")
	}
	return &Queue{broker: b, name: name}, nil
}

func (b *Broker) Close() error {
	b.pool.Close()
	return nil
}

type Queue struct {
	broker *Broker
	name   string
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := q.broker.pool.Exec(
		ctx,
		fmt.Sprintf(`INSERT INTO "%s" ("id", "queue", "payload") VALUES ($1, $2, $3)`, q.broker.table),
		id, q.name, payload,
	)
	if err != nil {
		return "", xe.NewInfrastructureCausedBy("postgres: enqueue", err)
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

func (q *Queue) claim(ctx context.Context) (*queue.Message, error) {
	table := q.broker.table
	token := uuid.NewString()

	m := &queue.Message{}
	err := q.broker.pool.QueryRow(
		ctx,
		fmt.Sprintf(`
		UPDATE "%s"
		SET
			"receipt" = $2,
			"receives" = "receives" + 1,
			"visible_at" = now() + ($3::float8 * interval '1 millisecond')
		WHERE "id" = (
			SELECT "id" FROM "%s"
			WHERE "queue" = $1 AND "visible_at" <= now()
			ORDER BY "visible_at", "seq"
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING "id"::text, "payload", "receives"
		`, table, table),
		q.name, token, float64(q.broker.visibility.Milliseconds()),
	).Scan(&m.ID, &m.Payload, &m.Receives)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xe.NewInfrastructureCausedBy("postgres: receive", err)
	}
	m.ReceiptHandle = queue.NewReceipt(m.ID, token)
	return m, nil
}

func (q *Queue) Ack(ctx context.Context, receiptHandle string) error {
	id, token, ok := queue.ParseReceipt(receiptHandle)
	if !ok {
		return queue.ErrInvalidReceipt
	}
	if _, err := uuid.Parse(id); err != nil {
		return queue.ErrInvalidReceipt
	}
	if _, err := uuid.Parse(token); err != nil {
		return queue.ErrInvalidReceipt
	}

	table := q.broker.table
	tag, err := q.broker.pool.Exec(
		ctx,
		fmt.Sprintf(`DELETE FROM "%s" WHERE "id" = $1 AND "receipt" = $2`, table),
		id, token,
	)
	if err != nil {
		return xe.NewInfrastructureCausedBy("postgres: ack", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.broker.pool.QueryRow(
		ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM "%s" WHERE "id" = $1)`, table),
		id,
	).Scan(&exists); err != nil {
		return xe.NewInfrastructureCausedBy("postgres: ack", err)
	}
	if exists {
		return queue.ErrStaleReceipt
	}
	return nil
}

// Package worker consumes a queue, handing each message to a handler.
//
// Handler failures are scoped to the message: the message is left unacknowledged,
// and the queue delivers it again after its visibility timeout.
// Failures of the queue itself are retried a few times, then stop the run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/loop"
	"github.com/opst/kjobs/pkg/metrics"
	"github.com/opst/kjobs/pkg/queue"
	"github.com/opst/kjobs/pkg/utils/retry"
)

// Handler handles a message. Returning error leaves the message for redelivery.
type Handler func(context.Context, *queue.Message) error

// Summary is what a run has done.
type Summary struct {
	StartedAt time.Time

	// when the policy is evaluated last.
	Now time.Time

	// count of messages handled and acknowledged.
	Processed int

	// count of messages the handler failed on.
	Failed int
}

type Worker struct {
	queue   queue.Queue
	wait    time.Duration
	retry   retry.Policy
	logger  *log.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Worker)

// WithPollWait sets how long each receive waits for a message.
func WithPollWait(d time.Duration) Option {
	return func(w *Worker) { w.wait = d }
}

// WithRetry sets retry policy for queue errors.
func WithRetry(p retry.Policy) Option {
	return func(w *Worker) { w.retry = p }
}

func WithLogger(logger *log.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

func WithMetrics(mx *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = mx }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func New(q queue.Queue, options ...Option) *Worker {
	w := &Worker{
		queue:  q,
		wait:   5 * time.Second,
		retry:  retry.DefaultPolicy,
		logger: log.New("kjobs/worker"),
		now:    time.Now,
	}
	for _, o := range options {
		o(w)
	}
	return w
}

// retryable tells queue errors worth retrying.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, queue.ErrStaleReceipt), errors.Is(err, queue.ErrInvalidReceipt):
		return false
	case xe.AsConfiguration(err):
		return false
	}
	return true
}

// Run receives and handles messages until policy says stop.
//
// # Returns
//
// - Summary: what the run has done. It is returned with errors, too.
//
// - error: nil when the policy stops the run.
// ctx.Err() when ctx is done.
// *errors.ErrInfrastructure when the queue keeps failing.
func (w *Worker) Run(ctx context.Context, policy Policy, handler Handler) (Summary, error) {
	name := w.queue.Name()
	w.logger.Infof("worker starts: queue = %s, policy = %s", name, policy)

	wait := w.wait
	if b, ok := policy.(interface{ maxWait() time.Duration }); ok && b.maxWait() < wait {
		wait = b.maxWait()
	}

	started := w.now()
	init := Summary{StartedAt: started, Now: started}
	s, err := loop.Start(ctx, init, func(ctx context.Context, s Summary) (Summary, loop.Next) {
		m, err := retry.Do(ctx, w.retry, retryable, func(ctx context.Context) (*queue.Message, error) {
			return w.queue.Receive(ctx, wait)
		})
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return s, loop.Break(cerr)
			}
			return s, loop.Break(xe.NewInfrastructureCausedBy(fmt.Sprintf("receive from queue %s", name), err))
		}
		if m == nil {
			s.Now = w.now()
			return s, policy.Next(s, false)
		}

		s, err = w.handle(ctx, s, m, handler)
		if err != nil {
			return s, loop.Break(err)
		}
		s.Now = w.now()
		return s, policy.Next(s, true)
	})

	if err != nil {
		w.logger.Warnf(
			"worker stops with error: queue = %s, processed = %d, failed = %d: %v",
			name, s.Processed, s.Failed, err,
		)
		return s, err
	}
	w.logger.Infof("worker stops: queue = %s, processed = %d, failed = %d", name, s.Processed, s.Failed)
	return s, nil
}

func (w *Worker) handle(ctx context.Context, s Summary, m *queue.Message, handler Handler) (Summary, error) {
	name := w.queue.Name()

	started := time.Now()
	herr := invoke(ctx, handler, m)
	w.metrics.MessageHandled(name, time.Since(started), herr)
	if herr != nil {
		s.Failed += 1
		w.logger.Warnf("message %s (receives = %d) is left for redelivery: %v", m.ID, m.Receives, herr)
		return s, nil
	}
	s.Processed += 1

	_, err := retry.Do(ctx, w.retry, retryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.queue.Ack(ctx, m.ReceiptHandle)
	})
	switch {
	case err == nil:
		w.logger.Debugf("message %s is acknowledged", m.ID)
	case errors.Is(err, queue.ErrStaleReceipt):
		// the message has been delivered again while handling. it will be handled twice.
		w.logger.Warnf("message %s has been redelivered while handling", m.ID)
	case ctx.Err() != nil:
		return s, ctx.Err()
	default:
		return s, xe.NewInfrastructureCausedBy(fmt.Sprintf("acknowledge message %s in queue %s", m.ID, name), err)
	}
	return s, nil
}

// invoke calls handler, converting panics into errors.
func invoke(ctx context.Context, handler Handler, m *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xe.NewHandlerCausedBy(fmt.Sprintf("message %s", m.ID), fmt.Errorf("panic: %v", r))
		}
	}()
	if err := handler(ctx, m); err != nil {
		return xe.NewHandlerCausedBy(fmt.Sprintf("message %s", m.ID), err)
	}
	return nil
}

// Package admission accepts requests for definitions, and fans them out to
// the queue and to the cluster as the definition says.
//
// Enqueueing and submitting are independent. When one of them fails, the other
// is not rolled back, and the request is reported as partially admitted.
package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/labstack/gommon/log"
	"github.com/opst/kjobs/pkg/definitions"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/jobs"
	"github.com/opst/kjobs/pkg/metrics"
	"github.com/opst/kjobs/pkg/queue"
)

// Outcome of a request, as recorded in metrics.
const (
	OutcomeAccepted = "accepted"
	OutcomePartial  = "partial"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Result tells what has been done for a request.
type Result struct {
	Admission definitions.Admission

	// name of the submitted job. Empty if not submitted.
	JobName string

	// id of the enqueued message. Empty if not enqueued.
	MessageID string

	// error on enqueueing, if attempted and failed.
	EnqueueErr error

	// error on submitting, if attempted and failed.
	SubmitErr error
}

// Partial reports whether one of the attempted actions has failed and the other has succeeded.
func (r Result) Partial() bool {
	if !r.Admission.Enqueues() || !r.Admission.Spawns() {
		return false
	}
	return (r.EnqueueErr == nil) != (r.SubmitErr == nil)
}

type Coordinator struct {
	resolver definitions.Resolver
	manager  jobs.Manager
	broker   queue.Broker
	logger   *log.Logger
	metrics  *metrics.Metrics
}

type Option func(*Coordinator)

func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(mx *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = mx }
}

// New creates a Coordinator.
//
// broker can be nil when no definitions enqueue.
func New(resolver definitions.Resolver, manager jobs.Manager, broker queue.Broker, options ...Option) *Coordinator {
	c := &Coordinator{
		resolver: resolver,
		manager:  manager,
		broker:   broker,
		logger:   log.New("kjobs/admission"),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Admit handles a request for the definition.
//
// # Returns
//
// - Result: what has been done. It is returned with errors, too.
//
// - error: non-nil when the request is rejected, or every attempted action has failed.
// *errors.ErrNotFound when the definition is missing.
// *errors.ErrTemplateRender when args do not fit the template of a definition spawning jobs.
// Otherwise, errors from the queue and the manager, joined.
func (c *Coordinator) Admit(ctx context.Context, definitionName string, args map[string]string) (Result, error) {
	def, err := c.resolver.Resolve(definitionName)
	if err != nil {
		c.metrics.Admitted(definitionName, OutcomeRejected)
		return Result{}, err
	}
	result := Result{Admission: def.Admission}

	// reject requests which cannot make jobs, before anything is enqueued.
	if def.Admission.Spawns() {
		if _, err := def.Template.RenderJob(args); err != nil {
			c.metrics.Admitted(definitionName, OutcomeRejected)
			return result, err
		}
	}

	if def.Admission.Enqueues() {
		result.MessageID, result.EnqueueErr = c.enqueue(ctx, def, args)
	}
	if def.Admission.Spawns() {
		job, err := c.manager.Submit(ctx, definitionName, args)
		if err != nil {
			result.SubmitErr = err
		} else {
			result.JobName = job.Name()
		}
	}

	switch {
	case result.Partial():
		c.metrics.Admitted(definitionName, OutcomePartial)
		c.logger.Warnf(
			"request for %s is partially admitted: message = %q (%v), job = %q (%v)",
			definitionName, result.MessageID, result.EnqueueErr, result.JobName, result.SubmitErr,
		)
		return result, nil
	case result.EnqueueErr != nil || result.SubmitErr != nil:
		c.metrics.Admitted(definitionName, OutcomeFailed)
		return result, errors.Join(result.EnqueueErr, result.SubmitErr)
	}

	c.metrics.Admitted(definitionName, OutcomeAccepted)
	c.logger.Infof("request for %s is admitted: message = %q, job = %q", definitionName, result.MessageID, result.JobName)
	return result, nil
}

func (c *Coordinator) enqueue(ctx context.Context, def definitions.Definition, args map[string]string) (string, error) {
	if c.broker == nil {
		return "", xe.NewConfiguration(fmt.Sprintf("definition %s enqueues, but no queue broker is configured", def.Name))
	}
	q, err := c.broker.Open(def.Queue)
	if err != nil {
		return "", err
	}
	payload, err := queue.Payload(args).Encode()
	if err != nil {
		return "", err
	}
	return q.Enqueue(ctx, payload)
}

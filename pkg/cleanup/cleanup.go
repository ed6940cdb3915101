// Package cleanup sweeps jobs: it marks terminal jobs for deletion, and deletes
// jobs past their deletion time.
//
// Sweeps only read the cluster and tolerate jobs gone meanwhile,
// so any number of sweeps can run at the same time.
package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/opst/kjobs/pkg/jobs"
	"github.com/opst/kjobs/pkg/loop"
	"github.com/opst/kjobs/pkg/loop/recurring"
	"github.com/opst/kjobs/pkg/metrics"
)

// Stat is totals of sweeps.
type Stat struct {
	Sweeps  int
	Marked  int
	Deleted int
}

// initial value for task
func Seed() Stat {
	return Stat{}
}

type Option func(*sweeper)

type sweeper struct {
	clock   func() time.Time
	logger  *log.Logger
	metrics *metrics.Metrics
}

func WithClock(clock func() time.Time) Option {
	return func(s *sweeper) { s.clock = clock }
}

func WithLogger(logger *log.Logger) Option {
	return func(s *sweeper) { s.logger = logger }
}

func WithMetrics(mx *metrics.Metrics) Option {
	return func(s *sweeper) { s.metrics = mx }
}

// Task sweeps jobs of the manager once for each call.
//
// The task reports that it has done something when it has deleted jobs.
// Errors on marking and deleting are joined.
func Task(manager jobs.Manager, options ...Option) recurring.Task[Stat] {
	s := &sweeper{clock: time.Now, logger: log.New("kjobs/cleanup")}
	for _, o := range options {
		o(s)
	}

	return func(ctx context.Context, stat Stat) (Stat, bool, error) {
		started := time.Now()
		marked, merr := manager.Observe(ctx)
		deleted, derr := manager.Cleanup(ctx, s.clock())
		err := errors.Join(merr, derr)

		stat.Sweeps += 1
		stat.Marked += marked
		stat.Deleted += deleted

		s.metrics.Swept(time.Since(started), err)
		if err != nil {
			s.logger.Warnf("sweep #%d: marked = %d, deleted = %d, with errors: %v", stat.Sweeps, marked, deleted, err)
		} else if 0 < marked || 0 < deleted {
			s.logger.Infof("sweep #%d: marked = %d, deleted = %d", stat.Sweeps, marked, deleted)
		} else {
			s.logger.Debugf("sweep #%d: nothing to do", stat.Sweeps)
		}
		return stat, 0 < deleted, err
	}
}

// Run sweeps jobs under the policy.
//
// With recurring.Once(), it sweeps once and returns its error.
// With recurring.Forever(interval), it sweeps every interval until ctx is done.
func Run(ctx context.Context, manager jobs.Manager, policy recurring.Policy, options ...Option) (Stat, error) {
	return loop.Start(ctx, Seed(), Task(manager, options...).Applied(policy))
}

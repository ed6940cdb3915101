package worker

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/opst/kjobs/pkg/loop"
)

// ParsePolicy parses run policy from string.
//
// Acceptable forms are "once", "until-empty", "forever" and "until:DURATION".
func ParsePolicy(s string) (Policy, error) {
	typ, param, ok := strings.Cut(s, ":")
	switch typ {
	case "once", "until-empty", "forever":
		if ok {
			return nil, fmt.Errorf("%s policy does not take parameters: %s", typ, s)
		}
		switch typ {
		case "once":
			return RunOnce(), nil
		case "until-empty":
			return RunUntilEmpty(), nil
		default:
			return RunForever(), nil
		}
	case "until":
		d, err := time.ParseDuration(param)
		if !ok || err != nil {
			return nil, fmt.Errorf(`failed to parse: %s as "until:DURATION": %w`, s, err)
		}
		return RunUntil(Elapsed(d)), nil
	}
	return nil, fmt.Errorf("unknown policy name: %s (should be one of -- once|until-empty|forever|until:DURATION)", typ)
}

// Policy decides when a worker stops.
type Policy interface {
	// Next is called after each iteration.
	//
	// received reports whether the iteration has taken a message.
	Next(s Summary, received bool) loop.Next
	String() string
}

type policyName string

func (p policyName) String() string {
	return string(p)
}

// Handle at most one message, then stop.
//
// If no messages come in the poll wait, stop with nothing done.
func RunOnce() Policy {
	return once
}

type oncePolicy struct{ policyName }

func (oncePolicy) Next(Summary, bool) loop.Next {
	return loop.Break(nil)
}

var once = oncePolicy{"once"}

// Handle messages while there are, and stop when the queue gets empty.
func RunUntilEmpty() Policy {
	return untilEmpty
}

type untilEmptyPolicy struct{ policyName }

func (untilEmptyPolicy) Next(_ Summary, received bool) loop.Next {
	if received {
		return loop.Continue(0)
	}
	return loop.Break(nil)
}

var untilEmpty = untilEmptyPolicy{"until-empty"}

// Handle messages until the context is canceled.
func RunForever() Policy {
	return forever
}

type foreverPolicy struct{ policyName }

func (foreverPolicy) Next(Summary, bool) loop.Next {
	return loop.Continue(0)
}

var forever = foreverPolicy{"forever"}

// Predicate tells the worker to stop when it returns true.
type Predicate func(Summary) bool

// Handle messages until the predicate holds.
//
// The predicate is checked after each iteration, including ones received nothing.
// Waits for messages are shortened so that the predicate is checked in a short while.
func RunUntil(pred Predicate) Policy {
	return until{pred: pred}
}

type until struct {
	pred Predicate
}

func (until) String() string {
	return "until"
}

// RunUntil checks its predicate at least every untilCheckInterval, even while the queue is empty.
const untilCheckInterval = 200 * time.Millisecond

func (until) maxWait() time.Duration {
	return untilCheckInterval
}

func (u until) Next(s Summary, _ bool) loop.Next {
	if u.pred(s) {
		return loop.Break(nil)
	}
	return loop.Continue(0)
}

// Deadline holds at or after t, by the clock of the worker.
func Deadline(t time.Time) Predicate {
	return func(s Summary) bool {
		return !s.Now.Before(t)
	}
}

// Elapsed holds after d passes since the run started, by the clock of the worker.
func Elapsed(d time.Duration) Predicate {
	return func(s Summary) bool {
		return d <= s.Now.Sub(s.StartedAt)
	}
}

// Flag holds when f is set.
func Flag(f *atomic.Bool) Predicate {
	return func(Summary) bool {
		return f.Load()
	}
}

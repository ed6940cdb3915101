// Package recurring runs tasks repeatedly under a policy.
package recurring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opst/kjobs/pkg/loop"
)

// Task is a body of recurring loop.
//
// # Returns
//
// - T : same as return value T of loop.Task[T]
//
// - bool : true when this task do something in this cycle, and more backlog can be.
// otherwise false.
//
// - error : error in this cycle. Whether it stops the loop depends on the Policy.
type Task[T any] func(context.Context, T) (T, bool, error)

// a Task which execute rt ('rt()') and p.Next() with the result.
func (rt Task[T]) Applied(p Policy) loop.Task[T] {
	return func(ctx context.Context, t T) (T, loop.Next) {
		next, ok, err := rt(ctx, t)
		return next, p.Next(ok, err)
	}
}

func ParsePolicy(s string) (Policy, error) {
	typ, param, ok := strings.Cut(s, ":")
	switch typ {
	case "forever":
		if !ok || param == "" {
			return Forever(0), nil
		}

		period, err := time.ParseDuration(param)
		if err != nil {
			return nil, fmt.Errorf(`failed to parse: %s as "forever:COOLDOWN": %w`, s, err)
		}
		return Forever(period), nil
	case "once":
		if ok {
			return nil, fmt.Errorf("once policy does not take paramters: %s", s)
		}
		return Once(), nil
	}
	return nil, fmt.Errorf("unknown policy name: %s (should be one of -- forever|once)", typ)
}

// Policy for loop task behavior.
// How the policy behaves depends on the implementation of Next() method.
type Policy interface {
	Next(updated bool, err error) loop.Next
	String() string
}

// Restart after interval, regardless of errors.
func Forever(interval time.Duration) Policy {
	return forever(interval)
}

type forever time.Duration

func (f forever) String() string {
	return fmt.Sprintf("forever:%s", time.Duration(f).String())
}

func (f forever) Next(bool, error) loop.Next {
	return loop.Continue(time.Duration(f))
}

// Run just once, and Break with the error of the task.
func Once() Policy {
	return once
}

type oncePolicy struct{}

func (oncePolicy) String() string {
	return "once"
}

func (oncePolicy) Next(_ bool, err error) loop.Next {
	return loop.Break(err)
}

var once = oncePolicy{} // singleton

// add a provisory clause: In case of error, Break with that error.
func UntilError(p Policy) Policy {
	return untilError{base: p}
}

type untilError struct {
	base Policy
}

func (u untilError) String() string {
	return fmt.Sprintf("%s (until error)", u.base.String())
}

func (u untilError) Next(updated bool, err error) loop.Next {
	if err != nil {
		return loop.Break(err)
	}
	return u.base.Next(updated, err)
}

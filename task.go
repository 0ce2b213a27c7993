// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fakeloop

import (
	"context"
	"fmt"
	"time"
)

// A Task represents a unit of work that can be posted to a [Looper].
// When the task's message becomes ready, the looper calls Run.
type Task interface {
	// Run executes the task and reports success (nil) or an error. A non-nil
	// error is propagated to the caller of the operation that drained the
	// task. On a looper with its own goroutine, the context passed to Run is
	// cancelled when the looper is shut down.
	Run(context.Context) error
}

// Rescheduler is an optional interface that may be implemented by a [Task].
// If so, then whenever the task successfully completes, its Reschedule method
// is called to allow it to post itself or other tasks again. The last
// argument is the target time of the message that just ran.
type Rescheduler interface {
	Reschedule(s Scheduler, last time.Duration)
}

// A Scheduler is the posting surface a [Rescheduler] sees. A [*Looper]
// implements this interface.
type Scheduler interface {
	// Now reports the current virtual time.
	Now() time.Duration

	// PostAt posts task to run at the specified uptime.
	PostAt(task Task, when time.Duration) (*Message, error)
}

// Run adapts f to a Task. If the concrete type of f satisfies the Task
// interface, it is returned directly; otherwise f must be one of:
//
//	func()
//	func() error
//	func(context.Context) error
//
// Any of these types is converted into a Task that runs the function.  For any
// other type, Run will panic.
func Run(f any) Task {
	switch t := f.(type) {
	case func():
		return runFunc(func(context.Context) error { t(); return nil })
	case func() error:
		return runFunc(func(context.Context) error { return t() })
	case func(context.Context) error:
		return runFunc(t)
	case Task:
		return t
	default:
		panic(fmt.Sprintf("cannot convert %T to a Task", f))
	}
}

// A runFunc is a Task that runs by calling the function.
type runFunc func(context.Context) error

// Run executes the task by calling f.
func (f runFunc) Run(ctx context.Context) error { return f(ctx) }

// Repeat is a Task that wraps another task to cause it to be repeated when it
// successfully executes.
//
// Each repetition is due exactly Every after the previous one was due, not
// after it ran, so a repeating task fires once at every boundary even when
// the clock is advanced past several of them at once.
type Repeat struct {
	// Task is the task to be repeated.
	Task

	// Every gives the duration between repeats. If Every ≤ 0, the task executes
	// only once.
	Every time.Duration

	// Count, if positive, limits the number of executions. If Count ≤ 0, there
	// is no limit to the number of repetitions.
	Count int

	// End, if positive, specifies the uptime after which repetition ends.
	End time.Duration

	runs int // number of runs elapsed so far
}

// Runs reports the number of times r has completed successfully.
func (r *Repeat) Runs() int { return r.runs }

// Reschedule implements the [Rescheduler] interface. In this implementation,
// it reschedules r if it has not yet used up its run count, and the next due
// time is not after the specified ending time.
func (r *Repeat) Reschedule(s Scheduler, last time.Duration) {
	r.runs++
	if r.Every <= 0 {
		return
	}
	next := last + r.Every
	if r.Count > 0 && r.runs >= r.Count {
		return
	} else if r.End > 0 && next > r.End {
		return
	}
	s.PostAt(r, next) // a quit looper drops the repetition
}

type ctxKey struct{}

type taskInfo struct {
	looper *Looper
	when   time.Duration
}

func withTask(ctx context.Context, l *Looper, m *Message) context.Context {
	return context.WithValue(ctx, ctxKey{}, taskInfo{looper: l, when: m.when})
}

// Current returns the looper executing the task that was passed ctx, or nil
// if ctx does not belong to a running task.
func Current(ctx context.Context) *Looper {
	info, _ := ctx.Value(ctxKey{}).(taskInfo)
	return info.looper
}

// When returns the target time of the message whose task was passed ctx.
// It reports false if ctx does not belong to a running task.
func When(ctx context.Context) (time.Duration, bool) {
	info, ok := ctx.Value(ctxKey{}).(taskInfo)
	return info.when, ok
}

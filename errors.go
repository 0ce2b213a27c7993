// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fakeloop

import (
	"errors"
	"fmt"
)

var (
	// ErrQuit is reported when a looper or queue has quit and no longer
	// accepts work.
	ErrQuit = errors.New("looper has quit")

	// ErrNoLooper is reported by a lookup for a thread that has no looper.
	ErrNoLooper = errors.New("no looper registered for thread")

	// ErrLooperExists is reported when registering a thread that already has
	// a live looper.
	ErrLooperExists = errors.New("looper already registered for thread")

	// ErrMainQuit is reported by an attempt to quit the main looper.
	ErrMainQuit = errors.New("main looper is not allowed to quit")

	// ErrCrashed matches any [*CrashError].
	ErrCrashed = errors.New("looper thread crashed")

	// ErrNoBarrier is reported when removing a sync barrier that is not
	// posted.
	ErrNoBarrier = errors.New("sync barrier token was not posted or has already been removed")
)

// A CrashError is reported by operations on a background looper whose thread
// terminated because a task failed.
type CrashError struct {
	Looper string // the name of the crashed looper
	Err    error  // the failure that crashed it
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("looper %q crashed: %v", e.Looper, e.Err)
}

// Unwrap returns the underlying task failure.
func (e *CrashError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrCrashed].
func (e *CrashError) Is(target error) bool { return target == ErrCrashed }

// A PanicError records a panic recovered from a task that ran on a looper's
// own goroutine, where the panic cannot reach the goroutine that drives the
// looper.
type PanicError struct {
	Value any    // the value passed to panic
	Stack []byte // the stack of the panicking goroutine
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panicked: %v", e.Value) }

// Unwrap returns the panic value if it is an error, otherwise nil.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

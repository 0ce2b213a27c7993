// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package fakeloop simulates a single-threaded event loop and its clock under
// test control: a virtual [Clock], a time-ordered [TaskQueue], a [Looper]
// that drains the queue, and a [Registry] of loopers per simulated thread.
//
// # Usage
//
// Construct a [Registry] and post work to its main looper:
//
//	r := fakeloop.NewRegistry(nil) // nil for default options
//	defer r.Close()
//
//	main := r.Main()
//	main.Post(fakeloop.Run(task1))
//	main.PostDelayed(fakeloop.Run(task2), 100*time.Millisecond)
//
// In the default [ModePaused], nothing runs until the test says so:
//
//	main.Idle()                        // runs task1
//	main.IdleFor(100*time.Millisecond) // advances the clock, runs task2
//
// Background loopers run on goroutines of their own, and execute their work
// as soon as the shared clock reaches it:
//
//	worker, err := r.NewHandlerThread("worker")
//
// Between test cases, call [Registry.ResetAll] to discard every background
// looper and return the clock and main looper to their initial state.
package fakeloop

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// A ThreadID identifies a simulated thread.
type ThreadID string

// MainThread is the identity of the main thread, whose looper always exists.
const MainThread ThreadID = "main"

// A Registry maps simulated threads to their loopers. All the loopers of a
// registry share its clock.
type Registry struct {
	// Initialized at construction.
	mode       Mode
	clock      *Clock
	log        zerolog.Logger
	main       *Looper
	mainThread *taskgroup.Group // nil unless main has its own goroutine

	μ       sync.Mutex
	loopers map[ThreadID]*Looper // background loopers only
	threads *taskgroup.Group
}

// NewRegistry constructs a registry with a main looper and no background
// loopers. If opts == nil, default options are provided as described by
// [Options].
func NewRegistry(opts *Options) *Registry {
	r := &Registry{
		mode:    opts.mode(),
		clock:   NewClock(opts.startTime()),
		log:     opts.logger(),
		loopers: make(map[ThreadID]*Looper),
		threads: taskgroup.New(nil),
	}
	r.main = newLooper(string(MainThread), true, r.clock, r.mode, r.log)
	if r.main.thread != nil {
		r.mainThread = taskgroup.New(nil)
		r.main.start(r.mainThread)
	}
	r.log.Debug().Stringer("mode", r.mode).Dur("start", r.clock.Now()).Msg("registry created")
	return r
}

// Mode reports the scheduling mode of r.
func (r *Registry) Mode() Mode { return r.mode }

// Clock returns the clock shared by the loopers of r.
func (r *Registry) Clock() *Clock { return r.clock }

// Main returns the main looper.
func (r *Registry) Main() *Looper { return r.main }

// Lookup returns the looper of thread id. It reports an error wrapping
// [ErrNoLooper] if id has no looper. A background looper that crashed
// remains registered until it is replaced or the registry is reset.
func (r *Registry) Lookup(id ThreadID) (*Looper, error) {
	if id == MainThread {
		return r.main, nil
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	l, ok := r.loopers[id]
	if !ok {
		return nil, fmt.Errorf("thread %q: %w", id, ErrNoLooper)
	}
	return l, nil
}

// Register creates and starts a background looper for thread id. It reports
// an error wrapping [ErrLooperExists] if id already has a live looper. A
// looper that has quit or crashed may be replaced, even if its goroutine has
// not finished yet.
func (r *Registry) Register(id ThreadID) (*Looper, error) {
	if id == MainThread {
		return nil, fmt.Errorf("thread %q: %w", id, ErrLooperExists)
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	if old, ok := r.loopers[id]; ok && old.Err() == nil && !old.queue.IsQuitting() {
		return nil, fmt.Errorf("thread %q: %w", id, ErrLooperExists)
	}
	l := newLooper(string(id), false, r.clock, r.mode, r.log)
	l.onExit = r.unregister
	r.loopers[id] = l
	if l.thread != nil {
		l.start(r.threads)
	}
	r.log.Debug().Str("looper", l.name).Bool("thread", l.thread != nil).Msg("looper registered")
	return l, nil
}

// NewHandlerThread registers a background looper for a new thread with the
// given name.
func (r *Registry) NewHandlerThread(name string) (*Looper, error) {
	return r.Register(ThreadID(name))
}

func (r *Registry) unregister(l *Looper) {
	if l.Err() != nil {
		return // a crashed looper stays visible
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	id := ThreadID(l.name)
	if r.loopers[id] == l {
		delete(r.loopers, id)
		r.log.Debug().Str("looper", l.name).Msg("looper unregistered")
	}
}

// Loopers returns the registered loopers, main first and the rest ordered by
// name.
func (r *Registry) Loopers() []*Looper {
	r.μ.Lock()
	bg := slices.SortedFunc(maps.Values(r.loopers), func(a, b *Looper) int {
		return cmp.Compare(a.name, b.name)
	})
	r.μ.Unlock()
	return append([]*Looper{r.main}, bg...)
}

// ResetAll stops and discards every background looper, waiting for their
// goroutines to end, then resets the main looper and the clock to their
// initial state.
func (r *Registry) ResetAll() {
	r.μ.Lock()
	bg := slices.Collect(maps.Values(r.loopers))
	clear(r.loopers)
	g := r.threads
	r.threads = taskgroup.New(nil)
	r.μ.Unlock()

	for _, l := range bg {
		l.stop()
	}
	g.Wait()
	if err := r.main.Reset(); err != nil {
		r.log.Error().Err(err).Msg("main looper reset failed")
	}
	r.clock.Reset()
	r.log.Debug().Int("background", len(bg)).Msg("registry reset")
}

// Close resets r and stops the goroutine of the main looper, if it has one.
// The registry must not be used after Close.
func (r *Registry) Close() error {
	r.ResetAll()
	if r.mainThread != nil {
		r.main.stop()
		return r.mainThread.Wait()
	}
	return nil
}

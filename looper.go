// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fakeloop

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// A State summarizes the condition of a [Looper].
type State int

const (
	StateRunning State = iota // ready work is executed as it becomes due
	StatePaused               // work accumulates until the looper is idled
	StateIdle                 // running, and nothing is ready to run
	StateQuit                 // terminal: the looper quit or crashed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateIdle:
		return "idle"
	case StateQuit:
		return "quit"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// A Looper drives the execution of the messages in a [TaskQueue].
//
// A looper is either driven by its caller, in which case tasks run on the
// goroutine that calls Idle, Unpause, or (when not paused) Post; or it has a
// goroutine of its own that loops on [TaskQueue.Next], the way a background
// thread would. In the latter case the control operations hand their work to
// the looper's goroutine and wait for it, so from the caller's point of view
// they are still synchronous.
//
// Control operations (Pause, Unpause, Idle and friends) are meant to be
// called from one goroutine, normally the test. Posting is safe from any
// goroutine.
type Looper struct {
	// Initialized at construction.
	name          string
	main          bool
	queue         *TaskQueue
	clock         *Clock
	log           zerolog.Logger
	thread        *thread // nil if the looper is driven by its caller
	defaultPaused bool
	onExit        func(*Looper)
	exitOnce      sync.Once

	μ        sync.Mutex
	paused   bool
	draining int         // nesting depth of caller-driven drains
	crash    *CrashError // set when a background thread crashes
	failed   *failure    // unreported failure from the main goroutine
}

type failure struct {
	m   *Message
	err error
}

// A thread is the goroutine state of a looper that runs on its own.
type thread struct {
	ctl      chan func(context.Context) // work handed over while paused
	quit     chan struct{}              // closed when the looper quits
	quitOnce sync.Once
	done     chan struct{} // closed when the loop exits
	ctx      context.Context
	cancel   context.CancelFunc
	gid      atomic.Uint64 // ID of the loop goroutine while it runs
}

func newLooper(name string, main bool, clk *Clock, mode Mode, log zerolog.Logger) *Looper {
	l := &Looper{
		name:          name,
		main:          main,
		queue:         NewTaskQueue(clk),
		clock:         clk,
		log:           log.With().Str("looper", name).Logger(),
		defaultPaused: mode.startPaused(main),
		paused:        mode.startPaused(main),
	}
	if !mode.callerDriven(main) {
		ctx, cancel := context.WithCancel(context.Background())
		l.thread = &thread{
			ctl:    make(chan func(context.Context)),
			quit:   make(chan struct{}),
			done:   make(chan struct{}),
			ctx:    ctx,
			cancel: cancel,
		}
	}
	return l
}

// start runs the loop of l in g. It must be called once, and only for a
// looper with its own goroutine.
func (l *Looper) start(g *taskgroup.Group) {
	g.Go(func() error {
		l.loop()
		return nil
	})
}

func (l *Looper) loop() {
	th := l.thread
	th.gid.Store(goroutineID())
	defer func() {
		th.gid.Store(0)
		close(th.done)
		l.exit()
	}()
	for {
		m, err := l.queue.Next(th.ctx)
		if err != nil {
			l.log.Debug().Err(err).Msg("loop ended")
			return
		}
		if err := l.execute(th.ctx, m); err != nil {
			if l.fail(err) {
				return
			}
			l.μ.Lock()
			if l.failed == nil && !m.reported {
				l.failed = &failure{m: m, err: err}
			}
			l.μ.Unlock()
		}
		if l.Err() != nil {
			return // crashed during a drain handed over by a control operation
		}
	}
}

func (l *Looper) exit() {
	l.exitOnce.Do(func() {
		if l.onExit != nil {
			l.onExit(l)
		}
	})
}

// execute runs the task of m and, if it succeeds, lets it reschedule.
// A panic on the looper's own goroutine is reported as a [*PanicError].
func (l *Looper) execute(ctx context.Context, m *Message) (err error) {
	if l.thread != nil {
		defer func() {
			if p := recover(); p != nil {
				err = &PanicError{Value: p, Stack: debug.Stack()}
			}
		}()
	}
	when := m.when
	if err := m.task.Run(withTask(ctx, l, m)); err != nil {
		return err
	}
	if r, ok := m.task.(Rescheduler); ok {
		r.Reschedule(l, when)
	}
	return nil
}

// fail records that a task failed with err, and reports whether the failure
// crashed the looper. Only background loopers with their own goroutine
// crash; the others report the failure to their caller and carry on.
func (l *Looper) fail(err error) bool {
	if l.thread == nil || l.main {
		return false
	}
	l.μ.Lock()
	if l.crash == nil {
		l.crash = &CrashError{Looper: l.name, Err: err}
	}
	l.μ.Unlock()
	l.queue.Quit(false)
	l.thread.quitOnce.Do(func() { close(l.thread.quit) })
	l.log.Error().Err(err).Msg("looper thread crashed")
	return true
}

// drain runs every ready message in order, then the idle handlers.
func (l *Looper) drain(ctx context.Context) error {
	l.μ.Lock()
	l.draining++
	l.μ.Unlock()
	return l.drainReserved(ctx)
}

// drainReserved is drain for a caller that has already counted itself in
// l.draining. A caller-driven looper that is not paused keeps draining while
// work posted by other goroutines during the drain is ready, since those
// posters left it to the drain in progress.
func (l *Looper) drainReserved(ctx context.Context) error {
	for {
		err := l.runReady(ctx)
		l.μ.Lock()
		again := err == nil && l.draining == 1 && l.thread == nil && !l.paused && l.queue.hasReady()
		if !again {
			l.draining--
		}
		l.μ.Unlock()
		if !again {
			return err
		}
	}
}

// runReady runs every ready message in order, then the idle handlers.
func (l *Looper) runReady(ctx context.Context) error {
	for {
		m, ok := l.queue.Poll()
		if !ok {
			break
		}
		if err := l.execute(ctx, m); err != nil {
			if l.fail(err) {
				return l.deadErr()
			}
			return err
		}
	}
	l.queue.RunIdleHandlers()
	return nil
}

// deadErr reports why l no longer accepts work.
func (l *Looper) deadErr() error {
	if err := l.Err(); err != nil {
		return err
	}
	return fmt.Errorf("looper %q: %w", l.name, ErrQuit)
}

// onLoop runs f where the tasks of l run, and returns its result. For a
// caller-driven looper that is the calling goroutine. Otherwise f is handed
// to the looper's goroutine: directly if the looper is paused, or as an
// asynchronous message at the front of the queue if it is running.
func (l *Looper) onLoop(f func(context.Context) error) error {
	th := l.thread
	if th == nil {
		return f(context.Background())
	} else if l.onThread() {
		return f(th.ctx) // already where the tasks run
	}
	reply := make(chan error, 1)
	run := func(ctx context.Context) { reply <- f(ctx) }
	if l.IsPaused() {
		select {
		case th.ctl <- run:
		case <-th.done:
			return l.deadErr()
		case <-th.quit:
			return l.deadErr()
		case <-th.ctx.Done():
			return l.deadErr()
		}
	} else {
		m := NewMessage(runFunc(func(ctx context.Context) error {
			run(ctx)
			return nil
		})).SetAsynchronous(true)
		if !l.queue.Enqueue(m, 0) {
			return l.deadErr()
		}
	}
	return l.await(reply)
}

// await waits for a reply from the goroutine of l, or for l to end.
func (l *Looper) await(reply <-chan error) error {
	th := l.thread
	select {
	case err := <-reply:
		return err
	case <-th.done:
	case <-th.quit:
	case <-th.ctx.Done():
	}
	select {
	case err := <-reply:
		return err
	default:
		return l.deadErr()
	}
}

// onThread reports whether the caller is running on the goroutine of l.
func (l *Looper) onThread() bool {
	if l.thread == nil {
		return false
	}
	id := l.thread.gid.Load()
	return id != 0 && id == goroutineID()
}

// goroutineID returns the ID of the calling goroutine, parsed from the
// header of its stack trace.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// parked holds the goroutine of a paused looper, running the work handed to
// it until the looper is unpaused or ends.
func (l *Looper) parked(ctx context.Context) {
	th := l.thread
	for l.IsPaused() && l.Err() == nil {
		select {
		case f := <-th.ctl:
			f(ctx)
		case <-th.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *Looper) setPaused(paused bool) {
	l.μ.Lock()
	defer l.μ.Unlock()
	l.paused = paused
}

// Name returns the name of the thread l belongs to.
func (l *Looper) Name() string { return l.name }

// IsMain reports whether l is the main looper.
func (l *Looper) IsMain() bool { return l.main }

// Queue returns the message queue of l.
func (l *Looper) Queue() *TaskQueue { return l.queue }

// Clock returns the clock l schedules against.
func (l *Looper) Clock() *Clock { return l.clock }

// Now reports the current time of the clock of l.
func (l *Looper) Now() time.Duration { return l.clock.Now() }

// Err returns the crash error of l, or nil if it has not crashed.
func (l *Looper) Err() error {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.crash == nil {
		return nil
	}
	return l.crash
}

// IsPaused reports whether l is paused.
func (l *Looper) IsPaused() bool {
	l.μ.Lock()
	defer l.μ.Unlock()
	return l.paused
}

// IsIdle reports whether no pending message of l is due.
func (l *Looper) IsIdle() bool { return l.queue.IsIdle() }

// State reports the current state of l.
func (l *Looper) State() State {
	l.μ.Lock()
	paused, crashed := l.paused, l.crash != nil
	l.μ.Unlock()
	switch {
	case crashed || l.queue.IsQuitting():
		return StateQuit
	case paused:
		return StatePaused
	case l.queue.IsIdle():
		return StateIdle
	default:
		return StateRunning
	}
}

// Send posts m to run at uptime when. If l is caller-driven and not paused,
// the ready messages are drained before Send returns, and the first failure
// among them is reported.
//
// Send reports an error wrapping [ErrQuit] if l has quit, or a [*CrashError]
// if its thread crashed.
func (l *Looper) Send(m *Message, when time.Duration) error {
	if err := l.Err(); err != nil {
		return err
	}
	if !l.queue.Enqueue(m, when) {
		return l.deadErr()
	}
	if l.thread == nil {
		l.μ.Lock()
		run := !l.paused && l.draining == 0
		if run {
			l.draining++ // reserve the drain before another poster can
		}
		l.μ.Unlock()
		if run {
			return l.drainReserved(context.Background())
		}
	}
	return nil
}

// PostAt posts task to run at uptime when. See [Looper.Send].
func (l *Looper) PostAt(task Task, when time.Duration) (*Message, error) {
	m := NewMessage(task)
	return m, l.Send(m, when)
}

// Post posts task to run at the current time. See [Looper.Send].
func (l *Looper) Post(task Task) (*Message, error) { return l.PostAt(task, l.clock.Now()) }

// PostDelayed posts task to run after delay d. A negative delay is treated
// as zero. See [Looper.Send].
func (l *Looper) PostDelayed(task Task, d time.Duration) (*Message, error) {
	return l.PostAt(task, l.clock.Now()+max(d, 0))
}

// PostAtFront posts task ahead of every message that has a target time.
// See [Looper.Send].
func (l *Looper) PostAtFront(task Task) (*Message, error) { return l.PostAt(task, 0) }

// Remove removes m from the queue of l, and reports whether it was pending.
func (l *Looper) Remove(m *Message) bool { return l.queue.Remove(m) }

// Pause stops l from running work as it becomes ready. Work accumulates until
// l is idled or unpaused. Pausing a paused looper has no effect.
func (l *Looper) Pause() error {
	l.μ.Lock()
	if l.paused {
		l.μ.Unlock()
		return nil
	} else if l.thread == nil {
		l.paused = true
		l.μ.Unlock()
		l.log.Debug().Msg("paused")
		return nil
	}
	onThread := l.onThread()
	if onThread {
		l.paused = true
	}
	l.μ.Unlock()

	// Park the looper's goroutine inside a task, so it stops taking messages
	// from the queue until it is released. Called from that goroutine, the
	// park happens once the current task returns.
	entered := make(chan error, 1)
	m := NewMessage(runFunc(func(ctx context.Context) error {
		l.setPaused(true)
		entered <- nil
		l.parked(ctx)
		return nil
	})).SetAsynchronous(true)
	if !l.queue.Enqueue(m, 0) {
		return l.deadErr()
	}
	if !onThread {
		if err := l.await(entered); err != nil {
			return err
		}
	}
	l.log.Debug().Msg("paused")
	return nil
}

// Unpause resumes l and runs every ready message in order before returning.
// Unpausing a running looper has no effect.
func (l *Looper) Unpause() error {
	if !l.IsPaused() {
		return nil
	}
	l.log.Debug().Msg("unpaused")
	return l.onLoop(func(ctx context.Context) error {
		l.setPaused(false)
		return l.drain(ctx)
	})
}

// Idle runs every message that is ready at the current time, in order,
// including ready messages posted by the tasks it runs. It does not advance
// the clock. If a task fails, Idle stops and reports the failure.
func (l *Looper) Idle() error {
	if err := l.onLoop(l.drain); err != nil {
		return err
	} else if l.thread == nil {
		return nil
	}
	l.μ.Lock()
	defer l.μ.Unlock()
	if f := l.failed; f != nil {
		l.failed = nil
		return f.err
	}
	return nil
}

// IdleFor advances the clock by d and runs every message that comes due, in
// order. See [Looper.AdvanceTo].
func (l *Looper) IdleFor(d time.Duration) error { return l.AdvanceTo(l.clock.Now() + max(d, 0)) }

// AdvanceTo advances the clock to target and runs every message due by then.
// The clock visits the target time of each due message in order, so messages
// posted by tasks along the way run too if they come due by target. If
// target is not after the current time, AdvanceTo is equivalent to Idle.
func (l *Looper) AdvanceTo(target time.Duration) error {
	for {
		when, ok := l.queue.NextWhen()
		if !ok || when > target {
			break
		}
		l.clock.AdvanceTo(when)
		if err := l.Idle(); err != nil {
			return err
		}
	}
	l.clock.AdvanceTo(target)
	return l.Idle()
}

// RunOneTask advances the clock to the next pending message, if it is not
// already due, and runs that message alone. It reports whether a message ran.
// A running looper with its own goroutine is paused for the duration.
func (l *Looper) RunOneTask() (bool, error) {
	if l.thread != nil && !l.IsPaused() && !l.onThread() {
		if err := l.Pause(); err != nil {
			return false, err
		}
		defer l.onLoop(func(context.Context) error {
			l.setPaused(false)
			return nil
		})
	}
	when, ok := l.queue.NextWhen()
	if !ok {
		return false, nil
	}
	l.clock.AdvanceTo(when)

	var ran bool
	err := l.onLoop(func(ctx context.Context) error {
		m, ok := l.queue.Poll()
		if !ok {
			return nil
		}
		ran = true
		if err := l.execute(ctx, m); err != nil {
			if l.fail(err) {
				return l.deadErr()
			}
			return err
		}
		return nil
	})
	return ran, err
}

// RunToNextTask advances the clock to the next pending message and runs
// everything due at that time.
func (l *Looper) RunToNextTask() error {
	when, ok := l.queue.NextWhen()
	if !ok {
		return l.Idle()
	}
	return l.AdvanceTo(when)
}

// RunToEndOfTasks advances the clock to the latest pending message and runs
// everything due by then.
func (l *Looper) RunToEndOfTasks() error {
	last, ok := l.LastScheduledTaskTime()
	if !ok {
		return l.Idle()
	}
	return l.AdvanceTo(last)
}

// NextScheduledTaskTime reports the target time of the next message l will
// deliver, and false if there is none.
func (l *Looper) NextScheduledTaskTime() (time.Duration, bool) { return l.queue.NextWhen() }

// LastScheduledTaskTime reports the latest target time among the pending
// messages of l, and false if there are none.
func (l *Looper) LastScheduledTaskTime() (time.Duration, bool) {
	ms := l.queue.Pending()
	if len(ms) == 0 {
		return 0, false
	}
	return ms[len(ms)-1].when, true
}

// PostSync posts task at the current time and waits for it to run, reporting
// its error.
//
// Called from a task on the goroutine of l, PostSync runs task directly.
func (l *Looper) PostSync(task Task) error {
	if l.onThread() {
		if err := l.Err(); err != nil {
			return err
		}
		m := NewMessage(task)
		m.when = l.clock.Now()
		return l.execute(l.thread.ctx, m)
	}

	done := make(chan error, 1)
	var m *Message
	m = NewMessage(runFunc(func(ctx context.Context) error {
		err := task.Run(ctx)
		if err != nil {
			// Reported to the caller here, so the next Idle need not.
			l.μ.Lock()
			m.reported = true
			l.μ.Unlock()
		}
		done <- err
		return err
	}))
	if err := l.Send(m, l.clock.Now()); err != nil {
		return err
	} else if l.thread == nil || l.IsPaused() {
		return l.Idle()
	}
	return l.await(done)
}

// Quit quits l. If safely is true, messages that are already due still run;
// otherwise all pending messages are discarded. Afterward, l rejects new
// work. The main looper cannot quit. Quitting more than once has no effect.
func (l *Looper) Quit(safely bool) error {
	if l.main {
		return ErrMainQuit
	}
	l.queue.Quit(safely)
	if th := l.thread; th != nil {
		th.quitOnce.Do(func() { close(th.quit) })
	} else {
		l.exit()
	}
	l.log.Debug().Bool("safely", safely).Msg("quit")
	return nil
}

// Join waits for the goroutine of l to end after it quits or crashes, or
// until ctx ends. For a caller-driven looper it returns at once.
func (l *Looper) Join(ctx context.Context) error {
	if l.thread == nil {
		return nil
	}
	select {
	case <-l.thread.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop ends l unconditionally, discarding its work and cancelling the
// context of any task in progress.
func (l *Looper) stop() {
	l.queue.Quit(false)
	if th := l.thread; th != nil {
		th.quitOnce.Do(func() { close(th.quit) })
		th.cancel()
	} else {
		l.exit()
	}
}

// Reset discards the pending messages, sync barriers, idle handlers, and
// unreported failures of l, and restores its initial paused state. A looper
// that has quit or crashed cannot be reset.
func (l *Looper) Reset() error {
	if l.queue.IsQuitting() {
		return l.deadErr()
	}
	l.queue.Reset()
	l.μ.Lock()
	l.failed = nil
	l.μ.Unlock()
	if l.defaultPaused {
		return l.Pause()
	}
	return l.Unpause()
}

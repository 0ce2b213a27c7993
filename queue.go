// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fakeloop

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/msync/trigger"
)

type messageState int

const (
	msgNew messageState = iota
	msgQueued
	msgDone
	msgCancelled
)

// A Message is a task scheduled on a [TaskQueue] at a target uptime.
// A message belongs to at most one queue at a time. Once it has run or been
// removed, it may be posted again.
type Message struct {
	task    Task
	async   bool
	barrier bool
	token   int

	// Guarded by the owning queue.
	queue *TaskQueue
	when  time.Duration
	seq   uint64
	gen   uint64
	state messageState

	reported bool // failure already returned to a waiter; guarded by the looper
}

// NewMessage constructs an unqueued message that runs task.
func NewMessage(task Task) *Message { return &Message{task: task} }

// SetAsynchronous marks m as asynchronous. Asynchronous messages are not held
// back by sync barriers. It must be called before m is posted.
func (m *Message) SetAsynchronous(async bool) *Message { m.async = async; return m }

// IsAsynchronous reports whether m is asynchronous.
func (m *Message) IsAsynchronous() bool { return m.async }

// Task returns the task m runs, or nil for a barrier.
func (m *Message) Task() Task { return m.task }

// When reports the target uptime of m. It is meaningful once m is posted.
func (m *Message) When() time.Duration { return m.when }

// An entry records a message in one of the queue heaps. Removal is lazy: an
// entry is live only while its generation matches the message's and the
// message is still queued.
type entry struct {
	m   *Message
	gen uint64
}

func (e entry) live() bool { return e.m.state == msgQueued && e.gen == e.m.gen }

// compareEntries orders entries non-decreasing by due time, then by
// insertion order.
func compareEntries(a, b entry) int {
	if c := cmp.Compare(a.m.when, b.m.when); c != 0 {
		return c
	}
	return cmp.Compare(a.m.seq, b.m.seq)
}

// A TaskQueue is a time-ordered queue of pending messages bound to a [Clock].
// It is safe for concurrent use: any goroutine may enqueue while another is
// blocked in [TaskQueue.Next].
type TaskQueue struct {
	// Initialized at construction.
	clock *Clock
	wake  *trigger.Cond

	μ        sync.Mutex
	sync     *heapq.Queue[entry] // synchronous messages
	async    *heapq.Queue[entry] // asynchronous messages
	barriers *heapq.Queue[entry]
	size     int // live messages, excluding barriers
	seq      uint64
	token    int
	quitting bool
	idlers   []*idleHandler
}

type idleHandler struct {
	f       func() bool
	removed bool
}

// NewTaskQueue constructs an empty queue whose readiness is measured against
// clk.
func NewTaskQueue(clk *Clock) *TaskQueue {
	return &TaskQueue{
		clock:    clk,
		wake:     trigger.New(),
		sync:     heapq.New(compareEntries),
		async:    heapq.New(compareEntries),
		barriers: heapq.New(compareEntries),
	}
}

// Enqueue adds m to the queue with target time when. It reports false without
// queueing m if the queue is quitting. It panics if m is already queued.
func (q *TaskQueue) Enqueue(m *Message, when time.Duration) bool {
	q.μ.Lock()
	defer q.μ.Unlock()
	if m.state == msgQueued {
		panic("fakeloop: message is already queued")
	}
	if q.quitting {
		return false
	}
	q.pushLocked(m, when)
	q.wake.Signal()
	return true
}

func (q *TaskQueue) pushLocked(m *Message, when time.Duration) {
	q.seq++
	m.queue = q
	m.when = when
	m.seq = q.seq
	m.gen++
	m.state = msgQueued
	e := entry{m: m, gen: m.gen}
	switch {
	case m.barrier:
		q.barriers.Add(e)
	case m.async:
		q.async.Add(e)
		q.size++
	default:
		q.sync.Add(e)
		q.size++
	}
}

// peekLocked returns the earliest live message in h, discarding stale entries
// from the front of h.
func peekLocked(h *heapq.Queue[entry]) (entry, bool) {
	for {
		e, ok := h.Peek(0)
		if !ok || e.live() {
			return e, ok
		}
		h.Pop()
	}
}

// eligibleLocked returns the earliest message that is not held back by a sync
// barrier, together with the heap holding it. It does not consider the time.
func (q *TaskQueue) eligibleLocked() (entry, *heapq.Queue[entry], bool) {
	s, hasSync := peekLocked(q.sync)
	a, hasAsync := peekLocked(q.async)
	if b, ok := peekLocked(q.barriers); ok && hasSync && compareEntries(b, s) < 0 {
		hasSync = false
	}
	switch {
	case hasSync && (!hasAsync || compareEntries(s, a) < 0):
		return s, q.sync, true
	case hasAsync:
		return a, q.async, true
	default:
		return entry{}, nil, false
	}
}

// popReadyLocked pops the next eligible message if its time has arrived.
func (q *TaskQueue) popReadyLocked() (*Message, bool) {
	e, h, ok := q.eligibleLocked()
	if !ok || e.m.when > q.clock.Now() {
		return nil, false
	}
	h.Pop()
	e.m.state = msgDone
	q.size--
	return e.m, true
}

// Poll removes and returns the next ready message, if there is one. It does
// not block.
func (q *TaskQueue) Poll() (*Message, bool) {
	q.μ.Lock()
	defer q.μ.Unlock()
	return q.popReadyLocked()
}

// Next removes and returns the next ready message, blocking until one becomes
// ready. A message becomes ready when the clock reaches its target time, or
// when an earlier message is enqueued. Before blocking the first time, Next
// runs the queue's idle handlers.
//
// If the queue quits while Next is waiting, or has quit and has no ready
// messages left, Next returns nil, [ErrQuit]. If ctx ends first, Next returns
// nil and the context's error.
func (q *TaskQueue) Next(ctx context.Context) (*Message, error) {
	ranIdlers := false
	for {
		// Obtain the clock signal before checking readiness, so that an advance
		// between the check and the wait is not missed.
		tick := q.clock.Changed()

		q.μ.Lock()
		if m, ok := q.popReadyLocked(); ok {
			q.μ.Unlock()
			return m, nil
		} else if q.quitting {
			q.μ.Unlock()
			return nil, ErrQuit
		}
		wake := q.wake.Ready()
		q.μ.Unlock()

		if !ranIdlers {
			ranIdlers = true
			q.RunIdleHandlers()
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-tick:
		}
	}
}

// NextWhen reports the target time of the next message that would be
// delivered, ignoring whether it is ready yet. It reports false if no message
// is eligible.
func (q *TaskQueue) NextWhen() (time.Duration, bool) {
	q.μ.Lock()
	defer q.μ.Unlock()
	e, _, ok := q.eligibleLocked()
	if !ok {
		return 0, false
	}
	return e.m.when, true
}

// IsIdle reports whether no pending message is due at the current time.
// A due message held back by a sync barrier still counts as due.
func (q *TaskQueue) IsIdle() bool {
	q.μ.Lock()
	defer q.μ.Unlock()
	now := q.clock.Now()
	for _, h := range []*heapq.Queue[entry]{q.sync, q.async} {
		if e, ok := peekLocked(h); ok && e.m.when <= now {
			return false
		}
	}
	return true
}

// hasReady reports whether Poll would deliver a message now.
func (q *TaskQueue) hasReady() bool {
	q.μ.Lock()
	defer q.μ.Unlock()
	e, _, ok := q.eligibleLocked()
	return ok && e.m.when <= q.clock.Now()
}

// Cancelled reports whether m was removed from q before it could run,
// either by [TaskQueue.Remove] or by a quit or reset of q.
func (q *TaskQueue) Cancelled(m *Message) bool {
	q.μ.Lock()
	defer q.μ.Unlock()
	return m.queue == q && m.state == msgCancelled
}

// Len reports the number of pending messages, not counting sync barriers.
func (q *TaskQueue) Len() int {
	q.μ.Lock()
	defer q.μ.Unlock()
	return q.size
}

// Pending returns the pending messages in delivery order, not counting sync
// barriers.
func (q *TaskQueue) Pending() []*Message {
	q.μ.Lock()
	defer q.μ.Unlock()
	var es []entry
	es = append(es, drainLive(q.sync)...)
	es = append(es, drainLive(q.async)...)
	for _, e := range es {
		if e.m.async {
			q.async.Add(e)
		} else {
			q.sync.Add(e)
		}
	}
	slices.SortFunc(es, compareEntries)
	out := make([]*Message, len(es))
	for i, e := range es {
		out[i] = e.m
	}
	return out
}

// drainLive empties h and returns its live entries.
func drainLive(h *heapq.Queue[entry]) []entry {
	var out []entry
	for {
		e, ok := h.Pop()
		if !ok {
			return out
		}
		if e.live() {
			out = append(out, e)
		}
	}
}

// Remove removes m from the queue, and reports whether it was pending.
func (q *TaskQueue) Remove(m *Message) bool {
	q.μ.Lock()
	defer q.μ.Unlock()
	if m.queue != q || m.state != msgQueued {
		return false
	}
	m.state = msgCancelled
	if !m.barrier {
		q.size--
	}
	return true
}

// PostSyncBarrier posts a sync barrier at the current time and returns a
// token identifying it. Synchronous messages due after the barrier are held
// until it is removed; asynchronous messages are not affected.
func (q *TaskQueue) PostSyncBarrier() int {
	q.μ.Lock()
	defer q.μ.Unlock()
	q.token++
	m := &Message{barrier: true, token: q.token}
	q.pushLocked(m, q.clock.Now())
	return m.token
}

// RemoveSyncBarrier removes the sync barrier identified by token.
func (q *TaskQueue) RemoveSyncBarrier(token int) error {
	q.μ.Lock()
	defer q.μ.Unlock()
	bs := drainLive(q.barriers)
	found := false
	for _, b := range bs {
		if b.m.token == token {
			b.m.state = msgCancelled
			found = true
			continue
		}
		q.barriers.Add(b)
	}
	if !found {
		return ErrNoBarrier
	}
	q.wake.Signal()
	return nil
}

// AddIdleHandler adds f to the handlers run when the queue runs out of ready
// messages. If f returns false, it is removed after it runs. The returned
// function removes f.
func (q *TaskQueue) AddIdleHandler(f func() bool) (remove func()) {
	h := &idleHandler{f: f}
	q.μ.Lock()
	defer q.μ.Unlock()
	q.idlers = append(q.idlers, h)
	return func() {
		q.μ.Lock()
		defer q.μ.Unlock()
		h.removed = true
	}
}

// RunIdleHandlers runs each idle handler once, outside the lock, and drops
// the handlers that ask to be removed.
func (q *TaskQueue) RunIdleHandlers() {
	q.μ.Lock()
	hs := slices.Clone(q.idlers)
	q.μ.Unlock()

	for _, h := range hs {
		q.μ.Lock()
		skip := h.removed
		q.μ.Unlock()
		if !skip && !h.f() {
			q.μ.Lock()
			h.removed = true
			q.μ.Unlock()
		}
	}

	q.μ.Lock()
	defer q.μ.Unlock()
	q.idlers = slices.DeleteFunc(q.idlers, func(h *idleHandler) bool { return h.removed })
}

// Quit marks the queue as quitting and wakes any blocked [TaskQueue.Next].
// If safely is false, all pending messages are discarded. If safely is true,
// only messages due in the future are discarded, and messages that are
// already ready remain to be delivered. Sync barriers are discarded in
// either case. After Quit, Enqueue rejects new messages. Calls after the
// first have no effect.
func (q *TaskQueue) Quit(safely bool) {
	q.μ.Lock()
	if q.quitting {
		q.μ.Unlock()
		return
	}
	q.quitting = true
	now := q.clock.Now()
	cancelAll(q.barriers)
	for _, h := range []*heapq.Queue[entry]{q.sync, q.async} {
		for _, e := range drainLive(h) {
			if safely && e.m.when <= now {
				h.Add(e)
			} else {
				e.m.state = msgCancelled
				q.size--
			}
		}
	}
	q.μ.Unlock()
	q.wake.Signal()
}

// IsQuitting reports whether [TaskQueue.Quit] has been called.
func (q *TaskQueue) IsQuitting() bool {
	q.μ.Lock()
	defer q.μ.Unlock()
	return q.quitting
}

// Reset discards all pending messages, barriers and idle handlers, and
// clears the quitting state so the queue can be used again.
func (q *TaskQueue) Reset() {
	q.μ.Lock()
	for _, h := range []*heapq.Queue[entry]{q.sync, q.async, q.barriers} {
		cancelAll(h)
	}
	q.size = 0
	q.quitting = false
	q.idlers = nil
	q.μ.Unlock()
	q.wake.Signal()
}

func cancelAll(h *heapq.Queue[entry]) {
	for _, e := range drainLive(h) {
		e.m.state = msgCancelled
	}
}

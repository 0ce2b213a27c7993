// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fakeloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// nextResult is the outcome of a TaskQueue.Next call in another goroutine.
type nextResult struct {
	m   *Message
	err error
}

func nextAsync(ctx context.Context, q *TaskQueue) <-chan nextResult {
	ch := make(chan nextResult, 1)
	go func() {
		m, err := q.Next(ctx)
		ch <- nextResult{m, err}
	}()
	return ch
}

func wantBlocked(t *testing.T, ch <-chan nextResult) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("Next returned early: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func wantNext(t *testing.T, ch <-chan nextResult) nextResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return")
	}
	panic("unreachable")
}

func TestQueue_basic(t *testing.T) {
	const tick = 50 * time.Millisecond
	const longTick = 80 * time.Millisecond
	clk := NewClock(DefaultStartTime)
	q := NewTaskQueue(clk)

	var got []int
	drain := func() {
		for {
			m, ok := q.Poll()
			if !ok {
				return
			}
			if err := m.Task().Run(context.Background()); err != nil {
				t.Fatalf("Run: unexpected error: %v", err)
			}
		}
	}
	push := func(n int) Task { return Run(func() { got = append(got, n) }) }
	want := func(want ...int) {
		t.Helper()
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Executed (-want, +got):\n%s", diff)
		}
		got = nil
	}

	// Schedule 5 tasks at tick intervals:
	//    ^----^----^----^----^
	//    1    2    3    4    5
	//
	// Schedule them "out of order" and verify that they are done in time
	// order below.
	for _, i := range []int{2, 0, 4, 1, 3} {
		q.Enqueue(NewMessage(push(i+1)), clk.Now()+time.Duration(i)*tick)
	}

	// The first task should be eligible immediately; thereafter we should
	// deliver the rest in order even if multiple become eligible.
	//
	//     0-------A-------B-------C  # advances
	//     ^----^----^----^----^      # scheduled
	//     1    2    3    4    5
	q.Enqueue(NewMessage(push(10)), clk.Now()+10*tick)
	drain()
	want(1)

	clk.AdvanceBy(longTick) // A
	q.Enqueue(NewMessage(push(11)), clk.Now()+11*tick)
	drain()
	want(2)

	clk.AdvanceBy(longTick) // B
	q.Enqueue(NewMessage(push(12)), clk.Now()+12*tick)
	drain()
	want(3, 4)

	clk.AdvanceBy(longTick) // C
	drain()
	want(5)

	// A lot of time passes, all the additional tasks should now be eligible and
	// should run in schedule order.
	clk.AdvanceBy(time.Minute)
	drain()
	want(10, 11, 12)
	if !q.IsIdle() || q.Len() != 0 {
		t.Errorf("Queue not empty: idle=%v len=%d", q.IsIdle(), q.Len())
	}
}

func TestQueue_fifo(t *testing.T) {
	clk := NewClock(DefaultStartTime)
	q := NewTaskQueue(clk)
	when := clk.Now() + time.Second
	var ms []*Message
	for range 5 {
		m := NewMessage(Run(func() {}))
		q.Enqueue(m, when)
		ms = append(ms, m)
	}
	clk.AdvanceTo(when)
	for i, want := range ms {
		got, ok := q.Poll()
		if !ok || got != want {
			t.Errorf("Poll %d: got %p, %v; want %p", i, got, ok, want)
		}
	}
}

func TestQueue_nextReleasedOnEnqueue(t *testing.T) {
	defer leaktest.Check(t)()

	clk := NewClock(DefaultStartTime)
	q := NewTaskQueue(clk)
	late := NewMessage(Run(func() {}))
	q.Enqueue(late, clk.Now()+time.Hour)

	ch := nextAsync(context.Background(), q)
	wantBlocked(t, ch)

	// An earlier message preempts the waiter without any clock movement.
	early := NewMessage(Run(func() {}))
	q.Enqueue(early, clk.Now())
	if r := wantNext(t, ch); r.err != nil || r.m != early {
		t.Errorf("Next: got %p, %v; want %p", r.m, r.err, early)
	}
	if q.Len() != 1 {
		t.Errorf("Len: got %d, want 1", q.Len())
	}
}

func TestQueue_nextReleasedOnClockIncrement(t *testing.T) {
	defer leaktest.Check(t)()

	clk := NewClock(DefaultStartTime)
	q := NewTaskQueue(clk)
	m := NewMessage(Run(func() {}))
	q.Enqueue(m, clk.Now()+100*time.Millisecond)

	ch := nextAsync(context.Background(), q)
	wantBlocked(t, ch)

	clk.AdvanceBy(50 * time.Millisecond)
	wantBlocked(t, ch)

	clk.AdvanceBy(50 * time.Millisecond)
	if r := wantNext(t, ch); r.err != nil || r.m != m {
		t.Errorf("Next: got %p, %v; want %p", r.m, r.err, m)
	}
}

func TestQueue_nextReleasedOnQuit(t *testing.T) {
	defer leaktest.Check(t)()

	clk := NewClock(DefaultStartTime)
	q := NewTaskQueue(clk)
	q.Enqueue(NewMessage(Run(func() {})), clk.Now()+time.Second)

	const waiters = 3
	var chs []<-chan nextResult
	for range waiters {
		chs = append(chs, nextAsync(context.Background(), q))
	}
	wantBlocked(t, chs[0])

	q.Quit(false)
	q.Quit(false) // idempotent
	for _, ch := range chs {
		if r := wantNext(t, ch); r.m != nil || !errors.Is(r.err, ErrQuit) {
			t.Errorf("Next: got %v, %v; want nil, %v", r.m, r.err, ErrQuit)
		}
	}
	if q.Enqueue(NewMessage(Run(func() {})), clk.Now()) {
		t.Error("Enqueue after Quit succeeded")
	}
	if n := q.Len(); n != 0 {
		t.Errorf("Len after Quit: got %d, want 0", n)
	}
}

func TestQueue_nextContext(t *testing.T) {
	defer leaktest.Check(t)()

	q := NewTaskQueue(NewClock(DefaultStartTime))
	ctx, cancel := context.WithCancel(context.Background())
	ch := nextAsync(ctx, q)
	wantBlocked(t, ch)
	cancel()
	if r := wantNext(t, ch); !errors.Is(r.err, context.Canceled) {
		t.Errorf("Next: got err %v, want %v", r.err, context.Canceled)
	}
}

func TestQueue_quitSafely(t *testing.T) {
	clk := NewClock(DefaultStartTime)
	q := NewTaskQueue(clk)
	ready := NewMessage(Run(func() {}))
	future := NewMessage(Run(func() {}))
	q.Enqueue(ready, clk.Now())
	q.Enqueue(future, clk.Now()+time.Second)

	q.Quit(true)
	if got := q.Pending(); len(got) != 1 || got[0] != ready {
		t.Errorf("Pending after safe quit: got %v, want [ready]", got)
	}
	if m, err := q.Next(context.Background()); err != nil || m != ready {
		t.Errorf("Next: got %p, %v; want %p", m, err, ready)
	}
	if _, err := q.Next(context.Background()); !errors.Is(err, ErrQuit) {
		t.Errorf("Next: got %v, want %v", err, ErrQuit)
	}
}

func TestQueue_remove(t *testing.T) {
	clk := NewClock(DefaultStartTime)
	q := NewTaskQueue(clk)
	a := NewMessage(Run(func() {}))
	b := NewMessage(Run(func() {}))
	q.Enqueue(a, clk.Now())
	q.Enqueue(b, clk.Now())

	if !q.Remove(a) {
		t.Error("Remove(a) reported false")
	}
	if q.Remove(a) {
		t.Error("Second Remove(a) reported true")
	}
	if m, ok := q.Poll(); !ok || m != b {
		t.Errorf("Poll: got %p, %v; want %p", m, ok, b)
	}

	// A removed message may be posted again, and its stale entry is ignored.
	q.Enqueue(a, clk.Now()+time.Second)
	if got := q.Pending(); len(got) != 1 || got[0] != a {
		t.Errorf("Pending: got %v, want [a]", got)
	}
	if _, ok := q.Poll(); ok {
		t.Error("Poll returned a message that is not due")
	}
}

func TestQueue_enqueueQueuedPanics(t *testing.T) {
	q := NewTaskQueue(NewClock(DefaultStartTime))
	m := NewMessage(Run(func() {}))
	q.Enqueue(m, 0)
	defer func() {
		if recover() == nil {
			t.Error("Enqueue of a queued message did not panic")
		}
	}()
	q.Enqueue(m, 0)
}

func TestQueue_syncBarrier(t *testing.T) {
	clk := NewClock(DefaultStartTime)
	q := NewTaskQueue(clk)
	before := NewMessage(Run(func() {}))
	q.Enqueue(before, clk.Now())
	token := q.PostSyncBarrier()
	held := NewMessage(Run(func() {}))
	async := NewMessage(Run(func() {})).SetAsynchronous(true)
	q.Enqueue(held, clk.Now())
	q.Enqueue(async, clk.Now()+time.Millisecond)

	if m, _ := q.Poll(); m != before {
		t.Errorf("Poll: got %p, want message before the barrier", m)
	}
	if q.IsIdle() {
		t.Error("Queue with a due message behind a barrier reports idle")
	}
	if _, ok := q.Poll(); ok {
		t.Error("Poll delivered a message held by the barrier")
	}
	if when, ok := q.NextWhen(); !ok || when != clk.Now()+time.Millisecond {
		t.Errorf("NextWhen: got %v, %v; want the async message", when, ok)
	}
	clk.AdvanceBy(time.Millisecond)
	if m, _ := q.Poll(); m != async {
		t.Errorf("Poll: got %p, want the async message", m)
	}
	if _, ok := q.Poll(); ok {
		t.Error("Poll delivered a message held by the barrier")
	}

	if err := q.RemoveSyncBarrier(token); err != nil {
		t.Fatalf("RemoveSyncBarrier: unexpected error: %v", err)
	}
	if err := q.RemoveSyncBarrier(token); !errors.Is(err, ErrNoBarrier) {
		t.Errorf("RemoveSyncBarrier again: got %v, want %v", err, ErrNoBarrier)
	}
	if m, _ := q.Poll(); m != held {
		t.Errorf("Poll: got %p, want the released message", m)
	}
}

func TestQueue_idleHandlers(t *testing.T) {
	defer leaktest.Check(t)()

	clk := NewClock(DefaultStartTime)
	q := NewTaskQueue(clk)

	var μ sync.Mutex
	var once, always int
	q.AddIdleHandler(func() bool { μ.Lock(); defer μ.Unlock(); once++; return false })
	remove := q.AddIdleHandler(func() bool { μ.Lock(); defer μ.Unlock(); always++; return true })

	q.RunIdleHandlers()
	q.RunIdleHandlers()
	remove()
	q.RunIdleHandlers()

	μ.Lock()
	if once != 1 || always != 2 {
		t.Errorf("Handler runs: once=%d always=%d, want 1, 2", once, always)
	}
	μ.Unlock()

	// Next runs the handlers before it blocks.
	ran := make(chan struct{})
	q.AddIdleHandler(func() bool { close(ran); return false })
	ctx, cancel := context.WithCancel(context.Background())
	ch := nextAsync(ctx, q)
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Error("Idle handler did not run")
	}
	cancel()
	wantNext(t, ch)
}

func TestClock_changedSignal(t *testing.T) {
	clk := NewClock(DefaultStartTime)
	ch := clk.Changed()
	if clk.AdvanceTo(clk.Now() - time.Millisecond) {
		t.Error("AdvanceTo into the past reported true")
	}
	select {
	case <-ch:
		t.Error("Clock signaled without moving")
	default:
	}
	clk.AdvanceBy(time.Millisecond)
	select {
	case <-ch:
	default:
		t.Error("Clock did not signal after advancing")
	}
}

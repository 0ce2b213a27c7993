// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package choreographer schedules frame callbacks on a [fakeloop.Looper].
//
// Frames happen at fixed boundaries of virtual time, epoch + k*interval.
// Callbacks posted between two frames run together at the next boundary, and
// are told the time of the frame they belong to. The frame time is always a
// boundary, even if the clock was advanced past several boundaries before the
// looper got to run the frame.
package choreographer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/fakeloop"
)

// DefaultFrameInterval is the frame interval used unless configured
// otherwise, approximately a 60Hz display.
const DefaultFrameInterval = 16 * time.Millisecond

// A CallbackType determines the order in which callbacks run within a frame.
type CallbackType int

const (
	Input CallbackType = iota
	Animation
	InsetsAnimation
	Traversal
	Commit

	numCallbackTypes
)

func (c CallbackType) String() string {
	switch c {
	case Input:
		return "input"
	case Animation:
		return "animation"
	case InsetsAnimation:
		return "insets-animation"
	case Traversal:
		return "traversal"
	case Commit:
		return "commit"
	}
	return fmt.Sprintf("CallbackType(%d)", int(c))
}

// A FrameCallback is called with the frame time in nanoseconds of uptime.
type FrameCallback func(frameTimeNanos int64)

// A Callback is a handle to a posted callback.
type Callback struct {
	typ   CallbackType
	due   time.Duration
	frame time.Duration // the boundary of the frame it runs in
	run   FrameCallback
}

// Type reports the type of c.
func (c *Callback) Type() CallbackType { return c.typ }

// Options are optional settings for a [Choreographer]. A nil Options is ready
// for use and provides default values as described.
type Options struct {
	// FrameInterval, if positive, is the virtual time between frames.
	// By default, [DefaultFrameInterval].
	FrameInterval time.Duration

	// Epoch is the uptime of frame zero. All frames fall on epoch plus a
	// multiple of the frame interval.
	Epoch time.Duration
}

func (o *Options) frameInterval() time.Duration {
	if o == nil || o.FrameInterval <= 0 {
		return DefaultFrameInterval
	}
	return o.FrameInterval
}

func (o *Options) epoch() time.Duration {
	if o == nil {
		return 0
	}
	return o.Epoch
}

// A Choreographer runs frame callbacks on a looper. It is safe for concurrent
// use, but its callbacks run on the looper.
type Choreographer struct {
	// Initialized at construction.
	looper   *fakeloop.Looper
	interval time.Duration
	epoch    time.Duration

	μ         sync.Mutex
	pending   [numCallbackTypes][]*Callback
	frame     *fakeloop.Message // the scheduled frame, if any
	frameAt   time.Duration     // the boundary frame is scheduled for
	lastFrame time.Duration
	frames    int
}

// New constructs a choreographer that runs frames on l. If opts == nil,
// default options are provided as described by [Options].
func New(l *fakeloop.Looper, opts *Options) *Choreographer {
	return &Choreographer{
		looper:   l,
		interval: opts.frameInterval(),
		epoch:    opts.epoch(),
	}
}

// FrameInterval reports the time between frames.
func (c *Choreographer) FrameInterval() time.Duration { return c.interval }

// LastFrameTime reports the time of the most recent frame, and false if no
// frame has run.
func (c *Choreographer) LastFrameTime() (time.Duration, bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.lastFrame, c.frames > 0
}

// Frames reports the number of frames that have run.
func (c *Choreographer) Frames() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.frames
}

// PostFrameCallback posts cb to run in the next frame as an animation
// callback.
func (c *Choreographer) PostFrameCallback(cb FrameCallback) (*Callback, error) {
	return c.PostFrameCallbackDelayed(cb, 0)
}

// PostFrameCallbackDelayed posts cb to run as an animation callback in the
// first frame at least d from now.
func (c *Choreographer) PostFrameCallbackDelayed(cb FrameCallback, d time.Duration) (*Callback, error) {
	return c.post(Animation, cb, d)
}

// PostCallback posts fn to run as a callback of type typ in the first frame at
// least d from now.
func (c *Choreographer) PostCallback(typ CallbackType, fn func(), d time.Duration) (*Callback, error) {
	if typ < 0 || typ >= numCallbackTypes {
		return nil, fmt.Errorf("invalid callback type %v", typ)
	}
	return c.post(typ, func(int64) { fn() }, d)
}

func (c *Choreographer) post(typ CallbackType, fn FrameCallback, d time.Duration) (*Callback, error) {
	now := c.looper.Now()
	due := now + max(d, 0)
	cb := &Callback{typ: typ, due: due, frame: c.frameFor(now, due), run: fn}

	c.μ.Lock()
	if c.frame != nil && c.looper.Queue().Cancelled(c.frame) {
		// The looper was reset or quit under us, taking the frame with it.
		c.resetLocked()
	}
	c.pending[typ] = append(c.pending[typ], cb)
	c.μ.Unlock()

	if err := c.schedule(cb.frame); rejected(err) {
		c.Remove(cb)
		return nil, err
	} else if err != nil {
		return cb, err // posted, but another task failed while the looper drained
	}
	return cb, nil
}

// rejected reports whether err means the looper refused a message.
func rejected(err error) bool {
	return errors.Is(err, fakeloop.ErrQuit) || errors.Is(err, fakeloop.ErrCrashed)
}

// Reset discards every pending callback and the scheduled frame, and forgets
// the frames that have run.
func (c *Choreographer) Reset() {
	c.μ.Lock()
	old := c.frame
	c.resetLocked()
	c.μ.Unlock()
	if old != nil {
		c.looper.Remove(old)
	}
}

func (c *Choreographer) resetLocked() {
	c.pending = [numCallbackTypes][]*Callback{}
	c.frame, c.frameAt = nil, 0
	c.lastFrame, c.frames = 0, 0
}

// Remove removes cb if it has not yet run, and reports whether it did so.
func (c *Choreographer) Remove(cb *Callback) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	cbs := c.pending[cb.typ]
	for i, p := range cbs {
		if p == cb {
			c.pending[cb.typ] = append(cbs[:i:i], cbs[i+1:]...)
			return true
		}
	}
	return false
}

// frameFor returns the boundary of the frame that a callback due at time due,
// posted at time now, belongs to: the first boundary strictly after now for a
// callback that is already due, otherwise the first boundary at or after due.
func (c *Choreographer) frameFor(now, due time.Duration) time.Duration {
	if due <= now {
		return c.boundaryAfter(now)
	}
	return c.boundaryAfter(due - 1)
}

// boundaryAfter returns the first frame boundary strictly after t.
func (c *Choreographer) boundaryAfter(t time.Duration) time.Duration {
	rel := t - c.epoch
	k := rel / c.interval
	if rel < 0 && rel%c.interval != 0 {
		k-- // round toward negative infinity
	}
	return c.epoch + (k+1)*c.interval
}

// boundaryAtOrBefore returns the latest frame boundary not after t.
func (c *Choreographer) boundaryAtOrBefore(t time.Duration) time.Duration {
	return c.boundaryAfter(t) - c.interval
}

// schedule makes sure a frame is scheduled no later than at.
// The looper is not called with c.μ held, since a caller-driven looper may
// run other tasks from inside Send.
func (c *Choreographer) schedule(at time.Duration) error {
	c.μ.Lock()
	if c.frame != nil && c.frameAt <= at && !c.looper.Queue().Cancelled(c.frame) {
		c.μ.Unlock()
		return nil
	}
	old := c.frame
	var m *fakeloop.Message
	m = fakeloop.NewMessage(fakeloop.Run(func(ctx context.Context) error {
		return c.doFrame(ctx, m)
	})).SetAsynchronous(true)
	c.frame, c.frameAt = m, at
	c.μ.Unlock()

	if old != nil {
		c.looper.Remove(old)
	}
	err := c.looper.Send(m, at)
	if rejected(err) {
		c.μ.Lock()
		if c.frame == m {
			c.frame = nil
		}
		c.μ.Unlock()
	}
	return err
}

// doFrame runs the callbacks whose frame has come, in type order, then
// schedules a frame for the callbacks that remain.
func (c *Choreographer) doFrame(ctx context.Context, self *fakeloop.Message) error {
	scheduled, _ := fakeloop.When(ctx)

	c.μ.Lock()
	if c.frame == self {
		c.frame = nil
	}
	// A frame that runs late reports the latest boundary the clock has
	// reached, so its time stays frame-aligned.
	frameTime := max(scheduled, c.boundaryAtOrBefore(c.looper.Now()))
	c.lastFrame = frameTime
	c.frames++
	var run [numCallbackTypes][]*Callback
	for typ, cbs := range c.pending {
		var keep []*Callback
		for _, cb := range cbs {
			if cb.frame <= frameTime {
				run[typ] = append(run[typ], cb)
			} else {
				keep = append(keep, cb)
			}
		}
		c.pending[typ] = keep
	}
	c.μ.Unlock()

	nanos := frameTime.Nanoseconds()
	for _, cbs := range run {
		for _, cb := range cbs {
			cb.run(nanos)
		}
	}

	c.μ.Lock()
	next, ok := c.nextFrameLocked()
	c.μ.Unlock()
	if !ok {
		return nil
	}
	return c.schedule(next)
}

// nextFrameLocked reports the earliest frame among pending callbacks.
func (c *Choreographer) nextFrameLocked() (time.Duration, bool) {
	var next time.Duration
	found := false
	for _, cbs := range c.pending {
		for _, cb := range cbs {
			if !found || cb.frame < next {
				next, found = cb.frame, true
			}
		}
	}
	return next, found
}

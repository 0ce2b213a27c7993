// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fakeloop

import (
	"math"
	"sync"
	"time"

	"github.com/creachadair/msync/trigger"
)

// DefaultStartTime is the uptime a new [Clock] reports unless configured
// otherwise.
const DefaultStartTime = 100 * time.Millisecond

// A Clock is a virtual time source for a time domain. Uptime, elapsed
// realtime, and wall time are all derived from a single counter that moves
// only when a caller advances it. A Clock is safe for concurrent use.
type Clock struct {
	start   time.Duration
	changed *trigger.Cond

	μ   sync.Mutex
	now time.Duration
}

// NewClock constructs a clock whose uptime begins at start.
func NewClock(start time.Duration) *Clock {
	return &Clock{start: start, now: start, changed: trigger.New()}
}

// Now reports the current uptime of c.
func (c *Clock) Now() time.Duration {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.now
}

// UptimeMillis reports the current uptime of c in milliseconds.
func (c *Clock) UptimeMillis() int64 { return c.Now().Milliseconds() }

// ElapsedRealtime reports the time since boot. The simulated device never
// sleeps, so this is the same as the uptime.
func (c *Clock) ElapsedRealtime() time.Duration { return c.Now() }

// CurrentTimeMillis reports the wall time in milliseconds since the Unix epoch.
func (c *Clock) CurrentTimeMillis() int64 { return c.Now().Milliseconds() }

// NanoTime reports the current time in nanoseconds.
func (c *Clock) NanoTime() int64 { return c.Now().Nanoseconds() }

// Time reports the current wall time.
func (c *Clock) Time() time.Time { return time.UnixMilli(0).Add(c.Now()) }

// AdvanceTo moves the clock forward to t. If t is not after the current
// time, the clock is unchanged and AdvanceTo reports false.
func (c *Clock) AdvanceTo(t time.Duration) bool {
	c.μ.Lock()
	if t <= c.now {
		c.μ.Unlock()
		return false
	}
	c.now = t
	c.μ.Unlock()
	c.changed.Signal()
	return true
}

// AdvanceBy moves the clock forward by d. If d ≤ 0, it has no effect.
func (c *Clock) AdvanceBy(d time.Duration) {
	if d <= 0 {
		return
	}
	c.μ.Lock()
	c.now += d
	c.μ.Unlock()
	c.changed.Signal()
}

// Sleep simulates the calling goroutine sleeping for d, which in virtual time
// means advancing the clock by d.
func (c *Clock) Sleep(d time.Duration) { c.AdvanceBy(d) }

// SetCurrentTime sets the wall time to ms milliseconds since the Unix epoch.
// Wall time may not move backward: if ms is before the current time,
// SetCurrentTime reports false and leaves the clock unchanged. It also
// reports false if ms is too large to represent.
func (c *Clock) SetCurrentTime(ms int64) bool {
	if ms > maxMillis {
		return false
	}
	t := time.Duration(ms) * time.Millisecond
	c.μ.Lock()
	if t < c.now {
		c.μ.Unlock()
		return false
	}
	moved := t > c.now
	c.now = t
	c.μ.Unlock()
	if moved {
		c.changed.Signal()
	}
	return true
}

// maxMillis is the largest time in milliseconds a Clock can represent.
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

// Changed returns a channel that is closed the next time c advances.
func (c *Clock) Changed() <-chan struct{} { return c.changed.Ready() }

// Reset returns c to its start time. This is the only way a clock moves
// backward, and is meant for use between test cases.
func (c *Clock) Reset() {
	c.μ.Lock()
	c.now = c.start
	c.μ.Unlock()
	c.changed.Signal()
}

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package scroller implements a scroll animation evaluated on a virtual clock.
//
// A [Scroller] has no timer of its own. Its position is a linear function of
// the time elapsed on its clock since the scroll started, and is updated
// whenever the caller invokes [Scroller.ComputeScrollOffset]:
//
//	s := scroller.New(r.Clock())
//	s.StartScroll(0, 0, 100, 0, 0)
//	r.Main().IdleFor(125 * time.Millisecond)
//	s.ComputeScrollOffset() // s.CurrX() == 50
package scroller

import (
	"math"
	"time"
)

// DefaultDuration is the duration of a scroll started without one.
const DefaultDuration = 250 * time.Millisecond

// Clock is the source of time for a [Scroller].
// A *fakeloop.Clock satisfies this interface.
type Clock interface {
	Now() time.Duration
}

// A Scroller animates a scroll from a start position to a final position over
// a fixed duration. A Scroller is not safe for concurrent use.
type Scroller struct {
	clock Clock

	start    time.Duration
	duration time.Duration
	finished bool

	startX, startY int
	finalX, finalY int
	currX, currY   int
}

// New constructs a finished scroller that reads the time from clk.
func New(clk Clock) *Scroller { return &Scroller{clock: clk, finished: true} }

// StartScroll starts a scroll from (x, y) by (dx, dy) lasting d.
// If d ≤ 0, the scroll lasts [DefaultDuration].
func (s *Scroller) StartScroll(x, y, dx, dy int, d time.Duration) {
	if d <= 0 {
		d = DefaultDuration
	}
	s.start = s.clock.Now()
	s.duration = d
	s.finished = false
	s.startX, s.startY = x, y
	s.finalX, s.finalY = x+dx, y+dy
	s.currX, s.currY = x, y
}

// ComputeScrollOffset updates the current position to the current time.
// It reports false if the scroll had already finished before the call, and
// true otherwise. A scroll whose duration has elapsed finishes at its final
// position.
func (s *Scroller) ComputeScrollOffset() bool {
	if s.finished {
		return false
	}
	passed := s.TimePassed()
	if passed < s.duration {
		f := float64(passed) / float64(s.duration)
		s.currX = s.startX + int(math.Round(f*float64(s.finalX-s.startX)))
		s.currY = s.startY + int(math.Round(f*float64(s.finalY-s.startY)))
	} else {
		s.currX, s.currY = s.finalX, s.finalY
		s.finished = true
	}
	return true
}

// CurrX reports the horizontal position as of the last update.
func (s *Scroller) CurrX() int { return s.currX }

// CurrY reports the vertical position as of the last update.
func (s *Scroller) CurrY() int { return s.currY }

// StartX reports the horizontal position the scroll started from.
func (s *Scroller) StartX() int { return s.startX }

// StartY reports the vertical position the scroll started from.
func (s *Scroller) StartY() int { return s.startY }

// FinalX reports the horizontal position the scroll ends at.
func (s *Scroller) FinalX() int { return s.finalX }

// FinalY reports the vertical position the scroll ends at.
func (s *Scroller) FinalY() int { return s.finalY }

// SetFinalX changes the horizontal end of the scroll and resumes it.
func (s *Scroller) SetFinalX(x int) {
	s.finalX = x
	s.finished = false
}

// SetFinalY changes the vertical end of the scroll and resumes it.
func (s *Scroller) SetFinalY(y int) {
	s.finalY = y
	s.finished = false
}

// Duration reports how long the scroll lasts.
func (s *Scroller) Duration() time.Duration { return s.duration }

// TimePassed reports the time elapsed since the scroll started.
func (s *Scroller) TimePassed() time.Duration { return s.clock.Now() - s.start }

// IsFinished reports whether the scroll has finished.
func (s *Scroller) IsFinished() bool { return s.finished }

// ForceFinished sets the finished state of s without moving it.
func (s *Scroller) ForceFinished(finished bool) { s.finished = finished }

// AbortAnimation moves s to its final position and finishes it.
func (s *Scroller) AbortAnimation() {
	s.currX, s.currY = s.finalX, s.finalY
	s.finished = true
}

// ExtendDuration makes the scroll last until d after the current time, and
// resumes it.
func (s *Scroller) ExtendDuration(d time.Duration) {
	s.duration = s.TimePassed() + max(d, 0)
	s.finished = false
}

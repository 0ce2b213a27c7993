// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package scroller_test

import (
	"testing"
	"time"

	"github.com/creachadair/fakeloop"
	"github.com/creachadair/fakeloop/scroller"
)

const ms = time.Millisecond

func checkPos(t *testing.T, s *scroller.Scroller, x, y int) {
	t.Helper()
	if s.CurrX() != x || s.CurrY() != y {
		t.Errorf("Position: got (%d, %d), want (%d, %d)", s.CurrX(), s.CurrY(), x, y)
	}
}

func TestScroller_linear(t *testing.T) {
	clk := fakeloop.NewClock(fakeloop.DefaultStartTime)
	s := scroller.New(clk)
	if !s.IsFinished() || s.ComputeScrollOffset() {
		t.Fatal("New scroller is not finished")
	}

	s.StartScroll(10, 20, 100, -40, 200*ms)
	if s.IsFinished() {
		t.Error("Scroll finished at start")
	}
	if s.StartX() != 10 || s.StartY() != 20 || s.FinalX() != 110 || s.FinalY() != -20 {
		t.Errorf("Bounds: got (%d, %d) to (%d, %d)", s.StartX(), s.StartY(), s.FinalX(), s.FinalY())
	}

	clk.AdvanceBy(50 * ms)
	if !s.ComputeScrollOffset() {
		t.Fatal("ComputeScrollOffset: got false mid-scroll")
	}
	checkPos(t, s, 35, 10)
	if got := s.TimePassed(); got != 50*ms {
		t.Errorf("TimePassed: got %v, want 50ms", got)
	}

	clk.AdvanceBy(100 * ms)
	s.ComputeScrollOffset()
	checkPos(t, s, 85, -10)

	clk.AdvanceBy(time.Second)
	if !s.ComputeScrollOffset() {
		t.Error("ComputeScrollOffset: got false on the finishing update")
	}
	checkPos(t, s, 110, -20)
	if !s.IsFinished() {
		t.Error("Scroll not finished after its duration")
	}
	if s.ComputeScrollOffset() {
		t.Error("ComputeScrollOffset: got true after finishing")
	}
}

func TestScroller_defaultDuration(t *testing.T) {
	r := fakeloop.NewRegistry(nil)
	defer r.Close()
	s := scroller.New(r.Clock())

	s.StartScroll(0, 0, 100, 0, 0)
	if got := s.Duration(); got != scroller.DefaultDuration {
		t.Errorf("Duration: got %v, want %v", got, scroller.DefaultDuration)
	}
	if err := r.Main().IdleFor(125 * ms); err != nil {
		t.Fatalf("IdleFor: unexpected error: %v", err)
	}
	s.ComputeScrollOffset()
	checkPos(t, s, 50, 0)
}

func TestScroller_abort(t *testing.T) {
	clk := fakeloop.NewClock(0)
	s := scroller.New(clk)

	s.StartScroll(0, 0, 40, 80, 100*ms)
	clk.AdvanceBy(25 * ms)
	s.AbortAnimation()
	checkPos(t, s, 40, 80)
	if !s.IsFinished() {
		t.Error("Scroll not finished after abort")
	}

	s.StartScroll(0, 0, 40, 80, 100*ms)
	clk.AdvanceBy(25 * ms)
	s.ComputeScrollOffset()
	s.ForceFinished(true)
	if s.ComputeScrollOffset() {
		t.Error("ComputeScrollOffset: got true after ForceFinished")
	}
	checkPos(t, s, 10, 20) // forcing does not move
}

func TestScroller_extend(t *testing.T) {
	clk := fakeloop.NewClock(0)
	s := scroller.New(clk)

	s.StartScroll(0, 0, 100, 0, 100*ms)
	clk.AdvanceBy(100 * ms)
	s.ComputeScrollOffset()
	if !s.IsFinished() {
		t.Fatal("Scroll not finished after its duration")
	}

	s.SetFinalX(200)
	s.ExtendDuration(100 * ms)
	if got := s.Duration(); got != 200*ms {
		t.Errorf("Duration: got %v, want 200ms", got)
	}
	clk.AdvanceBy(50 * ms)
	if !s.ComputeScrollOffset() {
		t.Fatal("ComputeScrollOffset: got false after extending")
	}
	checkPos(t, s, 150, 0)

	s.SetFinalY(-10)
	clk.AdvanceBy(50 * ms)
	s.ComputeScrollOffset()
	checkPos(t, s, 200, -10)
	if !s.IsFinished() {
		t.Error("Extended scroll not finished")
	}
}

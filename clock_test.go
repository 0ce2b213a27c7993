// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fakeloop_test

import (
	"math"
	"testing"
	"time"

	"github.com/creachadair/fakeloop"
)

func TestClock_setCurrentTime(t *testing.T) {
	clk := fakeloop.NewClock(fakeloop.DefaultStartTime)

	if !clk.SetCurrentTime(1034) {
		t.Error("SetCurrentTime(1034) reported false")
	}
	if got := clk.CurrentTimeMillis(); got != 1034 {
		t.Errorf("CurrentTimeMillis: got %d, want 1034", got)
	}
	if clk.SetCurrentTime(1000) {
		t.Error("SetCurrentTime(1000) reported true after 1034")
	}
	if got := clk.CurrentTimeMillis(); got != 1034 {
		t.Errorf("CurrentTimeMillis: got %d, want 1034", got)
	}
	if !clk.SetCurrentTime(1034) {
		t.Error("SetCurrentTime to the current time reported false")
	}
	if clk.SetCurrentTime(math.MaxInt64) {
		t.Error("SetCurrentTime(MaxInt64) reported true")
	}
	if got := clk.CurrentTimeMillis(); got != 1034 {
		t.Errorf("CurrentTimeMillis after overflow: got %d, want 1034", got)
	}
}

func TestClock_advance(t *testing.T) {
	clk := fakeloop.NewClock(fakeloop.DefaultStartTime)

	if got := clk.UptimeMillis(); got != 100 {
		t.Errorf("UptimeMillis: got %d, want 100", got)
	}
	clk.AdvanceBy(50 * time.Millisecond)
	clk.AdvanceBy(-time.Second) // no effect
	if got := clk.Now(); got != 150*time.Millisecond {
		t.Errorf("Now: got %v, want 150ms", got)
	}

	if !clk.AdvanceTo(time.Second) {
		t.Error("AdvanceTo(1s) reported false")
	}
	if clk.AdvanceTo(500 * time.Millisecond) {
		t.Error("AdvanceTo into the past reported true")
	}
	if got := clk.Now(); got != time.Second {
		t.Errorf("Now after clamped advance: got %v, want 1s", got)
	}

	clk.Sleep(time.Second)
	if got, want := clk.NanoTime(), int64(2*time.Second); got != want {
		t.Errorf("NanoTime: got %d, want %d", got, want)
	}
	if got := clk.ElapsedRealtime(); got != 2*time.Second {
		t.Errorf("ElapsedRealtime: got %v, want 2s", got)
	}
	if got, want := clk.Time(), time.UnixMilli(2000); !got.Equal(want) {
		t.Errorf("Time: got %v, want %v", got, want)
	}

	clk.Reset()
	if got := clk.Now(); got != fakeloop.DefaultStartTime {
		t.Errorf("Now after reset: got %v, want %v", got, fakeloop.DefaultStartTime)
	}
}

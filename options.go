// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fakeloop

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// A Mode selects how the loopers of a [Registry] schedule their work.
type Mode int

const (
	// ModePaused is the default. The main looper is driven by the test
	// goroutine and starts paused, so posted tasks wait for an explicit Idle.
	// Background loopers run on their own goroutines and execute tasks as
	// soon as the clock reaches them.
	ModePaused Mode = iota

	// ModeLegacy drives every looper from the goroutine that calls into it.
	// Loopers start unpaused, so posting a task that is already due runs it
	// before Post returns.
	ModeLegacy

	// ModeInstrumentation runs every looper, including main, on its own
	// goroutine. The test goroutine controls the main looper through Idle
	// and IdleFor, which wait for the main goroutine to catch up.
	ModeInstrumentation
)

var modeNames = [...]string{
	ModePaused:          "paused",
	ModeLegacy:          "legacy",
	ModeInstrumentation: "instrumentation",
}

func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// MarshalText implements [encoding.TextMarshaler].
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler]. It accepts the mode
// names, case-insensitively.
func (m *Mode) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for i, name := range modeNames {
		if s == name {
			*m = Mode(i)
			return nil
		}
	}
	return fmt.Errorf("unknown looper mode %q", s)
}

// callerDriven reports whether loopers in mode m execute tasks on the
// goroutine that drives them, rather than on their own goroutine.
func (m Mode) callerDriven(main bool) bool {
	switch m {
	case ModeLegacy:
		return true
	case ModeInstrumentation:
		return false
	default:
		return main
	}
}

// startPaused reports whether loopers in mode m start out paused.
func (m Mode) startPaused(main bool) bool { return m == ModePaused && main }

// Options are optional settings for a [Registry]. A nil Options is ready for
// use and provides default values as described.
type Options struct {
	// Mode selects the scheduling policy. The default is [ModePaused].
	Mode Mode

	// StartTime, if positive, is the uptime the clock starts at and returns
	// to on reset. By default, [DefaultStartTime].
	StartTime time.Duration

	// Logger, if non-nil, receives lifecycle events of the registry and its
	// loopers. By default, nothing is logged.
	Logger *zerolog.Logger
}

func (o *Options) mode() Mode {
	if o == nil {
		return ModePaused
	}
	return o.Mode
}

func (o *Options) startTime() time.Duration {
	if o == nil || o.StartTime <= 0 {
		return DefaultStartTime
	}
	return o.StartTime
}

func (o *Options) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

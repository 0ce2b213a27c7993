// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/creachadair/fakeloop"
	"github.com/creachadair/fakeloop/choreographer"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// A Scenario is a script of looper operations replayed against a fresh
// registry.
//
//	mode: paused
//	threads: [worker]
//	steps:
//	  - post: A
//	    delay: 10ms
//	  - post: tick
//	    thread: worker
//	    every: 16ms
//	    count: 3
//	  - frame: draw
//	  - idle_for: 50ms
//	  - quit: worker
type Scenario struct {
	fakeloop.Config `yaml:",inline"`

	// Threads name the background loopers to create before the first step.
	Threads []string `yaml:"threads"`

	Steps []Step `yaml:"steps"`
}

// A Step is one operation of a scenario. Exactly one of the action fields
// must be set. Thread selects the looper the action applies to, and defaults
// to the main looper.
type Step struct {
	Thread string `yaml:"thread,omitempty"`

	// Post posts a task with this name. Delay, Every, and Count modify it.
	Post  string        `yaml:"post,omitempty"`
	Delay time.Duration `yaml:"delay,omitempty"`
	Every time.Duration `yaml:"every,omitempty"`
	Count int           `yaml:"count,omitempty"`

	// Frame posts a frame callback with this name, delayed by Delay.
	Frame string `yaml:"frame,omitempty"`

	// IdleFor and AdvanceTo are pointers, so that zero is an action.
	Idle      bool           `yaml:"idle,omitempty"`
	IdleFor   *time.Duration `yaml:"idle_for,omitempty"`
	AdvanceTo *time.Duration `yaml:"advance_to,omitempty"`
	Pause     bool          `yaml:"pause,omitempty"`
	Unpause   bool          `yaml:"unpause,omitempty"`
	SetTime   int64         `yaml:"set_time,omitempty"` // wall clock, in milliseconds
	Quit      bool          `yaml:"quit,omitempty"`
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{
		s.Post != "", s.Frame != "", s.Idle, s.IdleFor != nil, s.AdvanceTo != nil,
		s.Pause, s.Unpause, s.SetTime > 0, s.Quit,
	} {
		if set {
			n++
		}
	}
	return n
}

// LoadScenario reads and parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses a YAML scenario and checks that it is well-formed.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.Config.Validate(); err != nil {
		return nil, err
	}
	for i, s := range sc.Steps {
		if n := s.actions(); n != 1 {
			return nil, fmt.Errorf("step %d: got %d actions, want 1", i+1, n)
		}
		if s.Count < 0 || s.Every < 0 || s.Delay < 0 || (s.IdleFor != nil && *s.IdleFor < 0) {
			return nil, fmt.Errorf("step %d: negative delay, every, or count", i+1)
		}
	}
	return &sc, nil
}

// A runner replays a scenario and writes the trace of executed tasks.
type runner struct {
	reg      *fakeloop.Registry
	interval time.Duration
	log      zerolog.Logger

	μ     sync.Mutex // guards out, which background loopers also write
	out   io.Writer
	chors map[string]*choreographer.Choreographer
}

// Run replays sc against a new registry, writing one line per executed task
// to out. It stops at the first step that fails.
func Run(sc *Scenario, out io.Writer, log zerolog.Logger) error {
	reg := fakeloop.NewRegistry(sc.Config.Options(&log))
	defer reg.Close()

	r := &runner{
		reg:      reg,
		interval: sc.FrameInterval,
		log:      log,
		out:      out,
		chors:    make(map[string]*choreographer.Choreographer),
	}
	for _, name := range sc.Threads {
		if _, err := reg.NewHandlerThread(name); err != nil {
			return err
		}
	}
	for i, s := range sc.Steps {
		if err := r.step(s); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (r *runner) looper(thread string) (*fakeloop.Looper, error) {
	if thread == "" {
		return r.reg.Main(), nil
	}
	return r.reg.Lookup(fakeloop.ThreadID(thread))
}

func (r *runner) trace(l *fakeloop.Looper, name string) {
	r.μ.Lock()
	defer r.μ.Unlock()
	fmt.Fprintf(r.out, "%v %s %s\n", l.Now(), l.Name(), name)
}

func (r *runner) choreographer(l *fakeloop.Looper) *choreographer.Choreographer {
	c, ok := r.chors[l.Name()]
	if !ok {
		c = choreographer.New(l, &choreographer.Options{FrameInterval: r.interval})
		r.chors[l.Name()] = c
	}
	return c
}

func (r *runner) step(s Step) error {
	l, err := r.looper(s.Thread)
	if err != nil {
		return err
	}
	r.log.Debug().Str("thread", l.Name()).Dur("now", l.Now()).Msgf("step %+v", s)

	switch {
	case s.Post != "":
		var task fakeloop.Task = fakeloop.Run(func() { r.trace(l, s.Post) })
		if s.Every > 0 {
			task = &fakeloop.Repeat{Task: task, Every: s.Every, Count: s.Count}
		}
		_, err := l.PostDelayed(task, s.Delay)
		return err

	case s.Frame != "":
		_, err := r.choreographer(l).PostFrameCallbackDelayed(func(int64) {
			r.trace(l, s.Frame)
		}, s.Delay)
		return err

	case s.Idle:
		return l.Idle()
	case s.IdleFor != nil:
		return l.IdleFor(*s.IdleFor)
	case s.AdvanceTo != nil:
		return l.AdvanceTo(*s.AdvanceTo)
	case s.Pause:
		return l.Pause()
	case s.Unpause:
		return l.Unpause()
	case s.SetTime > 0:
		if !l.Clock().SetCurrentTime(s.SetTime) {
			return fmt.Errorf("set_time %d is before the current time %d", s.SetTime, l.Clock().CurrentTimeMillis())
		}
		return nil
	case s.Quit:
		return l.Quit(true)
	}
	return errors.New("no action")
}

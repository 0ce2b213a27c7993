// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fakeloop

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the file form of [Options].
//
//	mode: paused
//	start_time: 100ms
//	frame_interval: 16ms
//	log_level: debug
type Config struct {
	Mode          Mode          `yaml:"mode"`
	StartTime     time.Duration `yaml:"start_time"`
	FrameInterval time.Duration `yaml:"frame_interval"`
	LogLevel      string        `yaml:"log_level"`
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration. Missing fields keep their zero
// values, which select the defaults.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports whether c is usable.
func (c *Config) Validate() error {
	if c.StartTime < 0 {
		return fmt.Errorf("start_time must not be negative (got %v)", c.StartTime)
	}
	if c.FrameInterval < 0 {
		return fmt.Errorf("frame_interval must not be negative (got %v)", c.FrameInterval)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	return nil
}

func (c *Config) level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log_level: %w", err)
	}
	return lvl, nil
}

// Logger returns a logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) zerolog.Logger {
	lvl, err := c.level()
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Options returns registry options for c that log to log.
func (c *Config) Options(log *zerolog.Logger) *Options {
	return &Options{Mode: c.Mode, StartTime: c.StartTime, Logger: log}
}

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Program loopsim replays a looper scenario on a virtual clock and prints the
// tasks it runs, one per line, as "<uptime> <thread> <task>".
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "scenario.yaml", "Path to scenario file")
	verbose := flag.Bool("v", false, "Log looper events to stderr")
	flag.Parse()

	sc, err := LoadScenario(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loopsim: %v\n", err)
		os.Exit(1)
	}
	if *verbose && sc.LogLevel == "" {
		sc.LogLevel = "debug"
	}

	logger := zerolog.Nop()
	if *verbose {
		logger = sc.Config.Logger(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if err := Run(sc, os.Stdout, logger); err != nil {
		logger.Error().Err(err).Str("config", *configPath).Msg("Scenario failed")
		fmt.Fprintf(os.Stderr, "loopsim: %v\n", err)
		os.Exit(1)
	}
}

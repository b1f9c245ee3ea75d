package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

const (
	defaultReadings = 1000
	defaultDevices  = 10
	defaultRounds   = 5
)

// config defines the configuration options for bench.
type config struct {
	Readings int  `short:"n" long:"readings" description:"number of readings in each benchmarked batch"`
	Devices  int  `short:"d" long:"devices"  description:"number of distinct devices the readings come from"`
	Rounds   int  `short:"r" long:"rounds"   description:"number of batches closed"`
	CPU      bool `short:"c" long:"cpu"      description:"whether to enable CPU profiling"`
}

// loadConfig initializes and parses the config using command line options.
func loadConfig(args []string) (*config, error) {
	cfg := config{
		Readings: defaultReadings,
		Devices:  defaultDevices,
		Rounds:   defaultRounds,
	}

	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		return nil, err
	}
	if cfg.Readings <= 0 || cfg.Devices <= 0 || cfg.Rounds <= 0 {
		return nil, fmt.Errorf("readings, devices and rounds must be positive")
	}
	return &cfg, nil
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
)

const DefaultTimeout = time.Second

type Opts struct {
	logger     *slog.Logger
	timeout    time.Duration
	clock      clock.PassiveClock
	registerer prometheus.Registerer
}

// DefaultOpts returns the default options of the engine
func DefaultOpts() Opts {
	return Opts{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		clock:   clock.RealClock{},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Engine
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithTimeout sets the polling budget of every provider call.
// Non positive values keep the default
func WithTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClock sets the clock used to time provider calls
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithMetricsRegisterer registers the engine's self metrics with r
func WithMetricsRegisterer(r prometheus.Registerer) OptionFn {
	return func(o *Opts) {
		o.registerer = r
	}
}

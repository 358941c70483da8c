// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
)

const (
	namespace = "powerstats"
	subsystem = "provider"
)

// error kinds reported by powerstats_provider_errors_total
const (
	kindIO      = "io"
	kindParse   = "parse"
	kindTimeout = "timeout"
)

type metrics struct {
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics() *metrics {
	return &metrics{
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "errors_total",
				Help:      "Number of failed or degraded provider calls",
			},
			[]string{"provider", "kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "collect_duration_seconds",
				Help:      "Time spent in a single provider call",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"provider"},
		),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	if r == nil {
		return nil
	}
	return errors.Join(r.Register(m.errors), r.Register(m.duration))
}

func (m *metrics) observe(provider string, d time.Duration) {
	m.duration.WithLabelValues(provider).Observe(d.Seconds())
}

// countError records err under the kind it matches first
func (m *metrics) countError(provider string, err error) {
	if err == nil {
		return
	}
	m.errors.WithLabelValues(provider, errorKind(err)).Inc()
}

func (m *metrics) countParseErrors(provider string, n int) {
	if n == 0 {
		return
	}
	m.errors.WithLabelValues(provider, kindParse).Add(float64(n))
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, residency.ErrTimeout):
		return kindTimeout
	case errors.Is(err, residency.ErrParse):
		return kindParse
	default:
		return kindIO
	}
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sustainable-computing-io/powerstats/config"
	"github.com/sustainable-computing-io/powerstats/internal/exporter/prometheus/collector"
	"github.com/sustainable-computing-io/powerstats/internal/service"
)

type APIRegistry interface {
	Register(endpoint, summary, description string, handler http.Handler) error
}

type Opts struct {
	logger          *slog.Logger
	debugCollectors map[string]bool
	collectors      map[string]prom.Collector
	registry        *prom.Registry
	metricsLevel    config.Level
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		debugCollectors: map[string]bool{
			"go": true,
		},
		collectors:   map[string]prom.Collector{},
		metricsLevel: config.MetricsLevelAll,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithDebugCollectors replaces the enabled runtime collectors
func WithDebugCollectors(c []string) OptionFn {
	return func(o *Opts) {
		o.debugCollectors = make(map[string]bool, len(c))
		for _, name := range c {
			o.debugCollectors[name] = true
		}
	}
}

func WithCollectors(c map[string]prom.Collector) OptionFn {
	return func(o *Opts) {
		o.collectors = c
	}
}

// WithRegistry serves metrics from r, which may already hold collectors
// registered by other components
func WithRegistry(r *prom.Registry) OptionFn {
	return func(o *Opts) {
		o.registry = r
	}
}

func WithMetricsLevel(level config.Level) OptionFn {
	return func(o *Opts) {
		o.metricsLevel = level
	}
}

// Exporter exposes power stats on /metrics
type Exporter struct {
	logger          *slog.Logger
	registry        *prom.Registry
	server          APIRegistry
	debugCollectors map[string]bool
	collectors      map[string]prom.Collector
}

var _ service.Initializer = (*Exporter)(nil)

// NewExporter creates a new Exporter instance
func NewExporter(s APIRegistry, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	registry := opts.registry
	if registry == nil {
		registry = prom.NewRegistry()
	}

	return &Exporter{
		server:          s,
		logger:          opts.logger.With("service", "prometheus"),
		debugCollectors: opts.debugCollectors,
		collectors:      opts.collectors,
		registry:        registry,
	}
}

func collectorForName(name string) (prom.Collector, error) {
	switch name {
	case "go":
		return collectors.NewGoCollector(), nil
	case "process":
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), nil
	default:
		return nil, fmt.Errorf("unknown collector: %s", name)
	}
}

// CreateCollectors returns the build info collector and the power collector
// reading stats
func CreateCollectors(stats collector.PowerStats, applyOpts ...OptionFn) map[string]prom.Collector {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return map[string]prom.Collector{
		"build_info": collector.NewBuildInfoCollector(),
		"power":      collector.NewPowerCollector(stats, opts.logger, opts.metricsLevel),
	}
}

func (e *Exporter) Init() error {
	e.logger.Info("Initializing Prometheus exporter")

	for _, c := range slices.Sorted(maps.Keys(e.debugCollectors)) {
		col, err := collectorForName(c)
		if err != nil {
			e.logger.Error("Error creating collector", "collector", c, "error", err)
			return err
		}
		e.logger.Info("Enabling debug collector", "collector", c)
		if err := e.registry.Register(col); err != nil {
			return fmt.Errorf("failed to register collector %s: %w", c, err)
		}
	}

	for _, name := range slices.Sorted(maps.Keys(e.collectors)) {
		e.logger.Info("Enabling collector", "collector", name)
		if err := e.registry.Register(e.collectors[name]); err != nil {
			return fmt.Errorf("failed to register collector %s: %w", name, err)
		}
	}

	return e.server.Register("/metrics", "Metrics", "Prometheus metrics",
		promhttp.HandlerFor(
			e.registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          e.registry,
			},
		))
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "prometheus"
}

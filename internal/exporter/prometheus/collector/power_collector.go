// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/powerstats/config"
	"github.com/sustainable-computing-io/powerstats/internal/entity"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
)

// PowerStats is the part of the aggregation engine read on every scrape
type PowerStats interface {
	ListPowerEntities() []entity.PowerEntity
	RailInfo() []residency.RailInfo
	GetStateResidency(ctx context.Context, ids ...uint32) ([]residency.StateResidencyResult, error)
	GetEnergyData(ctx context.Context, ids ...uint32) ([]residency.EnergyResult, error)
}

// PowerCollector queries the engine once per scrape so that all state and
// rail metrics of a scrape come from the same fan-out.
type PowerCollector struct {
	stats        PowerStats
	logger       *slog.Logger
	metricsLevel config.Level

	// state residency
	entryCountDesc *prometheus.Desc
	residencyDesc  *prometheus.Desc
	lastEntryDesc  *prometheus.Desc

	// rails
	railEnergyDesc *prometheus.Desc
}

var _ prometheus.Collector = (*PowerCollector)(nil)

func stateDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(powerstatsNS, "state", name),
		help,
		[]string{"entity", "entity_type", "state"}, nil)
}

// NewPowerCollector creates a collector exporting the groups enabled in
// metricsLevel
func NewPowerCollector(stats PowerStats, logger *slog.Logger, metricsLevel config.Level) *PowerCollector {
	return &PowerCollector{
		stats:        stats,
		logger:       logger.With("collector", "power"),
		metricsLevel: metricsLevel,

		entryCountDesc: stateDesc("entry_count_total", "Number of times the entity entered the state"),
		residencyDesc:  stateDesc("residency_seconds_total", "Total time spent by the entity in the state in seconds"),
		lastEntryDesc:  stateDesc("last_entry_timestamp_seconds", "Time of the last entry into the state in seconds"),

		railEnergyDesc: prometheus.NewDesc(
			prometheus.BuildFQName(powerstatsNS, "rail", "energy_joules_total"),
			"Energy consumed on the power rail in joules",
			[]string{"rail", "subsystem"}, nil),
	}
}

// Describe implements the prometheus.Collector interface
func (c *PowerCollector) Describe(ch chan<- *prometheus.Desc) {
	if c.metricsLevel.IsResidencyEnabled() {
		ch <- c.entryCountDesc
		ch <- c.residencyDesc
		ch <- c.lastEntryDesc
	}
	if c.metricsLevel.IsEnergyEnabled() {
		ch <- c.railEnergyDesc
	}
}

// Collect implements the prometheus.Collector interface
func (c *PowerCollector) Collect(ch chan<- prometheus.Metric) {
	started := time.Now()
	defer func() {
		c.logger.Debug("Collected power stats", "duration", time.Since(started))
	}()

	// scrapes carry no context; the engine bounds every provider call
	ctx := context.Background()

	if c.metricsLevel.IsResidencyEnabled() {
		c.collectResidency(ctx, ch)
	}
	if c.metricsLevel.IsEnergyEnabled() {
		c.collectEnergy(ctx, ch)
	}
}

func (c *PowerCollector) collectResidency(ctx context.Context, ch chan<- prometheus.Metric) {
	results, err := c.stats.GetStateResidency(ctx)
	if err != nil {
		c.logCollectError("residency", err)
		return
	}

	entities := map[uint32]entity.PowerEntity{}
	for _, e := range c.stats.ListPowerEntities() {
		entities[e.ID] = e
	}

	for _, r := range results {
		e, ok := entities[r.EntityID]
		if !ok {
			continue
		}
		labels := []string{e.Name, e.Type.String(), r.StateName}

		if r.EntryCount != nil {
			ch <- prometheus.MustNewConstMetric(c.entryCountDesc, prometheus.CounterValue,
				float64(*r.EntryCount), labels...)
		}
		if r.TotalTimeMs != nil {
			ch <- prometheus.MustNewConstMetric(c.residencyDesc, prometheus.CounterValue,
				float64(*r.TotalTimeMs)/1000, labels...)
		}
		if r.LastEntryTimestampMs != nil {
			ch <- prometheus.MustNewConstMetric(c.lastEntryDesc, prometheus.GaugeValue,
				float64(*r.LastEntryTimestampMs)/1000, labels...)
		}
	}
}

func (c *PowerCollector) collectEnergy(ctx context.Context, ch chan<- prometheus.Metric) {
	rails := c.stats.RailInfo()
	if len(rails) == 0 {
		return
	}

	results, err := c.stats.GetEnergyData(ctx)
	if err != nil {
		c.logCollectError("energy", err)
		return
	}

	byID := make(map[uint32]residency.RailInfo, len(rails))
	for _, r := range rails {
		byID[r.ID] = r
	}

	for _, e := range results {
		rail, ok := byID[e.RailID]
		if !ok || !e.Valid {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.railEnergyDesc, prometheus.CounterValue,
			float64(e.EnergyUWs)/1e6, rail.Name, rail.Subsystem)
	}
}

func (c *PowerCollector) logCollectError(group string, err error) {
	if errors.Is(err, residency.ErrConfig) {
		c.logger.Debug("Collect called before the aggregator is ready", "group", group)
		return
	}
	c.logger.Error("Failed to collect power stats", "group", group, "error", err)
}

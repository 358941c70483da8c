// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/sustainable-computing-io/powerstats/internal/entity"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
	"github.com/sustainable-computing-io/powerstats/internal/service"
)

type (
	Initializer = service.Initializer
	Runner      = service.Runner
	Shutdowner  = service.Shutdowner
)

// PowerStats is the part of the aggregation engine dumped on every tick
type PowerStats interface {
	ListPowerEntities() []entity.PowerEntity
	RailInfo() []residency.RailInfo
	GetStateResidency(ctx context.Context, ids ...uint32) ([]residency.StateResidencyResult, error)
	GetEnergyData(ctx context.Context, ids ...uint32) ([]residency.EnergyResult, error)
}

// Exporter periodically writes state residency and rail energy tables
type Exporter struct {
	logger   *slog.Logger
	stats    PowerStats
	out      io.WriteCloser
	ticker   *time.Ticker
	interval time.Duration
}

var (
	_ Initializer = (*Exporter)(nil)
	_ Runner      = (*Exporter)(nil)
	_ Shutdowner  = (*Exporter)(nil)
)

type Opts struct {
	logger   *slog.Logger
	out      io.WriteCloser
	interval time.Duration
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		out:      os.Stdout,
		interval: 10 * time.Second,
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

func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

func WithInterval(interval time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = interval
	}
}

func NewExporter(stats PowerStats, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:   opts.logger.With("service", "stdout"),
		stats:    stats,
		out:      opts.out,
		interval: opts.interval,
	}
}

func (e *Exporter) Init() error {
	if e.interval <= 0 {
		return fmt.Errorf("invalid stdout interval: %s", e.interval)
	}
	e.ticker = time.NewTicker(e.interval)
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	defer e.ticker.Stop()

	for {
		select {
		case <-e.ticker.C:
			e.dump(ctx)
		case <-ctx.Done():
			e.logger.Info("Exiting ticker")
			return nil
		}
	}
}

func (e *Exporter) dump(ctx context.Context) {
	results, err := e.stats.GetStateResidency(ctx)
	if err != nil {
		e.logger.Error("Failed to collect state residency", "error", err)
	} else {
		writeResidency(e.out, e.stats.ListPowerEntities(), results)
	}

	rails := e.stats.RailInfo()
	if len(rails) == 0 {
		return
	}
	energy, err := e.stats.GetEnergyData(ctx)
	if err != nil {
		e.logger.Error("Failed to collect rail energy", "error", err)
		return
	}
	writeEnergy(e.out, rails, energy)
}

func optional(v *uint64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatUint(*v, 10)
}

func newTable(out io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	return table
}

func writeResidency(out io.Writer, entities []entity.PowerEntity, results []residency.StateResidencyResult) {
	names := make(map[uint32]string, len(entities))
	for _, e := range entities {
		names[e.ID] = e.Name
	}

	// results are grouped by entity id; keep state order within an entity
	sorted := append([]residency.StateResidencyResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EntityID < sorted[j].EntityID
	})

	rows := make([][]string, 0, len(sorted))
	for _, r := range sorted {
		name, ok := names[r.EntityID]
		if !ok {
			name = strconv.FormatUint(uint64(r.EntityID), 10)
		}
		rows = append(rows, []string{
			name,
			r.StateName,
			optional(r.EntryCount),
			optional(r.TotalTimeMs),
			optional(r.LastEntryTimestampMs),
		})
	}

	table := newTable(out)
	table.Header([]string{"Entity", "State", "Entries", "Residency(ms)", "Last Entry(ms)"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func writeEnergy(out io.Writer, rails []residency.RailInfo, results []residency.EnergyResult) {
	byID := make(map[uint32]residency.RailInfo, len(rails))
	for _, r := range rails {
		byID[r.ID] = r
	}

	rows := make([][]string, 0, len(results))
	for _, e := range results {
		rail, ok := byID[e.RailID]
		if !ok {
			continue
		}
		rows = append(rows, []string{
			rail.Name,
			rail.Subsystem,
			fmt.Sprintf("%.2f", float64(e.EnergyUWs)/1e6),
			strconv.FormatBool(e.Valid),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i][0] < rows[j][0]
	})

	table := newTable(out)
	table.Header([]string{"Rail", "Subsystem", "Energy(J)", "Valid"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func (e *Exporter) Shutdown() error {
	return e.out.Close()
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "stdout"
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/procfs/sysfs"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
	"k8s.io/utils/clock"
)

// raplZone is the subset of sysfs.RaplZone used by RAPLProvider
type raplZone interface {
	Name() string
	Index() int
	Path() string
	EnergyMicrojoules() (uint64, error)
}

// zoneReader lists the RAPL zones of a host
type zoneReader interface {
	Zones() ([]raplZone, error)
}

// RAPLProvider exposes Linux powercap RAPL zones as power rails
type RAPLProvider struct {
	reader     zoneReader
	logger     *slog.Logger
	clock      clock.PassiveClock
	zoneFilter []string

	once  sync.Once
	zones []raplZone
	rails []residency.RailInfo
}

var (
	_ EnergyProvider = (*RAPLProvider)(nil)
	_ Initializer    = (*RAPLProvider)(nil)
)

// RAPLOptionFn configures a RAPLProvider
type RAPLOptionFn func(*RAPLProvider)

// WithRAPLLogger sets the logger of a RAPLProvider
func WithRAPLLogger(logger *slog.Logger) RAPLOptionFn {
	return func(p *RAPLProvider) {
		p.logger = logger
	}
}

// WithRAPLClock sets the clock used to stamp samples
func WithRAPLClock(c clock.PassiveClock) RAPLOptionFn {
	return func(p *RAPLProvider) {
		p.clock = c
	}
}

// WithZoneFilter restricts the rails to the named zones.
// If empty, all zones are included
func WithZoneFilter(zones []string) RAPLOptionFn {
	return func(p *RAPLProvider) {
		p.zoneFilter = zones
	}
}

func withZoneReader(r zoneReader) RAPLOptionFn {
	return func(p *RAPLProvider) {
		p.reader = r
	}
}

// NewRAPLProvider creates a provider reading the sysfs mounted at sysfsPath
func NewRAPLProvider(sysfsPath string, opts ...RAPLOptionFn) (*RAPLProvider, error) {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return nil, err
	}

	p := &RAPLProvider{
		reader: sysfsZoneReader{fs: fs},
		logger: slog.Default(),
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("provider", p.Name())
	return p, nil
}

func (p *RAPLProvider) Name() string {
	return "rapl"
}

// Init discovers the zones and probes the first one. The rail table is fixed
// after Init.
func (p *RAPLProvider) Init() error {
	var err error
	p.once.Do(func() {
		err = p.discover()
	})
	return err
}

func (p *RAPLProvider) discover() error {
	zones, err := p.reader.Zones()
	if err != nil {
		return err
	} else if len(zones) == 0 {
		return fmt.Errorf("no RAPL zones found")
	}

	zones = p.filterZones(zones)
	if len(zones) == 0 {
		return fmt.Errorf("no RAPL zones found after filtering")
	}

	// same zone may be exposed through both intel-rapl and intel-rapl-mmio
	byKey := map[string]raplZone{}
	for _, z := range zones {
		key := railName(z)
		if existing, ok := byKey[key]; ok && isStandardRaplPath(existing.Path()) {
			continue
		}
		byKey[key] = z
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	p.zones = make([]raplZone, 0, len(keys))
	p.rails = make([]residency.RailInfo, 0, len(keys))
	for i, k := range keys {
		p.zones = append(p.zones, byKey[k])
		p.rails = append(p.rails, residency.RailInfo{
			ID:        uint32(i),
			Name:      k,
			Subsystem: "rapl",
		})
	}

	if _, err := p.zones[0].EnergyMicrojoules(); err != nil {
		return fmt.Errorf("failed to read zone %s: %w", p.rails[0].Name, err)
	}
	p.logger.Info("RAPL rails discovered", "rails", keys)
	return nil
}

func (p *RAPLProvider) filterZones(zones []raplZone) []raplZone {
	if len(p.zoneFilter) == 0 {
		return zones
	}

	wanted := make(map[string]bool, len(p.zoneFilter))
	for _, name := range p.zoneFilter {
		wanted[strings.ToLower(name)] = true
	}
	filtered := make([]raplZone, 0, len(zones))
	for _, z := range zones {
		if wanted[strings.ToLower(z.Name())] || wanted[strings.ToLower(railName(z))] {
			filtered = append(filtered, z)
		}
	}
	return filtered
}

func (p *RAPLProvider) Rails() []residency.RailInfo {
	return slices.Clone(p.rails)
}

func (p *RAPLProvider) CollectEnergy(ctx context.Context, rails []uint32) ([]residency.EnergyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := p.clock.Now()
	results := make([]residency.EnergyResult, 0, len(rails))
	for _, id := range rails {
		if int(id) >= len(p.zones) {
			continue
		}
		result := residency.EnergyResult{RailID: id, Timestamp: now}
		uj, err := p.zones[id].EnergyMicrojoules()
		if err != nil {
			p.logger.Debug("failed to read zone", "rail", p.rails[id].Name, "error", err)
		} else {
			result.EnergyUWs = uj
			result.Valid = true
		}
		results = append(results, result)
	}
	return results, nil
}

// railName names a zone after its name and index, e.g. package-0
func railName(z raplZone) string {
	return fmt.Sprintf("%s-%d", z.Name(), z.Index())
}

func isStandardRaplPath(path string) bool {
	return strings.Contains(path, "/intel-rapl:")
}

type sysfsZoneReader struct {
	fs sysfs.FS
}

func (r sysfsZoneReader) Zones() ([]raplZone, error) {
	raplZones, err := sysfs.GetRaplZones(r.fs)
	if err != nil {
		return nil, fmt.Errorf("failed to read rapl zones: %w", err)
	}

	zones := make([]raplZone, 0, len(raplZones))
	for _, z := range raplZones {
		zones = append(zones, sysfsZone{z})
	}
	return zones, nil
}

// sysfsZone adapts sysfs.RaplZone to raplZone. Energy in microjoules equals
// micro watt seconds.
type sysfsZone struct {
	zone sysfs.RaplZone
}

func (s sysfsZone) Name() string { return s.zone.Name }
func (s sysfsZone) Index() int   { return s.zone.Index }
func (s sysfsZone) Path() string { return s.zone.Path }

func (s sysfsZone) EnergyMicrojoules() (uint64, error) {
	return s.zone.GetEnergyMicrojoules()
}


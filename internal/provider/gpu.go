// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/sustainable-computing-io/powerstats/internal/residency"
)

const (
	DefaultGPUFrequenciesPath = "/sys/class/kgsl/kgsl-3d0/gpu_available_frequencies"
	DefaultGPUClockStatsPath  = "/sys/class/kgsl/kgsl-3d0/gpu_clock_stats"
)

// GPUProvider reports GPU frequency residency from the kgsl driver. Every
// available frequency is a state; its residency is the time-in-state counter
// at the same position in the clock stats file.
type GPUProvider struct {
	entityID  uint32
	freqPath  string
	statsPath string
	logger    *slog.Logger
	readFile  func(string) ([]byte, error)
}

var _ Provider = (*GPUProvider)(nil)

// GPUOptionFn configures a GPUProvider
type GPUOptionFn func(*GPUProvider)

// WithGPUPaths overrides the sysfs files read by the provider
func WithGPUPaths(frequencies, clockStats string) GPUOptionFn {
	return func(p *GPUProvider) {
		if frequencies != "" {
			p.freqPath = frequencies
		}
		if clockStats != "" {
			p.statsPath = clockStats
		}
	}
}

// WithGPULogger sets the logger of a GPUProvider
func WithGPULogger(logger *slog.Logger) GPUOptionFn {
	return func(p *GPUProvider) {
		p.logger = logger
	}
}

// NewGPUProvider creates a provider owning the GPU entity id
func NewGPUProvider(entityID uint32, opts ...GPUOptionFn) *GPUProvider {
	p := &GPUProvider{
		entityID:  entityID,
		freqPath:  DefaultGPUFrequenciesPath,
		statsPath: DefaultGPUClockStatsPath,
		logger:    slog.Default(),
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("provider", p.Name())
	return p
}

func (p *GPUProvider) Name() string {
	return "gpu"
}

func (p *GPUProvider) EntityIDs() []uint32 {
	return []uint32{p.entityID}
}

func (p *GPUProvider) Collect(ctx context.Context, ids []uint32) ([]residency.StateResidencyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !slices.Contains(ids, p.entityID) {
		return nil, nil
	}

	results, err := p.sample()
	if err != nil {
		return nil, residency.ProviderIOError{Provider: p.Name(), EntityID: p.entityID, Err: err}
	}
	return results, nil
}

func (p *GPUProvider) sample() ([]residency.StateResidencyResult, error) {
	freqs, err := p.readCounters(p.freqPath)
	if err != nil {
		return nil, err
	}
	stats, err := p.readCounters(p.statsPath)
	if err != nil {
		return nil, err
	}
	if len(freqs) != len(stats) {
		return nil, fmt.Errorf("%d frequencies but %d clock stats", len(freqs), len(stats))
	}

	names, err := frequencyStateNames(normalizeHz(freqs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.freqPath, err)
	}

	results := make([]residency.StateResidencyResult, 0, len(freqs))
	for i := range freqs {
		totalMs := stats[i] / 1000
		results = append(results, residency.StateResidencyResult{
			EntityID:    p.entityID,
			StateName:   names[i],
			TotalTimeMs: &totalMs,
		})
	}
	return results, nil
}

func (p *GPUProvider) readCounters(path string) ([]uint64, error) {
	data, err := p.readFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	fields := strings.Fields(string(data))
	ret := make([]uint64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q in %s: %w", f, path, err)
		}
		ret = append(ret, v)
	}
	return ret, nil
}

// kHzCeiling bounds kHz frequency lists: GPUs do not clock below 10MHz, so a
// list whose maximum stays under it is in kHz
const kHzCeiling = 10_000_000

// normalizeHz converts a kHz frequency list to Hz
func normalizeHz(freqs []uint64) []uint64 {
	if len(freqs) == 0 || slices.Max(freqs) >= kHzCeiling {
		return freqs
	}
	ret := make([]uint64, len(freqs))
	for i, f := range freqs {
		ret[i] = f * 1000
	}
	return ret
}

var frequencyUnits = []struct {
	suffix  string
	divisor uint64
}{
	{"MHz", 1_000_000},
	{"kHz", 1_000},
	{"Hz", 1},
}

// frequencyStateNames names every state after its frequency in the coarsest
// unit that divides all frequencies evenly and keeps the names unique
func frequencyStateNames(hz []uint64) ([]string, error) {
	for _, u := range frequencyUnits {
		names := make([]string, 0, len(hz))
		seen := make(map[string]bool, len(hz))
		for _, f := range hz {
			if f%u.divisor != 0 {
				break
			}
			name := strconv.FormatUint(f/u.divisor, 10) + u.suffix
			if seen[name] {
				break
			}
			seen[name] = true
			names = append(names, name)
		}
		if len(names) == len(hz) {
			return names, nil
		}
	}
	// only duplicate frequencies collide in Hz
	return nil, fmt.Errorf("duplicate frequency in %v", hz)
}

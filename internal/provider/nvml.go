// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
	"k8s.io/utils/clock"
)

type nvmlRail struct {
	handle nvmlDeviceHandle
	info   residency.RailInfo
}

// NVMLProvider exposes one power rail per NVIDIA GPU. A host without NVML or
// without GPUs is not an error; the provider then has no rails.
type NVMLProvider struct {
	lib    nvmlLib
	logger *slog.Logger
	clock  clock.PassiveClock

	mu          sync.RWMutex
	initialized bool
	rails       []nvmlRail
}

var (
	_ EnergyProvider = (*NVMLProvider)(nil)
	_ Initializer    = (*NVMLProvider)(nil)
	_ Shutdowner     = (*NVMLProvider)(nil)
)

// NVMLOptionFn configures an NVMLProvider
type NVMLOptionFn func(*NVMLProvider)

// WithNVMLLogger sets the logger of an NVMLProvider
func WithNVMLLogger(logger *slog.Logger) NVMLOptionFn {
	return func(p *NVMLProvider) {
		p.logger = logger
	}
}

// WithNVMLClock sets the clock used to stamp samples
func WithNVMLClock(c clock.PassiveClock) NVMLOptionFn {
	return func(p *NVMLProvider) {
		p.clock = c
	}
}

func withNVMLLib(lib nvmlLib) NVMLOptionFn {
	return func(p *NVMLProvider) {
		p.lib = lib
	}
}

func NewNVMLProvider(opts ...NVMLOptionFn) *NVMLProvider {
	p := &NVMLProvider{
		lib:    realNvmlLib{},
		logger: slog.Default(),
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("provider", p.Name())
	return p
}

func (p *NVMLProvider) Name() string {
	return "nvml"
}

// Init loads NVML and discovers the GPUs
func (p *NVMLProvider) Init() (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	// the go-nvml bindings panic when libnvidia-ml cannot be loaded
	defer func() {
		if r := recover(); r != nil {
			p.logger.Info("NVML not available, no GPU rails", "reason", r)
			err = nil
		}
	}()

	if ret := p.lib.Init(); ret != nvml.SUCCESS {
		p.logger.Info("NVML not available, no GPU rails", "reason", p.lib.ErrorString(ret))
		return nil
	}

	count, ret := p.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		_ = p.lib.Shutdown()
		return fmt.Errorf("failed to get device count: %s", p.lib.ErrorString(ret))
	}

	p.rails = make([]nvmlRail, 0, count)
	for i := range count {
		handle, ret := p.lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			p.logger.Warn("failed to get device handle", "index", i, "error", p.lib.ErrorString(ret))
			continue
		}

		name, ret := handle.GetName()
		if ret != nvml.SUCCESS {
			name = "Unknown NVIDIA GPU"
		}
		uuid, ret := handle.GetUUID()
		if ret != nvml.SUCCESS {
			uuid = fmt.Sprintf("gpu-%d", i)
		}

		p.rails = append(p.rails, nvmlRail{
			handle: handle,
			info: residency.RailInfo{
				ID:        uint32(len(p.rails)),
				Name:      fmt.Sprintf("gpu-%d", i),
				Subsystem: name,
			},
		})
		p.logger.Info("discovered GPU", "index", i, "uuid", uuid, "name", name)
	}

	p.initialized = true
	return nil
}

// Shutdown releases NVML
func (p *NVMLProvider) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}
	p.initialized = false
	p.rails = nil
	if ret := p.lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %s", p.lib.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Rails() []residency.RailInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ret := make([]residency.RailInfo, 0, len(p.rails))
	for _, r := range p.rails {
		ret = append(ret, r.info)
	}
	return ret
}

func (p *NVMLProvider) CollectEnergy(ctx context.Context, rails []uint32) ([]residency.EnergyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.clock.Now()
	results := make([]residency.EnergyResult, 0, len(rails))
	for _, id := range rails {
		if int(id) >= len(p.rails) {
			continue
		}
		result := residency.EnergyResult{RailID: id, Timestamp: now}
		mj, ret := p.rails[id].handle.GetTotalEnergyConsumption()
		if ret != nvml.SUCCESS {
			p.logger.Debug("failed to read energy", "rail", p.rails[id].info.Name, "error", p.lib.ErrorString(ret))
		} else {
			result.EnergyUWs = mj * 1000
			result.Valid = true
		}
		results = append(results, result)
	}
	return results, nil
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"log/slog"

	"github.com/sustainable-computing-io/powerstats/internal/aggregator"
	"github.com/sustainable-computing-io/powerstats/internal/entity"
	"github.com/sustainable-computing-io/powerstats/internal/provider"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
	"k8s.io/utils/ptr"
)

// Bootstrap registers the configured entities and providers and returns an
// engine ready for Init. Entities are registered in configuration order:
// text providers, then the GPU, then pushed entities. An entity name used by
// several providers maps to a single id, which Init then rejects as claimed
// twice.
func Bootstrap(cfg *Config, logger *slog.Logger, opts ...aggregator.OptionFn) (*aggregator.Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := entity.NewRegistry()
	engineOpts := append([]aggregator.OptionFn{
		aggregator.WithLogger(logger),
		aggregator.WithTimeout(cfg.Aggregator.Timeout),
	}, opts...)
	engine := aggregator.New(reg, engineOpts...)

	b := bootstrapper{reg: reg, engine: engine, logger: logger}
	p := cfg.Providers

	for i, tp := range p.Text {
		if err := b.addText(i, tp); err != nil {
			return nil, err
		}
	}
	if ptr.Deref(p.GPU.Enabled, false) {
		if err := b.addGPU(p.GPU); err != nil {
			return nil, err
		}
	}
	if len(p.Push) > 0 {
		if err := b.addPush(p.Push); err != nil {
			return nil, err
		}
	}

	if ptr.Deref(p.RAPL.Enabled, false) {
		rapl, err := provider.NewRAPLProvider(cfg.Host.SysFS,
			provider.WithZoneFilter(p.RAPL.Zones),
			provider.WithRAPLLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create rapl provider: %w", err)
		}
		if err := engine.AddEnergyProvider(rapl); err != nil {
			return nil, err
		}
	}
	if ptr.Deref(p.NVML.Enabled, false) {
		if err := engine.AddEnergyProvider(provider.NewNVMLProvider(provider.WithNVMLLogger(logger))); err != nil {
			return nil, err
		}
	}

	logger.Info("bootstrap complete", "entities", reg.String())
	return engine, nil
}

type bootstrapper struct {
	reg    *entity.Registry
	engine *aggregator.Engine
	logger *slog.Logger
}

// addPowerEntity returns the id of name, registering it on first use
func (b *bootstrapper) addPowerEntity(name, typ string) (uint32, error) {
	t, err := entity.ParseType(typ)
	if err != nil {
		return 0, err
	}
	if id, ok := b.reg.Lookup(name); ok {
		if existing, _ := b.reg.Get(id); existing.Type != t {
			return 0, residency.NewConfigError("entity %s declared as both %s and %s", name, existing.Type, t)
		}
		return id, nil
	}
	return b.reg.Add(name, t)
}

func (b *bootstrapper) addText(idx int, tp TextProvider) error {
	name := tp.Name
	if name == "" {
		name = fmt.Sprintf("text-%d", idx)
	}
	p := provider.NewTextProvider(provider.FileSource(tp.Path),
		provider.WithTextName(name),
		provider.WithTextLogger(b.logger))

	// entities listed more than once concatenate their states
	var order []string
	byName := map[string][]residency.PowerEntityConfig{}
	types := map[string]string{}
	for _, e := range tp.Entities {
		cfg, err := entityConfig(e)
		if err != nil {
			return fmt.Errorf("provider %s entity %s: %w", name, e.Name, err)
		}
		if _, ok := byName[e.Name]; !ok {
			order = append(order, e.Name)
			types[e.Name] = e.Type
		}
		byName[e.Name] = append(byName[e.Name], cfg)
	}

	for _, en := range order {
		id, err := b.addPowerEntity(en, types[en])
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		if err := p.AddEntity(id, residency.Merge(byName[en]...)); err != nil {
			return fmt.Errorf("provider %s entity %s: %w", name, en, err)
		}
	}
	return b.engine.AddStateResidencyProvider(p)
}

func (b *bootstrapper) addGPU(cfg GPUProvider) error {
	id, err := b.addPowerEntity(cfg.Entity, "subsystem")
	if err != nil {
		return fmt.Errorf("gpu provider: %w", err)
	}
	p := provider.NewGPUProvider(id,
		provider.WithGPUPaths(cfg.FrequenciesPath, cfg.ClockStatsPath),
		provider.WithGPULogger(b.logger))
	return b.engine.AddStateResidencyProvider(p)
}

func (b *bootstrapper) addPush(entities []PushEntity) error {
	p := provider.NewPushProvider(provider.WithPushLogger(b.logger))
	for _, pe := range entities {
		id, err := b.addPowerEntity(pe.Entity, pe.Type)
		if err != nil {
			return fmt.Errorf("push provider: %w", err)
		}
		if err := p.RegisterEntity(id, pe.Entity, pe.States); err != nil {
			return fmt.Errorf("push provider: %w", err)
		}
	}
	return b.engine.AddStateResidencyProvider(p)
}

func entityConfig(e TextEntity) (residency.PowerEntityConfig, error) {
	states := make([]residency.StateResidencyConfig, 0, len(e.States))
	for _, s := range e.States {
		sc := residency.StateResidencyConfig{Name: s.Name, Header: s.Header}
		var err error
		if s.EntryCount != nil {
			sc.EntryCountSupported = true
			sc.EntryCountPrefix = s.EntryCount.Prefix
			if s.EntryCount.Transform != nil {
				return residency.PowerEntityConfig{}, residency.NewConfigError("state %q: entry count has no transform", s.Name)
			}
		}
		if s.TotalTime != nil {
			sc.TotalTimeSupported = true
			sc.TotalTimePrefix = s.TotalTime.Prefix
			if sc.TotalTimeTransform, err = s.TotalTime.Transform.build(); err != nil {
				return residency.PowerEntityConfig{}, fmt.Errorf("state %q total time: %w", s.Name, err)
			}
		}
		if s.LastEntry != nil {
			sc.LastEntrySupported = true
			sc.LastEntryPrefix = s.LastEntry.Prefix
			if sc.LastEntryTransform, err = s.LastEntry.Transform.build(); err != nil {
				return residency.PowerEntityConfig{}, fmt.Errorf("state %q last entry: %w", s.Name, err)
			}
		}
		states = append(states, sc)
	}
	return residency.NewPowerEntityConfig(e.Header, states...), nil
}

func (t *Transform) build() (residency.Transform, error) {
	switch {
	case t == nil:
		return residency.Identity, nil
	case t.Divide != nil && t.Multiply != nil:
		return nil, residency.NewConfigError("transform sets both divide and multiply")
	case t.Divide != nil:
		return residency.DivideBy(*t.Divide)
	case t.Multiply != nil:
		return residency.MultiplyBy(*t.Multiply)
	default:
		return residency.Identity, nil
	}
}

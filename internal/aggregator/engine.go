// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package aggregator answers residency and energy queries across providers.
//
// Each query fans out to the providers owning the requested entities or
// rails, one call per provider, in parallel and bounded by a per-provider
// timeout. A provider that fails or times out only removes its own entities
// from that answer.
//
// Consistency is weak: results of different providers are sampled at slightly
// different instants and nothing is cached between calls, so two entities in
// the same answer may not describe the same moment.
package aggregator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/powerstats/internal/entity"
	"github.com/sustainable-computing-io/powerstats/internal/provider"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
	"github.com/sustainable-computing-io/powerstats/internal/service"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// Pusher is implemented by providers accepting pushed residency
type Pusher interface {
	Push(id uint32, state string, value uint64) error
}

type railRef struct {
	provider int
	localID  uint32
}

// Engine routes queries to the providers owning the requested ids
type Engine struct {
	logger   *slog.Logger
	registry *entity.Registry
	timeout  time.Duration
	clock    clock.PassiveClock
	metrics  *metrics

	registerer prometheus.Registerer

	mu          sync.Mutex
	initialized atomic.Bool
	providers   []provider.Provider
	energy      []provider.EnergyProvider

	// immutable after Init
	owners   map[uint32]int
	rails    []residency.RailInfo
	railRefs []railRef
}

var (
	_ service.Initializer  = (*Engine)(nil)
	_ service.Shutdowner   = (*Engine)(nil)
	_ service.LiveChecker  = (*Engine)(nil)
	_ service.ReadyChecker = (*Engine)(nil)
)

// New creates an engine answering queries for the entities of registry
func New(registry *entity.Registry, applyOpts ...OptionFn) *Engine {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	e := &Engine{
		logger:   opts.logger.With("service", "aggregator"),
		registry: registry,
		timeout:  opts.timeout,
		clock:    opts.clock,
		metrics:  newMetrics(),
		owners:   map[uint32]int{},

		registerer: opts.registerer,
	}
	return e
}

func (e *Engine) Name() string {
	return "aggregator"
}

// AddStateResidencyProvider adds a residency provider. It must be called
// before Init.
func (e *Engine) AddStateResidencyProvider(p provider.Provider) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized.Load() {
		return residency.NewConfigError("provider %s added after init", p.Name())
	}
	e.providers = append(e.providers, p)
	return nil
}

// AddEnergyProvider adds an energy provider. It must be called before Init.
func (e *Engine) AddEnergyProvider(p provider.EnergyProvider) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized.Load() {
		return residency.NewConfigError("energy provider %s added after init", p.Name())
	}
	e.energy = append(e.energy, p)
	return nil
}

// Init initializes the providers, computes which provider owns each entity
// and rail and seals the registry. An entity claimed by two providers, or an
// owned id missing from the registry, is a configuration error. On failure
// the providers initialized so far are shut down in reverse order and the
// registry stays open.
func (e *Engine) Init() (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized.Load() {
		return nil
	}

	var started []named
	defer func() {
		if err == nil {
			return
		}
		for i := len(started) - 1; i >= 0; i-- {
			p := started[i]
			if s, ok := p.(provider.Shutdowner); ok {
				if serr := s.Shutdown(); serr != nil {
					e.logger.Error("failed to shut down provider", "provider", p.Name(), "error", serr)
				}
			}
		}
	}()

	for _, p := range e.providers {
		if err := initProvider(p); err != nil {
			return fmt.Errorf("failed to initialize provider %s: %w", p.Name(), err)
		}
		started = append(started, p)
	}
	for _, p := range e.energy {
		if err := initProvider(p); err != nil {
			return fmt.Errorf("failed to initialize energy provider %s: %w", p.Name(), err)
		}
		started = append(started, p)
	}

	owners := map[uint32]int{}
	var errs []string
	for i, p := range e.providers {
		for _, id := range p.EntityIDs() {
			if _, ok := e.registry.Get(id); !ok {
				errs = append(errs, fmt.Sprintf("entity %d claimed by %s is not registered", id, p.Name()))
				continue
			}
			if prev, ok := owners[id]; ok {
				errs = append(errs, fmt.Sprintf("entity %d claimed by both %s and %s",
					id, e.providers[prev].Name(), p.Name()))
				continue
			}
			owners[id] = i
		}
	}
	if len(errs) > 0 {
		return residency.NewConfigError("%s", strings.Join(errs, "; "))
	}

	var rails []residency.RailInfo
	var refs []railRef
	for i, p := range e.energy {
		for _, r := range p.Rails() {
			refs = append(refs, railRef{provider: i, localID: r.ID})
			r.ID = uint32(len(rails))
			rails = append(rails, r)
		}
	}

	var unowned []uint32
	for _, pe := range e.registry.List() {
		if _, ok := owners[pe.ID]; !ok {
			unowned = append(unowned, pe.ID)
		}
	}
	if len(unowned) > 0 {
		e.logger.Warn("entities without a provider", "ids", unowned)
	}

	if err := e.metrics.register(e.registerer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	e.registry.Seal()
	e.owners = owners
	e.rails = rails
	e.railRefs = refs
	e.initialized.Store(true)

	e.logger.Info("aggregator initialized",
		"entities", e.registry.Len(),
		"providers", len(e.providers),
		"rails", len(rails),
		"timeout", e.timeout)
	return nil
}

type named interface {
	Name() string
}

func initProvider(p any) error {
	if i, ok := p.(provider.Initializer); ok {
		return i.Init()
	}
	return nil
}

// Shutdown releases provider resources
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for _, p := range e.providers {
		if s, ok := p.(provider.Shutdowner); ok {
			errs = append(errs, s.Shutdown())
		}
	}
	for _, p := range e.energy {
		if s, ok := p.(provider.Shutdowner); ok {
			errs = append(errs, s.Shutdown())
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) IsLive(ctx context.Context) (bool, error) {
	return true, nil
}

func (e *Engine) IsReady(ctx context.Context) (bool, error) {
	if !e.initialized.Load() {
		return false, errors.New("aggregator not initialized")
	}
	return true, nil
}

// ListPowerEntities returns every registered entity in id order
func (e *Engine) ListPowerEntities() []entity.PowerEntity {
	return e.registry.List()
}

// RailInfo returns every rail with its engine wide id
func (e *Engine) RailInfo() []residency.RailInfo {
	if !e.initialized.Load() {
		return nil
	}
	return slices.Clone(e.rails)
}

// GetStateResidency returns the residency of the requested entities, or of
// every entity when ids is empty. Unknown ids are ignored. Results are sorted
// by entity id, then in the owning provider's state order. The only error
// returned is the cancellation of ctx.
func (e *Engine) GetStateResidency(ctx context.Context, ids ...uint32) ([]residency.StateResidencyResult, error) {
	if !e.initialized.Load() {
		return nil, residency.NewConfigError("aggregator not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		for _, pe := range e.registry.List() {
			ids = append(ids, pe.ID)
		}
	}

	groups := map[int][]uint32{}
	for _, id := range ids {
		owner, ok := e.owners[id]
		if !ok || slices.Contains(groups[owner], id) {
			continue
		}
		groups[owner] = append(groups[owner], id)
	}

	collected := make([][]residency.StateResidencyResult, len(e.providers))
	var g errgroup.Group
	g.SetLimit(max(len(e.providers), 1))
	for idx, wanted := range groups {
		p := e.providers[idx]
		g.Go(func() error {
			s, err := e.collectResidency(ctx, p, wanted)
			collected[idx] = s.results
			e.handleError(p.Name(), err)
			if err == nil {
				e.metrics.countParseErrors(p.Name(), len(s.diags))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ret []residency.StateResidencyResult
	for idx, results := range collected {
		wanted := groups[idx]
		for _, r := range results {
			if slices.Contains(wanted, r.EntityID) {
				ret = append(ret, r)
			}
		}
	}
	slices.SortStableFunc(ret, func(a, b residency.StateResidencyResult) int {
		return cmp.Compare(a.EntityID, b.EntityID)
	})
	return ret, nil
}

// GetEnergyData samples the requested rails, or every rail when ids is
// empty. Unknown ids are ignored and results are sorted by rail id.
func (e *Engine) GetEnergyData(ctx context.Context, ids ...uint32) ([]residency.EnergyResult, error) {
	if !e.initialized.Load() {
		return nil, residency.NewConfigError("aggregator not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		for _, r := range e.rails {
			ids = append(ids, r.ID)
		}
	}

	// provider -> local id -> global id
	groups := map[int]map[uint32]uint32{}
	for _, id := range ids {
		if int(id) >= len(e.railRefs) {
			continue
		}
		ref := e.railRefs[id]
		if groups[ref.provider] == nil {
			groups[ref.provider] = map[uint32]uint32{}
		}
		groups[ref.provider][ref.localID] = id
	}

	collected := make([][]residency.EnergyResult, len(e.energy))
	var g errgroup.Group
	g.SetLimit(max(len(e.energy), 1))
	for idx, toGlobal := range groups {
		p := e.energy[idx]
		local := make([]uint32, 0, len(toGlobal))
		for l := range toGlobal {
			local = append(local, l)
		}
		slices.Sort(local)

		g.Go(func() error {
			results, err := e.collectEnergy(ctx, p, local)
			e.handleError(p.Name(), err)
			for _, r := range results {
				global, ok := toGlobal[r.RailID]
				if !ok {
					continue
				}
				r.RailID = global
				collected[idx] = append(collected[idx], r)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ret := slices.Concat(collected...)
	slices.SortFunc(ret, func(a, b residency.EnergyResult) int {
		return cmp.Compare(a.RailID, b.RailID)
	})
	return ret, nil
}

// PushState forwards a pushed value to the provider owning the entity
func (e *Engine) PushState(id uint32, state string, value uint64) error {
	if !e.initialized.Load() {
		return residency.NewConfigError("aggregator not initialized")
	}
	owner, ok := e.owners[id]
	if !ok {
		return residency.RegistrationError{EntityID: id, Msg: "unknown entity"}
	}
	pusher, ok := e.providers[owner].(Pusher)
	if !ok {
		return residency.RegistrationError{EntityID: id, Msg: "entity does not accept pushes"}
	}
	return pusher.Push(id, state, value)
}

func (e *Engine) handleError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	e.metrics.countError(name, err)
	e.logger.Warn("provider failed", "provider", name, "error", err)
}

type callResult[T any] struct {
	value T
	err   error
}

// boundedCall runs fn under the engine timeout. A provider ignoring its
// context is abandoned once the budget is spent; its late answer is dropped.
func boundedCall[T any](ctx context.Context, e *Engine, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := e.clock.Now()
	defer func() { e.metrics.observe(name, e.clock.Since(start)) }()

	ch := make(chan callResult[T], 1)
	go func() {
		value, err := fn(ctx)
		ch <- callResult[T]{value, err}
	}()

	var zero T
	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return zero, residency.TimeoutError{Provider: name, Budget: e.timeout, Err: r.err}
		}
		return r.value, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, residency.TimeoutError{Provider: name, Budget: e.timeout, Err: ctx.Err()}
		}
		return zero, ctx.Err()
	}
}

// residencySample is the outcome of one provider call. diags are the
// non-fatal problems reported by that call.
type residencySample struct {
	results []residency.StateResidencyResult
	diags   []error
}

func (e *Engine) collectResidency(ctx context.Context, p provider.Provider, ids []uint32) (residencySample, error) {
	return boundedCall(ctx, e, p.Name(), func(ctx context.Context) (residencySample, error) {
		if d, ok := p.(provider.Diagnoser); ok {
			results, diags, err := d.CollectWithDiagnostics(ctx, ids)
			return residencySample{results, diags}, err
		}
		results, err := p.Collect(ctx, ids)
		return residencySample{results: results}, err
	})
}

func (e *Engine) collectEnergy(ctx context.Context, p provider.EnergyProvider, rails []uint32) ([]residency.EnergyResult, error) {
	return boundedCall(ctx, e, p.Name(), func(ctx context.Context) ([]residency.EnergyResult, error) {
		return p.CollectEnergy(ctx, rails)
	})
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/sustainable-computing-io/powerstats/internal/residency"
	"k8s.io/utils/clock"
)

// Counters is the cached residency of one pushed state. Nil fields have
// never been pushed.
type Counters struct {
	EntryCount           *uint64
	TotalTimeMs          *uint64
	LastEntryTimestampMs *uint64
}

type pushEntity struct {
	name   string
	states []string
	values map[string]Counters
}

// PushProvider serves state residency pushed asynchronously by external
// callers, e.g. a secure element reporting its own sleep states. Collect
// never blocks on the pushers; it only reads the cache.
type PushProvider struct {
	name   string
	logger *slog.Logger
	clock  clock.PassiveClock

	mu       sync.RWMutex
	order    []uint32
	entities map[uint32]*pushEntity
}

var _ Provider = (*PushProvider)(nil)

// PushOptionFn configures a PushProvider
type PushOptionFn func(*PushProvider)

// WithPushLogger sets the logger of a PushProvider
func WithPushLogger(logger *slog.Logger) PushOptionFn {
	return func(p *PushProvider) {
		p.logger = logger
	}
}

// WithPushClock sets the clock used to stamp pushes
func WithPushClock(c clock.PassiveClock) PushOptionFn {
	return func(p *PushProvider) {
		p.clock = c
	}
}

// WithPushName overrides the provider name
func WithPushName(name string) PushOptionFn {
	return func(p *PushProvider) {
		p.name = name
	}
}

func NewPushProvider(opts ...PushOptionFn) *PushProvider {
	p := &PushProvider{
		name:     "push",
		logger:   slog.Default(),
		clock:    clock.RealClock{},
		entities: map[uint32]*pushEntity{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("provider", p.name)
	return p
}

func (p *PushProvider) Name() string {
	return p.name
}

// RegisterEntity declares the states an entity may push. It must be called
// before any push or query for that entity.
func (p *PushProvider) RegisterEntity(id uint32, name string, states []string) error {
	if len(states) == 0 {
		return residency.RegistrationError{EntityID: id, Msg: "no states"}
	}
	seen := make(map[string]bool, len(states))
	for _, s := range states {
		if strings.TrimSpace(s) == "" {
			return residency.RegistrationError{EntityID: id, Msg: "empty state name"}
		}
		if seen[s] {
			return residency.RegistrationError{EntityID: id, State: s, Msg: "duplicate state"}
		}
		seen[s] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entities[id]; exists {
		return residency.RegistrationError{EntityID: id, Msg: "already registered"}
	}
	p.entities[id] = &pushEntity{
		name:   name,
		states: append([]string(nil), states...),
		values: make(map[string]Counters, len(states)),
	}
	p.order = append(p.order, id)
	return nil
}

func (p *PushProvider) EntityIDs() []uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ret := make([]uint32, len(p.order))
	copy(ret, p.order)
	return ret
}

// Push records value as the residency of state. The last write wins. Every
// push also bumps the entry count and stamps the last entry time.
func (p *PushProvider) Push(id uint32, state string, value uint64) error {
	now := uint64(p.clock.Now().UnixMilli())

	p.mu.Lock()
	defer p.mu.Unlock()

	e, err := p.lookup(id, state)
	if err != nil {
		return err
	}

	var count uint64 = 1
	if prev := e.values[state]; prev.EntryCount != nil {
		count = *prev.EntryCount + 1
	}
	e.values[state] = Counters{
		EntryCount:           &count,
		TotalTimeMs:          &value,
		LastEntryTimestampMs: &now,
	}
	p.logger.Debug("state pushed", "entity", e.name, "state", state, "value", value, "count", count)
	return nil
}

// PushResidency replaces the full cached record of state, for pushers that
// track their own counters.
func (p *PushProvider) PushResidency(id uint32, state string, c Counters) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, err := p.lookup(id, state)
	if err != nil {
		return err
	}
	e.values[state] = Counters{
		EntryCount:           copyValue(c.EntryCount),
		TotalTimeMs:          copyValue(c.TotalTimeMs),
		LastEntryTimestampMs: copyValue(c.LastEntryTimestampMs),
	}
	return nil
}

// Query returns the latest pushed value of every registered state of the
// entity; states never pushed map to nil.
func (p *PushProvider) Query(id uint32) (map[string]*uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.entities[id]
	if !ok {
		return nil, residency.RegistrationError{EntityID: id, Msg: "not registered"}
	}
	ret := make(map[string]*uint64, len(e.states))
	for _, s := range e.states {
		ret[s] = copyValue(e.values[s].TotalTimeMs)
	}
	return ret, nil
}

func (p *PushProvider) Collect(ctx context.Context, ids []uint32) ([]residency.StateResidencyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var results []residency.StateResidencyResult
	for _, id := range ids {
		e, ok := p.entities[id]
		if !ok {
			continue
		}
		for _, s := range e.states {
			c := e.values[s]
			results = append(results, residency.StateResidencyResult{
				EntityID:             id,
				StateName:            s,
				EntryCount:           copyValue(c.EntryCount),
				TotalTimeMs:          copyValue(c.TotalTimeMs),
				LastEntryTimestampMs: copyValue(c.LastEntryTimestampMs),
			})
		}
	}
	return results, nil
}

// lookup must be called with p.mu held
func (p *PushProvider) lookup(id uint32, state string) (*pushEntity, error) {
	e, ok := p.entities[id]
	if !ok {
		return nil, residency.RegistrationError{EntityID: id, Msg: "not registered"}
	}
	if _, ok := e.values[state]; ok {
		return e, nil
	}
	for _, s := range e.states {
		if s == state {
			return e, nil
		}
	}
	return nil, residency.RegistrationError{EntityID: id, State: state, Msg: "unknown state"}
}

// copyValue keeps callers from aliasing cache entries
func copyValue(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

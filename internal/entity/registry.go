// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package entity assigns stable ids to named power entities.
//
// A Registry has two phases. During initialization a single writer adds
// entities; Seal ends that phase and the registry is read-only for the rest of
// the process lifetime, so reads after Seal take no locks.
package entity

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sustainable-computing-io/powerstats/internal/residency"
)

// Type is the kind of power entity
type Type int

const (
	Subsystem Type = iota
	PowerDomain
)

func (t Type) String() string {
	switch t {
	case Subsystem:
		return "SUBSYSTEM"
	case PowerDomain:
		return "POWER_DOMAIN"
	default:
		return "UNKNOWN"
	}
}

// ParseType parses the names accepted in configuration files
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "subsystem", "":
		return Subsystem, nil
	case "power_domain", "power-domain", "powerdomain":
		return PowerDomain, nil
	default:
		return 0, residency.NewConfigError("unknown entity type %q", s)
	}
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// PowerEntity is immutable once registered
type PowerEntity struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Registry maps power entity names to ids
type Registry struct {
	mu       sync.Mutex
	sealed   atomic.Bool
	entities []PowerEntity
	byName   map[string]uint32
}

func NewRegistry() *Registry {
	return &Registry{
		byName: map[string]uint32{},
	}
}

// Add registers a new entity and returns its id. Ids are minted in
// registration order starting at 0.
func (r *Registry) Add(name string, t Type) (uint32, error) {
	if r.sealed.Load() {
		return 0, residency.NewConfigError("cannot add entity %q: registry is sealed", name)
	}
	if strings.TrimSpace(name) == "" {
		return 0, residency.NewConfigError("entity name cannot be empty")
	}
	if t != Subsystem && t != PowerDomain {
		return 0, residency.NewConfigError("entity %q: invalid type %d", name, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// NOTE: check again under the lock; Seal may have raced with us
	if r.sealed.Load() {
		return 0, residency.NewConfigError("cannot add entity %q: registry is sealed", name)
	}
	if _, exists := r.byName[name]; exists {
		return 0, residency.NewConfigError("entity %q already registered", name)
	}

	id := uint32(len(r.entities))
	r.entities = append(r.entities, PowerEntity{ID: id, Name: name, Type: t})
	r.byName[name] = id
	return id, nil
}

// Seal ends the initialization phase. It is safe to call more than once.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// List returns all entities in registration order
func (r *Registry) List() []PowerEntity {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	ret := make([]PowerEntity, len(r.entities))
	copy(ret, r.entities)
	return ret
}

// Get returns the entity with the given id
func (r *Registry) Get(id uint32) (PowerEntity, bool) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	if int(id) >= len(r.entities) {
		return PowerEntity{}, false
	}
	return r.entities[id], true
}

// Lookup returns the id registered for name
func (r *Registry) Lookup(name string) (uint32, bool) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	id, ok := r.byName[name]
	return id, ok
}

// Len returns the number of registered entities
func (r *Registry) Len() int {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return len(r.entities)
}

func (r *Registry) String() string {
	entities := r.List()
	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = fmt.Sprintf("%d:%s", e.ID, e.Name)
	}
	return strings.Join(names, ", ")
}

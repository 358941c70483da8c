// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider contains the data sources behind the aggregation engine.
//
// Every source implements the same capability: given the entity ids it owns,
// collect their state residency. Text providers parse counter dumps, sampling
// providers read live counters and the push provider serves a cache filled by
// external callers. Energy providers do the same for power rails.
package provider

import (
	"context"

	"github.com/sustainable-computing-io/powerstats/internal/residency"
)

// Provider supplies state residency for the entities it owns.
// Implementations must be safe for concurrent use once initialized.
type Provider interface {
	// Name identifies the provider in logs and metrics
	Name() string

	// EntityIDs returns the ids owned by this provider
	EntityIDs() []uint32

	// Collect returns one result per configured state for every requested
	// entity it could read. Entities that failed are omitted from the
	// results and reported through the returned error, which joins one
	// residency.ProviderIOError per failed entity.
	Collect(ctx context.Context, ids []uint32) ([]residency.StateResidencyResult, error)
}

// EnergyProvider supplies energy samples for power rails
type EnergyProvider interface {
	Name() string

	// Rails returns the rails of this provider. RailInfo.ID is the index of
	// the rail within the provider; the engine maps it to a global id.
	Rails() []residency.RailInfo

	// CollectEnergy samples the rails with the given provider-local ids
	CollectEnergy(ctx context.Context, rails []uint32) ([]residency.EnergyResult, error)
}

// Diagnoser is implemented by providers that report non-fatal problems, such
// as parse errors, alongside the results of a collection. The diagnostics
// belong to that call only.
type Diagnoser interface {
	CollectWithDiagnostics(ctx context.Context, ids []uint32) ([]residency.StateResidencyResult, []error, error)
}

// Initializer is implemented by providers that must probe hardware before use
type Initializer interface {
	Init() error
}

// Shutdowner is implemented by providers holding resources
type Shutdowner interface {
	Shutdown() error
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package residency holds the data model shared by the registry, the providers
// and the aggregation engine: state residency configuration, query results and
// the error taxonomy.
package residency

import (
	"fmt"
	"strings"
	"time"
)

// StateResidencyConfig describes how to recognise one named state within a
// telemetry source. Only fields whose *Supported flag is set are ever read.
type StateResidencyConfig struct {
	Name string

	// Header optionally overrides the entity header for this state only. It is
	// used when every state of an entity lives in its own block of the source.
	Header string

	EntryCountSupported bool
	EntryCountPrefix    string

	TotalTimeSupported bool
	TotalTimePrefix    string
	TotalTimeTransform Transform

	LastEntrySupported bool
	LastEntryPrefix    string
	LastEntryTransform Transform
}

// PowerEntityConfig binds an entity to the states that can be read for it.
// Header is the marker that starts the entity's block in the telemetry text.
type PowerEntityConfig struct {
	Header string
	States []StateResidencyConfig
}

// NewPowerEntityConfig returns a config whose header is the entity name
func NewPowerEntityConfig(header string, states ...StateResidencyConfig) PowerEntityConfig {
	return PowerEntityConfig{Header: header, States: states}
}

// GenerateStateConfigs builds one config per (state name, header) pair using
// template for the field prefixes and transforms. Each generated state reads
// from its own header block.
func GenerateStateConfigs(template StateResidencyConfig, headers [][2]string) PowerEntityConfig {
	states := make([]StateResidencyConfig, 0, len(headers))
	for _, h := range headers {
		s := template
		s.Name = h[0]
		s.Header = h[1]
		states = append(states, s)
	}
	return PowerEntityConfig{States: states}
}

// Merge concatenates the states of several configs bound to the same entity.
// The first non-empty header wins.
func Merge(cfgs ...PowerEntityConfig) PowerEntityConfig {
	var ret PowerEntityConfig
	for _, c := range cfgs {
		if ret.Header == "" {
			ret.Header = c.Header
		}
		ret.States = append(ret.States, c.States...)
	}
	return ret
}

// StateResidencyResult is the residency of one state of one entity at the
// instant its provider was sampled. A nil field is absent, which is not the
// same as zero.
type StateResidencyResult struct {
	EntityID             uint32  `json:"entityId"`
	StateName            string  `json:"stateName"`
	EntryCount           *uint64 `json:"entryCount,omitempty"`
	TotalTimeMs          *uint64 `json:"totalTimeMs,omitempty"`
	LastEntryTimestampMs *uint64 `json:"lastEntryTimestampMs,omitempty"`
}

func (r StateResidencyResult) String() string {
	return fmt.Sprintf("%d/%s count=%s total=%s last=%s", r.EntityID, r.StateName,
		optString(r.EntryCount), optString(r.TotalTimeMs), optString(r.LastEntryTimestampMs))
}

// Absent returns a result with every field absent
func Absent(id uint32, state string) StateResidencyResult {
	return StateResidencyResult{EntityID: id, StateName: state}
}

// RailInfo describes a power rail whose energy can be sampled
type RailInfo struct {
	ID             uint32 `json:"id"`
	Name           string `json:"name"`
	Subsystem      string `json:"subsystem"`
	SamplingRateHz uint32 `json:"samplingRateHz"`
}

// EnergyResult is one energy sample of a rail. Energy is in micro watt seconds.
type EnergyResult struct {
	RailID    uint32    `json:"railId"`
	Timestamp time.Time `json:"-"`
	EnergyUWs uint64    `json:"energyUWs"`
	Valid     bool      `json:"valid"`
}

// TimestampMs returns the sample time as unix milliseconds
func (e EnergyResult) TimestampMs() int64 {
	return e.Timestamp.UnixMilli()
}

func optString(v *uint64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

// validate checks a single state config; errs collects every problem found
func (s StateResidencyConfig) validate() []string {
	var errs []string
	name := strings.TrimSpace(s.Name)
	if name == "" {
		errs = append(errs, "state name cannot be empty")
	}
	if s.EntryCountSupported && s.EntryCountPrefix == "" {
		errs = append(errs, fmt.Sprintf("state %q: entry count supported without prefix", name))
	}
	if s.TotalTimeSupported && s.TotalTimePrefix == "" {
		errs = append(errs, fmt.Sprintf("state %q: total time supported without prefix", name))
	}
	if s.LastEntrySupported && s.LastEntryPrefix == "" {
		errs = append(errs, fmt.Sprintf("state %q: last entry supported without prefix", name))
	}
	return errs
}

// Validate checks that the config can be used by a text provider: state names
// must be unique, every supported field needs a prefix and every state needs
// a header either from the entity or its own.
func (c PowerEntityConfig) Validate() error {
	var errs []string
	if len(c.States) == 0 {
		errs = append(errs, "no states configured")
	}

	seen := make(map[string]bool, len(c.States))
	for _, s := range c.States {
		errs = append(errs, s.validate()...)
		if seen[s.Name] {
			errs = append(errs, fmt.Sprintf("duplicate state %q", s.Name))
		}
		seen[s.Name] = true

		if c.Header == "" && s.Header == "" {
			errs = append(errs, fmt.Sprintf("state %q has no header", s.Name))
		}
	}

	if len(errs) > 0 {
		return NewConfigError("%s", strings.Join(errs, ", "))
	}
	return nil
}

// StateNames returns the configured state names in order
func (c PowerEntityConfig) StateNames() []string {
	names := make([]string, len(c.States))
	for i, s := range c.States {
		names[i] = s.Name
	}
	return names
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
)

// Level selects the metric groups exported to Prometheus, as a bit set
type Level uint32

const (
	MetricsLevelResidency Level = 1 << iota // 1
	MetricsLevelEnergy                      // 2

	// MetricsLevelAll represents all metric groups combined
	MetricsLevelAll = MetricsLevelResidency | MetricsLevelEnergy
)

var levelNames = []struct {
	level Level
	name  string
}{
	{MetricsLevelResidency, "residency"},
	{MetricsLevelEnergy, "energy"},
}

func (l Level) names() []string {
	var ret []string
	for _, ln := range levelNames {
		if l&ln.level != 0 {
			ret = append(ret, ln.name)
		}
	}
	return ret
}

// String returns the enabled groups separated by commas
func (l Level) String() string {
	return strings.Join(l.names(), ",")
}

// IsResidencyEnabled checks if state residency metrics are enabled
func (l Level) IsResidencyEnabled() bool {
	return l&MetricsLevelResidency != 0
}

// IsEnergyEnabled checks if rail energy metrics are enabled
func (l Level) IsEnergyEnabled() bool {
	return l&MetricsLevelEnergy != 0
}

// ParseLevel parses group names into a Level; no names means all groups
func ParseLevel(levels []string) (Level, error) {
	if len(levels) == 0 {
		return MetricsLevelAll, nil
	}

	var result Level
	for _, level := range levels {
		name := strings.ToLower(strings.TrimSpace(level))
		found := false
		for _, ln := range levelNames {
			if ln.name == name {
				result |= ln.level
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown metrics level: %s", level)
		}
	}
	return result, nil
}

// ValidLevels returns the list of valid metrics levels
func ValidLevels() []string {
	ret := make([]string, 0, len(levelNames))
	for _, ln := range levelNames {
		ret = append(ret, ln.name)
	}
	return ret
}

// MarshalYAML implements yaml.Marshaler interface
func (l Level) MarshalYAML() (any, error) {
	names := l.names()
	if len(names) == 1 {
		return names[0], nil
	}
	return names, nil
}

// UnmarshalYAML implements yaml.Unmarshaler interface; both a single name
// and a list of names are accepted
func (l *Level) UnmarshalYAML(unmarshal func(any) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		parsed, err := ParseLevel([]string{single})
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}

	var multiple []string
	if err := unmarshal(&multiple); err == nil {
		parsed, err := ParseLevel(multiple)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}

	return fmt.Errorf("cannot unmarshal metrics level: must be a string or array of strings")
}

// MetricsLevelValue is a kingpin.Value accumulating repeated --metrics flags
type MetricsLevelValue struct {
	level *Level
}

func NewMetricsLevelValue(target *Level) *MetricsLevelValue {
	return &MetricsLevelValue{level: target}
}

// Set implements kingpin.Value; the first value replaces the default
func (m *MetricsLevelValue) Set(value string) error {
	level, err := ParseLevel([]string{value})
	if err != nil {
		return err
	}
	if *m.level == MetricsLevelAll {
		*m.level = 0
	}
	*m.level |= level
	return nil
}

func (m *MetricsLevelValue) String() string {
	return m.level.String()
}

func (m *MetricsLevelValue) IsCumulative() bool {
	return true
}

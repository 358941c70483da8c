// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/sustainable-computing-io/powerstats/internal/provider"
	"k8s.io/utils/ptr"
)

const (
	// RPMClockHz is the rate of the RPM sleep counters; dividing by
	// RPMClockHz/1000 yields milliseconds
	RPMClockHz = 19_200_000

	MasterStatsPath      = "/sys/power/rpmh_stats/master_stats"
	SystemSleepStatsPath = "/sys/power/system_sleep/stats"
)

func rpmField(prefix string) *Field {
	return &Field{
		Prefix:    prefix,
		Transform: &Transform{Divide: ptr.To[uint64](RPMClockHz / 1000)},
	}
}

func rpmState(name string) TextState {
	return TextState{
		Name:       name,
		EntryCount: &Field{Prefix: "Sleep Count:"},
		TotalTime:  rpmField("Sleep Accumulated Duration:"),
		LastEntry:  rpmField("Sleep Last Entered At:"),
	}
}

func rpmEntity(name, state string) TextEntity {
	return TextEntity{
		Name:   name,
		Type:   "subsystem",
		Header: name,
		States: []TextState{rpmState(state)},
	}
}

func socState(name, header string) TextState {
	return TextState{
		Name:       name,
		Header:     header,
		EntryCount: &Field{Prefix: "count:"},
		TotalTime:  &Field{Prefix: "actual last sleep(msec):"},
	}
}

// DefaultProviders returns the built-in device catalogue: the rpmh master
// stats subsystems, the SoC sleep modes, the kgsl GPU and the Citadel secure
// element fed by pushes.
func DefaultProviders() Providers {
	return Providers{
		Text: []TextProvider{
			{
				Name: "rpmh",
				Path: MasterStatsPath,
				Entities: []TextEntity{
					rpmEntity("APSS", "Sleep"),
					rpmEntity("MPSS", "Sleep"),
					rpmEntity("ADSP", "Sleep"),
					rpmEntity("CDSP", "Sleep"),
					rpmEntity("SLPI", "Sleep"),
					rpmEntity("SLPI_ISLAND", "uImage"),
				},
			},
			{
				Name: "soc",
				Path: SystemSleepStatsPath,
				Entities: []TextEntity{{
					Name: "SoC",
					Type: "power_domain",
					States: []TextState{
						socState("AOSD", "RPM Mode:aosd"),
						socState("CXSD", "RPM Mode:cxsd"),
						socState("DDR", "RPM Mode:ddr"),
					},
				}},
			},
		},
		GPU: GPUProvider{
			Enabled:         ptr.To(true),
			Entity:          "GPU",
			FrequenciesPath: provider.DefaultGPUFrequenciesPath,
			ClockStatsPath:  provider.DefaultGPUClockStatsPath,
		},
		RAPL: RAPLProvider{
			Enabled: ptr.To(false),
			Zones:   []string{},
		},
		NVML: NVMLProvider{
			Enabled: ptr.To(false),
		},
		Push: []PushEntity{{
			Entity: "Citadel",
			Type:   "subsystem",
			States: []string{"Last-Reset", "Active", "Deep-Sleep"},
		}},
	}
}

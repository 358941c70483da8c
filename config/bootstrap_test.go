// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/powerstats/internal/aggregator"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
	"k8s.io/utils/ptr"
)

const masterStats = `APSS
	Sleep Count: 42
	Sleep Last Entered At: 384000
	Sleep Accumulated Duration: 192000

MPSS
	Sleep Count: 3
	Sleep Last Entered At: 19200
	Sleep Accumulated Duration: 96000
`

const sleepStats = `RPM Mode:aosd
	count: 5
	actual last sleep(msec): 120

RPM Mode:cxsd
	count: 11
	actual last sleep(msec): 930

RPM Mode:ddr
	count: 2
	actual last sleep(msec): 40
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// catalogueConfig returns the default configuration with every source
// redirected to fixtures under a temporary directory
func catalogueConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Providers.Text[0].Path = writeFile(t, dir, "master_stats", masterStats)
	cfg.Providers.Text[1].Path = writeFile(t, dir, "stats", sleepStats)
	cfg.Providers.GPU.FrequenciesPath = writeFile(t, dir, "freqs", "585000000 427000000\n")
	cfg.Providers.GPU.ClockStatsPath = writeFile(t, dir, "clock_stats", "4000 2000\n")
	return cfg
}

func bootstrapEngine(t *testing.T, cfg *Config) *aggregator.Engine {
	t.Helper()
	engine, err := Bootstrap(cfg, discardLogger())
	require.NoError(t, err)
	require.NoError(t, engine.Init())
	t.Cleanup(func() { _ = engine.Shutdown() })
	return engine
}

func TestBootstrapCatalogue(t *testing.T) {
	engine := bootstrapEngine(t, catalogueConfig(t))

	entities := engine.ListPowerEntities()
	names := make([]string, 0, len(entities))
	for i, e := range entities {
		assert.Equal(t, uint32(i), e.ID)
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{
		"APSS", "MPSS", "ADSP", "CDSP", "SLPI", "SLPI_ISLAND", "SoC", "GPU", "Citadel",
	}, names)
	assert.Equal(t, "POWER_DOMAIN", entities[6].Type.String())
	assert.Empty(t, engine.RailInfo())
}

func TestBootstrapCatalogueResidency(t *testing.T) {
	engine := bootstrapEngine(t, catalogueConfig(t))
	ctx := context.Background()

	t.Run("rpm counters are converted to milliseconds", func(t *testing.T) {
		results, err := engine.GetStateResidency(ctx, 0)
		require.NoError(t, err)
		require.Len(t, results, 1)
		r := results[0]
		assert.Equal(t, "Sleep", r.StateName)
		assert.Equal(t, ptr.To[uint64](42), r.EntryCount)
		assert.Equal(t, ptr.To[uint64](10), r.TotalTimeMs)
		assert.Equal(t, ptr.To[uint64](20), r.LastEntryTimestampMs)
	})

	t.Run("missing block yields absent fields", func(t *testing.T) {
		results, err := engine.GetStateResidency(ctx, 2)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, residency.Absent(2, "Sleep"), results[0])
	})

	t.Run("soc states read their own block", func(t *testing.T) {
		results, err := engine.GetStateResidency(ctx, 6)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, "AOSD", results[0].StateName)
		assert.Equal(t, ptr.To[uint64](5), results[0].EntryCount)
		assert.Equal(t, "CXSD", results[1].StateName)
		assert.Equal(t, ptr.To[uint64](930), results[1].TotalTimeMs)
		assert.Equal(t, "DDR", results[2].StateName)
		assert.Nil(t, results[2].LastEntryTimestampMs)
	})

	t.Run("gpu frequencies", func(t *testing.T) {
		results, err := engine.GetStateResidency(ctx, 7)
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("pushed entity", func(t *testing.T) {
		require.NoError(t, engine.PushState(8, "Active", 1500))
		results, err := engine.GetStateResidency(ctx, 8)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, "Active", results[1].StateName)
		assert.Equal(t, ptr.To[uint64](1500), results[1].TotalTimeMs)
	})

	t.Run("all entities", func(t *testing.T) {
		results, err := engine.GetStateResidency(ctx)
		require.NoError(t, err)
		// 6 rpm + 3 soc + 2 gpu + 3 citadel
		assert.Len(t, results, 14)
	})
}

func TestBootstrapDuplicateEntity(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "master_stats", masterStats)

	cfg := DefaultConfig()
	cfg.Providers.GPU.Enabled = ptr.To(false)
	cfg.Providers.Push = nil
	cfg.Providers.Text = []TextProvider{
		{Name: "a", Path: path, Entities: []TextEntity{rpmEntity("APSS", "Sleep")}},
		{Name: "b", Path: path, Entities: []TextEntity{rpmEntity("APSS", "Sleep")}},
	}

	engine, err := Bootstrap(cfg, discardLogger())
	require.NoError(t, err)
	err = engine.Init()
	assert.ErrorIs(t, err, residency.ErrConfig)
	assert.ErrorContains(t, err, "claimed by both a and b")
}

func TestBootstrapTypeMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers.Push = []PushEntity{{Entity: "SoC", Type: "subsystem", States: []string{"On"}}}

	_, err := Bootstrap(cfg, discardLogger())
	assert.ErrorIs(t, err, residency.ErrConfig)
	assert.ErrorContains(t, err, "declared as both")
}

func TestBootstrapRepeatedEntityMergesStates(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Providers.GPU.Enabled = ptr.To(false)
	cfg.Providers.Push = nil
	cfg.Providers.Text = []TextProvider{{
		Name: "soc",
		Path: writeFile(t, dir, "stats", sleepStats),
		Entities: []TextEntity{
			{Name: "SoC", Type: "power_domain", States: []TextState{socState("AOSD", "RPM Mode:aosd")}},
			{Name: "SoC", Type: "power_domain", States: []TextState{socState("DDR", "RPM Mode:ddr")}},
		},
	}}

	engine := bootstrapEngine(t, cfg)
	require.Len(t, engine.ListPowerEntities(), 1)

	results, err := engine.GetStateResidency(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "AOSD", results[0].StateName)
	assert.Equal(t, "DDR", results[1].StateName)
}

func TestBootstrapEntityConfigErrors(t *testing.T) {
	tt := []struct {
		name  string
		state TextState
	}{{
		name: "entry count transform",
		state: TextState{
			Name:       "Sleep",
			EntryCount: &Field{Prefix: "count:", Transform: &Transform{Divide: ptr.To[uint64](2)}},
		},
	}, {
		name: "divide by zero",
		state: TextState{
			Name:      "Sleep",
			TotalTime: &Field{Prefix: "time:", Transform: &Transform{Divide: ptr.To[uint64](0)}},
		},
	}, {
		name: "both divide and multiply",
		state: TextState{
			Name: "Sleep",
			LastEntry: &Field{Prefix: "last:", Transform: &Transform{
				Divide:   ptr.To[uint64](2),
				Multiply: ptr.To[uint64](3),
			}},
		},
	}}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			_, err := entityConfig(TextEntity{Name: "X", States: []TextState{tc.state}})
			assert.ErrorIs(t, err, residency.ErrConfig)
		})
	}
}

func TestTransformBuild(t *testing.T) {
	identity, err := (*Transform)(nil).build()
	require.NoError(t, err)
	v, err := identity(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)

	empty, err := (&Transform{}).build()
	require.NoError(t, err)
	v, err = empty(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)

	div, err := (&Transform{Divide: ptr.To[uint64](RPMClockHz / 1000)}).build()
	require.NoError(t, err)
	v, err = div(192000)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), v)

	mul, err := (&Transform{Multiply: ptr.To[uint64](1000)}).build()
	require.NoError(t, err)
	v, err = mul(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3000), v)
}

func TestBootstrapRAPLNeedsSysfs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers.RAPL.Enabled = ptr.To(true)
	cfg.Host.SysFS = filepath.Join(t.TempDir(), "missing")

	engine, err := Bootstrap(cfg, discardLogger())
	if err == nil {
		err = engine.Init()
	}
	assert.Error(t, err)
}

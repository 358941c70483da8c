// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "", cfg.Web.Config)
	assert.Equal(t, []string{":28283"}, cfg.Web.ListenAddresses)
	assert.Equal(t, time.Second, cfg.Aggregator.Timeout)
	assert.False(t, *cfg.Exporter.Stdout.Enabled)
	assert.True(t, *cfg.Exporter.Prometheus.Enabled)
	assert.Equal(t, MetricsLevelAll, cfg.Exporter.Prometheus.MetricsLevel)
	assert.False(t, *cfg.Exporter.MCP.Enabled)
	assert.Equal(t, MCPTransportStreamable, cfg.Exporter.MCP.Transport)

	require.Len(t, cfg.Providers.Text, 2)
	assert.Equal(t, MasterStatsPath, cfg.Providers.Text[0].Path)
	assert.Len(t, cfg.Providers.Text[0].Entities, 6)
	assert.Equal(t, SystemSleepStatsPath, cfg.Providers.Text[1].Path)
	assert.True(t, *cfg.Providers.GPU.Enabled)
	assert.False(t, *cfg.Providers.RAPL.Enabled)
	assert.False(t, *cfg.Providers.NVML.Enabled)
	require.Len(t, cfg.Providers.Push, 1)
	assert.Equal(t, "Citadel", cfg.Providers.Push[0].Entity)

	assert.NoError(t, cfg.Validate(SkipHostValidation))
}

func TestLoadFromYAML(t *testing.T) {
	yamlData := `
log:
  level: debug
  format: json
aggregator:
  timeout: 250ms
`
	cfg, err := Load(strings.NewReader(yamlData))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 250*time.Millisecond, cfg.Aggregator.Timeout)
	assert.Len(t, cfg.Providers.Text, 2, "providers keep the catalogue when not configured")
}

func TestLoadEmptyFromYAML(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().String(), cfg.String())
}

func TestLoadProviders(t *testing.T) {
	yamlData := `
providers:
  text:
  - name: custom
    path: /tmp/stats
    entities:
    - name: Modem
      type: subsystem
      header: MPSS
      states:
      - name: Sleep
        entryCount:
          prefix: "Sleep Count:"
        totalTime:
          prefix: "Sleep Accumulated Duration:"
          transform:
            divide: 19200
  gpu:
    enabled: false
  push: []
`
	cfg, err := Load(strings.NewReader(yamlData))
	require.NoError(t, err)

	require.Len(t, cfg.Providers.Text, 1, "configured providers replace the catalogue")
	tp := cfg.Providers.Text[0]
	assert.Equal(t, "custom", tp.Name)
	require.Len(t, tp.Entities, 1)
	st := tp.Entities[0].States[0]
	assert.Equal(t, "Sleep Count:", st.EntryCount.Prefix)
	assert.Nil(t, st.EntryCount.Transform)
	assert.Equal(t, ptr.To[uint64](19200), st.TotalTime.Transform.Divide)
	assert.Nil(t, st.LastEntry)
	assert.False(t, *cfg.Providers.GPU.Enabled)
	assert.Empty(t, cfg.Providers.Push)
}

func TestLoadInvalidConfigFromYAML(t *testing.T) {
	yamlData := `
log:
  level: FATAL
  format: json
`
	cfg, err := Load(strings.NewReader(yamlData))
	assert.ErrorContains(t, err, "invalid configuration")
	assert.Nil(t, cfg)
}

func TestInvalidYAML(t *testing.T) {
	cfg, err := Load(strings.NewReader("log: [level"))
	assert.ErrorContains(t, err, "failed to parse YAML")
	assert.ErrorIs(t, err, residency.ErrConfig)
	assert.NotNil(t, errors.Unwrap(err), "the yaml error is kept as the cause")
	assert.Nil(t, cfg)
}


func TestCommandLinePrecedence(t *testing.T) {
	yamlData := `
exporter:
  stdout:
    enabled: false
  prometheus:
    enabled: false
debug:
  pprof:
    enabled: false
aggregator:
  timeout: 2s
`
	cfg, err := Load(strings.NewReader(yamlData))
	require.NoError(t, err)

	app := kingpin.New("test", "Test application")
	updateConfig := RegisterFlags(app)

	_, err = app.Parse([]string{
		"--exporter.stdout",
		"--exporter.stdout.interval=3s",
		"--debug.pprof",
		"--no-provider.gpu",
		"--provider.nvml",
		"--metrics=energy",
		"--exporter.mcp",
		"--exporter.mcp.transport=sse",
	})
	require.NoError(t, err)
	require.NoError(t, updateConfig(cfg))

	assert.True(t, *cfg.Exporter.Stdout.Enabled, "stdout exporter should be enabled from flag")
	assert.Equal(t, 3*time.Second, cfg.Exporter.Stdout.Interval)
	assert.False(t, *cfg.Exporter.Prometheus.Enabled, "prometheus exporter should remain disabled from yaml")
	assert.True(t, *cfg.Debug.Pprof.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Aggregator.Timeout, "unset flags keep the yaml value")
	assert.False(t, *cfg.Providers.GPU.Enabled)
	assert.True(t, *cfg.Providers.NVML.Enabled)
	assert.Equal(t, MetricsLevelEnergy, cfg.Exporter.Prometheus.MetricsLevel)
	assert.True(t, *cfg.Exporter.MCP.Enabled)
	assert.Equal(t, MCPTransportSSE, cfg.Exporter.MCP.Transport)
	assert.Equal(t, "/mcp", cfg.Exporter.MCP.Path)
}

func TestInvalidConfigurationValues(t *testing.T) {
	tt := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"log level", func(c *Config) { c.Log.Level = "trace" }, "invalid log level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "invalid log format"},
		{"no listen address", func(c *Config) { c.Web.ListenAddresses = nil }, "at least one web listen address"},
		{"bad port", func(c *Config) { c.Web.ListenAddresses = []string{":99999"} }, "port must be between"},
		{"empty address", func(c *Config) { c.Web.ListenAddresses = []string{""} }, "address cannot be empty"},
		{"web config", func(c *Config) { c.Web.Config = "/does/not/exist.yaml" }, "invalid web config file"},
		{"timeout", func(c *Config) { c.Aggregator.Timeout = 0 }, "invalid aggregator timeout"},
		{"stdout interval", func(c *Config) {
			c.Exporter.Stdout.Enabled = ptr.To(true)
			c.Exporter.Stdout.Interval = 0
		}, "invalid stdout interval"},
		{"mcp transport", func(c *Config) {
			c.Exporter.MCP.Enabled = ptr.To(true)
			c.Exporter.MCP.Transport = "websocket"
		}, "invalid mcp transport"},
		{"mcp path", func(c *Config) {
			c.Exporter.MCP.Enabled = ptr.To(true)
			c.Exporter.MCP.Path = "mcp"
		}, "invalid mcp path"},
		{"mcp stdio with stdout", func(c *Config) {
			c.Exporter.MCP.Enabled = ptr.To(true)
			c.Exporter.MCP.Transport = MCPTransportStdio
			c.Exporter.Stdout.Enabled = ptr.To(true)
		}, "mcp stdio transport"},
		{"text path", func(c *Config) { c.Providers.Text[0].Path = "" }, "path cannot be empty"},
		{"text duplicate name", func(c *Config) { c.Providers.Text[1].Name = "rpmh" }, "duplicate provider name"},
		{"text entity type", func(c *Config) { c.Providers.Text[0].Entities[0].Type = "cpu" }, "entities[0]"},
		{"text no states", func(c *Config) { c.Providers.Text[0].Entities[0].States = nil }, "no states configured"},
		{"text transform", func(c *Config) {
			c.Providers.Text[0].Entities[0].States[0].TotalTime.Transform.Multiply = ptr.To[uint64](2)
		}, "both divide and multiply"},
		{"gpu entity", func(c *Config) { c.Providers.GPU.Entity = "" }, "providers.gpu"},
		{"push entity", func(c *Config) { c.Providers.Push[0].Entity = "" }, "providers.push[0]"},
		{"push states", func(c *Config) { c.Providers.Push[0].States = nil }, "no states configured"},
		{"sysfs", func(c *Config) {
			c.Providers.RAPL.Enabled = ptr.To(true)
			c.Host.SysFS = "/does/not/exist"
		}, "invalid sysfs path"},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestValidateWithSkip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers.RAPL.Enabled = ptr.To(true)
	cfg.Host.SysFS = "/does/not/exist"
	assert.Error(t, cfg.Validate())
	assert.NoError(t, cfg.Validate(SkipHostValidation))
}

func TestWhitespaceHandling(t *testing.T) {
	yamlData := `
log:
  level: "  debug  "
  format: " json "
web:
  listenAddresses: [" :9999 "]
`
	cfg, err := Load(strings.NewReader(yamlData))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{":9999"}, cfg.Web.ListenAddresses)
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	out := cfg.String()
	assert.Contains(t, out, "level: info")
	assert.Contains(t, out, "master_stats")

	roundTrip := &Config{}
	require.NoError(t, yaml.Unmarshal([]byte(out), roundTrip))
	assert.Equal(t, cfg.String(), roundTrip.String())

	manual := cfg.manualString()
	assert.Contains(t, manual, "log.level: info")
	assert.Contains(t, manual, "provider.gpu: true")
	assert.Contains(t, manual, "exporter.mcp.transport: streamable")
}

func TestBuilder(t *testing.T) {
	t.Run("Build", func(t *testing.T) {
		got, err := (&Builder{}).Build()
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().String(), got.String())
	})

	t.Run("Use", func(t *testing.T) {
		exp := DefaultConfig()
		exp.Log.Level = "warn"
		got, err := (&Builder{}).Use(exp).Build()
		require.NoError(t, err)
		assert.Equal(t, exp.String(), got.String())
	})

	t.Run("MergeWithInvalidYAML", func(t *testing.T) {
		cfg, err := (&Builder{}).Merge(`invalid yaml: [invalid`).Build()
		assert.ErrorContains(t, err, "failed to parse YAML")
		assert.Nil(t, cfg)
	})

	t.Run("MultipleMerges", func(t *testing.T) {
		cfg, err := (&Builder{}).Merge(`
log:
  level: debug
`, `
aggregator:
  timeout: 3s
`, `
log:
  level: info
`).Build()
		require.NoError(t, err)
		exp := DefaultConfig()
		exp.Aggregator.Timeout = 3 * time.Second
		assert.Equal(t, exp.String(), cfg.String())
	})

	t.Run("MergeBoolPointers", func(t *testing.T) {
		cfg, err := (&Builder{}).Merge(`
exporter:
  prometheus:
    enabled: false
providers:
  rapl:
    enabled: true
`).Build()
		require.NoError(t, err)
		exp := DefaultConfig()
		exp.Exporter.Prometheus.Enabled = ptr.To(false)
		exp.Providers.RAPL.Enabled = ptr.To(true)
		assert.Equal(t, exp.String(), cfg.String())
	})

	t.Run("MergeEmptyArrayClearsCatalogue", func(t *testing.T) {
		cfg, err := (&Builder{}).Merge(`
providers:
  text: []
`).Build()
		require.NoError(t, err)
		assert.Empty(t, cfg.Providers.Text)
		assert.Equal(t, []string{"go"}, cfg.Exporter.Prometheus.DebugCollectors, "unset lists are kept")
	})

	t.Run("MergeFiles", func(t *testing.T) {
		dir := t.TempDir()
		base := filepath.Join(dir, "base.yaml")
		site := filepath.Join(dir, "site.yaml")
		require.NoError(t, os.WriteFile(base, []byte("log:\n  level: warn\naggregator:\n  timeout: 2s\n"), 0o644))
		require.NoError(t, os.WriteFile(site, []byte("log:\n  level: debug\nproviders:\n  gpu:\n    enabled: false\n"), 0o644))

		cfg, err := (&Builder{}).MergeFiles(base, site).Build()
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Log.Level, "later files win")
		assert.Equal(t, 2*time.Second, cfg.Aggregator.Timeout)
		assert.False(t, *cfg.Providers.GPU.Enabled)
		assert.Len(t, cfg.Providers.Text, 2)
	})

	t.Run("MergeFilesReportsEveryBrokenFile", func(t *testing.T) {
		dir := t.TempDir()
		broken := filepath.Join(dir, "broken.yaml")
		missing := filepath.Join(dir, "missing.yaml")
		require.NoError(t, os.WriteFile(broken, []byte("log: [level"), 0o644))

		cfg, err := (&Builder{}).MergeFiles(broken, missing).Build()
		assert.Nil(t, cfg)
		assert.ErrorIs(t, err, residency.ErrConfig)
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.ErrorContains(t, err, broken+": failed to parse YAML")
		assert.ErrorContains(t, err, missing+": failed to read config")
	})

	t.Run("MergeArrays", func(t *testing.T) {
		cfg, err := (&Builder{}).Merge(`
providers:
  push:
  - entity: Titan
    states: [Active, Idle]
`).Build()
		require.NoError(t, err)
		require.Len(t, cfg.Providers.Push, 1)
		assert.Equal(t, "Titan", cfg.Providers.Push[0].Entity)
		assert.Len(t, cfg.Providers.Text, 2)
	})
}

func TestMetricsLevel(t *testing.T) {
	t.Run("parse", func(t *testing.T) {
		l, err := ParseLevel(nil)
		require.NoError(t, err)
		assert.Equal(t, MetricsLevelAll, l)

		l, err = ParseLevel([]string{" Residency "})
		require.NoError(t, err)
		assert.True(t, l.IsResidencyEnabled())
		assert.False(t, l.IsEnergyEnabled())

		_, err = ParseLevel([]string{"process"})
		assert.ErrorContains(t, err, "unknown metrics level")
	})

	t.Run("string", func(t *testing.T) {
		assert.Equal(t, "residency,energy", MetricsLevelAll.String())
		assert.Equal(t, "energy", MetricsLevelEnergy.String())
		assert.Equal(t, []string{"residency", "energy"}, ValidLevels())
	})

	t.Run("yaml", func(t *testing.T) {
		var holder struct {
			Level Level `yaml:"level"`
		}
		require.NoError(t, yaml.Unmarshal([]byte("level: energy"), &holder))
		assert.Equal(t, MetricsLevelEnergy, holder.Level)

		require.NoError(t, yaml.Unmarshal([]byte("level: [residency, energy]"), &holder))
		assert.Equal(t, MetricsLevelAll, holder.Level)

		assert.Error(t, yaml.Unmarshal([]byte("level: [bogus]"), &holder))

		out, err := yaml.Marshal(holder)
		require.NoError(t, err)
		assert.Contains(t, string(out), "- residency")
	})

	t.Run("flag accumulates", func(t *testing.T) {
		level := MetricsLevelAll
		v := NewMetricsLevelValue(&level)
		assert.True(t, v.IsCumulative())
		require.NoError(t, v.Set("residency"))
		assert.Equal(t, MetricsLevelResidency, level, "first value replaces the default")
		require.NoError(t, v.Set("energy"))
		assert.Equal(t, MetricsLevelAll, level)
		assert.Equal(t, "residency,energy", v.String())
		assert.Error(t, v.Set("bogus"))
	})
}

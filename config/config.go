// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sustainable-computing-io/powerstats/internal/entity"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		SysFS string `yaml:"sysfs"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	Aggregator struct {
		// Timeout bounds every provider call of a query
		Timeout time.Duration `yaml:"timeout"`
	}

	// Exporter configuration
	StdoutExporter struct {
		Enabled  *bool         `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
		MetricsLevel    Level    `yaml:"metricsLevel"`
	}

	// MCPExporter serves the query tools over the Model Context Protocol
	MCPExporter struct {
		Enabled   *bool  `yaml:"enabled"`
		Transport string `yaml:"transport"`
		Path      string `yaml:"path"`
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
		MCP        MCPExporter        `yaml:"mcp"`
	}

	// Debug configuration
	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	// Transform converts a raw counter; at most one of Divide and Multiply
	// may be set
	Transform struct {
		Divide   *uint64 `yaml:"divide,omitempty"`
		Multiply *uint64 `yaml:"multiply,omitempty"`
	}

	// Field locates one counter of a state by its line prefix
	Field struct {
		Prefix    string     `yaml:"prefix"`
		Transform *Transform `yaml:"transform,omitempty"`
	}

	// TextState configures one state of a text entity; a nil field is
	// unsupported
	TextState struct {
		Name       string `yaml:"name"`
		Header     string `yaml:"header,omitempty"`
		EntryCount *Field `yaml:"entryCount,omitempty"`
		TotalTime  *Field `yaml:"totalTime,omitempty"`
		LastEntry  *Field `yaml:"lastEntry,omitempty"`
	}

	// TextEntity binds an entity to a block of a text source. The same
	// entity name listed twice in a provider concatenates the states.
	TextEntity struct {
		Name   string      `yaml:"name"`
		Type   string      `yaml:"type"`
		Header string      `yaml:"header,omitempty"`
		States []TextState `yaml:"states"`
	}

	TextProvider struct {
		Name     string       `yaml:"name"`
		Path     string       `yaml:"path"`
		Entities []TextEntity `yaml:"entities"`
	}

	GPUProvider struct {
		Enabled         *bool  `yaml:"enabled"`
		Entity          string `yaml:"entity"`
		FrequenciesPath string `yaml:"frequenciesPath"`
		ClockStatsPath  string `yaml:"clockStatsPath"`
	}

	RAPLProvider struct {
		Enabled *bool    `yaml:"enabled"`
		Zones   []string `yaml:"zones"`
	}

	NVMLProvider struct {
		Enabled *bool `yaml:"enabled"`
	}

	// PushEntity declares an entity whose states are pushed by external
	// callers
	PushEntity struct {
		Entity string   `yaml:"entity"`
		Type   string   `yaml:"type"`
		States []string `yaml:"states"`
	}

	Providers struct {
		Text []TextProvider `yaml:"text"`
		GPU  GPUProvider    `yaml:"gpu"`
		RAPL RAPLProvider   `yaml:"rapl"`
		NVML NVMLProvider   `yaml:"nvml"`
		Push []PushEntity   `yaml:"push"`
	}

	Config struct {
		Log        Log        `yaml:"log"`
		Host       Host       `yaml:"host"`
		Aggregator Aggregator `yaml:"aggregator"`
		Exporter   Exporter   `yaml:"exporter"`
		Web        Web        `yaml:"web"`
		Debug      Debug      `yaml:"debug"`
		Providers  Providers  `yaml:"providers"`
	}
)

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag = "host.sysfs"

	AggregatorTimeoutFlag = "aggregator.timeout"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterStdoutEnabledFlag  = "exporter.stdout"
	ExporterStdoutIntervalFlag = "exporter.stdout.interval"

	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"
	ExporterPrometheusMetricsFlag     = "metrics"

	ExporterMCPEnabledFlag   = "exporter.mcp"
	ExporterMCPTransportFlag = "exporter.mcp.transport"

	// Providers
	ProviderRAPLFlag = "provider.rapl"
	ProviderNVMLFlag = "provider.nvml"
	ProviderGPUFlag  = "provider.gpu"
)

// MCP transports
const (
	MCPTransportStdio      = "stdio"
	MCPTransportSSE        = "sse"
	MCPTransportStreamable = "streamable"
)

// DefaultConfig returns a Config with default values. The providers default
// to the built-in device catalogue.
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS: "/sys",
		},
		Aggregator: Aggregator{
			Timeout: time.Second,
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled:  ptr.To(false),
				Interval: 10 * time.Second,
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
				MetricsLevel:    MetricsLevelAll,
			},
			MCP: MCPExporter{
				Enabled:   ptr.To(false),
				Transport: MCPTransportStreamable,
				Path:      "/mcp",
			},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Web: Web{
			ListenAddresses: []string{":28283"},
		},
		Providers: DefaultProviders(),
	}
}

// Load loads configuration from an io.Reader over the defaults
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := (&Builder{}).Merge(string(data)).Build()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}
		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	hostSysFS := app.Flag(HostSysFSFlag, "Host sysfs path").Default("/sys").ExistingDir()

	aggregatorTimeout := app.Flag(AggregatorTimeoutFlag, "Time budget of a single provider call").Default("1s").Duration()

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(":28283").Strings()

	// exporters
	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout exporter").Default("false").Bool()
	stdoutInterval := app.Flag(ExporterStdoutIntervalFlag, "Interval between two stdout dumps").Default("10s").Duration()
	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()

	mcpEnabled := app.Flag(ExporterMCPEnabledFlag, "Enable MCP query tools").Default("false").Bool()
	mcpTransport := app.Flag(ExporterMCPTransportFlag, "MCP transport: stdio, sse or streamable").
		Default(MCPTransportStreamable).Enum(MCPTransportStdio, MCPTransportSSE, MCPTransportStreamable)

	metricsLevel := MetricsLevelAll
	app.Flag(ExporterPrometheusMetricsFlag, "Metric groups to export (residency,energy)").SetValue(NewMetricsLevelValue(&metricsLevel))

	// providers
	raplEnabled := app.Flag(ProviderRAPLFlag, "Enable RAPL rail energy").Default("false").Bool()
	nvmlEnabled := app.Flag(ProviderNVMLFlag, "Enable NVIDIA GPU rail energy").Default("false").Bool()
	gpuEnabled := app.Flag(ProviderGPUFlag, "Enable kgsl GPU frequency residency").Default("true").Bool()

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}
		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *hostSysFS
		}
		if flagsSet[AggregatorTimeoutFlag] {
			cfg.Aggregator.Timeout = *aggregatorTimeout
		}
		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}
		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}
		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}
		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}
		if flagsSet[ExporterStdoutIntervalFlag] {
			cfg.Exporter.Stdout.Interval = *stdoutInterval
		}
		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}
		if flagsSet[ExporterPrometheusMetricsFlag] {
			cfg.Exporter.Prometheus.MetricsLevel = metricsLevel
		}
		if flagsSet[ExporterMCPEnabledFlag] {
			cfg.Exporter.MCP.Enabled = mcpEnabled
		}
		if flagsSet[ExporterMCPTransportFlag] {
			cfg.Exporter.MCP.Transport = *mcpTransport
		}
		if flagsSet[ProviderRAPLFlag] {
			cfg.Providers.RAPL.Enabled = raplEnabled
		}
		if flagsSet[ProviderNVMLFlag] {
			cfg.Providers.NVML.Enabled = nvmlEnabled
		}
		if flagsSet[ProviderGPUFlag] {
			cfg.Providers.GPU.Enabled = gpuEnabled
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func trimAll(s []string) {
	for i := range s {
		s[i] = strings.TrimSpace(s[i])
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	trimAll(c.Web.ListenAddresses)
	trimAll(c.Exporter.Prometheus.DebugCollectors)
	c.Exporter.MCP.Transport = strings.TrimSpace(c.Exporter.MCP.Transport)
	c.Exporter.MCP.Path = strings.TrimSpace(c.Exporter.MCP.Path)

	p := &c.Providers
	for i := range p.Text {
		tp := &p.Text[i]
		tp.Name = strings.TrimSpace(tp.Name)
		tp.Path = strings.TrimSpace(tp.Path)
		for j := range tp.Entities {
			e := &tp.Entities[j]
			e.Name = strings.TrimSpace(e.Name)
			e.Type = strings.TrimSpace(e.Type)
			for k := range e.States {
				e.States[k].Name = strings.TrimSpace(e.States[k].Name)
			}
		}
	}
	p.GPU.Entity = strings.TrimSpace(p.GPU.Entity)
	p.GPU.FrequenciesPath = strings.TrimSpace(p.GPU.FrequenciesPath)
	p.GPU.ClockStatsPath = strings.TrimSpace(p.GPU.ClockStatsPath)
	trimAll(p.RAPL.Zones)
	for i := range p.Push {
		p.Push[i].Entity = strings.TrimSpace(p.Push[i].Entity)
		p.Push[i].Type = strings.TrimSpace(p.Push[i].Type)
		trimAll(p.Push[i].States)
	}
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log level
		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLogLevels[c.Log.Level] {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		if c.Log.Format != "text" && c.Log.Format != "json" {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}
	{ // host
		if !validationSkipped[SkipHostValidation] && c.needsSysFS() {
			if err := canReadDir(c.Host.SysFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid sysfs path: %s: %s", c.Host.SysFS, err.Error()))
			}
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}
	{ // aggregator
		if c.Aggregator.Timeout <= 0 {
			errs = append(errs, fmt.Sprintf("invalid aggregator timeout: %s must be positive", c.Aggregator.Timeout))
		}
	}
	{ // exporters
		if ptr.Deref(c.Exporter.Stdout.Enabled, false) && c.Exporter.Stdout.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid stdout interval: %s must be positive", c.Exporter.Stdout.Interval))
		}
		if mcp := c.Exporter.MCP; ptr.Deref(mcp.Enabled, false) {
			switch mcp.Transport {
			case MCPTransportStdio:
				if ptr.Deref(c.Exporter.Stdout.Enabled, false) {
					errs = append(errs, "stdout exporter cannot be enabled with the mcp stdio transport")
				}
			case MCPTransportSSE, MCPTransportStreamable:
				if !strings.HasPrefix(mcp.Path, "/") {
					errs = append(errs, fmt.Sprintf("invalid mcp path: %q must start with /", mcp.Path))
				}
			default:
				errs = append(errs, fmt.Sprintf("invalid mcp transport: %s", mcp.Transport))
			}
		}
	}
	errs = append(errs, c.Providers.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

func (c *Config) needsSysFS() bool {
	return ptr.Deref(c.Providers.RAPL.Enabled, false)
}

func (p *Providers) validate() []string {
	var errs []string

	names := map[string]bool{}
	for i, tp := range p.Text {
		where := fmt.Sprintf("providers.text[%d]", i)
		if tp.Name != "" {
			if names[tp.Name] {
				errs = append(errs, fmt.Sprintf("%s: duplicate provider name %q", where, tp.Name))
			}
			names[tp.Name] = true
		}
		if tp.Path == "" {
			errs = append(errs, fmt.Sprintf("%s: path cannot be empty", where))
		}
		if len(tp.Entities) == 0 {
			errs = append(errs, fmt.Sprintf("%s: no entities configured", where))
		}
		for j, e := range tp.Entities {
			errs = append(errs, e.validate(fmt.Sprintf("%s.entities[%d]", where, j))...)
		}
	}

	if ptr.Deref(p.GPU.Enabled, false) && p.GPU.Entity == "" {
		errs = append(errs, "providers.gpu: entity cannot be empty")
	}

	for i, pe := range p.Push {
		where := fmt.Sprintf("providers.push[%d]", i)
		if pe.Entity == "" {
			errs = append(errs, fmt.Sprintf("%s: entity cannot be empty", where))
		}
		if _, err := entity.ParseType(pe.Type); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %s", where, err.Error()))
		}
		if len(pe.States) == 0 {
			errs = append(errs, fmt.Sprintf("%s: no states configured", where))
		}
	}
	return errs
}

func (e TextEntity) validate(where string) []string {
	var errs []string
	if e.Name == "" {
		errs = append(errs, fmt.Sprintf("%s: name cannot be empty", where))
	}
	if _, err := entity.ParseType(e.Type); err != nil {
		errs = append(errs, fmt.Sprintf("%s: %s", where, err.Error()))
	}
	if len(e.States) == 0 {
		errs = append(errs, fmt.Sprintf("%s: no states configured", where))
	}
	for _, s := range e.States {
		for _, f := range []*Field{s.EntryCount, s.TotalTime, s.LastEntry} {
			if f == nil || f.Transform == nil {
				continue
			}
			if f.Transform.Divide != nil && f.Transform.Multiply != nil {
				errs = append(errs, fmt.Sprintf("%s: state %q: transform sets both divide and multiply", where, s.Name))
			}
		}
	}
	return errs
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	_, err = f.ReadDir(1)
	return err
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE: yaml marshal is not expected to fail; fall back to the flags
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostSysFSFlag, c.Host.SysFS},
		{AggregatorTimeoutFlag, c.Aggregator.Timeout.String()},
		{ExporterStdoutEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Stdout.Enabled, false))},
		{ExporterStdoutIntervalFlag, c.Exporter.Stdout.Interval.String()},
		{ExporterPrometheusEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Prometheus.Enabled, false))},
		{ExporterPrometheusDebugCollectors, strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
		{ExporterPrometheusMetricsFlag, c.Exporter.Prometheus.MetricsLevel.String()},
		{ExporterMCPEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.MCP.Enabled, false))},
		{ExporterMCPTransportFlag, c.Exporter.MCP.Transport},
		{pprofEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Debug.Pprof.Enabled, false))},
		{ProviderRAPLFlag, fmt.Sprintf("%v", ptr.Deref(c.Providers.RAPL.Enabled, false))},
		{ProviderNVMLFlag, fmt.Sprintf("%v", ptr.Deref(c.Providers.NVML.Enabled, false))},
		{ProviderGPUFlag, fmt.Sprintf("%v", ptr.Deref(c.Providers.GPU.Enabled, false))},
	}
	sb := strings.Builder{}
	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}
	return sb.String()
}

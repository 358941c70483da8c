// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/powerstats/config"
	"github.com/sustainable-computing-io/powerstats/internal/aggregator"
	"github.com/sustainable-computing-io/powerstats/internal/exporter/mcp"
	"github.com/sustainable-computing-io/powerstats/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/powerstats/internal/exporter/stdout"
	"github.com/sustainable-computing-io/powerstats/internal/logger"
	"github.com/sustainable-computing-io/powerstats/internal/server"
	"github.com/sustainable-computing-io/powerstats/internal/service"
	"github.com/sustainable-computing-io/powerstats/internal/version"
	"k8s.io/utils/ptr"
)

func main() {
	// parse args and config and exit with error if there is an error
	cfg, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}

	logger := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logVersionInfo(logger)
	printConfigInfo(logger, cfg)

	engine, services, err := createServices(logger, cfg)
	if err != nil {
		logger.Error("failed to create services", "error", err)
		os.Exit(1)
	}

	if err := service.Init(logger, services); err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting powerstats")
	runErr := service.Run(context.Background(), logger, services)
	if err := engine.Shutdown(); err != nil {
		logger.Warn("failed to shutdown aggregator", "error", err)
	}
	if runErr != nil {
		logger.Error("powerstats terminated with an error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("Graceful shutdown completed")
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Info("powerstats version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "powerstats"
	app := kingpin.New(appName, "Power entity state residency and rail energy daemon.")
	app.Version(version.Info().String())

	configFiles := app.Flag("config.file", "Path to YAML configuration file; repeat to layer files, later ones override earlier ones").Strings()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logger.New("info", "text", os.Stderr)
	if len(*configFiles) > 0 {
		logger.Info("Loading configuration files", "paths", *configFiles)
	}
	cfg, err := (&config.Builder{}).MergeFiles(*configFiles...).Build()
	if err != nil {
		logger.Error("Error loading config files", "error", err.Error())
		return nil, err
	}

	// command line flags override config file settings
	if err := updateConfig(cfg); err != nil {
		logger.Error("Error applying command line flags", "error", err.Error())
		return nil, err
	}

	return cfg, nil
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config) {
	if !logger.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Fprintf(os.Stderr, `
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

// createServices returns the engine and every service in init order
func createServices(logger *slog.Logger, cfg *config.Config) (*aggregator.Engine, []service.Service, error) {
	logger.Debug("Creating all services")

	registry := prom.NewRegistry()
	engine, err := config.Bootstrap(cfg, logger, aggregator.WithMetricsRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	apiServer := server.NewAPIServer(
		server.WithLogger(logger),
		server.WithListen(cfg.Web.ListenAddresses, cfg.Web.Config),
	)

	services := []service.Service{
		engine,
		apiServer,
		server.NewHealthProbeService(apiServer, engine, engine, logger),
		server.NewAPI(apiServer, engine, logger),
	}

	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer))
	}

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		promCfg := cfg.Exporter.Prometheus
		services = append(services, prometheus.NewExporter(apiServer,
			prometheus.WithLogger(logger),
			prometheus.WithRegistry(registry),
			prometheus.WithDebugCollectors(promCfg.DebugCollectors),
			prometheus.WithCollectors(prometheus.CreateCollectors(engine,
				prometheus.WithLogger(logger),
				prometheus.WithMetricsLevel(promCfg.MetricsLevel))),
		))
	}

	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
		services = append(services, stdout.NewExporter(engine,
			stdout.WithLogger(logger),
			stdout.WithInterval(cfg.Exporter.Stdout.Interval),
		))
	}

	if mcpCfg := cfg.Exporter.MCP; ptr.Deref(mcpCfg.Enabled, false) {
		services = append(services, mcp.NewServer(engine, logger,
			mcp.WithTransport(apiServer, mcpCfg.Transport, mcpCfg.Path)))
	}

	services = append(services, service.NewSignalHandler(logger, os.Interrupt, syscall.SIGTERM))
	return engine, services, nil
}

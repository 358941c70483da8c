// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sustainable-computing-io/powerstats/internal/entity"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
	"github.com/sustainable-computing-io/powerstats/internal/service"
	"github.com/sustainable-computing-io/powerstats/internal/version"
)

type (
	Initializer = service.Initializer
	Runner      = service.Runner
	APIRegistry = interface {
		Register(endpoint, summary, description string, handler http.Handler) error
	}
)

// PowerStats is the read side of the aggregation engine exposed as tools
type PowerStats interface {
	ListPowerEntities() []entity.PowerEntity
	RailInfo() []residency.RailInfo
	GetStateResidency(ctx context.Context, ids ...uint32) ([]residency.StateResidencyResult, error)
	GetEnergyData(ctx context.Context, ids ...uint32) ([]residency.EnergyResult, error)
}

const (
	transportStdio      = "stdio"
	transportSSE        = "sse"
	transportStreamable = "streamable"
)

// Server exposes power entity queries over the Model Context Protocol
type Server struct {
	logger      *slog.Logger
	stats       PowerStats
	server      *mcp.Server
	apiRegistry APIRegistry

	useHTTP   bool
	httpPath  string
	transport string
}

var (
	_ Initializer = (*Server)(nil)
	_ Runner      = (*Server)(nil)
)

// Option defines functional options for MCP server configuration
type Option func(*Server)

// WithSSETransport serves the tools with Server-Sent Events on path
func WithSSETransport(apiRegistry APIRegistry, path string) Option {
	return func(s *Server) {
		s.useHTTP = true
		s.apiRegistry = apiRegistry
		s.httpPath = path
		s.transport = transportSSE
	}
}

// WithStreamableHTTP serves the tools with the streamable HTTP transport on path
func WithStreamableHTTP(apiRegistry APIRegistry, path string) Option {
	return func(s *Server) {
		s.useHTTP = true
		s.apiRegistry = apiRegistry
		s.httpPath = path
		s.transport = transportStreamable
	}
}

// WithTransport selects the transport by its configuration name
func WithTransport(apiRegistry APIRegistry, transport, path string) Option {
	switch transport {
	case transportSSE:
		return WithSSETransport(apiRegistry, path)
	case transportStreamable:
		return WithStreamableHTTP(apiRegistry, path)
	default:
		return func(s *Server) {
			s.transport = transport
		}
	}
}

// NewServer creates a new MCP server instance
func NewServer(stats PowerStats, logger *slog.Logger, options ...Option) *Server {
	ver := version.Info().Version
	if ver == "" {
		ver = "dev"
	}
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "powerstats",
		Version: ver,
	}, nil)

	server := &Server{
		logger:    logger.With("service", "mcp"),
		stats:     stats,
		server:    mcpServer,
		httpPath:  "/mcp",
		transport: transportStdio,
	}

	for _, option := range options {
		option(server)
	}

	server.registerTools()
	return server
}

func (s *Server) registerTools() {
	s.logger.Debug("Registering MCP tools")

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_power_entities",
		Description: "List the registered power entities with their ids and types",
	}, s.handleListPowerEntities)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_state_residency",
		Description: "Get the power state residency of power entities",
	}, s.handleGetStateResidency)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_rail_energy",
		Description: "Get the accumulated energy of power rails",
	}, s.handleGetRailEnergy)
}

// Init registers the HTTP handler when an HTTP transport is used
func (s *Server) Init() error {
	s.logger.Info("Initializing MCP server",
		"transport", s.transport,
		"http_enabled", s.useHTTP,
		"http_path", s.httpPath)

	if !s.useHTTP {
		if s.transport != transportStdio {
			return fmt.Errorf("unknown mcp transport: %s", s.transport)
		}
		return nil
	}

	getServer := func(*http.Request) *mcp.Server {
		return s.server
	}

	var handler http.Handler
	switch s.transport {
	case transportStreamable:
		handler = mcp.NewStreamableHTTPHandler(getServer, nil)
	default:
		handler = mcp.NewSSEHandler(getServer)
	}

	if err := s.apiRegistry.Register(s.httpPath, "MCP Server",
		"Model Context Protocol tools for querying power entity state residency", handler); err != nil {
		return err
	}
	s.logger.Info("Registered MCP HTTP handler", "path", s.httpPath, "transport", s.transport)
	return nil
}

// Name implements the Service interface
func (s *Server) Name() string {
	return "mcp"
}

// Run serves stdio until ctx is done; HTTP transports are served by the API
// server
func (s *Server) Run(ctx context.Context) error {
	if s.useHTTP {
		<-ctx.Done()
		return nil
	}

	s.logger.Info("MCP server starting with stdio transport")
	return s.server.Run(ctx, mcp.NewStdioTransport())
}

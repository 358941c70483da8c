// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/exporter-toolkit/web"
	"github.com/sustainable-computing-io/powerstats/internal/service"
)

// DefaultListenAddress is used when no listen address is configured
const DefaultListenAddress = ":28283"

// APIService defines the interface for the HTTP server providing API endpoints
type APIService interface {
	service.Service
	Register(endpoint, summary, description string, handler http.Handler) error
}

// APIServer serves every registered endpoint behind the exporter-toolkit
// web server, which adds TLS and basic auth from the web config file.
type APIServer struct {
	logger    *slog.Logger
	server    *http.Server
	mux       *http.ServeMux
	webConfig *web.FlagConfig

	mu        sync.Mutex
	endpoints []endpoint
}

type endpoint struct {
	path        string
	summary     string
	description string
}

var (
	_ APIService          = (*APIServer)(nil)
	_ service.Initializer = (*APIServer)(nil)
	_ service.Runner      = (*APIServer)(nil)
	_ service.Shutdowner  = (*APIServer)(nil)
)

type Opts struct {
	logger    *slog.Logger
	webConfig *web.FlagConfig
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the APIServer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListen sets the listening addresses and web config file of the APIServer
func WithListen(addrs []string, webConfigFile string) OptionFn {
	return func(o *Opts) {
		o.webConfig = &web.FlagConfig{
			WebListenAddresses: &addrs,
			WebConfigFile:      &webConfigFile,
		}
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	noWebConfig := ""
	return Opts{
		logger: slog.Default(),
		webConfig: &web.FlagConfig{
			WebListenAddresses: &[]string{DefaultListenAddress},
			WebConfigFile:      &noWebConfig,
		},
	}
}

// NewAPIServer creates a new APIServer instance
func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	return &APIServer{
		logger:    opts.logger.With("service", "api-server"),
		mux:       mux,
		server:    &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		webConfig: opts.webConfig,
	}
}

func (s *APIServer) Name() string {
	return "api-server"
}

// Init registers the landing page listing every endpoint
func (s *APIServer) Init() error {
	s.logger.Info("Initializing powerstats server")
	s.mux.HandleFunc("/", s.landingPage)
	return nil
}

func (s *APIServer) landingPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	var items string
	for _, ep := range s.endpoints {
		items += fmt.Sprintf("\t<li><a href=%q>%s</a> %s</li>\n",
			ep.path, html.EscapeString(ep.summary), html.EscapeString(ep.description))
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprintf(w, `<html>
<head><title>powerstats</title></head>
<body>
<h1>powerstats</h1>
<p>Available endpoints:</p>
<ul>
%s</ul>
</body>
</html>`, items); err != nil {
		s.logger.Error("failed to write landing page", "error", err)
	}
}

func (s *APIServer) Run(ctx context.Context) error {
	s.logger.Info("Running powerstats server", "addresses", *s.webConfig.WebListenAddresses)
	errCh := make(chan error, 1)
	go func() {
		errCh <- web.ListenAndServe(s.server, s.webConfig, s.logger)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down powerstats server on context done")
		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("powerstats server returned an error", "error", err)
		return err
	}
}

func (s *APIServer) Shutdown() error {
	s.logger.Info("shutting down API server on request")

	// NOTE: ensure http server shuts down within 5 seconds
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Register adds handler for endpoint and lists it on the landing page
func (s *APIServer) Register(path, summary, description string, handler http.Handler) error {
	s.logger.Debug("Endpoint Registered", "endpoint", path)
	s.mux.Handle(path, handler)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = append(s.endpoints, endpoint{path: path, summary: summary, description: description})
	return nil
}

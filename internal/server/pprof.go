// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/http/pprof"

	"github.com/sustainable-computing-io/powerstats/internal/service"
)

const pprofPrefix = "/debug/pprof/"

type pp struct {
	api APIService
}

var _ service.Initializer = (*pp)(nil)

// NewPprof exposes the runtime profiles under /debug/pprof/
func NewPprof(api APIService) *pp {
	return &pp{api: api}
}

func (p *pp) Name() string {
	return "pprof"
}

func (p *pp) Init() error {
	return p.api.Register(pprofPrefix, "pprof", "Profiling Data", pprofHandlers())
}

func pprofHandlers() http.Handler {
	mux := http.NewServeMux()

	// Index also serves the named profiles such as heap and goroutine
	mux.HandleFunc(pprofPrefix, pprof.Index)
	mux.HandleFunc(pprofPrefix+"cmdline", pprof.Cmdline)
	mux.HandleFunc(pprofPrefix+"profile", pprof.Profile)
	mux.HandleFunc(pprofPrefix+"symbol", pprof.Symbol)
	mux.HandleFunc(pprofPrefix+"trace", pprof.Trace)

	return mux
}

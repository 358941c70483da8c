// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"

	"github.com/oklog/run"
)

// Run runs every Runner until the first one returns, then interrupts the
// others and shuts down those implementing Shutdowner. The error of the first
// service to return is returned.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		runner, ok := s.(Runner)
		if !ok {
			continue
		}
		g.Add(
			func() error {
				logger.Info("running", "service", s.Name())
				return runner.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("service terminated", "service", s.Name(), "reason", err)
				}
				if sd, ok := s.(Shutdowner); ok {
					logger.Info("shutting down", "service", s.Name())
					if err := sd.Shutdown(); err != nil {
						logger.Warn("shutdown failed", "service", s.Name(), "error", err)
					}
				}
			},
		)
	}
	return g.Run()
}

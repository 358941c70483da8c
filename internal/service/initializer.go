// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"log/slog"
)

// Init initializes services in order. When one fails, the services already
// initialized are shut down in reverse order and the failure is returned.
func Init(logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.Default()
	}

	done := make([]Service, 0, len(services))
	for _, s := range services {
		srv, ok := s.(Initializer)
		if !ok {
			continue
		}
		logger.Info("initializing", "service", s.Name())
		if err := srv.Init(); err != nil {
			shutdownAll(logger, done)
			return fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
		}
		done = append(done, s)
	}
	return nil
}

func shutdownAll(logger *slog.Logger, services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		s := services[i]
		srv, ok := s.(Shutdowner)
		if !ok {
			continue
		}
		if err := srv.Shutdown(); err != nil {
			logger.Error("failed to shutdown service", "service", s.Name(), "error", err)
		}
	}
}

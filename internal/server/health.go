// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sustainable-computing-io/powerstats/internal/service"
)

// HealthProbeService provides Kubernetes health probe endpoints
type HealthProbeService struct {
	logger       *slog.Logger
	apiServer    APIService
	liveChecker  service.LiveChecker
	readyChecker service.ReadyChecker
}

var _ service.Initializer = (*HealthProbeService)(nil)

// NewHealthProbeService creates a new health probe service
func NewHealthProbeService(apiServer APIService, liveChecker service.LiveChecker, readyChecker service.ReadyChecker, logger *slog.Logger) *HealthProbeService {
	return &HealthProbeService{
		logger:       logger.With("service", "health-probe"),
		apiServer:    apiServer,
		liveChecker:  liveChecker,
		readyChecker: readyChecker,
	}
}

func (h *HealthProbeService) Name() string {
	return "health-probe"
}

func (h *HealthProbeService) Init() error {
	h.logger.Info("Initializing health probe endpoints")

	if err := h.apiServer.Register("/probe/livez", "Liveness Probe", "Kubernetes liveness probe endpoint",
		h.probeHandler("liveness", h.liveChecker.IsLive)); err != nil {
		return fmt.Errorf("failed to register liveness probe: %w", err)
	}

	if err := h.apiServer.Register("/probe/readyz", "Readiness Probe", "Kubernetes readiness probe endpoint",
		h.probeHandler("readiness", h.readyChecker.IsReady)); err != nil {
		return fmt.Errorf("failed to register readiness probe: %w", err)
	}

	h.logger.Info("Health probe endpoints registered successfully")
	return nil
}

type probeResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Duration  string `json:"duration"`
	Error     string `json:"error,omitempty"`
}

func (h *HealthProbeService) probeHandler(probe string, check func(context.Context) (bool, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ok, err := check(r.Context())
		duration := time.Since(start)

		resp := probeResponse{
			Status:    "ok",
			Timestamp: start.UTC().Format(time.RFC3339),
			Duration:  duration.String(),
		}
		code := http.StatusOK
		if err != nil || !ok {
			code = http.StatusServiceUnavailable
			resp.Status = "error"
			if err != nil {
				resp.Error = err.Error()
			}
			h.logger.Error("probe failed", "probe", probe, "error", err, "duration", duration)
		} else {
			h.logger.Debug("probe passed", "probe", probe, "duration", duration)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			h.logger.Error("Failed to encode probe response", "probe", probe, "error", err)
		}
	})
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sustainable-computing-io/powerstats/internal/entity"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
	"github.com/sustainable-computing-io/powerstats/internal/service"
)

const (
	apiPrefix = "/api/v1/"

	// maxPushBody bounds the size of a push request
	maxPushBody = 4 << 10
)

// PowerStats is the query surface served over HTTP
type PowerStats interface {
	ListPowerEntities() []entity.PowerEntity
	RailInfo() []residency.RailInfo
	GetStateResidency(ctx context.Context, ids ...uint32) ([]residency.StateResidencyResult, error)
	GetEnergyData(ctx context.Context, ids ...uint32) ([]residency.EnergyResult, error)
	PushState(id uint32, state string, value uint64) error
}

// API serves entities, residency and rail energy as JSON and accepts pushed
// state residency.
type API struct {
	logger *slog.Logger
	server APIService
	stats  PowerStats
}

var _ service.Initializer = (*API)(nil)

// NewAPI creates the JSON API backed by stats
func NewAPI(server APIService, stats PowerStats, logger *slog.Logger) *API {
	return &API{
		logger: logger.With("service", "json-api"),
		server: server,
		stats:  stats,
	}
}

func (a *API) Name() string {
	return "json-api"
}

func (a *API) Init() error {
	routes := []struct {
		path, summary, description string
		handler                    http.HandlerFunc
	}{
		{"entities", "Entities", "Registered power entities", a.getOnly(a.entities)},
		{"residency", "Residency", "State residency, ?id= selects entities", a.getOnly(a.residency)},
		{"rails", "Rails", "Power rails", a.getOnly(a.rails)},
		{"energy", "Energy", "Rail energy, ?id= selects rails", a.getOnly(a.energy)},
		{"push", "Push", "POST {entityId, stateName, value}", a.push},
	}
	for _, r := range routes {
		if err := a.server.Register(apiPrefix+r.path, r.summary, r.description, r.handler); err != nil {
			return fmt.Errorf("failed to register %s: %w", r.path, err)
		}
	}
	return nil
}

func (a *API) getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		h(w, r)
	}
}

func (a *API) entities(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.stats.ListPowerEntities())
}

func (a *API) rails(w http.ResponseWriter, _ *http.Request) {
	rails := a.stats.RailInfo()
	if rails == nil {
		rails = []residency.RailInfo{}
	}
	a.writeJSON(w, http.StatusOK, rails)
}

func (a *API) residency(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	results, err := a.stats.GetStateResidency(r.Context(), ids...)
	if err != nil {
		a.queryFailed(w, err)
		return
	}
	if results == nil {
		results = []residency.StateResidencyResult{}
	}
	a.writeJSON(w, http.StatusOK, results)
}

type energyResponse struct {
	RailID      uint32 `json:"railId"`
	TimestampMs int64  `json:"timestampMs"`
	EnergyUWs   uint64 `json:"energyUWs"`
	Valid       bool   `json:"valid"`
}

func (a *API) energy(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	results, err := a.stats.GetEnergyData(r.Context(), ids...)
	if err != nil {
		a.queryFailed(w, err)
		return
	}
	resp := make([]energyResponse, 0, len(results))
	for _, e := range results {
		resp = append(resp, energyResponse{
			RailID:      e.RailID,
			TimestampMs: e.TimestampMs(),
			EnergyUWs:   e.EnergyUWs,
			Valid:       e.Valid,
		})
	}
	a.writeJSON(w, http.StatusOK, resp)
}

type pushRequest struct {
	EntityID  *uint32 `json:"entityId"`
	StateName string  `json:"stateName"`
	Value     *uint64 `json:"value"`
}

func (a *API) push(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	var req pushRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxPushBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid push request: %w", err))
		return
	}
	if req.EntityID == nil || req.StateName == "" || req.Value == nil {
		a.writeError(w, http.StatusBadRequest, errors.New("entityId, stateName and value are required"))
		return
	}

	if err := a.stats.PushState(*req.EntityID, req.StateName, *req.Value); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, residency.ErrRegistration) {
			code = http.StatusNotFound
		}
		a.writeError(w, code, err)
		return
	}
	a.logger.Debug("state pushed", "entity", *req.EntityID, "state", req.StateName, "value", *req.Value)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) queryFailed(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		// client went away
		a.logger.Debug("query cancelled", "error", err)
	case errors.Is(err, residency.ErrConfig):
		a.writeError(w, http.StatusServiceUnavailable, err)
	default:
		a.writeError(w, http.StatusInternalServerError, err)
	}
}

// parseIDs reads the repeated id query parameter; none selects everything
func parseIDs(r *http.Request) ([]uint32, error) {
	values := r.URL.Query()["id"]
	ids := make([]uint32, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", v)
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, code int, err error) {
	a.writeJSON(w, code, map[string]string{"error": err.Error()})
}

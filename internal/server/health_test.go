// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	ok  bool
	err error
}

func (c fakeChecker) IsLive(context.Context) (bool, error) {
	return c.ok, c.err
}

func (c fakeChecker) IsReady(context.Context) (bool, error) {
	return c.ok, c.err
}

func TestHealthProbeServiceInit(t *testing.T) {
	api := newMockAPIServer()
	h := NewHealthProbeService(api, fakeChecker{ok: true}, fakeChecker{ok: true}, discardLogger())

	assert.Equal(t, "health-probe", h.Name())
	require.NoError(t, h.Init())
	assert.Contains(t, api.handlers, "/probe/livez")
	assert.Contains(t, api.handlers, "/probe/readyz")
}

func TestHealthProbeServiceInitFailure(t *testing.T) {
	api := &mockAPIServer{handlers: map[string]http.Handler{}}
	api.On("Register", "/probe/livez", mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError)

	h := NewHealthProbeService(api, fakeChecker{ok: true}, fakeChecker{ok: true}, discardLogger())
	err := h.Init()
	assert.ErrorIs(t, err, assert.AnError)
	assert.ErrorContains(t, err, "liveness")
}

func TestProbeHandlers(t *testing.T) {
	tt := []struct {
		name    string
		path    string
		live    fakeChecker
		ready   fakeChecker
		code    int
		status  string
		errText string
	}{{
		name:   "live",
		path:   "/probe/livez",
		live:   fakeChecker{ok: true},
		code:   http.StatusOK,
		status: "ok",
	}, {
		name:    "not live",
		path:    "/probe/livez",
		live:    fakeChecker{err: errors.New("service is down")},
		code:    http.StatusServiceUnavailable,
		status:  "error",
		errText: "service is down",
	}, {
		name:   "ready",
		path:   "/probe/readyz",
		live:   fakeChecker{ok: true},
		ready:  fakeChecker{ok: true},
		code:   http.StatusOK,
		status: "ok",
	}, {
		name:    "not initialized",
		path:    "/probe/readyz",
		live:    fakeChecker{ok: true},
		ready:   fakeChecker{err: errors.New("aggregator not initialized")},
		code:    http.StatusServiceUnavailable,
		status:  "error",
		errText: "aggregator not initialized",
	}, {
		name:   "not ready without error",
		path:   "/probe/readyz",
		live:   fakeChecker{ok: true},
		ready:  fakeChecker{ok: false},
		code:   http.StatusServiceUnavailable,
		status: "error",
	}}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			api := newMockAPIServer()
			h := NewHealthProbeService(api, tc.live, tc.ready, discardLogger())
			require.NoError(t, h.Init())

			rr := api.serve(t, http.MethodGet, tc.path, nil)
			assert.Equal(t, tc.code, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			var resp probeResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tc.status, resp.Status)
			assert.Equal(t, tc.errText, resp.Error)
			assert.NotEmpty(t, resp.Timestamp)
			assert.NotEmpty(t, resp.Duration)
		})
	}
}

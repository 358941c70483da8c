// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestPprofInit(t *testing.T) {
	t.Run("registers the profiles", func(t *testing.T) {
		api := &mockAPIServer{handlers: map[string]http.Handler{}}
		api.On("Register", "/debug/pprof/", "pprof", "Profiling Data", mock.AnythingOfType("*http.ServeMux")).Return(nil)

		p := NewPprof(api)
		assert.Equal(t, "pprof", p.Name())
		assert.NoError(t, p.Init())
		api.AssertExpectations(t)
	})

	t.Run("registration failure", func(t *testing.T) {
		api := &mockAPIServer{handlers: map[string]http.Handler{}}
		api.On("Register", "/debug/pprof/", "pprof", "Profiling Data", mock.Anything).Return(assert.AnError)

		assert.ErrorIs(t, NewPprof(api).Init(), assert.AnError)
		api.AssertExpectations(t)
	})
}

func TestPprofHandlers(t *testing.T) {
	mux := pprofHandlers()

	for _, path := range []string{
		"/debug/pprof/",
		"/debug/pprof/cmdline",
		"/debug/pprof/symbol",
		"/debug/pprof/heap",
	} {
		t.Run(path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rr.Code)
		})
	}
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package service defines the lifecycle shared by every long lived component
// of the daemon: optional initialization, a blocking run loop and shutdown.
package service

import "context"

// Service is implemented by every component managed by Init and Run
type Service interface {
	// Name identifies the service in logs
	Name() string
}

// Initializer is a Service that must be prepared before it runs
type Initializer interface {
	Service
	Init() error
}

// Runner is a Service with a background loop
type Runner interface {
	Service
	// Run blocks until ctx is cancelled or the service fails
	Run(ctx context.Context) error
}

// Shutdowner is a Service holding resources that must be released
type Shutdowner interface {
	Service
	Shutdown() error
}

// LiveChecker reports whether a service is alive
type LiveChecker interface {
	IsLive(ctx context.Context) (bool, error)
}

// ReadyChecker reports whether a service can answer requests
type ReadyChecker interface {
	IsReady(ctx context.Context) (bool, error)
}

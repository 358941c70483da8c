// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"sync"
)

// recorder collects lifecycle events in call order
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeService struct {
	name       string
	rec        *recorder
	initErr    error
	runFn      func(ctx context.Context) error
	shutdownFn func() error
}

func (f *fakeService) Name() string { return f.name }

type initService struct{ *fakeService }

func (s initService) Init() error {
	s.rec.add("init:" + s.name)
	return s.initErr
}

type initShutdownService struct{ *fakeService }

func (s initShutdownService) Init() error {
	s.rec.add("init:" + s.name)
	return s.initErr
}

func (s initShutdownService) Shutdown() error {
	s.rec.add("shutdown:" + s.name)
	if s.shutdownFn != nil {
		return s.shutdownFn()
	}
	return nil
}

type runShutdownService struct{ *fakeService }

func (s runShutdownService) Run(ctx context.Context) error {
	s.rec.add("run:" + s.name)
	return s.runFn(ctx)
}

func (s runShutdownService) Shutdown() error {
	s.rec.add("shutdown:" + s.name)
	return nil
}

type runService struct{ *fakeService }

func (s runService) Run(ctx context.Context) error {
	return s.runFn(ctx)
}

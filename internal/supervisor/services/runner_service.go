// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

// Package services adapts pipeline components to suture.Service.
package services

import (
	"context"
)

// Runner is any long-running component with a context-bound loop.
// The ingest reader, store writer, notification workers, and the
// maintenance task all satisfy it.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerService wraps a Runner as a supervised service.
//
// Context cancellation is the normal stop path: when the supervisor
// cancels the context, Run returns the context error and suture treats
// the exit as a clean stop. Any other error is a crash and triggers a
// supervised restart with backoff.
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService wraps a runner under the given service name.
func NewRunnerService(name string, r Runner) *RunnerService {
	return &RunnerService{runner: r, name: name}
}

// Serve implements suture.Service.
func (s *RunnerService) Serve(ctx context.Context) error {
	return s.runner.Run(ctx)
}

// String implements fmt.Stringer for suture logging.
func (s *RunnerService) String() string {
	return s.name
}

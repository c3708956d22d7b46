// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func TestRunnerServicePassesThrough(t *testing.T) {
	want := errors.New("crashed")
	svc := NewRunnerService("crasher", runnerFunc(func(context.Context) error { return want }))

	if got := svc.Serve(context.Background()); !errors.Is(got, want) {
		t.Errorf("Serve err = %v, want %v", got, want)
	}
	if svc.String() != "crasher" {
		t.Errorf("String() = %q", svc.String())
	}
}

func TestRunnerServiceStopsOnCancel(t *testing.T) {
	svc := NewRunnerService("blocker", runnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

type fakeHTTPServer struct {
	listenErr error
	stop      chan struct{}
	shutdowns int
}

func (s *fakeHTTPServer) ListenAndServe() error {
	if s.listenErr != nil {
		return s.listenErr
	}
	<-s.stop
	return http.ErrServerClosed
}

func (s *fakeHTTPServer) Shutdown(context.Context) error {
	s.shutdowns++
	close(s.stop)
	return nil
}

func TestHTTPServerServiceListenFailure(t *testing.T) {
	want := errors.New("listen tcp: address in use")
	svc := NewHTTPServerService(&fakeHTTPServer{listenErr: want}, time.Second)

	if err := svc.Serve(context.Background()); !errors.Is(err, want) {
		t.Errorf("Serve err = %v, want wrap of %v", err, want)
	}
}

func TestHTTPServerServiceShutsDownOnCancel(t *testing.T) {
	server := &fakeHTTPServer{stop: make(chan struct{})}
	svc := NewHTTPServerService(server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve err = %v, want context.Canceled", err)
		}
		if server.shutdowns != 1 {
			t.Errorf("shutdowns = %d, want 1", server.shutdowns)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

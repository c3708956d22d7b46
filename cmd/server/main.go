// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

// Package main is the entry point for the killfeed server.
//
// killfeed ingests EVE Online killmails from a RedisQ-style long-poll
// feed, stores them in a single-file SQLite database, lazily enriches
// them with full detail from the killmail API, and pushes matching
// kills to per-profile webhook endpoints.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered loading (defaults, config.yaml,
//     environment variables)
//  2. Store: SQLite with WAL journaling and versioned migrations
//  3. Ingest: bounded drop-oldest queue, upstream reader, batch writer
//  4. Coordinator: claim-table detail fetch coordination
//  5. Workers: one notification worker per configured profile
//  6. Supervision: Suture tree plus worker health monitoring
//  7. HTTP server: read-only query API and Prometheus metrics
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the supervision tree
// stops every service with a bounded grace period, the writer drains
// the queue, and the store closes last.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kmwatch/killfeed/internal/api"
	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/coordinator"
	"github.com/kmwatch/killfeed/internal/database"
	"github.com/kmwatch/killfeed/internal/delivery"
	"github.com/kmwatch/killfeed/internal/esi"
	"github.com/kmwatch/killfeed/internal/ingest"
	"github.com/kmwatch/killfeed/internal/logging"
	"github.com/kmwatch/killfeed/internal/maintenance"
	"github.com/kmwatch/killfeed/internal/queue"
	"github.com/kmwatch/killfeed/internal/supervisor"
	"github.com/kmwatch/killfeed/internal/supervisor/services"
	"github.com/kmwatch/killfeed/internal/worker"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("killfeed server failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("store", cfg.Store.Path).
		Int("profiles", len(cfg.Profiles)).
		Msg("starting killfeed server")

	db, err := database.New(&cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Warn().Err(err).Msg("store close failed")
		}
	}()

	// Supervision tree.
	tree, err := supervisor.NewTree(supervisor.TreeConfig{
		ShutdownTimeout: cfg.Supervisor.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to build supervision tree: %w", err)
	}

	// Ingest pipeline: reader -> queue -> writer.
	q := queue.New(cfg.Queue.Capacity)
	tree.AddIngestService(services.NewRunnerService("upstream-reader", ingest.NewReader(&cfg.Upstream, q)))
	tree.AddIngestService(services.NewRunnerService("store-writer", ingest.NewWriter(&cfg.Writer, q, db)))

	// Detail fetch coordination.
	coord := coordinator.New(db, esi.NewClient(&cfg.ESI), &cfg.Coordinator, cfg.ESI.MaxAttempts)

	// Notification workers, one per profile, under health monitoring.
	workers := supervisor.NewWorkerSupervisor(tree, &cfg.Supervisor, db)
	for i := range cfg.Profiles {
		p := &cfg.Profiles[i]
		w := worker.New(p, db, coord, delivery.NewSender(p), cfg.Store.DeliveryRetention)
		if err := workers.AddWorker(w); err != nil {
			return fmt.Errorf("failed to add worker %q: %w", p.Name, err)
		}
	}
	tree.AddWorkerService(workers)

	// Retention maintenance.
	task := maintenance.New(db, &cfg.Store, cfg.Coordinator.ClaimTTL, cfg.Maintenance.Interval, workers)
	tree.AddWorkerService(services.NewRunnerService("maintenance", task))

	// Query API.
	handler := api.NewHandler(db, q, workers, &cfg.API)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.NewRouter(handler, &cfg.API).Setup(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Supervisor.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", server.Addr).Msg("killfeed server ready")
	err = tree.Serve(ctx)

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service missed shutdown grace period")
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervision tree failed: %w", err)
	}
	logging.Info().Msg("killfeed server stopped")
	return nil
}

// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

// Package maintenance runs the periodic retention purge and store
// index maintenance.
package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/database"
	"github.com/kmwatch/killfeed/internal/logging"
)

// WorkerLister names the currently active workers so checkpoints for
// removed profiles can be purged.
type WorkerLister interface {
	ActiveWorkerNames() []string
}

// Task is the periodic maintenance loop.
type Task struct {
	db       *database.DB
	store    *config.StoreConfig
	claimTTL time.Duration
	interval time.Duration
	workers  WorkerLister
	log      zerolog.Logger
}

// New builds the maintenance task.
func New(db *database.DB, store *config.StoreConfig, claimTTL, interval time.Duration, workers WorkerLister) *Task {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Task{
		db:       db,
		store:    store,
		claimTTL: claimTTL,
		interval: interval,
		workers:  workers,
		log:      logging.With().Str("component", "maintenance").Logger(),
	}
}

// Run purges on a fixed interval until the context is cancelled. One
// pass also runs on startup so a long-stopped instance trims itself
// promptly.
func (t *Task) Run(ctx context.Context) error {
	t.log.Info().Dur("interval", t.interval).Msg("maintenance task started")
	t.pass(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.pass(ctx)
		}
	}
}

func (t *Task) pass(ctx context.Context) {
	var active []string
	if t.workers != nil {
		active = t.workers.ActiveWorkerNames()
	}

	res, err := t.db.Purge(ctx, t.store.Retention, t.store.DeliveryRetention, t.claimTTL, active)
	if err != nil {
		t.log.Error().Err(err).Msg("retention purge failed")
		return
	}
	if res.Total() > 0 {
		t.log.Info().
			Int64("killmails", res.Killmails).
			Int64("details", res.Details).
			Int64("attempts", res.Attempts).
			Int64("claims", res.Claims).
			Int64("deliveries", res.Deliveries).
			Int64("checkpoints", res.Checkpoints).
			Msg("retention purge complete")
	}

	if err := t.db.Optimize(ctx); err != nil {
		t.log.Warn().Err(err).Msg("store optimize failed")
	}
}

// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kmwatch/killfeed/internal/metrics"
)

// PurgeResult reports rows removed per table by one maintenance pass.
type PurgeResult struct {
	Killmails   int64
	Details     int64
	Attempts    int64
	Claims      int64
	Deliveries  int64
	Checkpoints int64
}

// Total returns the sum of removed rows across tables.
func (r PurgeResult) Total() int64 {
	return r.Killmails + r.Details + r.Attempts + r.Claims + r.Deliveries + r.Checkpoints
}

// Purge removes expired rows in one transaction so the store never
// exposes a killmail without its dependent rows half-deleted.
// Killmails older than retention cascade to details; fetch bookkeeping
// and stale claims are cleared explicitly. Delivery records age out on
// their own shorter retention. Checkpoints for workers no longer in
// activeWorkers are dropped.
func (db *DB) Purge(ctx context.Context, retention, deliveryRetention, claimTTL time.Duration, activeWorkers []string) (PurgeResult, error) {
	var res PurgeResult
	start := time.Now()
	now := start.UTC()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	cutoff := now.Add(-retention).Unix()

	count := func(dst *int64, query string, args ...interface{}) error {
		r, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		*dst, _ = r.RowsAffected()
		return nil
	}

	// Count the cascade before deleting the parent rows; foreign-key
	// cascades do not report affected rows.
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM killmail_details
		WHERE killmail_id IN (SELECT killmail_id FROM killmails WHERE occurred_at < ?)`,
		cutoff).Scan(&res.Details); err != nil {
		return res, fmt.Errorf("failed to count expiring details: %w", err)
	}

	if err := count(&res.Attempts, `
		DELETE FROM fetch_attempts
		WHERE killmail_id IN (SELECT killmail_id FROM killmails WHERE occurred_at < ?)`,
		cutoff); err != nil {
		return res, fmt.Errorf("failed to purge fetch attempts: %w", err)
	}

	if err := count(&res.Claims, `
		DELETE FROM fetch_claims
		WHERE killmail_id IN (SELECT killmail_id FROM killmails WHERE occurred_at < ?)
		   OR claimed_at < ?`,
		cutoff, now.Add(-claimTTL).Unix()); err != nil {
		return res, fmt.Errorf("failed to purge claims: %w", err)
	}

	if err := count(&res.Deliveries, `
		DELETE FROM deliveries WHERE updated_at < ?`,
		now.Add(-deliveryRetention).Unix()); err != nil {
		return res, fmt.Errorf("failed to purge deliveries: %w", err)
	}

	if err := count(&res.Killmails, `
		DELETE FROM killmails WHERE occurred_at < ?`, cutoff); err != nil {
		return res, fmt.Errorf("failed to purge killmails: %w", err)
	}

	if len(activeWorkers) > 0 {
		args := make([]interface{}, len(activeWorkers))
		for i, w := range activeWorkers {
			args[i] = w
		}
		if err := count(&res.Checkpoints, `
			DELETE FROM worker_checkpoints WHERE worker_id NOT IN (`+
			placeholders(len(activeWorkers))+`)`, args...); err != nil {
			return res, fmt.Errorf("failed to purge checkpoints: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit purge: %w", err)
	}

	metrics.PurgedRows.WithLabelValues("killmails").Add(float64(res.Killmails))
	metrics.PurgedRows.WithLabelValues("killmail_details").Add(float64(res.Details))
	metrics.PurgedRows.WithLabelValues("fetch_attempts").Add(float64(res.Attempts))
	metrics.PurgedRows.WithLabelValues("fetch_claims").Add(float64(res.Claims))
	metrics.PurgedRows.WithLabelValues("deliveries").Add(float64(res.Deliveries))
	metrics.PurgedRows.WithLabelValues("worker_checkpoints").Add(float64(res.Checkpoints))
	metrics.MaintenanceDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

// Optimize runs the planner's index maintenance. Cheap on a warm
// database; worthwhile after a large purge.
func (db *DB) Optimize(ctx context.Context) error {
	for _, pragma := range []string{`PRAGMA optimize`, `PRAGMA wal_checkpoint(PASSIVE)`} {
		if _, err := db.conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to run %s: %w", strings.ToLower(pragma), err)
		}
	}
	return nil
}

// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kmwatch/killfeed/internal/metrics"
	"github.com/kmwatch/killfeed/internal/models"
)

// GetCheckpoint returns a worker's persisted cursor, or ErrNotFound for
// a worker that has never checkpointed.
func (db *DB) GetCheckpoint(ctx context.Context, workerID string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var processed, polled int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT worker_id, last_processed_time, last_poll_at, consecutive_failures
		FROM worker_checkpoints WHERE worker_id = ?`, workerID).
		Scan(&cp.WorkerID, &processed, &polled, &cp.ConsecutiveFailures)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("get_checkpoint").Inc()
		return nil, fmt.Errorf("failed to get checkpoint %q: %w", workerID, err)
	}
	cp.LastProcessedTime = time.Unix(processed, 0).UTC()
	if polled > 0 {
		cp.LastPollAt = time.Unix(polled, 0).UTC()
	}
	return &cp, nil
}

// AdvanceCheckpoint moves a worker's cursor forward. MAX() makes the
// write monotone: a restarted worker replaying an old batch can never
// drag the cursor backwards.
func (db *DB) AdvanceCheckpoint(ctx context.Context, workerID string, processed time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO worker_checkpoints (worker_id, last_processed_time, last_poll_at)
		VALUES (?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			last_processed_time = MAX(last_processed_time, excluded.last_processed_time),
			last_poll_at = excluded.last_poll_at,
			consecutive_failures = 0`,
		workerID, processed.Unix(), time.Now().UTC().Unix())
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("advance_checkpoint").Inc()
		return fmt.Errorf("failed to advance checkpoint %q: %w", workerID, err)
	}
	return nil
}

// TouchPoll stamps a poll cycle that moved nothing, so the health
// monitor can tell an idle worker from a wedged one.
func (db *DB) TouchPoll(ctx context.Context, workerID string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO worker_checkpoints (worker_id, last_processed_time, last_poll_at)
		VALUES (?, 0, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			last_poll_at = excluded.last_poll_at,
			consecutive_failures = 0`,
		workerID, time.Now().UTC().Unix())
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("touch_poll").Inc()
		return fmt.Errorf("failed to touch checkpoint %q: %w", workerID, err)
	}
	return nil
}

// RecordPollFailure increments the consecutive-failure counter and
// returns the new value.
func (db *DB) RecordPollFailure(ctx context.Context, workerID string) (int, error) {
	var failures int
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO worker_checkpoints (worker_id, last_processed_time, consecutive_failures)
		VALUES (?, 0, 1)
		ON CONFLICT(worker_id) DO UPDATE SET
			consecutive_failures = consecutive_failures + 1
		RETURNING consecutive_failures`,
		workerID).Scan(&failures)
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("record_poll_failure").Inc()
		return 0, fmt.Errorf("failed to record poll failure %q: %w", workerID, err)
	}
	return failures, nil
}

// ListCheckpoints returns every worker checkpoint, for the health
// monitor's staleness sweep.
func (db *DB) ListCheckpoints(ctx context.Context) ([]models.Checkpoint, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT worker_id, last_processed_time, last_poll_at, consecutive_failures
		FROM worker_checkpoints ORDER BY worker_id`)
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("list_checkpoints").Inc()
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		var processed, polled int64
		if err := rows.Scan(&cp.WorkerID, &processed, &polled, &cp.ConsecutiveFailures); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.LastProcessedTime = time.Unix(processed, 0).UTC()
		if polled > 0 {
			cp.LastPollAt = time.Unix(polled, 0).UTC()
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// DeleteCheckpoint removes a worker's state after its profile is
// removed from configuration.
func (db *DB) DeleteCheckpoint(ctx context.Context, workerID string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM worker_checkpoints WHERE worker_id = ?`, workerID)
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("delete_checkpoint").Inc()
		return fmt.Errorf("failed to delete checkpoint %q: %w", workerID, err)
	}
	return nil
}

// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/kmwatch/killfeed/internal/metrics"
)

// IncrementFetchAttempt records one failed detail fetch and returns the
// new cumulative count. The counter survives process restarts so the
// attempt cap holds across claimants.
func (db *DB) IncrementFetchAttempt(ctx context.Context, killmailID int64, lastError string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO fetch_attempts (killmail_id, attempt_count, last_error, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(killmail_id) DO UPDATE SET
			attempt_count = attempt_count + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		RETURNING attempt_count`,
		killmailID, lastError, time.Now().UTC().Unix()).Scan(&count)
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("increment_attempt").Inc()
		return 0, fmt.Errorf("failed to record fetch attempt %d: %w", killmailID, err)
	}
	return count, nil
}

// GetFetchAttempts returns the failed-attempt count for a killmail,
// zero when none are recorded.
func (db *DB) GetFetchAttempts(ctx context.Context, killmailID int64) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COALESCE(
			(SELECT attempt_count FROM fetch_attempts WHERE killmail_id = ?), 0)`,
		killmailID).Scan(&count)
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("get_attempts").Inc()
		return 0, fmt.Errorf("failed to get fetch attempts %d: %w", killmailID, err)
	}
	return count, nil
}

// DeleteFetchAttempts clears the attempt counter once a detail row
// (real or sentinel) exists.
func (db *DB) DeleteFetchAttempts(ctx context.Context, killmailID int64) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM fetch_attempts WHERE killmail_id = ?`, killmailID)
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("delete_attempts").Inc()
		return fmt.Errorf("failed to delete fetch attempts %d: %w", killmailID, err)
	}
	return nil
}

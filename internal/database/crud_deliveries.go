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

// GetDelivery returns the delivery record for a (worker, killmail)
// pair, or ErrNotFound when the killmail has never been attempted.
func (db *DB) GetDelivery(ctx context.Context, workerID string, killmailID int64) (*models.DeliveryRecord, error) {
	var r models.DeliveryRecord
	var status string
	var updated int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT worker_id, killmail_id, status, attempts, updated_at
		FROM deliveries WHERE worker_id = ? AND killmail_id = ?`,
		workerID, killmailID).
		Scan(&r.WorkerID, &r.KillmailID, &status, &r.Attempts, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("get_delivery").Inc()
		return nil, fmt.Errorf("failed to get delivery %s/%d: %w", workerID, killmailID, err)
	}
	r.Status = models.DeliveryStatus(status)
	r.UpdatedAt = time.Unix(updated, 0).UTC()
	return &r, nil
}

// MarkDelivered records a successful delivery. Final: the pair is never
// attempted again while the row is retained.
func (db *DB) MarkDelivered(ctx context.Context, workerID string, killmailID int64) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO deliveries (worker_id, killmail_id, status, attempts, updated_at)
		VALUES (?, ?, 'delivered', 1, ?)
		ON CONFLICT(worker_id, killmail_id) DO UPDATE SET
			status = 'delivered',
			attempts = attempts + 1,
			updated_at = excluded.updated_at`,
		workerID, killmailID, time.Now().UTC().Unix())
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("mark_delivered").Inc()
		return fmt.Errorf("failed to mark delivered %s/%d: %w", workerID, killmailID, err)
	}
	return nil
}

// MarkDeliveredBatch records one successful rollup delivery covering
// several killmails, atomically.
func (db *DB) MarkDeliveredBatch(ctx context.Context, workerID string, killmailIDs []int64) error {
	if len(killmailIDs) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delivery batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := time.Now().UTC().Unix()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO deliveries (worker_id, killmail_id, status, attempts, updated_at)
		VALUES (?, ?, 'delivered', 1, ?)
		ON CONFLICT(worker_id, killmail_id) DO UPDATE SET
			status = 'delivered',
			attempts = attempts + 1,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare delivery batch: %w", err)
	}
	defer stmt.Close()

	for _, id := range killmailIDs {
		if _, err := stmt.ExecContext(ctx, workerID, id, now); err != nil {
			return fmt.Errorf("failed to mark delivered %s/%d: %w", workerID, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delivery batch: %w", err)
	}
	return nil
}

// RecordDeliveryFailure bumps the attempt counter for a pair. The row
// stays pending (a retry candidate) until the attempt cap is reached,
// then flips to failed and the killmail is abandoned for this worker.
// Returns the resulting status.
func (db *DB) RecordDeliveryFailure(ctx context.Context, workerID string, killmailID int64, maxAttempts int) (models.DeliveryStatus, error) {
	var status string
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO deliveries (worker_id, killmail_id, status, attempts, updated_at)
		VALUES (?, ?, CASE WHEN 1 >= ? THEN 'failed' ELSE 'pending' END, 1, ?)
		ON CONFLICT(worker_id, killmail_id) DO UPDATE SET
			attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
			updated_at = excluded.updated_at
		RETURNING status`,
		workerID, killmailID, maxAttempts, time.Now().UTC().Unix(), maxAttempts).
		Scan(&status)
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("record_delivery_failure").Inc()
		return "", fmt.Errorf("failed to record delivery failure %s/%d: %w", workerID, killmailID, err)
	}
	return models.DeliveryStatus(status), nil
}

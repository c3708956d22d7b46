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

// GetDetail returns the detail row (real or sentinel) for a killmail,
// or ErrNotFound when no fetch has completed yet.
func (db *DB) GetDetail(ctx context.Context, killmailID int64) (*models.Detail, error) {
	var d models.Detail
	var status string
	var fetched int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT killmail_id, fetch_status, attackers, items, fetched_at
		FROM killmail_details WHERE killmail_id = ?`, killmailID).
		Scan(&d.KillmailID, &status, &d.Attackers, &d.Items, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("get_detail").Inc()
		return nil, fmt.Errorf("failed to get detail %d: %w", killmailID, err)
	}
	d.Status = models.FetchStatus(status)
	d.FetchedAt = time.Unix(fetched, 0).UTC()
	return &d, nil
}

// PutDetail inserts a detail row. First write wins: a concurrent insert
// for the same killmail leaves the existing row untouched, so a real
// detail is never overwritten by a later sentinel (or vice versa).
// Returns whether this call inserted the row.
func (db *DB) PutDetail(ctx context.Context, d *models.Detail) (bool, error) {
	fetched := d.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now().UTC()
	}
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO killmail_details (killmail_id, fetch_status, attackers, items, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(killmail_id) DO NOTHING`,
		d.KillmailID, string(d.Status), d.Attackers, d.Items, fetched.Unix())
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("put_detail").Inc()
		return false, fmt.Errorf("failed to put detail %d: %w", d.KillmailID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

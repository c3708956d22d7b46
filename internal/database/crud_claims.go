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

// TryClaim attempts to win the fetch claim for a killmail. Insert-if-
// absent on the primary key gives atomic mutual exclusion across every
// process sharing the store file: exactly one caller sees won=true.
func (db *DB) TryClaim(ctx context.Context, killmailID int64, claimantID string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO fetch_claims (killmail_id, claimant_id, claimed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(killmail_id) DO NOTHING`,
		killmailID, claimantID, time.Now().UTC().Unix())
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("try_claim").Inc()
		return false, fmt.Errorf("failed to claim killmail %d: %w", killmailID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.ClaimsWon.Inc()
		return true, nil
	}
	metrics.ClaimsLost.Inc()
	return false, nil
}

// GetClaim returns the live claim for a killmail, or ErrNotFound.
func (db *DB) GetClaim(ctx context.Context, killmailID int64) (*models.Claim, error) {
	var c models.Claim
	var claimed int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT killmail_id, claimant_id, claimed_at
		FROM fetch_claims WHERE killmail_id = ?`, killmailID).
		Scan(&c.KillmailID, &c.ClaimantID, &claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("get_claim").Inc()
		return nil, fmt.Errorf("failed to get claim %d: %w", killmailID, err)
	}
	c.ClaimedAt = time.Unix(claimed, 0).UTC()
	return &c, nil
}

// ReleaseClaim deletes a claim, but only if still held by claimantID.
// A claim reclaimed by another process stays untouched.
func (db *DB) ReleaseClaim(ctx context.Context, killmailID int64, claimantID string) error {
	_, err := db.conn.ExecContext(ctx, `
		DELETE FROM fetch_claims WHERE killmail_id = ? AND claimant_id = ?`,
		killmailID, claimantID)
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("release_claim").Inc()
		return fmt.Errorf("failed to release claim %d: %w", killmailID, err)
	}
	return nil
}

// ReclaimStale deletes a claim only if it is older than ttl, guarding
// against racing a claimant that just refreshed. Returns whether the
// stale claim was actually removed.
func (db *DB) ReclaimStale(ctx context.Context, killmailID int64, ttl time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-ttl).Unix()
	res, err := db.conn.ExecContext(ctx, `
		DELETE FROM fetch_claims WHERE killmail_id = ? AND claimed_at < ?`,
		killmailID, cutoff)
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("reclaim_stale").Inc()
		return false, fmt.Errorf("failed to reclaim stale claim %d: %w", killmailID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.ClaimReclaims.Inc()
	}
	return n > 0, nil
}

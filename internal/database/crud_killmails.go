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
	"strings"
	"time"

	"github.com/kmwatch/killfeed/internal/metrics"
	"github.com/kmwatch/killfeed/internal/models"
)

// WriteBatch inserts a batch of killmails in a single transaction.
// All-or-nothing: on error nothing is committed and the caller retries
// the whole batch. Duplicate killmail IDs (upstream replays) are
// ignored; the returned count is rows actually inserted.
func (db *DB) WriteBatch(ctx context.Context, kms []models.Killmail) (int, error) {
	if len(kms) == 0 {
		return 0, nil
	}

	start := time.Now()
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO killmails (
			killmail_id, system_id, region_id, occurred_at,
			victim_character_id, victim_corporation_id, victim_ship_type_id,
			attacker_count, final_blow_character_id, total_value, detail_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare batch insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range kms {
		km := &kms[i]
		res, err := stmt.ExecContext(ctx,
			km.KillmailID, km.SystemID, km.RegionID, km.OccurredAt.Unix(),
			km.VictimCharacterID, km.VictimCorporationID, km.VictimShipTypeID,
			km.AttackerCount, km.FinalBlowCharacterID, km.TotalValue, km.DetailHash)
		if err != nil {
			return 0, fmt.Errorf("failed to insert killmail %d: %w", km.KillmailID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	metrics.StoreBatchDuration.Observe(time.Since(start).Seconds())
	metrics.StoreWritten.Add(float64(inserted))
	return inserted, nil
}

const killmailColumns = `killmail_id, system_id, region_id, occurred_at,
	victim_character_id, victim_corporation_id, victim_ship_type_id,
	attacker_count, final_blow_character_id, total_value, detail_hash, created_at`

func scanKillmail(scan func(...interface{}) error) (models.Killmail, error) {
	var km models.Killmail
	var occurred, created int64
	err := scan(&km.KillmailID, &km.SystemID, &km.RegionID, &occurred,
		&km.VictimCharacterID, &km.VictimCorporationID, &km.VictimShipTypeID,
		&km.AttackerCount, &km.FinalBlowCharacterID, &km.TotalValue,
		&km.DetailHash, &created)
	if err != nil {
		return km, err
	}
	km.OccurredAt = time.Unix(occurred, 0).UTC()
	km.CreatedAt = time.Unix(created, 0).UTC()
	return km, nil
}

// GetKillmail returns one killmail by id, or ErrNotFound.
func (db *DB) GetKillmail(ctx context.Context, id int64) (*models.Killmail, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+killmailColumns+` FROM killmails WHERE killmail_id = ?`, id)
	km, err := scanKillmail(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("get_killmail").Inc()
		return nil, fmt.Errorf("failed to get killmail %d: %w", id, err)
	}
	return &km, nil
}

// QueryKillmails returns killmails matching the filter, newest first,
// keyset-paginated by (occurred_at, killmail_id). Returns the page, the
// cursor for the next page (nil when exhausted), and a has-more flag.
func (db *DB) QueryKillmails(ctx context.Context, f models.Filter, cursor *models.KillmailCursor) ([]models.Killmail, *models.KillmailCursor, bool, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var where []string
	var args []interface{}

	if cursor != nil {
		// Strict keyset: rows after the cursor position in
		// (occurred_at DESC, killmail_id DESC) order.
		where = append(where, `(occurred_at < ? OR (occurred_at = ? AND killmail_id < ?))`)
		args = append(args, cursor.OccurredAt.Unix(), cursor.OccurredAt.Unix(), cursor.KillmailID)
	}
	if !f.Since.IsZero() {
		where = append(where, `occurred_at >= ?`)
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		where = append(where, `occurred_at <= ?`)
		args = append(args, f.Until.Unix())
	}
	if len(f.Systems) > 0 {
		where = append(where, `system_id IN (`+placeholders(len(f.Systems))+`)`)
		for _, s := range f.Systems {
			args = append(args, s)
		}
	}
	if len(f.Regions) > 0 {
		where = append(where, `region_id IN (`+placeholders(len(f.Regions))+`)`)
		for _, r := range f.Regions {
			args = append(args, r)
		}
	}
	if f.MinValue > 0 {
		where = append(where, `total_value >= ?`)
		args = append(args, f.MinValue)
	}

	query := `SELECT ` + killmailColumns + ` FROM killmails`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	// Fetch one extra row to detect whether another page exists.
	query += ` ORDER BY occurred_at DESC, killmail_id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("query_killmails").Inc()
		return nil, nil, false, fmt.Errorf("failed to query killmails: %w", err)
	}
	defer rows.Close()

	kms := make([]models.Killmail, 0, limit)
	for rows.Next() {
		km, err := scanKillmail(rows.Scan)
		if err != nil {
			return nil, nil, false, fmt.Errorf("failed to scan killmail: %w", err)
		}
		kms = append(kms, km)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, fmt.Errorf("failed to iterate killmails: %w", err)
	}

	hasMore := len(kms) > limit
	if hasMore {
		kms = kms[:limit]
	}

	var next *models.KillmailCursor
	if hasMore && len(kms) > 0 {
		last := kms[len(kms)-1]
		next = &models.KillmailCursor{OccurredAt: last.OccurredAt, KillmailID: last.KillmailID}
	}
	return kms, next, hasMore, nil
}

// QuerySince returns killmails with occurred_at >= since matching the
// filter, oldest first — the worker polling order.
func (db *DB) QuerySince(ctx context.Context, f models.Filter, since time.Time, batch int) ([]models.Killmail, error) {
	var where []string
	var args []interface{}

	where = append(where, `occurred_at >= ?`)
	args = append(args, since.Unix())

	if len(f.Systems) > 0 {
		where = append(where, `system_id IN (`+placeholders(len(f.Systems))+`)`)
		for _, s := range f.Systems {
			args = append(args, s)
		}
	}
	if len(f.Regions) > 0 {
		where = append(where, `region_id IN (`+placeholders(len(f.Regions))+`)`)
		for _, r := range f.Regions {
			args = append(args, r)
		}
	}
	if f.MinValue > 0 {
		where = append(where, `total_value >= ?`)
		args = append(args, f.MinValue)
	}

	if batch <= 0 {
		batch = 200
	}
	query := `SELECT ` + killmailColumns + ` FROM killmails WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY occurred_at ASC, killmail_id ASC LIMIT ?`
	args = append(args, batch)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("query_since").Inc()
		return nil, fmt.Errorf("failed to query killmails since %s: %w", since, err)
	}
	defer rows.Close()

	var kms []models.Killmail
	for rows.Next() {
		km, err := scanKillmail(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan killmail: %w", err)
		}
		kms = append(kms, km)
	}
	return kms, rows.Err()
}

// Stats returns store-wide counts for the stats endpoint.
func (db *DB) Stats(ctx context.Context) (*models.StatsResponse, error) {
	var s models.StatsResponse
	var oldest, newest sql.NullInt64

	row := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM killmails),
			(SELECT COUNT(*) FROM killmail_details),
			(SELECT COUNT(*) FROM killmail_details WHERE fetch_status = 'unfetchable'),
			(SELECT COUNT(*) FROM fetch_claims),
			(SELECT MIN(occurred_at) FROM killmails),
			(SELECT MAX(occurred_at) FROM killmails)`)
	if err := row.Scan(&s.TotalKillmails, &s.TotalDetails, &s.UnfetchableCount,
		&s.PendingClaims, &oldest, &newest); err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	if oldest.Valid {
		s.OldestKillmail = time.Unix(oldest.Int64, 0).UTC()
	}
	if newest.Valid {
		s.NewestKillmail = time.Unix(newest.Int64, 0).UTC()
	}

	version, err := db.GetCurrentSchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	s.SchemaVersion = version
	return &s, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package database

// initialSchema is migration v1. All timestamps are unix seconds.
//
// Invariants enforced here:
//   - one detail row per killmail (PK), real or sentinel, never both
//   - one claim per killmail (PK) held by at most one claimant
//   - one delivery record per (worker, killmail)
const initialSchema = `
CREATE TABLE IF NOT EXISTS killmails (
	killmail_id INTEGER PRIMARY KEY,
	system_id INTEGER NOT NULL,
	region_id INTEGER NOT NULL DEFAULT 0,
	occurred_at INTEGER NOT NULL,
	victim_character_id INTEGER NOT NULL DEFAULT 0,
	victim_corporation_id INTEGER NOT NULL DEFAULT 0,
	victim_ship_type_id INTEGER NOT NULL DEFAULT 0,
	attacker_count INTEGER NOT NULL DEFAULT 0,
	final_blow_character_id INTEGER NOT NULL DEFAULT 0,
	total_value REAL NOT NULL DEFAULT 0,
	detail_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

-- Keyset pagination and worker polling both order by (occurred_at, killmail_id).
CREATE INDEX IF NOT EXISTS idx_killmails_occurred ON killmails(occurred_at, killmail_id);
CREATE INDEX IF NOT EXISTS idx_killmails_system ON killmails(system_id, occurred_at);

CREATE TABLE IF NOT EXISTS killmail_details (
	killmail_id INTEGER PRIMARY KEY REFERENCES killmails(killmail_id) ON DELETE CASCADE,
	fetch_status TEXT NOT NULL CHECK (fetch_status IN ('ok','unfetchable')),
	attackers TEXT NOT NULL DEFAULT '',
	items TEXT NOT NULL DEFAULT '',
	fetched_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fetch_attempts (
	killmail_id INTEGER PRIMARY KEY,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE TABLE IF NOT EXISTS fetch_claims (
	killmail_id INTEGER PRIMARY KEY,
	claimant_id TEXT NOT NULL,
	claimed_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE TABLE IF NOT EXISTS worker_checkpoints (
	worker_id TEXT PRIMARY KEY,
	last_processed_time INTEGER NOT NULL,
	last_poll_at INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS deliveries (
	worker_id TEXT NOT NULL,
	killmail_id INTEGER NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending','delivered','failed')),
	attempts INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT (unixepoch()),
	PRIMARY KEY (worker_id, killmail_id)
);
`

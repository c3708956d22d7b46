// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kmwatch/killfeed/internal/config"
)

// DB wraps the SQLite connection and provides all killfeed data access.
//
// Concurrency discipline: the store runs in WAL journal mode, which
// allows many concurrent readers alongside a single active writer.
// Contending writers wait out the busy timeout instead of failing
// fast — the claim table in particular depends on this, because
// claimants may live in separate OS processes sharing the store file.
type DB struct {
	conn *sql.DB
	cfg  *config.StoreConfig
}

// New opens (creating if needed) the store, applies pending migrations,
// and returns a ready handle. Migration failure is fatal by contract:
// no component may operate against a partial schema.
func New(cfg *config.StoreConfig) (*DB, error) {
	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dbDir, err)
		}
	}

	busyMillis := cfg.BusyTimeout.Milliseconds()
	if busyMillis <= 0 {
		busyMillis = 5000
	}

	// _journal_mode=WAL: concurrent readers with one active writer.
	// _busy_timeout: bounded wait on write contention, never fail-fast.
	// _synchronous=NORMAL is the standard WAL durability/throughput trade.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_synchronous=NORMAL",
		url.PathEscape(cfg.Path), busyMillis)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// One writer stream plus a small reader pool. SQLite serializes
	// writers itself; the busy timeout absorbs the contention.
	conn.SetMaxOpenConns(8)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	db := &DB{conn: conn, cfg: cfg}

	if err := db.runVersionedMigrations(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	return db, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying SQL handle for packages needing direct
// access (maintenance, tests).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// schemaContext bounds schema and maintenance operations.
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func closeQuietly(c *sql.DB) {
	_ = c.Close()
}

// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/database"
	"github.com/kmwatch/killfeed/internal/models"
)

type staticLister struct{ names []string }

func (l staticLister) ActiveWorkerNames() []string { return l.names }

func newTestDB(t *testing.T, store *config.StoreConfig) *database.DB {
	t.Helper()
	store.Path = filepath.Join(t.TempDir(), "killfeed.db")
	store.BusyTimeout = 5 * time.Second
	db, err := database.New(store)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPassPurgesExpiredRows(t *testing.T) {
	store := &config.StoreConfig{
		Retention:         24 * time.Hour,
		DeliveryRetention: 24 * time.Hour,
	}
	db := newTestDB(t, store)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	kms := []models.Killmail{
		{KillmailID: 1, SystemID: 30000142, OccurredAt: now.Add(-48 * time.Hour), VictimShipTypeID: 670, AttackerCount: 1, DetailHash: "aa"},
		{KillmailID: 2, SystemID: 30000142, OccurredAt: now.Add(-time.Hour), VictimShipTypeID: 670, AttackerCount: 1, DetailHash: "bb"},
	}
	if _, err := db.WriteBatch(ctx, kms); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := db.AdvanceCheckpoint(ctx, "retired", now); err != nil {
		t.Fatalf("AdvanceCheckpoint: %v", err)
	}
	if err := db.AdvanceCheckpoint(ctx, "alerts", now); err != nil {
		t.Fatalf("AdvanceCheckpoint: %v", err)
	}

	task := New(db, store, time.Minute, time.Hour, staticLister{names: []string{"alerts"}})
	task.pass(ctx)

	if _, err := db.GetKillmail(ctx, 1); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expired killmail survived pass: %v", err)
	}
	if _, err := db.GetKillmail(ctx, 2); err != nil {
		t.Errorf("fresh killmail missing after pass: %v", err)
	}
	if _, err := db.GetCheckpoint(ctx, "retired"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("orphan checkpoint survived pass: %v", err)
	}
	if _, err := db.GetCheckpoint(ctx, "alerts"); err != nil {
		t.Errorf("active checkpoint missing after pass: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := &config.StoreConfig{
		Retention:         24 * time.Hour,
		DeliveryRetention: 24 * time.Hour,
	}
	db := newTestDB(t, store)

	task := New(db, store, time.Minute, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

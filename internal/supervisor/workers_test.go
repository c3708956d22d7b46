// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/database"
)

// stubWorker wedges: Run blocks until cancelled and never touches its
// poll checkpoint, like a worker stuck in a hung downstream call.
type stubWorker struct {
	name   string
	poll   time.Duration
	starts atomic.Int64
}

func (w *stubWorker) Run(ctx context.Context) error {
	w.starts.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (w *stubWorker) Name() string                { return w.name }
func (w *stubWorker) PollInterval() time.Duration { return w.poll }

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(&config.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "killfeed.db"),
		BusyTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	tree, err := NewTree(TreeConfig{ShutdownTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	return tree
}

func testSupervisorConfig() *config.SupervisorConfig {
	return &config.SupervisorConfig{
		HealthInterval:         20 * time.Millisecond,
		StaleMultiplier:        5,
		MaxConsecutiveFailures: 50,
		ShutdownTimeout:        2 * time.Second,
	}
}

func TestAddWorkerRejectsDuplicates(t *testing.T) {
	ws := NewWorkerSupervisor(newTestTree(t), testSupervisorConfig(), newTestDB(t))

	w := &stubWorker{name: "alerts", poll: time.Minute}
	if err := ws.AddWorker(w); err != nil {
		t.Fatalf("AddWorker: %v", err)
	}
	if err := ws.AddWorker(w); !errors.Is(err, ErrWorkerExists) {
		t.Errorf("duplicate AddWorker err = %v, want ErrWorkerExists", err)
	}
}

func TestActiveWorkerNames(t *testing.T) {
	ws := NewWorkerSupervisor(newTestTree(t), testSupervisorConfig(), newTestDB(t))

	for _, name := range []string{"alerts", "highsec"} {
		if err := ws.AddWorker(&stubWorker{name: name, poll: time.Minute}); err != nil {
			t.Fatalf("AddWorker %s: %v", name, err)
		}
	}
	if names := ws.ActiveWorkerNames(); len(names) != 2 {
		t.Errorf("names = %v, want 2 entries", names)
	}
}

func TestStatusesIncludeCheckpointState(t *testing.T) {
	db := newTestDB(t)
	ws := NewWorkerSupervisor(newTestTree(t), testSupervisorConfig(), db)
	ctx := context.Background()

	if err := ws.AddWorker(&stubWorker{name: "alerts", poll: time.Minute}); err != nil {
		t.Fatalf("AddWorker: %v", err)
	}
	if err := db.TouchPoll(ctx, "alerts"); err != nil {
		t.Fatalf("TouchPoll: %v", err)
	}

	statuses := ws.Statuses(ctx)
	if len(statuses) != 1 {
		t.Fatalf("statuses = %+v", statuses)
	}
	if statuses[0].Name != "alerts" || !statuses[0].Running {
		t.Errorf("status = %+v", statuses[0])
	}
	if statuses[0].LastPollAt == nil {
		t.Error("last poll missing from status")
	}
}

func TestRestartUnknownWorker(t *testing.T) {
	ws := NewWorkerSupervisor(newTestTree(t), testSupervisorConfig(), newTestDB(t))
	if err := ws.Restart("ghost", "stale"); !errors.Is(err, ErrWorkerNotFound) {
		t.Errorf("err = %v, want ErrWorkerNotFound", err)
	}
}

func TestHealthMonitorRestartsStaleWorker(t *testing.T) {
	db := newTestDB(t)
	tree := newTestTree(t)
	ws := NewWorkerSupervisor(tree, testSupervisorConfig(), db)

	// A wedged worker with a short poll interval: past the grace window
	// it counts as stale within milliseconds.
	w := &stubWorker{name: "alerts", poll: time.Millisecond}
	if err := ws.AddWorker(w); err != nil {
		t.Fatalf("AddWorker: %v", err)
	}
	ws.mu.Lock()
	ws.workers["alerts"].startedAt = time.Now().UTC().Add(-time.Hour)
	ws.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.AddWorkerService(ws)
	tree.ServeBackground(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ws.mu.Lock()
		restarts := ws.workers["alerts"].restarts
		ws.mu.Unlock()
		if restarts > 0 {
			if w.starts.Load() < 1 {
				t.Error("restarted worker never ran")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stale worker was never restarted")
}

func TestHealthMonitorDisablesAfterFailureLimit(t *testing.T) {
	db := newTestDB(t)
	tree := newTestTree(t)
	cfg := testSupervisorConfig()
	cfg.MaxConsecutiveFailures = 3
	ws := NewWorkerSupervisor(tree, cfg, db)
	ctx := context.Background()

	if err := ws.AddWorker(&stubWorker{name: "alerts", poll: time.Minute}); err != nil {
		t.Fatalf("AddWorker: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := db.RecordPollFailure(ctx, "alerts"); err != nil {
			t.Fatalf("RecordPollFailure: %v", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.AddWorkerService(ws)
	tree.ServeBackground(runCtx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ws.mu.Lock()
		disabled := ws.workers["alerts"].disabled
		ws.mu.Unlock()
		if disabled {
			statuses := ws.Statuses(ctx)
			if statuses[0].Running || !statuses[0].Disabled {
				t.Errorf("status = %+v, want disabled", statuses[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("failing worker was never disabled")
}

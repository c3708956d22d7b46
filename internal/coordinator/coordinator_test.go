// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/database"
	"github.com/kmwatch/killfeed/internal/esi"
	"github.com/kmwatch/killfeed/internal/models"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   atomic.Int64
	results []fetchResult // consumed in order; last repeats
	delay   time.Duration
}

type fetchResult struct {
	detail *models.Detail
	err    error
}

func (f *fakeFetcher) FetchDetail(ctx context.Context, id int64, hash string) (*models.Detail, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := int(n) - 1
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	r := f.results[i]
	if r.err != nil {
		return nil, r.err
	}
	d := *r.detail
	d.KillmailID = id
	return &d, nil
}

func okResult() fetchResult {
	return fetchResult{detail: &models.Detail{
		Status:    models.FetchOK,
		Attackers: []byte(`[]`),
		Items:     []byte(`[]`),
	}}
}

func testConfig() *config.CoordinatorConfig {
	return &config.CoordinatorConfig{
		ClaimTTL:       60 * time.Second,
		WaitTimeout:    3 * time.Second,
		WaitInitial:    20 * time.Millisecond,
		WaitMultiplier: 1.5,
		WaitMax:        200 * time.Millisecond,
	}
}

func newTestCoordinator(t *testing.T, fetcher Fetcher, cfg *config.CoordinatorConfig) (*Coordinator, *database.DB) {
	t.Helper()
	db, err := database.New(&config.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "killfeed.db"),
		BusyTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if cfg == nil {
		cfg = testConfig()
	}
	return New(db, fetcher, cfg, 3), db
}

func testKillmail(id int64) *models.Killmail {
	return &models.Killmail{KillmailID: id, SystemID: 30000142, OccurredAt: time.Now().UTC(), DetailHash: "h"}
}

func TestResolveFetchesOnce(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{okResult()}}
	c, _ := newTestCoordinator(t, fetcher, nil)
	ctx := context.Background()
	km := testKillmail(1)

	d, err := c.Resolve(ctx, km)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Status != models.FetchOK {
		t.Errorf("status = %q", d.Status)
	}

	// Second resolve hits the store, not the fetcher.
	if _, err := c.Resolve(ctx, km); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
}

func TestResolveConcurrentSingleFetch(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{okResult()}, delay: 50 * time.Millisecond}
	c, _ := newTestCoordinator(t, fetcher, nil)
	km := testKillmail(2)

	const waiters = 6
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.Resolve(context.Background(), km)
			if err != nil {
				errs <- err
				return
			}
			if d.Status != models.FetchOK {
				errs <- fmt.Errorf("status %q", d.Status)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Resolve: %v", err)
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1 (claim exclusion)", n)
	}
}

func TestResolveTerminalWritesSentinelImmediately(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{
		{err: fmt.Errorf("killmail 3: %w", esi.ErrKillmailNotFound)},
	}}
	c, db := newTestCoordinator(t, fetcher, nil)
	ctx := context.Background()

	d, err := c.Resolve(ctx, testKillmail(3))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !d.Sentinel() {
		t.Errorf("status = %q, want unfetchable sentinel", d.Status)
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}

	// Sentinel is final: no further upstream calls.
	if _, err := c.Resolve(ctx, testKillmail(3)); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("fetch calls after sentinel = %d, want 1", n)
	}
	if n, _ := db.GetFetchAttempts(ctx, 3); n != 0 {
		t.Errorf("attempts after sentinel = %d, want 0", n)
	}
}

func TestResolveSentinelAfterAttemptLimit(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{
		{err: errors.New("502 bad gateway")},
	}}
	c, _ := newTestCoordinator(t, fetcher, nil)
	ctx := context.Background()
	km := testKillmail(4)

	// Attempts 1 and 2: transient failure surfaces as unavailable.
	for i := 1; i <= 2; i++ {
		_, err := c.Resolve(ctx, km)
		if !errors.Is(err, ErrDetailUnavailable) {
			t.Fatalf("attempt %d err = %v, want ErrDetailUnavailable", i, err)
		}
	}

	// Attempt 3 hits the cap and resolves to the sentinel.
	d, err := c.Resolve(ctx, km)
	if err != nil {
		t.Fatalf("final Resolve: %v", err)
	}
	if !d.Sentinel() {
		t.Errorf("status = %q, want sentinel after attempt limit", d.Status)
	}
	if n := fetcher.calls.Load(); n != 3 {
		t.Errorf("fetch calls = %d, want 3", n)
	}
}

func TestResolveWaiterTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.WaitTimeout = 300 * time.Millisecond
	fetcher := &fakeFetcher{results: []fetchResult{okResult()}}
	c, db := newTestCoordinator(t, fetcher, cfg)
	ctx := context.Background()

	// A foreign claimant holds the claim and never writes a row.
	if won, _ := db.TryClaim(ctx, 5, "other-process"); !won {
		t.Fatal("setup claim lost")
	}

	_, err := c.Resolve(ctx, testKillmail(5))
	if !errors.Is(err, ErrDetailUnavailable) {
		t.Fatalf("err = %v, want ErrDetailUnavailable", err)
	}
	if n := fetcher.calls.Load(); n != 0 {
		t.Errorf("fetch calls = %d, want 0 (claim held elsewhere)", n)
	}
}

func TestResolveReclaimsStaleClaim(t *testing.T) {
	cfg := testConfig()
	cfg.ClaimTTL = 1 * time.Second
	cfg.WaitTimeout = 5 * time.Second
	fetcher := &fakeFetcher{results: []fetchResult{okResult()}}
	c, db := newTestCoordinator(t, fetcher, cfg)
	ctx := context.Background()

	// Simulate a claimant that died mid-fetch.
	if won, _ := db.TryClaim(ctx, 6, "dead-process"); !won {
		t.Fatal("setup claim lost")
	}
	time.Sleep(2100 * time.Millisecond)

	d, err := c.Resolve(ctx, testKillmail(6))
	if err != nil {
		t.Fatalf("Resolve after stale claim: %v", err)
	}
	if d.Status != models.FetchOK {
		t.Errorf("status = %q", d.Status)
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1 after reclaim", n)
	}
}

func TestResolveContextCancellation(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{okResult()}}
	c, db := newTestCoordinator(t, fetcher, nil)

	if won, _ := db.TryClaim(context.Background(), 7, "other"); !won {
		t.Fatal("setup claim lost")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Resolve(ctx, testKillmail(7))
	if err == nil {
		t.Fatal("expected error on cancelled wait")
	}
}

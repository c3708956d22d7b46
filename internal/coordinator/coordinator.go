// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

// Package coordinator serializes detail fetches across every process
// sharing the store. The claim table is the only coordination channel:
// insert-if-absent decides the single fetcher, everyone else waits for
// the winner's detail row to appear.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/database"
	"github.com/kmwatch/killfeed/internal/esi"
	"github.com/kmwatch/killfeed/internal/logging"
	"github.com/kmwatch/killfeed/internal/metrics"
	"github.com/kmwatch/killfeed/internal/models"
)

// ErrDetailUnavailable: the detail could not be resolved right now.
// Callers proceed without detail; a later Resolve may succeed.
var ErrDetailUnavailable = errors.New("killmail detail unavailable")

// Fetcher is the upstream detail source. *esi.Client satisfies it.
type Fetcher interface {
	FetchDetail(ctx context.Context, killmailID int64, hash string) (*models.Detail, error)
}

// Coordinator resolves killmail details at most once per killmail,
// store-wide.
type Coordinator struct {
	db          *database.DB
	fetcher     Fetcher
	claimantID  string
	maxAttempts int
	cfg         *config.CoordinatorConfig
	log         zerolog.Logger
}

// New builds a coordinator. The claimant id is unique per coordinator
// instance so claim releases never race across restarts.
func New(db *database.DB, fetcher Fetcher, cfg *config.CoordinatorConfig, maxAttempts int) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	id := uuid.NewString()
	return &Coordinator{
		db:          db,
		fetcher:     fetcher,
		claimantID:  id,
		maxAttempts: maxAttempts,
		cfg:         cfg,
		log:         logging.With().Str("component", "coordinator").Str("claimant", id).Logger(),
	}
}

// ClaimantID returns this coordinator's claim identity.
func (c *Coordinator) ClaimantID() string { return c.claimantID }

// Resolve returns the detail row for a killmail, fetching it if this
// caller wins the claim, or waiting for the winner otherwise. The
// returned detail may be the unfetchable sentinel; callers check
// Sentinel() and degrade to a partial payload.
func (c *Coordinator) Resolve(ctx context.Context, km *models.Killmail) (*models.Detail, error) {
	// Fast path: someone already resolved it.
	d, err := c.db.GetDetail(ctx, km.KillmailID)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	won, err := c.db.TryClaim(ctx, km.KillmailID, c.claimantID)
	if err != nil {
		return nil, err
	}
	if won {
		return c.fetchAsWinner(ctx, km)
	}
	return c.waitForWinner(ctx, km)
}

// fetchAsWinner performs the single upstream fetch this killmail gets.
// The claim is always released on the way out; an unreleased claim
// would block every other claimant until the TTL reclaim.
func (c *Coordinator) fetchAsWinner(ctx context.Context, km *models.Killmail) (*models.Detail, error) {
	defer func() {
		// Release under a fresh context so shutdown cancellation does
		// not strand the claim for a full TTL.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.db.ReleaseClaim(relCtx, km.KillmailID, c.claimantID); err != nil {
			c.log.Warn().Err(err).Int64("killmail_id", km.KillmailID).Msg("failed to release claim")
		}
	}()

	d, err := c.fetcher.FetchDetail(ctx, km.KillmailID, km.DetailHash)
	if err == nil {
		metrics.DetailFetches.WithLabelValues("ok").Inc()
		if _, err := c.db.PutDetail(ctx, d); err != nil {
			return nil, err
		}
		if err := c.db.DeleteFetchAttempts(ctx, km.KillmailID); err != nil {
			c.log.Warn().Err(err).Int64("killmail_id", km.KillmailID).Msg("failed to clear fetch attempts")
		}
		return d, nil
	}

	if esi.Terminal(err) {
		// Retries cannot help; write the sentinel now.
		c.log.Info().Err(err).Int64("killmail_id", km.KillmailID).Msg("killmail unfetchable, writing sentinel")
		return c.writeSentinel(ctx, km.KillmailID)
	}

	count, aerr := c.db.IncrementFetchAttempt(ctx, km.KillmailID, err.Error())
	if aerr != nil {
		return nil, aerr
	}
	metrics.DetailFetches.WithLabelValues("transient_error").Inc()
	if count >= c.maxAttempts {
		c.log.Warn().Err(err).Int64("killmail_id", km.KillmailID).Int("attempts", count).
			Msg("fetch attempt limit reached, writing sentinel")
		return c.writeSentinel(ctx, km.KillmailID)
	}

	c.log.Debug().Err(err).Int64("killmail_id", km.KillmailID).Int("attempts", count).
		Msg("transient detail fetch failure")
	return nil, fmt.Errorf("%w: %v", ErrDetailUnavailable, err)
}

func (c *Coordinator) writeSentinel(ctx context.Context, killmailID int64) (*models.Detail, error) {
	sentinel := &models.Detail{
		KillmailID: killmailID,
		Status:     models.FetchUnfetchable,
		FetchedAt:  time.Now().UTC(),
	}
	if _, err := c.db.PutDetail(ctx, sentinel); err != nil {
		return nil, err
	}
	metrics.DetailFetches.WithLabelValues("unfetchable").Inc()
	if err := c.db.DeleteFetchAttempts(ctx, killmailID); err != nil {
		c.log.Warn().Err(err).Int64("killmail_id", killmailID).Msg("failed to clear fetch attempts")
	}
	// First write wins: if a racing claimant beat us, return theirs.
	return c.db.GetDetail(ctx, killmailID)
}

// waitForWinner polls for the claim winner's detail row with
// exponential backoff. If the claim goes stale before a row appears,
// the wait reclaims it and retries the whole Resolve path once.
func (c *Coordinator) waitForWinner(ctx context.Context, km *models.Killmail) (*models.Detail, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.WaitInitial
	bo.Multiplier = c.cfg.WaitMultiplier
	bo.MaxInterval = c.cfg.WaitMax
	bo.MaxElapsedTime = c.cfg.WaitTimeout
	bo.RandomizationFactor = 0.1

	ticker := backoff.WithContext(bo, ctx)
	for {
		wait := ticker.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		d, err := c.db.GetDetail(ctx, km.KillmailID)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}

		// No row yet. A claim past its TTL means the winner died
		// mid-fetch; take over.
		reclaimed, err := c.db.ReclaimStale(ctx, km.KillmailID, c.cfg.ClaimTTL)
		if err != nil {
			return nil, err
		}
		if reclaimed {
			c.log.Info().Int64("killmail_id", km.KillmailID).Msg("reclaimed stale fetch claim")
			won, err := c.db.TryClaim(ctx, km.KillmailID, c.claimantID)
			if err != nil {
				return nil, err
			}
			if won {
				return c.fetchAsWinner(ctx, km)
			}
			// Lost the reclaim race; keep waiting on the new winner.
		}
	}

	metrics.DetailWaitTimeouts.Inc()
	c.log.Warn().Int64("killmail_id", km.KillmailID).Dur("waited", c.cfg.WaitTimeout).
		Msg("timed out waiting for detail from claim winner")
	return nil, fmt.Errorf("%w: wait for claim winner timed out", ErrDetailUnavailable)
}

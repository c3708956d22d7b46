// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

// Package worker runs one notification worker per configured profile.
// Each worker polls the store on a time cursor with an overlap window,
// dedups against its delivery records, and pushes matching kills to its
// webhook, rolling bursts up into a single aggregate message.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/coordinator"
	"github.com/kmwatch/killfeed/internal/database"
	"github.com/kmwatch/killfeed/internal/delivery"
	"github.com/kmwatch/killfeed/internal/logging"
	"github.com/kmwatch/killfeed/internal/metrics"
	"github.com/kmwatch/killfeed/internal/models"
)

// Resolver enriches killmails before delivery. *coordinator.Coordinator
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, km *models.Killmail) (*models.Detail, error)
}

// Notifier delivers notifications. *delivery.Sender satisfies it.
type Notifier interface {
	SendKillmail(ctx context.Context, km *models.Killmail, detail *models.Detail) delivery.Outcome
	SendRollup(ctx context.Context, kms []models.Killmail) delivery.Outcome
}

// Worker is one profile's notification loop.
type Worker struct {
	profile  *config.ProfileConfig
	db       *database.DB
	resolver Resolver
	notifier Notifier

	// deliveryRetention caps lookback: delivery-dedup records older
	// than this are purged, so polling past it would re-deliver.
	deliveryRetention time.Duration

	// now is swappable for tests.
	now func() time.Time

	log zerolog.Logger
}

// New builds a worker for one profile.
func New(p *config.ProfileConfig, db *database.DB, resolver Resolver, notifier Notifier, deliveryRetention time.Duration) *Worker {
	return &Worker{
		profile:           p,
		db:                db,
		resolver:          resolver,
		notifier:          notifier,
		deliveryRetention: deliveryRetention,
		now:               func() time.Time { return time.Now().UTC() },
		log:               logging.With().Str("component", "worker").Str("worker", p.Name).Logger(),
	}
}

// Name returns the profile name keying this worker's store records.
func (w *Worker) Name() string { return w.profile.Name }

// PollInterval returns the worker's configured poll cadence.
func (w *Worker) PollInterval() time.Duration { return w.profile.PollInterval }

// Run polls until the context is cancelled. A failed cycle is logged
// and counted; the loop itself never exits on a cycle error.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Dur("poll_interval", w.profile.PollInterval).Msg("worker started")
	for {
		if err := w.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				w.log.Info().Msg("worker stopping")
				return ctx.Err()
			}
			w.log.Error().Err(err).Msg("poll cycle failed")
			if n, rerr := w.db.RecordPollFailure(ctx, w.profile.Name); rerr == nil && n > 1 {
				w.log.Warn().Int("consecutive_failures", n).Msg("repeated cycle failures")
			}
		}
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopping")
			return ctx.Err()
		case <-time.After(w.profile.PollInterval):
		}
	}
}

// Cycle runs one poll pass: query new kills from the cursor minus the
// overlap window, dedup, deliver (individually or rolled up), and
// advance the cursor.
func (w *Worker) Cycle(ctx context.Context) error {
	start := w.now()
	defer func() {
		metrics.WorkerCycleDuration.WithLabelValues(w.profile.Name).
			Observe(time.Since(start).Seconds())
	}()

	since, err := w.lookback(ctx, start)
	if err != nil {
		metrics.WorkerCycles.WithLabelValues(w.profile.Name, "error").Inc()
		return err
	}

	filter := models.Filter{
		Systems:  w.profile.Systems,
		Regions:  w.profile.Regions,
		MinValue: w.profile.MinValue,
	}
	kms, err := w.db.QuerySince(ctx, filter, since, w.profile.BatchSize)
	if err != nil {
		metrics.WorkerCycles.WithLabelValues(w.profile.Name, "error").Inc()
		return err
	}

	// Dedup: drop kills this worker has already finished with. Pending
	// records stay in; they are retry candidates.
	pending := make([]models.Killmail, 0, len(kms))
	for i := range kms {
		rec, err := w.db.GetDelivery(ctx, w.profile.Name, kms[i].KillmailID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			metrics.WorkerCycles.WithLabelValues(w.profile.Name, "error").Inc()
			return err
		}
		if rec != nil && rec.Final() {
			continue
		}
		pending = append(pending, kms[i])
	}

	if len(pending) == 0 {
		if err := w.db.TouchPoll(ctx, w.profile.Name); err != nil {
			return err
		}
		metrics.WorkerCycles.WithLabelValues(w.profile.Name, "ok").Inc()
		return nil
	}

	var processed time.Time
	var rateLimited bool
	if len(pending) >= w.profile.RollupThreshold {
		processed, rateLimited, err = w.deliverRollup(ctx, pending)
	} else {
		processed, rateLimited, err = w.deliverIndividually(ctx, pending)
	}
	if err != nil {
		metrics.WorkerCycles.WithLabelValues(w.profile.Name, "error").Inc()
		return err
	}

	// The cursor only covers kills actually handled this cycle; a
	// rate-limited cutoff leaves the rest for the next poll.
	if !processed.IsZero() {
		if err := w.db.AdvanceCheckpoint(ctx, w.profile.Name, processed); err != nil {
			return err
		}
	} else if err := w.db.TouchPoll(ctx, w.profile.Name); err != nil {
		return err
	}

	outcome := "ok"
	if rateLimited {
		outcome = "rate_limited"
	}
	metrics.WorkerCycles.WithLabelValues(w.profile.Name, outcome).Inc()
	return nil
}

// lookback computes the cycle's query start: cursor minus overlap,
// floored at the delivery-record retention horizon. Polling past the
// horizon would re-deliver everything whose dedup record was purged.
func (w *Worker) lookback(ctx context.Context, now time.Time) (time.Time, error) {
	var cursor time.Time
	cp, err := w.db.GetCheckpoint(ctx, w.profile.Name)
	switch {
	case errors.Is(err, database.ErrNotFound):
		// First run: only kills from startup onward.
		cursor = now
	case err != nil:
		return time.Time{}, err
	default:
		cursor = cp.LastProcessedTime
		if cursor.IsZero() || cursor.Unix() <= 0 {
			cursor = now
		}
	}

	since := cursor.Add(-w.profile.OverlapWindow)
	floor := now.Add(-w.deliveryRetention)
	if since.Before(floor) {
		w.log.Warn().Time("wanted", since).Time("capped_to", floor).
			Msg("lookback capped at delivery-record retention; kills before the cap may be missed or re-delivered")
		metrics.WorkerLookbackCapped.WithLabelValues(w.profile.Name).Inc()
		since = floor
	}
	return since, nil
}

// deliverRollup sends one aggregate message for a burst. Returns the
// max occurred_at covered, whether the cycle was rate limited, and any
// store error.
func (w *Worker) deliverRollup(ctx context.Context, pending []models.Killmail) (time.Time, bool, error) {
	batch := pending
	if len(batch) > w.profile.MaxRollupSize {
		batch = batch[:w.profile.MaxRollupSize]
	}

	switch w.notifier.SendRollup(ctx, batch) {
	case delivery.Delivered:
		ids := make([]int64, len(batch))
		var maxTime time.Time
		for i := range batch {
			ids[i] = batch[i].KillmailID
			if batch[i].OccurredAt.After(maxTime) {
				maxTime = batch[i].OccurredAt
			}
		}
		if err := w.db.MarkDeliveredBatch(ctx, w.profile.Name, ids); err != nil {
			return time.Time{}, false, err
		}
		w.log.Info().Int("kills", len(batch)).Msg("rollup delivered")
		return maxTime, false, nil
	case delivery.RateLimited:
		w.log.Debug().Msg("rollup rate limited, ending cycle")
		return time.Time{}, true, nil
	default:
		// One failed attempt for every kill in the batch.
		for i := range batch {
			if _, err := w.db.RecordDeliveryFailure(ctx, w.profile.Name,
				batch[i].KillmailID, w.profile.DeliveryAttempts); err != nil {
				return time.Time{}, false, err
			}
		}
		return time.Time{}, false, nil
	}
}

// deliverIndividually sends each pending kill, stopping the cycle on
// rate limit. Failed sends are recorded and retried on later cycles
// until the attempt cap.
func (w *Worker) deliverIndividually(ctx context.Context, pending []models.Killmail) (time.Time, bool, error) {
	var processed time.Time
	for i := range pending {
		km := &pending[i]

		var detail *models.Detail
		if w.profile.FetchDetail && w.resolver != nil {
			d, err := w.resolver.Resolve(ctx, km)
			switch {
			case err == nil:
				detail = d
			case errors.Is(err, coordinator.ErrDetailUnavailable):
				// Deliver the partial payload rather than hold the kill.
				w.log.Debug().Int64("killmail_id", km.KillmailID).Msg("delivering without detail")
			case ctx.Err() != nil:
				return processed, false, ctx.Err()
			default:
				return processed, false, err
			}
		}

		switch w.notifier.SendKillmail(ctx, km, detail) {
		case delivery.Delivered:
			if err := w.db.MarkDelivered(ctx, w.profile.Name, km.KillmailID); err != nil {
				return processed, false, err
			}
			if km.OccurredAt.After(processed) {
				processed = km.OccurredAt
			}
		case delivery.RateLimited:
			w.log.Debug().Int64("killmail_id", km.KillmailID).Msg("rate limited, ending cycle")
			return processed, true, nil
		default:
			status, err := w.db.RecordDeliveryFailure(ctx, w.profile.Name,
				km.KillmailID, w.profile.DeliveryAttempts)
			if err != nil {
				return processed, false, err
			}
			if status == models.DeliveryFailed {
				w.log.Warn().Int64("killmail_id", km.KillmailID).
					Int("attempts", w.profile.DeliveryAttempts).
					Msg("delivery abandoned after attempt limit")
				// Abandoned counts as handled for cursor purposes.
				if km.OccurredAt.After(processed) {
					processed = km.OccurredAt
				}
			}
			if !sleepCtx(ctx, w.profile.RetryDelay) {
				return processed, false, ctx.Err()
			}
		}
	}
	return processed, false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

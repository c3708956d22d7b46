// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package ingest

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/database"
	"github.com/kmwatch/killfeed/internal/logging"
	"github.com/kmwatch/killfeed/internal/metrics"
	"github.com/kmwatch/killfeed/internal/queue"
)

// Writer drains the ingest queue into batched store transactions.
// A failed batch is retried whole: the transaction guarantees no
// partial application, so the retry is safe and duplicate inserts on
// overlap are ignored by the store.
type Writer struct {
	cfg   *config.WriterConfig
	queue *queue.Queue
	db    *database.DB
	log   zerolog.Logger
}

// NewWriter builds the batched store writer.
func NewWriter(cfg *config.WriterConfig, q *queue.Queue, db *database.DB) *Writer {
	return &Writer{
		cfg:   cfg,
		queue: q,
		db:    db,
		log:   logging.With().Str("component", "writer").Logger(),
	}
}

// Run flushes on a fixed interval until the context is cancelled, then
// performs a final drain so shutdown loses nothing that was queued.
func (w *Writer) Run(ctx context.Context) error {
	w.log.Info().Dur("flush_interval", w.cfg.FlushInterval).Msg("store writer started")
	for {
		if !sleepCtx(ctx, w.cfg.FlushInterval) {
			w.finalFlush()
			return ctx.Err()
		}
		w.flush(ctx)
	}
}

func (w *Writer) flush(ctx context.Context) {
	batch := w.queue.Drain(w.cfg.MaxBatch)
	if len(batch) == 0 {
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.RetryDelay

	err := backoff.Retry(func() error {
		n, err := w.db.WriteBatch(ctx, batch)
		if err != nil {
			metrics.StoreBatchRetries.Inc()
			w.log.Warn().Err(err).Int("batch", len(batch)).Msg("batch write failed, retrying whole batch")
			return err
		}
		w.queue.MarkWritten(len(batch))
		if n < len(batch) {
			w.log.Debug().Int("batch", len(batch)).Int("inserted", n).Msg("batch contained duplicates")
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		w.log.Error().Err(err).Int("batch", len(batch)).Msg("batch write abandoned")
	}
}

// finalFlush runs outside the cancelled run context with a short
// deadline of its own.
func (w *Writer) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		batch := w.queue.Drain(w.cfg.MaxBatch)
		if len(batch) == 0 {
			return
		}
		if _, err := w.db.WriteBatch(ctx, batch); err != nil {
			w.log.Error().Err(err).Int("batch", len(batch)).Msg("final flush failed, events lost")
			return
		}
		w.queue.MarkWritten(len(batch))
	}
}

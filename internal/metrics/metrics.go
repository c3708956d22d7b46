// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

// Package metrics provides Prometheus instrumentation for the killfeed
// pipeline: ingest queue pressure, store writes, fetch coordination,
// worker cycles, and downstream delivery outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest queue metrics
	QueueReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_received_total",
			Help: "Total killmail events accepted by the ingest queue",
		},
	)

	QueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_dropped_total",
			Help: "Total events evicted from the ingest queue under saturation (drop-oldest)",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of events buffered in the ingest queue",
		},
	)

	// Store metrics
	StoreWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_events_written_total",
			Help: "Total killmail events committed to the store",
		},
	)

	StoreBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "store_batch_write_duration_seconds",
			Help:    "Duration of batched store write transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreBatchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_batch_retries_total",
			Help: "Total whole-batch write retries after a failed transaction",
		},
	)

	StoreQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_query_errors_total",
			Help: "Total store query errors",
		},
		[]string{"operation"},
	)

	// Fetch coordination metrics
	ClaimsWon = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "claims_won_total",
			Help: "Total detail-fetch claims won by this process",
		},
	)

	ClaimsLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "claims_lost_total",
			Help: "Total detail-fetch claim attempts lost to another claimant",
		},
	)

	ClaimReclaims = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "claim_reclaims_total",
			Help: "Total stale claims deleted and reacquired; sustained growth suggests claim_ttl is too low",
		},
	)

	DetailFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detail_fetches_total",
			Help: "Total upstream detail fetches by outcome",
		},
		[]string{"outcome"}, // "ok", "transient_error", "unfetchable"
	)

	DetailWaitTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "detail_wait_timeouts_total",
			Help: "Total claim-lost waits that timed out without a detail row appearing",
		},
	)

	// Worker metrics
	WorkerCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_cycles_total",
			Help: "Total worker poll cycles by outcome",
		},
		[]string{"worker", "outcome"}, // "ok", "error", "rate_limited"
	)

	WorkerCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_cycle_duration_seconds",
			Help:    "Duration of worker poll cycles",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"worker"},
	)

	WorkerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_restarts_total",
			Help: "Total worker restarts by cause",
		},
		[]string{"worker", "cause"}, // "crash", "stale"
	)

	WorkerLookbackCapped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_lookback_capped_total",
			Help: "Total poll cycles whose lookback was capped at the delivery-record retention",
		},
		[]string{"worker"},
	)

	// Delivery metrics
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_total",
			Help: "Total downstream delivery attempts by outcome",
		},
		[]string{"worker", "outcome"}, // "delivered", "rate_limited", "failed"
	)

	DeliveryRollups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_rollups_total",
			Help: "Total rollup messages sent in place of individual deliveries",
		},
		[]string{"worker"},
	)

	DeliveryRollupSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_rollup_size",
			Help:    "Number of killmails compressed into each rollup delivery",
			Buckets: []float64{5, 7, 10, 15, 20},
		},
	)

	// Upstream reader metrics
	UpstreamPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_polls_total",
			Help: "Total upstream long-poll requests by outcome",
		},
		[]string{"outcome"}, // "package", "empty", "error"
	)

	// Maintenance metrics
	PurgedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purged_rows_total",
			Help: "Total rows removed by retention purge, per table",
		},
		[]string{"table"},
	)

	MaintenanceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maintenance_duration_seconds",
			Help:    "Duration of maintenance passes (purge + index maintenance)",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60},
		},
	)
)

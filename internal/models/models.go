// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

// Package models defines the core domain records shared across the
// killfeed pipeline: killmail events, lazily-fetched detail records,
// fetch claims, worker checkpoints, and delivery-dedup records.
package models

import (
	"time"
)

// FetchStatus tags a detail record as real data or a permanent-failure
// sentinel. An explicit tag, not a magic timestamp: a sentinel row keeps
// a real FetchedAt.
type FetchStatus string

const (
	// FetchOK marks a detail record holding real fetched data.
	FetchOK FetchStatus = "ok"

	// FetchUnfetchable marks the sentinel written after the fetch
	// attempt limit is exhausted. No further upstream calls are made
	// for a killmail once its sentinel exists.
	FetchUnfetchable FetchStatus = "unfetchable"
)

// DeliveryStatus tracks a (worker, killmail) delivery record.
type DeliveryStatus string

const (
	// DeliveryPending marks an unfinished delivery that is still a
	// retry candidate on later poll cycles.
	DeliveryPending DeliveryStatus = "pending"

	// DeliveryDelivered marks a successful delivery. Final.
	DeliveryDelivered DeliveryStatus = "delivered"

	// DeliveryFailed marks a delivery abandoned after the attempt
	// limit. Final; the killmail is never re-delivered to this worker
	// while the record exists.
	DeliveryFailed DeliveryStatus = "failed"
)

// Killmail is one ingested kill notification. Immutable once written;
// purged by retention.
type Killmail struct {
	KillmailID int64 `json:"killmail_id"`
	SystemID   int64 `json:"system_id"`
	RegionID   int64 `json:"region_id,omitempty"`

	// OccurredAt is the kill time assigned upstream. Killmail IDs are
	// not ordered by arrival, so all store queries key on
	// (occurred_at, killmail_id).
	OccurredAt time.Time `json:"occurred_at"`

	VictimCharacterID   int64 `json:"victim_character_id,omitempty"`
	VictimCorporationID int64 `json:"victim_corporation_id,omitempty"`
	VictimShipTypeID    int64 `json:"victim_ship_type_id"`

	AttackerCount        int   `json:"attacker_count"`
	FinalBlowCharacterID int64 `json:"final_blow_character_id,omitempty"`

	TotalValue float64 `json:"total_value"`

	// DetailHash is the verification token required by the detail API.
	DetailHash string `json:"detail_hash"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Detail is the lazily-fetched enrichment of a killmail. Exactly one
// detail row (real or sentinel) exists per killmail once resolved.
type Detail struct {
	KillmailID int64       `json:"killmail_id"`
	Status     FetchStatus `json:"fetch_status"`

	// Attackers and Items are raw JSON payloads from the detail API.
	// Empty for sentinel rows.
	Attackers []byte `json:"attackers,omitempty"`
	Items     []byte `json:"items,omitempty"`

	FetchedAt time.Time `json:"fetched_at"`
}

// Sentinel reports whether this detail row marks a permanent fetch failure.
func (d *Detail) Sentinel() bool {
	return d.Status == FetchUnfetchable
}

// FetchAttempt tracks failed fetches for a killmail before first
// success. Deleted on success or sentinel insertion.
type FetchAttempt struct {
	KillmailID int64
	Count      int
	LastError  string
	UpdatedAt  time.Time
}

// Claim is the mutual-exclusion token for a detail fetch. At most one
// claimant holds a claim per killmail; claims older than the configured
// TTL with no detail row are presumed abandoned.
type Claim struct {
	KillmailID int64
	ClaimantID string
	ClaimedAt  time.Time
}

// Checkpoint is a worker's persisted resume position.
type Checkpoint struct {
	WorkerID string

	// LastProcessedTime is monotonically non-decreasing across cycles.
	LastProcessedTime time.Time

	LastPollAt          time.Time
	ConsecutiveFailures int
}

// DeliveryRecord dedups and audits a (worker, killmail) delivery.
// Retained for a short window: long enough to dedupe re-polled events,
// short enough to bound storage.
type DeliveryRecord struct {
	WorkerID   string
	KillmailID int64
	Status     DeliveryStatus
	Attempts   int
	UpdatedAt  time.Time
}

// Final reports whether the record blocks further delivery attempts.
func (r *DeliveryRecord) Final() bool {
	return r.Status == DeliveryDelivered || r.Status == DeliveryFailed
}

// Filter selects killmails for store queries. Zero values match all.
type Filter struct {
	Systems  []int64
	Regions  []int64
	Since    time.Time
	Until    time.Time
	MinValue float64
	Limit    int
}

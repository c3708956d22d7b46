// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package models

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// APIResponse is the standard success envelope for the query API.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError carries a machine-readable code and human-readable message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// KillmailCursor is the keyset cursor for killmail pagination.
//
// Pagination orders by (occurred_at DESC, killmail_id DESC); the cursor
// carries the last row of the previous page. Keyset pagination stays
// correct under concurrent writes, unlike numeric offsets.
//
// Wire format: base64-encoded JSON, opaque to clients.
type KillmailCursor struct {
	OccurredAt time.Time `json:"occurred_at"`
	KillmailID int64     `json:"killmail_id"`
}

// Encode serializes the cursor for API transport.
func (c *KillmailCursor) Encode() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor parses a base64 cursor string from a request.
func DecodeCursor(encoded string) (*KillmailCursor, error) {
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	var c KillmailCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor payload: %w", err)
	}
	if c.OccurredAt.IsZero() {
		return nil, fmt.Errorf("invalid cursor: missing occurred_at")
	}
	return &c, nil
}

// KillmailsResponse is the paginated killmail list payload.
type KillmailsResponse struct {
	Killmails  []Killmail `json:"killmails"`
	Count      int        `json:"count"`
	HasMore    bool       `json:"has_more"`
	NextCursor *string    `json:"next_cursor,omitempty"`
}

// StatsResponse summarizes pipeline state for dashboards.
type StatsResponse struct {
	TotalKillmails    int64     `json:"total_killmails"`
	TotalDetails      int64     `json:"total_details"`
	UnfetchableCount  int64     `json:"unfetchable_count"`
	PendingClaims     int64     `json:"pending_claims"`
	OldestKillmail    time.Time `json:"oldest_killmail,omitempty"`
	NewestKillmail    time.Time `json:"newest_killmail,omitempty"`
	SchemaVersion     int       `json:"schema_version"`
	QueueDepth        int       `json:"queue_depth"`
	QueueDroppedTotal uint64    `json:"queue_dropped_total"`
}

// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

// Package esi fetches full killmail detail from the upstream detail API.
// Clients distinguish terminal failures (the killmail can never be
// fetched) from transient ones; only the fetch coordinator decides what
// to do with either.
package esi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/models"
)

// Terminal fetch errors. A fetch ending in one of these will never
// succeed on retry, so the coordinator writes the sentinel immediately
// instead of burning attempts.
var (
	// ErrKillmailNotFound: the upstream has no killmail for the id/hash.
	ErrKillmailNotFound = errors.New("killmail not found upstream")

	// ErrKillmailForbidden: the hash does not verify for the id.
	ErrKillmailForbidden = errors.New("killmail hash rejected upstream")
)

// Terminal reports whether err is a permanent fetch failure.
func Terminal(err error) bool {
	return errors.Is(err, ErrKillmailNotFound) || errors.Is(err, ErrKillmailForbidden)
}

const maxDetailBody = 4 << 20 // 4 MiB, largest observed killmails are ~1 MiB

// Client fetches killmail details over HTTP.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

// NewClient builds a detail client from config.
func NewClient(cfg *config.ESIConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		http:      &http.Client{Timeout: timeout},
	}
}

// detailPayload mirrors the upstream killmail document. Attackers and
// items stay raw: the store persists them verbatim and only delivery
// formatting ever looks inside.
type detailPayload struct {
	KillmailID   int64           `json:"killmail_id"`
	KillmailTime time.Time       `json:"killmail_time"`
	Attackers    json.RawMessage `json:"attackers"`
	Victim       struct {
		Items json.RawMessage `json:"items"`
	} `json:"victim"`
}

// FetchDetail retrieves the full killmail document for (id, hash).
// Returns a terminal error for 404/403/422, a transient error for
// anything else that fails.
func (c *Client) FetchDetail(ctx context.Context, killmailID int64, hash string) (*models.Detail, error) {
	url := fmt.Sprintf("%s/killmails/%d/%s/", c.baseURL, killmailID, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build detail request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detail request for %d failed: %w", killmailID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusNotFound:
		return nil, fmt.Errorf("killmail %d: %w", killmailID, ErrKillmailNotFound)
	case http.StatusForbidden, http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("killmail %d: %w", killmailID, ErrKillmailForbidden)
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, fmt.Errorf("detail request for %d returned status %d", killmailID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDetailBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read detail body for %d: %w", killmailID, err)
	}

	var payload detailPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode detail for %d: %w", killmailID, err)
	}
	if payload.KillmailID != killmailID {
		return nil, fmt.Errorf("detail response id mismatch: asked %d, got %d", killmailID, payload.KillmailID)
	}

	d := &models.Detail{
		KillmailID: killmailID,
		Status:     models.FetchOK,
		Attackers:  payload.Attackers,
		Items:      payload.Victim.Items,
		FetchedAt:  time.Now().UTC(),
	}
	if d.Attackers == nil {
		d.Attackers = []byte(`[]`)
	}
	if d.Items == nil {
		d.Items = []byte(`[]`)
	}
	return d, nil
}

// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

// Package delivery posts killmail notifications to per-profile webhook
// endpoints. Outcomes are classified for the worker: delivered,
// rate-limited (stop the cycle, retry later), or failed (count against
// the delivery attempt cap).
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/logging"
	"github.com/kmwatch/killfeed/internal/metrics"
	"github.com/kmwatch/killfeed/internal/models"
)

// Outcome classifies one delivery attempt.
type Outcome int

const (
	// Delivered: the endpoint accepted the notification.
	Delivered Outcome = iota

	// RateLimited: the local limiter or the endpoint (429) pushed back.
	// Not a failure; the worker stops the cycle and retries next poll.
	RateLimited

	// Failed: the attempt counts against the profile's attempt cap.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case RateLimited:
		return "rate_limited"
	default:
		return "failed"
	}
}

// Sender delivers notifications for one profile.
type Sender struct {
	profile *config.ProfileConfig
	limiter *rate.Limiter
	http    *http.Client
	log     zerolog.Logger
}

// NewSender builds a sender for a profile. The rate limiter is local
// and conservative; the endpoint's own 429s are honored on top of it.
func NewSender(p *config.ProfileConfig) *Sender {
	return &Sender{
		profile: p,
		limiter: rate.NewLimiter(rate.Limit(p.RatePerMinute/60.0), 1),
		http:    &http.Client{Timeout: p.DeliveryTimeout},
		log:     logging.With().Str("component", "delivery").Str("worker", p.Name).Logger(),
	}
}

// webhookPayload is the Discord-compatible message shape.
type webhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds,omitempty"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

const killColor = 0xc0392b

// SendKillmail posts a single-killmail notification. A nil or sentinel
// detail produces a partial payload; delivery never blocks on detail.
func (s *Sender) SendKillmail(ctx context.Context, km *models.Killmail, detail *models.Detail) Outcome {
	return s.post(ctx, s.formatSingle(km, detail))
}

// SendRollup posts one aggregate notification covering several kills.
func (s *Sender) SendRollup(ctx context.Context, kms []models.Killmail) Outcome {
	outcome := s.post(ctx, s.formatRollup(kms))
	if outcome == Delivered {
		metrics.DeliveryRollups.WithLabelValues(s.profile.Name).Inc()
		metrics.DeliveryRollupSize.Observe(float64(len(kms)))
	}
	return outcome
}

func (s *Sender) post(ctx context.Context, payload webhookPayload) Outcome {
	if !s.limiter.Allow() {
		metrics.Deliveries.WithLabelValues(s.profile.Name, "rate_limited").Inc()
		return RateLimited
	}

	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode webhook payload")
		metrics.Deliveries.WithLabelValues(s.profile.Name, "failed").Inc()
		return Failed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.profile.WebhookURL, bytes.NewReader(body))
	if err != nil {
		metrics.Deliveries.WithLabelValues(s.profile.Name, "failed").Inc()
		return Failed
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Msg("webhook request failed")
		metrics.Deliveries.WithLabelValues(s.profile.Name, "failed").Inc()
		return Failed
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.Deliveries.WithLabelValues(s.profile.Name, "delivered").Inc()
		return Delivered
	case resp.StatusCode == http.StatusTooManyRequests:
		s.log.Debug().Msg("webhook endpoint rate limited")
		metrics.Deliveries.WithLabelValues(s.profile.Name, "rate_limited").Inc()
		return RateLimited
	default:
		s.log.Warn().Int("status", resp.StatusCode).Msg("webhook rejected notification")
		metrics.Deliveries.WithLabelValues(s.profile.Name, "failed").Inc()
		return Failed
	}
}

func (s *Sender) formatSingle(km *models.Killmail, detail *models.Detail) webhookPayload {
	e := embed{
		Title:     fmt.Sprintf("Kill in system %d", km.SystemID),
		URL:       fmt.Sprintf("https://zkillboard.com/kill/%d/", km.KillmailID),
		Timestamp: km.OccurredAt.UTC().Format(time.RFC3339),
		Color:     killColor,
		Fields: []embedField{
			{Name: "Value", Value: formatISK(km.TotalValue), Inline: true},
			{Name: "Attackers", Value: fmt.Sprintf("%d", km.AttackerCount), Inline: true},
		},
	}
	if km.VictimShipTypeID != 0 {
		e.Fields = append(e.Fields, embedField{
			Name: "Ship", Value: fmt.Sprintf("%d", km.VictimShipTypeID), Inline: true,
		})
	}
	if detail == nil || detail.Sentinel() {
		e.Description = "Detail unavailable"
	}
	return webhookPayload{Embeds: []embed{e}}
}

func (s *Sender) formatRollup(kms []models.Killmail) webhookPayload {
	var total float64
	first, last := kms[0].OccurredAt, kms[0].OccurredAt
	for _, km := range kms {
		total += km.TotalValue
		if km.OccurredAt.Before(first) {
			first = km.OccurredAt
		}
		if km.OccurredAt.After(last) {
			last = km.OccurredAt
		}
	}
	e := embed{
		Title:       fmt.Sprintf("%d kills matched", len(kms)),
		Description: fmt.Sprintf("Between %s and %s", first.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339)),
		Color:       killColor,
		Fields: []embedField{
			{Name: "Total value", Value: formatISK(total), Inline: true},
		},
	}
	return webhookPayload{
		Content: fmt.Sprintf("High activity: %d kills in one poll window", len(kms)),
		Embeds:  []embed{e},
	}
}

func formatISK(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%.2fb ISK", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%.2fm ISK", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%.1fk ISK", v/1e3)
	default:
		return fmt.Sprintf("%.0f ISK", v)
	}
}

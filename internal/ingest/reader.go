// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

// Package ingest moves killmails from the upstream long-poll feed into
// the store: a reader that polls the RedisQ-style endpoint and enqueues
// events, and a writer that drains the queue into batched transactions.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/logging"
	"github.com/kmwatch/killfeed/internal/metrics"
	"github.com/kmwatch/killfeed/internal/models"
	"github.com/kmwatch/killfeed/internal/queue"
)

const maxPackageBody = 2 << 20

// Reader long-polls the upstream killmail feed and enqueues events.
// The queue never blocks the reader; under saturation the oldest
// queued event is dropped.
type Reader struct {
	cfg     *config.UpstreamConfig
	queue   *queue.Queue
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*redisqPackage]
	log     zerolog.Logger
}

// NewReader builds the upstream reader.
func NewReader(cfg *config.UpstreamConfig, q *queue.Queue) *Reader {
	log := logging.With().Str("component", "reader").Logger()

	failureThreshold := cfg.BreakerFailureThreshold
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	openTimeout := cfg.BreakerOpenTimeout
	if openTimeout == 0 {
		openTimeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker[*redisqPackage](gobreaker.Settings{
		Name:    "upstream",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).
				Msg("upstream circuit breaker state change")
		},
	})

	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 2
	}
	return &Reader{
		cfg:     cfg,
		queue:   q,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		breaker: breaker,
		log:     log,
	}
}

// Run polls until the context is cancelled. Poll errors are absorbed:
// the reader logs, backs off through the breaker, and keeps going.
func (r *Reader) Run(ctx context.Context) error {
	r.log.Info().Str("url", r.cfg.URL).Msg("upstream reader started")
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		pkg, err := r.breaker.Execute(func() (*redisqPackage, error) {
			return r.poll(ctx)
		})
		switch {
		case ctx.Err() != nil:
			r.log.Info().Msg("upstream reader stopping")
			return ctx.Err()
		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.UpstreamPolls.WithLabelValues("error").Inc()
			if !sleepCtx(ctx, r.cfg.PollInterval) {
				return ctx.Err()
			}
		case err != nil:
			metrics.UpstreamPolls.WithLabelValues("error").Inc()
			r.log.Warn().Err(err).Msg("upstream poll failed")
			if !sleepCtx(ctx, r.cfg.PollInterval) {
				return ctx.Err()
			}
		case pkg == nil:
			// Long poll expired with no data; poll again after a pause.
			metrics.UpstreamPolls.WithLabelValues("empty").Inc()
			if !sleepCtx(ctx, r.cfg.PollInterval) {
				return ctx.Err()
			}
		default:
			metrics.UpstreamPolls.WithLabelValues("package").Inc()
			km, err := pkg.toKillmail()
			if err != nil {
				r.log.Warn().Err(err).Int64("killmail_id", pkg.KillID).Msg("discarding malformed package")
				continue
			}
			if !r.queue.Put(km) {
				r.log.Debug().Int64("killmail_id", km.KillmailID).Msg("queue full, oldest event dropped")
			}
		}
	}
}

// redisqPackage mirrors the upstream long-poll envelope.
type redisqPackage struct {
	KillID   int64 `json:"killID"`
	Killmail struct {
		KillmailID   int64     `json:"killmail_id"`
		KillmailTime time.Time `json:"killmail_time"`
		SolarSystem  int64     `json:"solar_system_id"`
		Victim       struct {
			CharacterID   int64 `json:"character_id"`
			CorporationID int64 `json:"corporation_id"`
			ShipTypeID    int64 `json:"ship_type_id"`
		} `json:"victim"`
		Attackers []struct {
			CharacterID int64 `json:"character_id"`
			FinalBlow   bool  `json:"final_blow"`
		} `json:"attackers"`
	} `json:"killmail"`
	Zkb struct {
		Hash       string  `json:"hash"`
		TotalValue float64 `json:"totalValue"`
		RegionID   int64   `json:"regionID"`
	} `json:"zkb"`
}

func (p *redisqPackage) toKillmail() (models.Killmail, error) {
	km := models.Killmail{
		KillmailID:          p.Killmail.KillmailID,
		SystemID:            p.Killmail.SolarSystem,
		RegionID:            p.Zkb.RegionID,
		OccurredAt:          p.Killmail.KillmailTime.UTC(),
		VictimCharacterID:   p.Killmail.Victim.CharacterID,
		VictimCorporationID: p.Killmail.Victim.CorporationID,
		VictimShipTypeID:    p.Killmail.Victim.ShipTypeID,
		AttackerCount:       len(p.Killmail.Attackers),
		TotalValue:          p.Zkb.TotalValue,
		DetailHash:          p.Zkb.Hash,
	}
	if km.KillmailID == 0 {
		km.KillmailID = p.KillID
	}
	for _, a := range p.Killmail.Attackers {
		if a.FinalBlow {
			km.FinalBlowCharacterID = a.CharacterID
			break
		}
	}
	if km.KillmailID == 0 {
		return km, fmt.Errorf("package has no killmail id")
	}
	if km.OccurredAt.IsZero() {
		return km, fmt.Errorf("killmail %d has no kill time", km.KillmailID)
	}
	if km.DetailHash == "" {
		return km, fmt.Errorf("killmail %d has no detail hash", km.KillmailID)
	}
	return km, nil
}

// poll issues one long-poll request. A nil package with nil error means
// the window expired empty.
func (r *Reader) poll(ctx context.Context) (*redisqPackage, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	q := u.Query()
	if r.cfg.QueueID != "" {
		q.Set("queueID", r.cfg.QueueID)
	}
	q.Set("ttw", fmt.Sprintf("%d", int(r.cfg.PollTimeout.Seconds())))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build poll request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPackageBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read poll body: %w", err)
	}

	var envelope struct {
		Package *redisqPackage `json:"package"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode poll response: %w", err)
	}
	return envelope.Package, nil
}

// sleepCtx pauses for d, returning false if the context ended first.
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

// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/database"
	"github.com/kmwatch/killfeed/internal/logging"
	"github.com/kmwatch/killfeed/internal/models"
	"github.com/kmwatch/killfeed/internal/queue"
	"github.com/kmwatch/killfeed/internal/supervisor"
)

// WorkerReporter exposes worker supervision state to the API.
// *supervisor.WorkerSupervisor satisfies it.
type WorkerReporter interface {
	Statuses(ctx context.Context) []supervisor.WorkerStatus
}

// Handler implements the query API endpoints.
type Handler struct {
	db      *database.DB
	queue   *queue.Queue
	workers WorkerReporter
	cfg     *config.APIConfig
	log     zerolog.Logger
}

// NewHandler builds the API handler.
func NewHandler(db *database.DB, q *queue.Queue, workers WorkerReporter, cfg *config.APIConfig) *Handler {
	return &Handler{
		db:      db,
		queue:   q,
		workers: workers,
		cfg:     cfg,
		log:     logging.With().Str("component", "api").Logger(),
	}
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady reports readiness: the store must answer queries.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if _, err := h.db.GetCurrentSchemaVersion(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "store is not answering queries")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Killmails lists killmails newest-first with cursor pagination.
//
// Query parameters: systems, regions (comma-separated ids), since,
// until (RFC 3339), min_value, limit, cursor.
func (h *Handler) Killmails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := models.Filter{Limit: h.cfg.DefaultPageSize}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		if limit > h.cfg.MaxPageSize {
			limit = h.cfg.MaxPageSize
		}
		filter.Limit = limit
	}

	var err error
	if filter.Systems, err = parseIDList(q.Get("systems")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_systems", "systems must be comma-separated integers")
		return
	}
	if filter.Regions, err = parseIDList(q.Get("regions")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_regions", "regions must be comma-separated integers")
		return
	}
	if raw := q.Get("since"); raw != "" {
		if filter.Since, err = time.Parse(time.RFC3339, raw); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_since", "since must be RFC 3339")
			return
		}
	}
	if raw := q.Get("until"); raw != "" {
		if filter.Until, err = time.Parse(time.RFC3339, raw); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_until", "until must be RFC 3339")
			return
		}
	}
	if raw := q.Get("min_value"); raw != "" {
		if filter.MinValue, err = strconv.ParseFloat(raw, 64); err != nil || filter.MinValue < 0 {
			respondError(w, http.StatusBadRequest, "invalid_min_value", "min_value must be a non-negative number")
			return
		}
	}

	var cursor *models.KillmailCursor
	if raw := q.Get("cursor"); raw != "" {
		if cursor, err = models.DecodeCursor(raw); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_cursor", "cursor is malformed")
			return
		}
	}

	kms, next, hasMore, err := h.db.QueryKillmails(r.Context(), filter, cursor)
	if err != nil {
		h.log.Error().Err(err).Msg("killmail query failed")
		respondError(w, http.StatusInternalServerError, "query_failed", "failed to query killmails")
		return
	}

	resp := models.KillmailsResponse{Killmails: kms, Count: len(kms), HasMore: hasMore}
	if next != nil {
		encoded := next.Encode()
		resp.NextCursor = &encoded
	}
	respondJSON(w, http.StatusOK, resp)
}

// Killmail returns a single killmail by id.
func (h *Handler) Killmail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	km, err := h.db.GetKillmail(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "killmail not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("killmail_id", id).Msg("killmail lookup failed")
		respondError(w, http.StatusInternalServerError, "query_failed", "failed to load killmail")
		return
	}
	respondJSON(w, http.StatusOK, km)
}

// KillmailDetail returns the fetched detail for a killmail. 404 covers
// both an unknown killmail and a detail not fetched yet; the sentinel
// maps to 410: the detail is known to be permanently unavailable.
func (h *Handler) KillmailDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := h.db.GetDetail(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "detail not available yet")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("killmail_id", id).Msg("detail lookup failed")
		respondError(w, http.StatusInternalServerError, "query_failed", "failed to load detail")
		return
	}
	if d.Sentinel() {
		respondError(w, http.StatusGone, "unfetchable", "detail is permanently unavailable")
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// Stats returns store-wide counts plus live queue counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.db.Stats(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("stats query failed")
		respondError(w, http.StatusInternalServerError, "query_failed", "failed to load stats")
		return
	}
	if h.queue != nil {
		qs := h.queue.Stats()
		s.QueueDepth = qs.Depth
		s.QueueDroppedTotal = qs.Dropped
	}
	respondJSON(w, http.StatusOK, s)
}

// Workers reports supervision state per notification worker.
func (h *Handler) Workers(w http.ResponseWriter, r *http.Request) {
	if h.workers == nil {
		respondJSON(w, http.StatusOK, []supervisor.WorkerStatus{})
		return
	}
	respondJSON(w, http.StatusOK, h.workers.Statuses(r.Context()))
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_id", "killmail id must be a positive integer")
		return 0, false
	}
	return id, true
}

func parseIDList(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

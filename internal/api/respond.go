// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/kmwatch/killfeed/internal/models"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.APIResponse{Success: true, Data: data}) //nolint:errcheck
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.APIResponse{ //nolint:errcheck
		Success: false,
		Error:   &models.APIError{Code: code, Message: message},
	})
}

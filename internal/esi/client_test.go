// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package esi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/models"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient(&config.ESIConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 5 * time.Second,
		UserAgent:      "killfeed-test",
	})
	return c, srv
}

func TestFetchDetailOK(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/killmails/123/deadbeef/" {
			t.Errorf("path = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"killmail_id": 123,
			"killmail_time": "2026-08-01T12:00:00Z",
			"attackers": [{"character_id": 9}],
			"victim": {"items": [{"item_type_id": 34}]}
		}`))
	})
	defer srv.Close()

	d, err := c.FetchDetail(context.Background(), 123, "deadbeef")
	if err != nil {
		t.Fatalf("FetchDetail: %v", err)
	}
	if d.Status != models.FetchOK {
		t.Errorf("status = %q", d.Status)
	}
	if string(d.Attackers) != `[{"character_id": 9}]` {
		t.Errorf("attackers = %s", d.Attackers)
	}
	if string(d.Items) != `[{"item_type_id": 34}]` {
		t.Errorf("items = %s", d.Items)
	}
}

func TestFetchDetailTerminalStatuses(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrKillmailNotFound},
		{http.StatusForbidden, ErrKillmailForbidden},
		{http.StatusUnprocessableEntity, ErrKillmailForbidden},
	}
	for _, tc := range tests {
		c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := c.FetchDetail(context.Background(), 1, "x")
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
		if !Terminal(err) {
			t.Errorf("status %d: not classified terminal", tc.status)
		}
	}
}

func TestFetchDetailTransientStatus(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()

	_, err := c.FetchDetail(context.Background(), 1, "x")
	if err == nil {
		t.Fatal("expected error on 502")
	}
	if Terminal(err) {
		t.Error("502 classified terminal, want transient")
	}
}

func TestFetchDetailIDMismatch(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"killmail_id": 999, "victim": {}}`))
	})
	defer srv.Close()

	if _, err := c.FetchDetail(context.Background(), 1, "x"); err == nil {
		t.Fatal("expected error on id mismatch")
	}
}

func TestFetchDetailEmptyCollections(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"killmail_id": 5, "victim": {}}`))
	})
	defer srv.Close()

	d, err := c.FetchDetail(context.Background(), 5, "x")
	if err != nil {
		t.Fatalf("FetchDetail: %v", err)
	}
	if string(d.Attackers) != `[]` || string(d.Items) != `[]` {
		t.Errorf("empty collections = %s / %s, want []/[]", d.Attackers, d.Items)
	}
}

// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/kmwatch/killfeed/internal/config"
	"github.com/kmwatch/killfeed/internal/models"
)

func testProfile(url string) *config.ProfileConfig {
	p := &config.ProfileConfig{
		Name:       "test",
		WebhookURL: url,
	}
	p.ApplyDefaults()
	p.RatePerMinute = 6000 // effectively unlimited for tests
	return p
}

func testKillmail(id int64, value float64) models.Killmail {
	return models.Killmail{
		KillmailID:       id,
		SystemID:         30000142,
		OccurredAt:       time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC),
		VictimShipTypeID: 670,
		AttackerCount:    3,
		TotalValue:       value,
	}
}

func TestSendKillmailDelivered(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewSender(testProfile(srv.URL))
	km := testKillmail(1, 150_000_000)
	detail := &models.Detail{KillmailID: 1, Status: models.FetchOK}

	if out := s.SendKillmail(context.Background(), &km, detail); out != Delivered {
		t.Fatalf("outcome = %v, want Delivered", out)
	}
	if len(got.Embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(got.Embeds))
	}
	if got.Embeds[0].Description == "Detail unavailable" {
		t.Error("full detail rendered as unavailable")
	}
}

func TestSendKillmailPartialPayloadOnSentinel(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got) //nolint:errcheck
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(testProfile(srv.URL))
	km := testKillmail(2, 1000)
	sentinel := &models.Detail{KillmailID: 2, Status: models.FetchUnfetchable}

	if out := s.SendKillmail(context.Background(), &km, sentinel); out != Delivered {
		t.Fatalf("outcome = %v, want Delivered", out)
	}
	if got.Embeds[0].Description != "Detail unavailable" {
		t.Errorf("description = %q, want partial-payload marker", got.Embeds[0].Description)
	}
}

func TestSendKillmailEndpointRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewSender(testProfile(srv.URL))
	km := testKillmail(3, 1000)
	if out := s.SendKillmail(context.Background(), &km, nil); out != RateLimited {
		t.Errorf("outcome = %v, want RateLimited on 429", out)
	}
}

func TestSendKillmailLocalRateLimit(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := testProfile(srv.URL)
	p.RatePerMinute = 60 // 1/s, burst 1
	s := NewSender(p)
	km := testKillmail(4, 1000)

	if out := s.SendKillmail(context.Background(), &km, nil); out != Delivered {
		t.Fatalf("first send = %v, want Delivered", out)
	}
	if out := s.SendKillmail(context.Background(), &km, nil); out != RateLimited {
		t.Errorf("second send = %v, want RateLimited (local limiter)", out)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("endpoint calls = %d, want 1 (limited send never hits the wire)", n)
	}
}

func TestSendKillmailServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSender(testProfile(srv.URL))
	km := testKillmail(5, 1000)
	if out := s.SendKillmail(context.Background(), &km, nil); out != Failed {
		t.Errorf("outcome = %v, want Failed on 500", out)
	}
}

func TestSendRollup(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got) //nolint:errcheck
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(testProfile(srv.URL))
	kms := []models.Killmail{
		testKillmail(1, 1e9),
		testKillmail(2, 2e9),
		testKillmail(3, 500e6),
		testKillmail(4, 100e6),
		testKillmail(5, 10e6),
	}
	if out := s.SendRollup(context.Background(), kms); out != Delivered {
		t.Fatalf("outcome = %v, want Delivered", out)
	}
	if got.Content == "" {
		t.Error("rollup content empty")
	}
	if got.Embeds[0].Title != "5 kills matched" {
		t.Errorf("title = %q", got.Embeds[0].Title)
	}
	if got.Embeds[0].Fields[0].Value != "3.61b ISK" {
		t.Errorf("total value = %q, want 3.61b ISK", got.Embeds[0].Fields[0].Value)
	}
}

func TestFormatISK(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{500, "500 ISK"},
		{12_500, "12.5k ISK"},
		{3_400_000, "3.40m ISK"},
		{2_150_000_000, "2.15b ISK"},
	}
	for _, tc := range tests {
		if got := formatISK(tc.in); got != tc.want {
			t.Errorf("formatISK(%g) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package models

import (
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	orig := &KillmailCursor{
		OccurredAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		KillmailID: 128934771,
	}

	encoded := orig.Encode()
	if encoded == "" {
		t.Fatal("Encode returned empty string")
	}

	decoded, err := DecodeCursor(encoded)
	if err != nil {
		t.Fatalf("DecodeCursor failed: %v", err)
	}
	if !decoded.OccurredAt.Equal(orig.OccurredAt) {
		t.Errorf("OccurredAt = %v, want %v", decoded.OccurredAt, orig.OccurredAt)
	}
	if decoded.KillmailID != orig.KillmailID {
		t.Errorf("KillmailID = %d, want %d", decoded.KillmailID, orig.KillmailID)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	cases := []string{
		"not base64 at all!!!",
		"aGVsbG8=",          // valid base64, not JSON
		"e30=",              // "{}" - missing occurred_at
	}
	for _, in := range cases {
		if _, err := DecodeCursor(in); err == nil {
			t.Errorf("DecodeCursor(%q) succeeded, want error", in)
		}
	}
}

func TestDetailSentinel(t *testing.T) {
	real := Detail{KillmailID: 1, Status: FetchOK, FetchedAt: time.Now()}
	if real.Sentinel() {
		t.Error("ok detail reported as sentinel")
	}
	sentinel := Detail{KillmailID: 2, Status: FetchUnfetchable, FetchedAt: time.Now()}
	if !sentinel.Sentinel() {
		t.Error("unfetchable detail not reported as sentinel")
	}
}

func TestDeliveryRecordFinal(t *testing.T) {
	tests := []struct {
		status DeliveryStatus
		final  bool
	}{
		{DeliveryPending, false},
		{DeliveryDelivered, true},
		{DeliveryFailed, true},
	}
	for _, tt := range tests {
		r := DeliveryRecord{Status: tt.status}
		if r.Final() != tt.final {
			t.Errorf("Final() for %q = %v, want %v", tt.status, r.Final(), tt.final)
		}
	}
}

// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestDefaultValues(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Queue.Capacity != 1000 {
		t.Errorf("queue.capacity default = %d, want 1000", cfg.Queue.Capacity)
	}
	if cfg.Store.Retention != 168*time.Hour {
		t.Errorf("store.retention default = %s, want 168h", cfg.Store.Retention)
	}
	if cfg.Store.DeliveryRetention != time.Hour {
		t.Errorf("store.delivery_retention default = %s, want 1h", cfg.Store.DeliveryRetention)
	}
	if cfg.Coordinator.ClaimTTL != 60*time.Second {
		t.Errorf("coordinator.claim_ttl default = %s, want 60s", cfg.Coordinator.ClaimTTL)
	}
	if cfg.API.DefaultPageSize != 50 || cfg.API.MaxPageSize != 200 {
		t.Errorf("api page sizes = %d/%d, want 50/200", cfg.API.DefaultPageSize, cfg.API.MaxPageSize)
	}
}

func TestProfileDefaults(t *testing.T) {
	p := ProfileConfig{Name: "test", WebhookURL: "https://example.com/hook"}
	p.ApplyDefaults()

	if p.PollInterval != 60*time.Second {
		t.Errorf("poll_interval = %s, want 60s", p.PollInterval)
	}
	if p.OverlapWindow != 300*time.Second {
		t.Errorf("overlap_window = %s, want 300s", p.OverlapWindow)
	}
	if p.RollupThreshold != 5 {
		t.Errorf("rollup_threshold = %d, want 5", p.RollupThreshold)
	}
	if p.MaxRollupSize != 20 {
		t.Errorf("max_rollup_size = %d, want 20", p.MaxRollupSize)
	}
	if p.DeliveryAttempts != 3 {
		t.Errorf("delivery_attempts = %d, want 3", p.DeliveryAttempts)
	}
}

func TestValidateRejectsDuplicateProfiles(t *testing.T) {
	cfg := defaultConfig()
	cfg.Profiles = []ProfileConfig{
		{Name: "dup", WebhookURL: "https://example.com/a"},
		{Name: "dup", WebhookURL: "https://example.com/b"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate profile name to fail validation")
	}
}

func TestValidateRejectsProfileWithoutWebhook(t *testing.T) {
	cfg := defaultConfig()
	cfg.Profiles = []ProfileConfig{{Name: "nohook"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected profile without webhook_url to fail validation")
	}
}

func TestValidateRejectsBadRetention(t *testing.T) {
	cfg := defaultConfig()
	cfg.Store.DeliveryRetention = cfg.Store.Retention + time.Hour
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected delivery_retention > retention to fail validation")
	}
}

func TestValidateRejectsRequestTimeoutBelowPollTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.Upstream.RequestTimeout = cfg.Upstream.PollTimeout
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected request_timeout <= poll_timeout to fail validation")
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
store:
  path: ` + filepath.Join(dir, "test.db") + `
queue:
  capacity: 250
profiles:
  - name: bigkills
    webhook_url: https://discord.example/api/webhooks/1/abc
    min_value: 1000000000
    rollup_threshold: 7
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Queue.Capacity != 250 {
		t.Errorf("queue.capacity = %d, want 250 from file", cfg.Queue.Capacity)
	}
	if len(cfg.Profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(cfg.Profiles))
	}
	p := cfg.Profiles[0]
	if p.Name != "bigkills" || p.RollupThreshold != 7 {
		t.Errorf("profile not loaded from file: %+v", p)
	}
	// Unset fields picked up defaults.
	if p.PollInterval != 60*time.Second {
		t.Errorf("profile poll_interval default = %s, want 60s", p.PollInterval)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  capacity: 100\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("QUEUE_CAPACITY", "42")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Queue.Capacity != 42 {
		t.Errorf("queue.capacity = %d, want env override 42", cfg.Queue.Capacity)
	}
}

func TestEnvTransformSkipsUnknownKeys(t *testing.T) {
	if got := envTransformFunc("PATH"); got != "" {
		t.Errorf("unknown env key mapped to %q, want skip", got)
	}
	if got := envTransformFunc("STORE_PATH"); got != "store.path" {
		t.Errorf("STORE_PATH mapped to %q", got)
	}
}

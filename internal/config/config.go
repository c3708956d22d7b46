// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

// Package config provides typed, validated configuration for all killfeed
// components, loaded via Koanf v2 with layered sources (defaults, optional
// YAML file, environment variables).
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds all application configuration.
//
// Loading order (Koanf v2):
//  1. Defaults: built-in values for every optional setting
//  2. Config file: optional YAML (config.yaml)
//  3. Environment variables: override any setting
//
// Config is immutable after Load() and safe for concurrent reads.
type Config struct {
	Upstream    UpstreamConfig    `koanf:"upstream"`
	ESI         ESIConfig         `koanf:"esi"`
	Queue       QueueConfig       `koanf:"queue"`
	Writer      WriterConfig      `koanf:"writer"`
	Store       StoreConfig       `koanf:"store"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Supervisor  SupervisorConfig  `koanf:"supervisor"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
	Server      ServerConfig      `koanf:"server"`
	API         APIConfig         `koanf:"api"`
	Logging     LoggingConfig     `koanf:"logging"`

	// Profiles configures one notification worker per entry.
	// Each profile MUST have a unique name; the name keys the worker's
	// checkpoint and delivery-dedup records in the store.
	Profiles []ProfileConfig `koanf:"profiles"`
}

// UpstreamConfig holds the RedisQ-style long-poll event source settings.
//
// Environment variables:
//   - UPSTREAM_URL: listen endpoint (default: https://zkillredisq.stream/listen.php)
//   - UPSTREAM_QUEUE_ID: client identity sent to the upstream queue
//   - UPSTREAM_POLL_TIMEOUT: long-poll wait passed to the upstream (default: 10s)
type UpstreamConfig struct {
	URL         string        `koanf:"url"`
	QueueID     string        `koanf:"queue_id"`
	PollTimeout time.Duration `koanf:"poll_timeout"`

	// RequestTimeout bounds a single long-poll HTTP round trip. Must
	// exceed PollTimeout or every poll ends in a client-side timeout.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// PollInterval is the pause between polls when the upstream returns
	// an empty package (no data within the long-poll window).
	PollInterval time.Duration `koanf:"poll_interval"`

	// RatePerSecond caps outgoing polls client-side.
	RatePerSecond float64 `koanf:"rate_per_second"`

	// Breaker settings for the upstream circuit breaker.
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
	BreakerOpenTimeout      time.Duration `koanf:"breaker_open_timeout"`
}

// ESIConfig holds the killmail detail enrichment API settings.
//
// Detail fetches are keyed by (killmail_id, hash) and are only ever
// issued through the fetch coordinator.
type ESIConfig struct {
	BaseURL        string        `koanf:"base_url"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	UserAgent      string        `koanf:"user_agent"`
	MaxAttempts    int           `koanf:"max_attempts"`
}

// QueueConfig holds the bounded ingest queue settings.
type QueueConfig struct {
	// Capacity is the fixed queue size. On overflow the oldest queued
	// event is dropped; the producer never blocks.
	Capacity int `koanf:"capacity"`
}

// WriterConfig holds the batched store-writer settings.
type WriterConfig struct {
	// FlushInterval is how often buffered events are written.
	FlushInterval time.Duration `koanf:"flush_interval"`

	// MaxBatch bounds events per write transaction.
	MaxBatch int `koanf:"max_batch"`

	// RetryDelay seeds the whole-batch retry backoff after a failed
	// transaction. The batch is never partially applied.
	RetryDelay time.Duration `koanf:"retry_delay"`
}

// StoreConfig holds the SQLite store settings.
//
// Environment variables:
//   - STORE_PATH: database file path (default: /data/killfeed.db)
//   - STORE_RETENTION: killmail retention window (default: 168h)
//   - STORE_DELIVERY_RETENTION: delivery-dedup record retention (default: 1h)
type StoreConfig struct {
	Path        string        `koanf:"path"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`

	// Retention is how long killmails (and their dependent rows) are kept.
	Retention time.Duration `koanf:"retention"`

	// DeliveryRetention bounds delivery-dedup storage. It also caps
	// worker lookback after downtime: raising it toward Retention
	// trades storage for a smaller duplicate-delivery window.
	DeliveryRetention time.Duration `koanf:"delivery_retention"`
}

// CoordinatorConfig holds detail-fetch coordination settings.
type CoordinatorConfig struct {
	// ClaimTTL is the age after which a claim with no detail row is
	// considered abandoned and reclaimable. Raise it if legitimate
	// fetch latency approaches the default; watch claim_reclaims_total
	// for reclaim churn.
	ClaimTTL time.Duration `koanf:"claim_ttl"`

	// WaitTimeout bounds how long a claim-lost caller polls for the
	// winner's detail row before giving up.
	WaitTimeout time.Duration `koanf:"wait_timeout"`

	// WaitInitial/WaitMultiplier/WaitMax shape the claim-lost polling
	// backoff schedule.
	WaitInitial    time.Duration `koanf:"wait_initial"`
	WaitMultiplier float64       `koanf:"wait_multiplier"`
	WaitMax        time.Duration `koanf:"wait_max"`
}

// SupervisorConfig holds worker-supervision settings.
type SupervisorConfig struct {
	// HealthInterval is how often worker liveness is checked.
	HealthInterval time.Duration `koanf:"health_interval"`

	// StaleMultiplier: a worker is force-restarted when its last poll is
	// older than StaleMultiplier x its poll interval.
	StaleMultiplier int `koanf:"stale_multiplier"`

	// MaxConsecutiveFailures stops auto-restarts and raises a hard
	// alert once exceeded.
	MaxConsecutiveFailures int `koanf:"max_consecutive_failures"`

	// ShutdownTimeout is the graceful-stop grace period.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// MaintenanceConfig holds the periodic retention/maintenance task settings.
type MaintenanceConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// ServerConfig holds the HTTP query API server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// APIConfig holds query API pagination limits.
type APIConfig struct {
	DefaultPageSize int `koanf:"default_page_size"`
	MaxPageSize     int `koanf:"max_page_size"`

	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// ProfileConfig configures one notification worker.
//
// Defaults: poll 60s, overlap 300s, batch 200, rollup threshold 5,
// max rollup 20, delivery attempts 3.
type ProfileConfig struct {
	// Name keys the worker's checkpoint and delivery records. Unique.
	Name string `koanf:"name" validate:"required"`

	// WebhookURL is the delivery endpoint for this profile.
	WebhookURL string `koanf:"webhook_url" validate:"required,url"`

	// Filters. Zero values match everything.
	Systems  []int64 `koanf:"systems"`
	Regions  []int64 `koanf:"regions"`
	MinValue float64 `koanf:"min_value"`

	// FetchDetail resolves the full killmail via the coordinator before
	// delivery. Workers tolerate missing detail (partial payload).
	FetchDetail bool `koanf:"fetch_detail"`

	PollInterval  time.Duration `koanf:"poll_interval" validate:"gte=0"`
	BatchSize     int           `koanf:"batch_size" validate:"gte=0"`
	OverlapWindow time.Duration `koanf:"overlap_window" validate:"gte=0"`

	RollupThreshold int `koanf:"rollup_threshold" validate:"gte=0"`
	MaxRollupSize   int `koanf:"max_rollup_size" validate:"gte=0"`

	DeliveryAttempts int           `koanf:"delivery_attempts" validate:"gte=0"`
	RetryDelay       time.Duration `koanf:"retry_delay" validate:"gte=0"`

	DeliveryTimeout time.Duration `koanf:"delivery_timeout" validate:"gte=0"`

	// RatePerMinute caps webhook sends for this profile.
	RatePerMinute float64 `koanf:"rate_per_minute" validate:"gte=0"`
}

// ApplyDefaults fills zero-valued profile fields with documented defaults.
func (p *ProfileConfig) ApplyDefaults() {
	if p.PollInterval == 0 {
		p.PollInterval = 60 * time.Second
	}
	if p.BatchSize == 0 {
		p.BatchSize = 200
	}
	if p.OverlapWindow == 0 {
		p.OverlapWindow = 300 * time.Second
	}
	if p.RollupThreshold == 0 {
		p.RollupThreshold = 5
	}
	if p.MaxRollupSize == 0 {
		p.MaxRollupSize = 20
	}
	if p.DeliveryAttempts == 0 {
		p.DeliveryAttempts = 3
	}
	if p.RetryDelay == 0 {
		p.RetryDelay = 5 * time.Second
	}
	if p.DeliveryTimeout == 0 {
		p.DeliveryTimeout = 15 * time.Second
	}
	if p.RatePerMinute == 0 {
		p.RatePerMinute = 30
	}
}

// Validate checks the loaded configuration for structural problems.
// It is called once at load time; components trust the config afterwards.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateUpstream,
		c.validateQueue,
		c.validateStore,
		c.validateCoordinator,
		c.validateServer,
		c.validateProfiles,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateUpstream() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if _, err := url.ParseRequestURI(c.Upstream.URL); err != nil {
		return fmt.Errorf("upstream.url is not a valid URL: %w", err)
	}
	if c.Upstream.RequestTimeout <= c.Upstream.PollTimeout {
		return fmt.Errorf("upstream.request_timeout (%s) must exceed upstream.poll_timeout (%s)",
			c.Upstream.RequestTimeout, c.Upstream.PollTimeout)
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.Retention <= 0 {
		return fmt.Errorf("store.retention must be positive, got %s", c.Store.Retention)
	}
	if c.Store.DeliveryRetention <= 0 {
		return fmt.Errorf("store.delivery_retention must be positive, got %s", c.Store.DeliveryRetention)
	}
	if c.Store.DeliveryRetention > c.Store.Retention {
		return fmt.Errorf("store.delivery_retention (%s) cannot exceed store.retention (%s)",
			c.Store.DeliveryRetention, c.Store.Retention)
	}
	return nil
}

func (c *Config) validateCoordinator() error {
	if c.Coordinator.ClaimTTL <= 0 {
		return fmt.Errorf("coordinator.claim_ttl must be positive, got %s", c.Coordinator.ClaimTTL)
	}
	if c.Coordinator.WaitMultiplier < 1.0 {
		return fmt.Errorf("coordinator.wait_multiplier must be >= 1, got %g", c.Coordinator.WaitMultiplier)
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.API.DefaultPageSize < 1 || c.API.DefaultPageSize > c.API.MaxPageSize {
		return fmt.Errorf("api.default_page_size (%d) must be 1..api.max_page_size (%d)",
			c.API.DefaultPageSize, c.API.MaxPageSize)
	}
	return nil
}

func (c *Config) validateProfiles() error {
	seen := make(map[string]struct{}, len(c.Profiles))
	for i := range c.Profiles {
		p := &c.Profiles[i]
		p.ApplyDefaults()
		if err := validateProfile(p); err != nil {
			return fmt.Errorf("profiles[%d] (%q): %w", i, p.Name, err)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("profiles[%d]: duplicate profile name %q", i, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

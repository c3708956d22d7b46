// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/killfeed/config.yaml",
	"/etc/killfeed/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// validate checks struct tags on profile configs at load time.
var validate = validator.New(validator.WithRequiredStructEnabled())

// validateProfile runs struct-tag validation on a single worker profile.
func validateProfile(p *ProfileConfig) error {
	return validate.Struct(p)
}

// defaultConfig returns a Config with every default value filled in.
// Defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			URL:                     "https://zkillredisq.stream/listen.php",
			QueueID:                 "", // derived from hostname when empty
			PollTimeout:             10 * time.Second,
			RequestTimeout:          30 * time.Second,
			PollInterval:            1 * time.Second,
			RatePerSecond:           2,
			BreakerFailureThreshold: 5,
			BreakerOpenTimeout:      30 * time.Second,
		},
		ESI: ESIConfig{
			BaseURL:        "https://esi.evetech.net/latest",
			RequestTimeout: 20 * time.Second,
			UserAgent:      "killfeed (https://github.com/kmwatch/killfeed)",
			MaxAttempts:    3,
		},
		Queue: QueueConfig{
			Capacity: 1000,
		},
		Writer: WriterConfig{
			FlushInterval: 2 * time.Second,
			MaxBatch:      500,
			RetryDelay:    500 * time.Millisecond,
		},
		Store: StoreConfig{
			Path:              "/data/killfeed.db",
			BusyTimeout:       5 * time.Second,
			Retention:         168 * time.Hour,
			DeliveryRetention: 1 * time.Hour,
		},
		Coordinator: CoordinatorConfig{
			ClaimTTL:       60 * time.Second,
			WaitTimeout:    60 * time.Second,
			WaitInitial:    500 * time.Millisecond,
			WaitMultiplier: 1.5,
			WaitMax:        5 * time.Second,
		},
		Supervisor: SupervisorConfig{
			HealthInterval:         5 * time.Second,
			StaleMultiplier:        5,
			MaxConsecutiveFailures: 50,
			ShutdownTimeout:        10 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			Interval: 10 * time.Minute,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8322,
			Timeout: 30 * time.Second,
		},
		API: APIConfig{
			DefaultPageSize: 50,
			MaxPageSize:     200,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration with layered sources:
//  1. Defaults (struct)
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices
// when supplied via environment variables.
var sliceConfigPaths = []string{
	"api.cors_origins",
}

// processSliceFields converts comma-separated env strings to slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are skipped so unrelated environment noise cannot
// pollute the configuration.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"upstream_url":            "upstream.url",
		"upstream_queue_id":       "upstream.queue_id",
		"upstream_poll_timeout":   "upstream.poll_timeout",
		"upstream_poll_interval":  "upstream.poll_interval",
		"upstream_rate":           "upstream.rate_per_second",
		"upstream_request_timeout": "upstream.request_timeout",

		"esi_base_url":     "esi.base_url",
		"esi_timeout":      "esi.request_timeout",
		"esi_user_agent":   "esi.user_agent",
		"esi_max_attempts": "esi.max_attempts",

		"queue_capacity": "queue.capacity",

		"writer_flush_interval": "writer.flush_interval",
		"writer_max_batch":      "writer.max_batch",
		"writer_retry_delay":    "writer.retry_delay",

		"store_path":               "store.path",
		"store_busy_timeout":       "store.busy_timeout",
		"store_retention":          "store.retention",
		"store_delivery_retention": "store.delivery_retention",

		"claim_ttl":          "coordinator.claim_ttl",
		"claim_wait_timeout": "coordinator.wait_timeout",

		"supervisor_health_interval": "supervisor.health_interval",
		"supervisor_max_failures":    "supervisor.max_consecutive_failures",
		"shutdown_timeout":           "supervisor.shutdown_timeout",

		"maintenance_interval": "maintenance.interval",

		"http_host":    "server.host",
		"http_port":    "server.port",
		"http_timeout": "server.timeout",

		"api_default_page_size": "api.default_page_size",
		"api_max_page_size":     "api.max_page_size",
		"rate_limit_requests":   "api.rate_limit_reqs",
		"rate_limit_window":     "api.rate_limit_window",
		"cors_origins":          "api.cors_origins",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}

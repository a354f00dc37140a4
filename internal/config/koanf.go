// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists config file locations in priority order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/dictatemed/syncd.yaml",
	"/etc/dictatemed/syncd.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from defaults, an optional YAML file and
// the environment, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
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

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sliceConfigPaths are list settings that may arrive as comma-separated strings.
var sliceConfigPaths = []string{
	"sync.priority",
	"status.allowed_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		parts := strings.Split(s, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment variables (lowercased) to config paths.
var envMappings = map[string]string{
	"queue_path":                   "queue.path",
	"queue_sync_writes":            "queue.sync_writes",
	"queue_compression":            "queue.compression",
	"queue_fallback_in_memory":     "queue.fallback_in_memory",
	"queue_gc_interval":            "queue.gc_interval",
	"queue_gc_ratio":               "queue.gc_ratio",
	"queue_transcript_ttl":         "queue.transcript_ttl",
	"queue_transcript_max_entries": "queue.transcript_max_entries",

	"connectivity_stability_window": "connectivity.stability_window",
	"connectivity_initial_online":   "connectivity.initial_online",
	"connectivity_poll_interval":    "connectivity.poll_interval",

	"sync_max_attempts":      "sync.max_attempts",
	"sync_backoff_base":      "sync.backoff_base",
	"sync_backoff_max":       "sync.backoff_max",
	"sync_jitter_fraction":   "sync.jitter_fraction",
	"sync_recording_timeout": "sync.recording_timeout",
	"sync_document_timeout":  "sync.document_timeout",
	"sync_operation_timeout": "sync.operation_timeout",
	"sync_priority":          "sync.priority",
	"sync_parallel":          "sync.parallel",
	"sync_periodic_interval": "sync.periodic_interval",

	"submission_base_url":            "submission.base_url",
	"submission_user_agent":          "submission.user_agent",
	"submission_requests_per_second": "submission.requests_per_second",
	"submission_burst":               "submission.burst",
	"submission_breaker_failures":    "submission.breaker_failures",
	"submission_breaker_timeout":     "submission.breaker_timeout",
	"submission_token":               "submission.token",
	"submission_token_file":          "submission.token_file",
	"submission_refresh_skew":        "submission.refresh_skew",

	"status_enabled":          "status.enabled",
	"status_addr":             "status.addr",
	"status_allowed_origins":  "status.allowed_origins",
	"status_write_rate_limit": "status.write_rate_limit",

	"log_level":     "logging.level",
	"log_format":    "logging.format",
	"log_caller":    "logging.caller",
	"log_timestamp": "logging.timestamp",

	"supervisor_failure_threshold": "supervisor.failure_threshold",
	"supervisor_failure_decay":     "supervisor.failure_decay",
	"supervisor_failure_backoff":   "supervisor.failure_backoff",
	"supervisor_shutdown_timeout":  "supervisor.shutdown_timeout",
}

// envTransformFunc maps an environment variable name to a config path.
// Unmapped variables are skipped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/queue"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	return path
}

func noConfigFile(t *testing.T) {
	t.Helper()
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
}

func TestLoad_Defaults(t *testing.T) {
	noConfigFile(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Queue.Path != queue.DefaultConfig().Path {
		t.Errorf("Queue.Path = %q", cfg.Queue.Path)
	}
	if cfg.Sync.MaxAttempts != 8 {
		t.Errorf("Sync.MaxAttempts = %d, want 8", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.BackoffBase != 2*time.Second || cfg.Sync.BackoffMax != 5*time.Minute {
		t.Errorf("Unexpected backoff defaults %v/%v", cfg.Sync.BackoffBase, cfg.Sync.BackoffMax)
	}
	if strings.Join(cfg.Sync.Priority, ",") != "recordings,documents,operations" {
		t.Errorf("Sync.Priority = %v", cfg.Sync.Priority)
	}
	if cfg.Connectivity.StabilityWindow != 2*time.Second {
		t.Errorf("Connectivity.StabilityWindow = %v", cfg.Connectivity.StabilityWindow)
	}
	if !cfg.Status.Enabled || cfg.Status.Addr != "127.0.0.1:8787" {
		t.Errorf("Unexpected status defaults %+v", cfg.Status)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Unexpected logging defaults %+v", cfg.Logging)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	writeConfigFile(t, `
queue:
  path: /tmp/dictatemed-test
  sync_writes: false
sync:
  max_attempts: 3
  backoff_base: 500ms
  priority: [operations, recordings]
  parallel: true
submission:
  base_url: https://app.example.test
status:
  allowed_origins:
    - http://localhost:5173
logging:
  level: debug
  format: console
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Queue.Path != "/tmp/dictatemed-test" || cfg.Queue.SyncWrites {
		t.Errorf("Unexpected queue section %+v", cfg.Queue)
	}
	if cfg.Sync.MaxAttempts != 3 || cfg.Sync.BackoffBase != 500*time.Millisecond || !cfg.Sync.Parallel {
		t.Errorf("Unexpected sync section %+v", cfg.Sync)
	}
	if strings.Join(cfg.Sync.Priority, ",") != "operations,recordings" {
		t.Errorf("Sync.Priority = %v", cfg.Sync.Priority)
	}
	if len(cfg.Status.AllowedOrigins) != 1 || cfg.Status.AllowedOrigins[0] != "http://localhost:5173" {
		t.Errorf("Status.AllowedOrigins = %v", cfg.Status.AllowedOrigins)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("Unexpected logging section %+v", cfg.Logging)
	}
	// Untouched values keep their defaults.
	if cfg.Sync.BackoffMax != 5*time.Minute {
		t.Errorf("Sync.BackoffMax = %v, want default", cfg.Sync.BackoffMax)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	writeConfigFile(t, `
sync:
  max_attempts: 3
`)
	t.Setenv("SYNC_MAX_ATTEMPTS", "12")
	t.Setenv("SYNC_BACKOFF_MAX", "10m")
	t.Setenv("SYNC_PRIORITY", "documents, operations ,recordings")
	t.Setenv("QUEUE_PATH", "/srv/queue")
	t.Setenv("STATUS_ALLOWED_ORIGINS", "http://a.test,http://b.test")
	t.Setenv("SUBMISSION_TOKEN_FILE", "/run/token")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("UNRELATED_SETTING", "ignored")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sync.MaxAttempts != 12 {
		t.Errorf("Sync.MaxAttempts = %d, want 12", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.BackoffMax != 10*time.Minute {
		t.Errorf("Sync.BackoffMax = %v", cfg.Sync.BackoffMax)
	}
	if strings.Join(cfg.Sync.Priority, ",") != "documents,operations,recordings" {
		t.Errorf("Sync.Priority = %v", cfg.Sync.Priority)
	}
	if cfg.Queue.Path != "/srv/queue" {
		t.Errorf("Queue.Path = %q", cfg.Queue.Path)
	}
	if strings.Join(cfg.Status.AllowedOrigins, ",") != "http://a.test,http://b.test" {
		t.Errorf("Status.AllowedOrigins = %v", cfg.Status.AllowedOrigins)
	}
	if cfg.Submission.TokenFile != "/run/token" || cfg.Logging.Level != "warn" {
		t.Errorf("Unexpected submission/logging %+v %+v", cfg.Submission, cfg.Logging)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"zero attempts", map[string]string{"SYNC_MAX_ATTEMPTS": "0"}, "sync"},
		{"unknown collection", map[string]string{"SYNC_PRIORITY": "letters"}, "sync"},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}, "logging"},
		{"bad base url", map[string]string{"SUBMISSION_BASE_URL": "ftp://server"}, "submission"},
		{"bad status addr", map[string]string{"STATUS_ADDR": "localhost"}, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			noConfigFile(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_DisabledStatusSkipsAddr(t *testing.T) {
	cfg := defaultConfig()
	cfg.Status.Enabled = false
	cfg.Status.Addr = "nonsense"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected disabled status to skip validation, got %v", err)
	}
}

func TestConversions(t *testing.T) {
	cfg := defaultConfig()
	cfg.Sync.Priority = []string{"operations"}
	cfg.Sync.Parallel = true

	engine := cfg.Sync.EngineConfig()
	if len(engine.Priority) != 1 || engine.Priority[0] != queue.CollectionOperations || !engine.Parallel {
		t.Errorf("Unexpected engine config %+v", engine)
	}

	store := cfg.Queue.StoreConfig()
	if store.Path != cfg.Queue.Path || store.TranscriptTTL != cfg.Queue.TranscriptTTL {
		t.Errorf("Unexpected store config %+v", store)
	}

	httpCfg := cfg.Submission.HTTPConfig()
	if httpCfg.BaseURL != cfg.Submission.BaseURL || httpCfg.BreakerFailures != cfg.Submission.BreakerFailures {
		t.Errorf("Unexpected http config %+v", httpCfg)
	}

	mon := cfg.Connectivity.MonitorConfig()
	if mon.StabilityWindow != cfg.Connectivity.StabilityWindow {
		t.Errorf("Unexpected monitor config %+v", mon)
	}

	status := cfg.Status.ServerConfig()
	if status.Addr != cfg.Status.Addr {
		t.Errorf("Unexpected status config %+v", status)
	}

	logCfg := cfg.Logging.LoggerConfig()
	if logCfg.Level != "info" || logCfg.Output == nil {
		t.Errorf("Unexpected logger config %+v", logCfg)
	}
}

// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package config

import (
	"time"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/connectivity"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/queue"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/statusapi"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/submission"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/syncengine"
)

// Config is the complete syncd configuration.
type Config struct {
	Queue        QueueConfig        `koanf:"queue"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	Sync         SyncConfig         `koanf:"sync"`
	Submission   SubmissionConfig   `koanf:"submission"`
	Status       StatusConfig       `koanf:"status"`
	Logging      LoggingConfig      `koanf:"logging"`
	Supervisor   SupervisorConfig   `koanf:"supervisor"`
}

// QueueConfig configures the durable item store.
type QueueConfig struct {
	Path                 string        `koanf:"path"`
	SyncWrites           bool          `koanf:"sync_writes"`
	Compression          bool          `koanf:"compression"`
	FallbackInMemory     bool          `koanf:"fallback_in_memory"`
	MemTableSize         int64         `koanf:"mem_table_size"`
	ValueLogFileSize     int64         `koanf:"value_log_file_size"`
	NumCompactors        int           `koanf:"num_compactors"`
	BlockCacheSize       int64         `koanf:"block_cache_size"`
	GCRatio              float64       `koanf:"gc_ratio"`
	GCInterval           time.Duration `koanf:"gc_interval"`
	CloseTimeout         time.Duration `koanf:"close_timeout"`
	TranscriptTTL        time.Duration `koanf:"transcript_ttl"`
	TranscriptMaxEntries int           `koanf:"transcript_max_entries"`
}

// ConnectivityConfig configures the connectivity monitor and its probe.
type ConnectivityConfig struct {
	StabilityWindow time.Duration `koanf:"stability_window"`
	InitialOnline   bool          `koanf:"initial_online"`
	PollInterval    time.Duration `koanf:"poll_interval"`
}

// SyncConfig configures the drain orchestrator's retry policy.
type SyncConfig struct {
	MaxAttempts      int           `koanf:"max_attempts"`
	BackoffBase      time.Duration `koanf:"backoff_base"`
	BackoffMax       time.Duration `koanf:"backoff_max"`
	JitterFraction   float64       `koanf:"jitter_fraction"`
	RecordingTimeout time.Duration `koanf:"recording_timeout"`
	DocumentTimeout  time.Duration `koanf:"document_timeout"`
	OperationTimeout time.Duration `koanf:"operation_timeout"`
	Priority         []string      `koanf:"priority"`
	Parallel         bool          `koanf:"parallel"`
	PeriodicInterval time.Duration `koanf:"periodic_interval"`
}

// SubmissionConfig configures the remote submission client.
type SubmissionConfig struct {
	BaseURL           string        `koanf:"base_url"`
	UserAgent         string        `koanf:"user_agent"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	BreakerFailures   uint32        `koanf:"breaker_failures"`
	BreakerTimeout    time.Duration `koanf:"breaker_timeout"`

	// Token is a static bearer token. TokenFile, when set, is re-read on
	// every credential refresh and takes precedence.
	Token       string        `koanf:"token"`
	TokenFile   string        `koanf:"token_file"`
	RefreshSkew time.Duration `koanf:"refresh_skew"`
}

// StatusConfig configures the local status surface.
type StatusConfig struct {
	Enabled           bool          `koanf:"enabled"`
	Addr              string        `koanf:"addr"`
	AllowedOrigins    []string      `koanf:"allowed_origins"`
	WriteRateLimit    int           `koanf:"write_rate_limit"`
	WriteRateWindow   time.Duration `koanf:"write_rate_window"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level     string `koanf:"level"`
	Format    string `koanf:"format"`
	Caller    bool   `koanf:"caller"`
	Timestamp bool   `koanf:"timestamp"`
}

// SupervisorConfig tunes the suture tree.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// defaultConfig mirrors the defaults of the packages each section drives.
func defaultConfig() *Config {
	q := queue.DefaultConfig()
	c := connectivity.DefaultConfig()
	s := syncengine.DefaultConfig()
	h := submission.DefaultHTTPConfig()
	st := statusapi.DefaultConfig()
	l := logging.DefaultConfig()

	priority := make([]string, len(s.Priority))
	for i, p := range s.Priority {
		priority[i] = string(p)
	}

	return &Config{
		Queue: QueueConfig{
			Path:                 q.Path,
			SyncWrites:           q.SyncWrites,
			Compression:          q.Compression,
			FallbackInMemory:     q.FallbackInMemory,
			MemTableSize:         q.MemTableSize,
			ValueLogFileSize:     q.ValueLogFileSize,
			NumCompactors:        q.NumCompactors,
			BlockCacheSize:       q.BlockCacheSize,
			GCRatio:              q.GCRatio,
			GCInterval:           q.GCInterval,
			CloseTimeout:         q.CloseTimeout,
			TranscriptTTL:        q.TranscriptTTL,
			TranscriptMaxEntries: q.TranscriptMaxEntries,
		},
		Connectivity: ConnectivityConfig{
			StabilityWindow: c.StabilityWindow,
			InitialOnline:   c.InitialOnline,
			PollInterval:    c.PollInterval,
		},
		Sync: SyncConfig{
			MaxAttempts:      s.MaxAttempts,
			BackoffBase:      s.BackoffBase,
			BackoffMax:       s.BackoffMax,
			JitterFraction:   s.JitterFraction,
			RecordingTimeout: s.RecordingTimeout,
			DocumentTimeout:  s.DocumentTimeout,
			OperationTimeout: s.OperationTimeout,
			Priority:         priority,
			Parallel:         s.Parallel,
			PeriodicInterval: s.PeriodicInterval,
		},
		Submission: SubmissionConfig{
			BaseURL:           h.BaseURL,
			UserAgent:         h.UserAgent,
			RequestsPerSecond: h.RequestsPerSecond,
			Burst:             h.Burst,
			BreakerFailures:   h.BreakerFailures,
			BreakerTimeout:    h.BreakerTimeout,
			RefreshSkew:       time.Minute,
		},
		Status: StatusConfig{
			Enabled:           true,
			Addr:              st.Addr,
			AllowedOrigins:    st.AllowedOrigins,
			WriteRateLimit:    st.WriteRateLimit,
			WriteRateWindow:   st.WriteRateWindow,
			ReadHeaderTimeout: st.ReadHeaderTimeout,
			ShutdownTimeout:   st.ShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:     l.Level,
			Format:    l.Format,
			Caller:    l.Caller,
			Timestamp: l.Timestamp,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// StoreConfig converts the section to a queue.Config.
func (q QueueConfig) StoreConfig() queue.Config {
	return queue.Config{
		Path:                 q.Path,
		SyncWrites:           q.SyncWrites,
		Compression:          q.Compression,
		FallbackInMemory:     q.FallbackInMemory,
		MemTableSize:         q.MemTableSize,
		ValueLogFileSize:     q.ValueLogFileSize,
		NumCompactors:        q.NumCompactors,
		BlockCacheSize:       q.BlockCacheSize,
		GCRatio:              q.GCRatio,
		GCInterval:           q.GCInterval,
		CloseTimeout:         q.CloseTimeout,
		TranscriptTTL:        q.TranscriptTTL,
		TranscriptMaxEntries: q.TranscriptMaxEntries,
	}
}

// MonitorConfig converts the section to a connectivity.Config.
func (c ConnectivityConfig) MonitorConfig() connectivity.Config {
	return connectivity.Config{
		StabilityWindow: c.StabilityWindow,
		InitialOnline:   c.InitialOnline,
		PollInterval:    c.PollInterval,
	}
}

// EngineConfig converts the section to a syncengine.Config.
func (s SyncConfig) EngineConfig() syncengine.Config {
	priority := make([]queue.CollectionName, 0, len(s.Priority))
	for _, p := range s.Priority {
		priority = append(priority, queue.CollectionName(p))
	}
	return syncengine.Config{
		MaxAttempts:      s.MaxAttempts,
		BackoffBase:      s.BackoffBase,
		BackoffMax:       s.BackoffMax,
		JitterFraction:   s.JitterFraction,
		RecordingTimeout: s.RecordingTimeout,
		DocumentTimeout:  s.DocumentTimeout,
		OperationTimeout: s.OperationTimeout,
		Priority:         priority,
		Parallel:         s.Parallel,
		PeriodicInterval: s.PeriodicInterval,
	}
}

// HTTPConfig converts the section to a submission.HTTPConfig.
func (s SubmissionConfig) HTTPConfig() submission.HTTPConfig {
	return submission.HTTPConfig{
		BaseURL:           s.BaseURL,
		UserAgent:         s.UserAgent,
		RequestsPerSecond: s.RequestsPerSecond,
		Burst:             s.Burst,
		BreakerFailures:   s.BreakerFailures,
		BreakerTimeout:    s.BreakerTimeout,
	}
}

// ServerConfig converts the section to a statusapi.Config.
func (s StatusConfig) ServerConfig() statusapi.Config {
	return statusapi.Config{
		Addr:              s.Addr,
		AllowedOrigins:    s.AllowedOrigins,
		WriteRateLimit:    s.WriteRateLimit,
		WriteRateWindow:   s.WriteRateWindow,
		ReadHeaderTimeout: s.ReadHeaderTimeout,
		ShutdownTimeout:   s.ShutdownTimeout,
	}
}

// LoggerConfig converts the section to a logging.Config writing to stderr.
func (l LoggingConfig) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = l.Level
	cfg.Format = l.Format
	cfg.Caller = l.Caller
	cfg.Timestamp = l.Timestamp
	return cfg
}

// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package queue

import "time"

// Config holds store configuration. It is populated from the koanf "queue"
// section by cmd/syncd.
type Config struct {
	// Path is the directory where BadgerDB stores its files.
	// Should be on a durable filesystem (not tmpfs).
	Path string

	// SyncWrites forces fsync after every write. Add only returns after the
	// item is on disk when this is set.
	SyncWrites bool

	// Compression enables Snappy compression. Audio payloads compress poorly
	// but JSON envelopes and operations shrink noticeably.
	Compression bool

	// FallbackInMemory lets OpenWithFallback degrade to a non-durable
	// in-memory store when Path cannot be opened.
	FallbackInMemory bool

	// BadgerDB tuning
	MemTableSize     int64
	ValueLogFileSize int64
	NumCompactors    int
	BlockCacheSize   int64

	// GCRatio is the discard ratio passed to RunValueLogGC.
	GCRatio float64

	// GCInterval is the time between maintenance runs.
	GCInterval time.Duration

	// CloseTimeout bounds how long Close waits for BadgerDB.
	CloseTimeout time.Duration

	// TranscriptTTL is the age after which cached transcripts expire.
	TranscriptTTL time.Duration

	// TranscriptMaxEntries bounds the transcript cache; the oldest entries
	// are evicted first. Zero disables the bound.
	TranscriptMaxEntries int
}

// DefaultConfig returns a Config that prioritizes durability.
func DefaultConfig() Config {
	return Config{
		Path:                 "/var/lib/dictatemed/queue",
		SyncWrites:           true,
		Compression:          true,
		FallbackInMemory:     true,
		MemTableSize:         16 * 1024 * 1024,
		ValueLogFileSize:     64 * 1024 * 1024,
		NumCompactors:        2,
		BlockCacheSize:       64 * 1024 * 1024,
		GCRatio:              0.5,
		GCInterval:           30 * time.Minute,
		CloseTimeout:         30 * time.Second,
		TranscriptTTL:        7 * 24 * time.Hour,
		TranscriptMaxEntries: 500,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Path == "" {
		return &ConfigError{Field: "Path", Message: "queue path is required"}
	}
	if c.MemTableSize < 1024*1024 {
		return &ConfigError{Field: "MemTableSize", Message: "must be at least 1MB"}
	}
	if c.ValueLogFileSize < 1024*1024 {
		return &ConfigError{Field: "ValueLogFileSize", Message: "must be at least 1MB"}
	}
	if c.NumCompactors < 2 {
		return &ConfigError{Field: "NumCompactors", Message: "must be at least 2 (BadgerDB requirement)"}
	}
	if c.GCRatio <= 0 || c.GCRatio >= 1 {
		return &ConfigError{Field: "GCRatio", Message: "must be between 0 and 1 exclusive"}
	}
	if c.TranscriptTTL < 0 {
		return &ConfigError{Field: "TranscriptTTL", Message: "must not be negative"}
	}
	if c.TranscriptMaxEntries < 0 {
		return &ConfigError{Field: "TranscriptMaxEntries", Message: "must not be negative"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "queue config error: " + e.Field + ": " + e.Message
}

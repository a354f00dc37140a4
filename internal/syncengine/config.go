// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package syncengine

import (
	"fmt"
	"time"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/queue"
)

// Config tunes retry policy and drain order.
type Config struct {
	// MaxAttempts is the retry count at which an item is marked stalled.
	MaxAttempts int

	// BackoffBase is the delay after the first failure; it doubles per
	// further failure up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// JitterFraction spreads each delay by up to +/- this fraction.
	JitterFraction float64

	// Per-attempt timeouts by collection.
	RecordingTimeout time.Duration
	DocumentTimeout  time.Duration
	OperationTimeout time.Duration

	// Priority is the cross-collection drain order. Collections missing from
	// the list are drained last in default order.
	Priority []queue.CollectionName

	// Parallel drains collections concurrently, one item in flight per collection.
	Parallel bool

	// PeriodicInterval triggers a safety-net drain. Zero disables it.
	PeriodicInterval time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      8,
		BackoffBase:      2 * time.Second,
		BackoffMax:       5 * time.Minute,
		JitterFraction:   0.2,
		RecordingTimeout: 30 * time.Second,
		DocumentTimeout:  30 * time.Second,
		OperationTimeout: 10 * time.Second,
		Priority:         append([]queue.CollectionName(nil), queue.QueuedCollections...),
		PeriodicInterval: time.Minute,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("sync config: MaxAttempts must be at least 1")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("sync config: BackoffBase must be positive")
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("sync config: BackoffMax must not be below BackoffBase")
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		return fmt.Errorf("sync config: JitterFraction must be in [0, 1)")
	}
	if c.RecordingTimeout <= 0 || c.DocumentTimeout <= 0 || c.OperationTimeout <= 0 {
		return fmt.Errorf("sync config: attempt timeouts must be positive")
	}
	if c.PeriodicInterval < 0 {
		return fmt.Errorf("sync config: PeriodicInterval must not be negative")
	}
	seen := make(map[queue.CollectionName]bool)
	for _, name := range c.Priority {
		if _, ok := queue.ParseCollectionName(string(name)); !ok {
			return fmt.Errorf("sync config: unknown collection %q in Priority", name)
		}
		if seen[name] {
			return fmt.Errorf("sync config: collection %q listed twice in Priority", name)
		}
		seen[name] = true
	}
	return nil
}

// drainOrder returns Priority followed by any queued collection it omits.
func (c *Config) drainOrder() []queue.CollectionName {
	order := append([]queue.CollectionName(nil), c.Priority...)
	seen := make(map[queue.CollectionName]bool, len(order))
	for _, name := range order {
		seen[name] = true
	}
	for _, name := range queue.QueuedCollections {
		if !seen[name] {
			order = append(order, name)
		}
	}
	return order
}

func (c *Config) timeoutFor(name queue.CollectionName) time.Duration {
	switch name {
	case queue.CollectionRecordings:
		return c.RecordingTimeout
	case queue.CollectionDocuments:
		return c.DocumentTimeout
	default:
		return c.OperationTimeout
	}
}

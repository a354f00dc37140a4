// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks every section and returns all problems found.
func (c *Config) Validate() error {
	return errors.Join(
		c.validateQueue(),
		c.validateConnectivity(),
		c.validateSync(),
		c.validateSubmission(),
		c.validateStatus(),
		c.validateLogging(),
	)
}

func (c *Config) validateQueue() error {
	cfg := c.Queue.StoreConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

func (c *Config) validateConnectivity() error {
	if c.Connectivity.StabilityWindow < 0 {
		return fmt.Errorf("connectivity: stability_window must not be negative")
	}
	if c.Connectivity.PollInterval <= 0 {
		return fmt.Errorf("connectivity: poll_interval must be positive")
	}
	return nil
}

func (c *Config) validateSync() error {
	cfg := c.Sync.EngineConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

func (c *Config) validateSubmission() error {
	u, err := url.Parse(c.Submission.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("submission: base_url %q must be an absolute http(s) URL", c.Submission.BaseURL)
	}
	if c.Submission.RequestsPerSecond < 0 {
		return fmt.Errorf("submission: requests_per_second must not be negative")
	}
	if c.Submission.RefreshSkew < 0 {
		return fmt.Errorf("submission: refresh_skew must not be negative")
	}
	return nil
}

func (c *Config) validateStatus() error {
	if !c.Status.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Status.Addr); err != nil {
		return fmt.Errorf("status: addr %q: %w", c.Status.Addr, err)
	}
	if c.Status.WriteRateLimit > 0 && c.Status.WriteRateWindow <= 0 {
		return fmt.Errorf("status: write_rate_window must be positive when write_rate_limit is set")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return fmt.Errorf("logging: invalid level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging: invalid format %q (must be json or console)", c.Logging.Format)
	}
	return nil
}

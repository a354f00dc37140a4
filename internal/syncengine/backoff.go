// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package syncengine

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Backoff returns the delay before the next attempt of item id after
// retryCount failures: BackoffBase * 2^(retryCount-1), capped at BackoffMax,
// spread by +/- JitterFraction. The jitter is seeded from id and retryCount
// so a given attempt always gets the same delay while different items spread out.
func (c *Config) Backoff(id string, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}

	exp := math.Pow(2, float64(retryCount-1))
	delay := time.Duration(float64(c.BackoffBase) * exp)
	if delay > c.BackoffMax || delay <= 0 {
		delay = c.BackoffMax
	}

	if c.JitterFraction > 0 {
		rng := rand.New(rand.NewPCG(xxhash.Sum64String(id), uint64(retryCount)))
		factor := 1 + c.JitterFraction*(2*rng.Float64()-1)
		delay = time.Duration(float64(delay) * factor)
	}
	if delay > c.BackoffMax {
		delay = c.BackoffMax
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

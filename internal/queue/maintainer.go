// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
)

// Maintainer periodically reclaims value log space and refreshes the
// per-collection gauges.
type Maintainer struct {
	store    *Store
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	lastRun time.Time
}

// NewMaintainer creates a maintenance loop for s using its GCInterval.
func NewMaintainer(s *Store) *Maintainer {
	interval := s.Config().GCInterval
	if interval <= 0 {
		interval = DefaultConfig().GCInterval
	}
	return &Maintainer{store: s, interval: interval}
}

// Start begins the background maintenance loop.
func (m *Maintainer) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()

	logging.Info().Dur("interval", m.interval).Msg("Queue maintainer started")
	return nil
}

// Stop stops the loop and waits for an in-progress run to finish.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info().Msg("Queue maintainer stopped")
}

// IsRunning returns whether the loop is active.
func (m *Maintainer) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastRun returns when maintenance last completed.
func (m *Maintainer) LastRun() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Maintainer) run() {
	defer m.wg.Done()

	m.RunOnce(m.ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(m.ctx)
		}
	}
}

// RunOnce refreshes gauges and runs value log GC.
func (m *Maintainer) RunOnce(ctx context.Context) {
	start := time.Now()

	for _, c := range QueuedCollections {
		var err error
		switch c {
		case CollectionRecordings:
			_, err = m.store.Recordings().Count(ctx)
		case CollectionDocuments:
			_, err = m.store.Documents().Count(ctx)
		case CollectionOperations:
			_, err = m.store.Operations().Count(ctx)
		}
		if err != nil {
			logging.Warn().Err(err).Str("collection", string(c)).Msg("Queue maintenance count failed")
		}
	}

	if err := m.store.RunGC(); err != nil {
		logging.Error().Err(err).Msg("Queue maintenance GC error")
	}

	m.mu.Lock()
	m.lastRun = time.Now()
	m.mu.Unlock()

	logging.Debug().Dur("duration", time.Since(start)).Msg("Queue maintenance finished")
}

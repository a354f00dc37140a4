// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// MockService is a controllable suture.Service for tests.
type MockService struct {
	name     string
	starts   atomic.Int32
	stops    atomic.Int32
	fails    atomic.Int32
	maxFails int32
	started  chan struct{}
	mu       sync.Mutex
}

// NewMockService creates a mock that runs until its context is canceled.
func NewMockService(name string) *MockService {
	return &MockService{name: name, started: make(chan struct{}, 16)}
}

// Serve implements suture.Service.
func (m *MockService) Serve(ctx context.Context) error {
	m.starts.Add(1)
	defer m.stops.Add(1)

	select {
	case m.started <- struct{}{}:
	default:
	}

	m.mu.Lock()
	maxFails := m.maxFails
	m.mu.Unlock()

	if maxFails > 0 && m.fails.Add(1) <= maxFails {
		return errors.New("simulated failure")
	}

	<-ctx.Done()
	return ctx.Err()
}

// SetFailCount makes the next n Serve calls fail immediately.
func (m *MockService) SetFailCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxFails = int32(n)
}

// Started receives once per Serve call.
func (m *MockService) Started() <-chan struct{} { return m.started }

// StartCount returns how many times Serve was called.
func (m *MockService) StartCount() int32 { return m.starts.Load() }

// StopCount returns how many times Serve returned.
func (m *MockService) StopCount() int32 { return m.stops.Load() }

func (m *MockService) String() string { return m.name }

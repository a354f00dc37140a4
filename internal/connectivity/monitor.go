// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

// Package connectivity turns raw, possibly flapping reachability signals into
// a debounced online/offline state with edge-triggered callbacks.
//
// A true signal must hold for the stability window before the monitor goes
// online; a false signal takes effect immediately. Each transition runs the
// matching callbacks exactly once, in transition order.
package connectivity

import (
	"sync"
	"time"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
)

// DefaultStabilityWindow is how long a true signal must hold before the
// monitor reports online.
const DefaultStabilityWindow = 2 * time.Second

// Config configures a Monitor.
type Config struct {
	// StabilityWindow debounces offline->online transitions.
	StabilityWindow time.Duration

	// InitialOnline is the state before the first stable signal.
	InitialOnline bool

	// PollInterval is how often InterfaceSource samples the platform.
	PollInterval time.Duration
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		StabilityWindow: DefaultStabilityWindow,
		InitialOnline:   false,
		PollInterval:    time.Second,
	}
}

// Monitor tracks debounced connectivity.
type Monitor struct {
	window time.Duration

	mu      sync.Mutex
	online  bool
	timer   *time.Timer
	gen     uint64
	closed  bool
	nextSub uint64
	onUp    map[uint64]func()
	onDown  map[uint64]func()

	// transitions waiting to be dispatched, oldest first
	pending     []bool
	dispatching bool
}

// NewMonitor creates a monitor in cfg.InitialOnline state.
func NewMonitor(cfg Config) *Monitor {
	window := cfg.StabilityWindow
	if window < 0 {
		window = 0
	}
	m := &Monitor{
		window: window,
		online: cfg.InitialOnline,
		onUp:   make(map[uint64]func()),
		onDown: make(map[uint64]func()),
	}
	setOnlineGauge(m.online)
	return m
}

// IsOnline returns the debounced state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnTransitionToOnline registers cb for offline->online edges.
func (m *Monitor) OnTransitionToOnline(cb func()) (cancel func()) {
	return m.subscribe(m.onUp, cb)
}

// OnTransitionToOffline registers cb for online->offline edges.
func (m *Monitor) OnTransitionToOffline(cb func()) (cancel func()) {
	return m.subscribe(m.onDown, cb)
}

func (m *Monitor) subscribe(subs map[uint64]func(), cb func()) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	subs[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(subs, id)
		m.mu.Unlock()
	}
}

// Report feeds a raw reachability signal into the monitor.
// Repeated equal signals are ignored.
func (m *Monitor) Report(reachable bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if reachable {
		if m.online || m.timer != nil {
			m.mu.Unlock()
			return
		}
		if m.window == 0 {
			m.transitionLocked(true)
			return
		}
		m.gen++
		gen := m.gen
		m.timer = time.AfterFunc(m.window, func() { m.settle(gen) })
		m.mu.Unlock()
		return
	}

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
		m.gen++
		connectivityFlapsSuppressed.Inc()
		logging.Debug().Dur("window", m.window).Msg("Connectivity flap suppressed")
	}
	if !m.online {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(false)
}

// settle fires when a true signal has held for the stability window.
func (m *Monitor) settle(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.timer == nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.transitionLocked(true)
}

// transitionLocked flips state and dispatches callbacks. It must be called
// with mu held and releases it.
func (m *Monitor) transitionLocked(online bool) {
	m.online = online
	setOnlineGauge(online)
	recordTransition(online)
	logging.Info().Bool("online", online).Msg("Connectivity changed")

	m.pending = append(m.pending, online)
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true

	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		subs := m.onDown
		if next {
			subs = m.onUp
		}
		cbs := make([]func(), 0, len(subs))
		for _, cb := range subs {
			cbs = append(cbs, cb)
		}
		m.mu.Unlock()

		for _, cb := range cbs {
			cb()
		}

		m.mu.Lock()
	}
	m.dispatching = false
	m.mu.Unlock()
}

// Close cancels any pending transition. Later reports are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

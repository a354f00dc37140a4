// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package syncengine

import (
	"time"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/queue"
)

// State is the orchestrator's drain state.
type State string

const (
	StateIdle      State = "IDLE"
	StateDraining  State = "DRAINING"
	StateSuspended State = "SUSPENDED"
)

// Reason is why a drain pass was requested.
type Reason string

const (
	// ReasonManual is a user-initiated sync. It drains even while offline.
	ReasonManual Reason = "manual"

	ReasonStartup  Reason = "startup"
	ReasonOnline   Reason = "online"
	ReasonEnqueue  Reason = "enqueue"
	ReasonWake     Reason = "wake"
	ReasonPeriodic Reason = "periodic"
)

// Automatic reports whether the reason is system-initiated. Automatic
// passes are skipped while offline.
func (r Reason) Automatic() bool { return r != ReasonManual }

// EventType classifies orchestrator events.
type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventPassStarted  EventType = "pass_started"
	EventPassFinished EventType = "pass_finished"
	EventItemSynced   EventType = "item_synced"
	EventItemFailed   EventType = "item_failed"
	EventItemStalled  EventType = "item_stalled"
)

// Event is delivered to subscribers from the worker goroutine.
type Event struct {
	Type       EventType
	Time       time.Time
	State      State
	Reason     Reason
	Collection queue.CollectionName
	ItemID     string
	Err        error
	Summary    *PassSummary
}

// PassSummary describes a completed pass.
type PassSummary struct {
	Reason    Reason
	Attempted int
	Succeeded int
	Failed    int
	Stalled   int
	Suspended bool
	Err       error
	Duration  time.Duration
}

// Stats are cumulative orchestrator counters.
type Stats struct {
	Passes     int64
	Skipped    int64
	Coalesced  int64
	LastPassAt time.Time
}

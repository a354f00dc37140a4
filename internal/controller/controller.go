// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

// Package controller exposes the queue to the UI as observable state.
//
// A Controller never gates or deduplicates sync requests itself; any number
// of controllers may share one orchestrator, which alone enforces single-flight
// draining. Store and orchestrator failures surface as State, never as errors
// on the read path.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/queue"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/submission"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/syncengine"
)

// SyncStatus is the coarse sync indicator shown to the user.
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	// StatusError means the orchestrator itself cannot run. Individual item
	// failures never produce it.
	StatusError SyncStatus = "error"
)

// NonDurableWarning is shown while queued work lives only in memory.
const NonDurableWarning = "Offline storage is unavailable. Items queued now will be lost if the app closes."

// State is the UI-facing snapshot.
type State struct {
	PendingCount int        `json:"pending_count"`
	StalledCount int        `json:"stalled_count"`
	SyncStatus   SyncStatus `json:"sync_status"`
	IsOnline     bool       `json:"is_online"`
	Durable      bool       `json:"durable"`
	Warning      string     `json:"warning,omitempty"`
}

// StalledItem is one entry of the "action needed" list.
type StalledItem struct {
	Collection    queue.CollectionName `json:"collection"`
	ID            string               `json:"id"`
	RetryCount    int                  `json:"retry_count"`
	LastError     string               `json:"last_error"`
	CreatedAt     time.Time            `json:"created_at"`
	LastAttemptAt time.Time            `json:"last_attempt_at,omitempty"`
}

// Notifier shows banners that stay until the condition clears.
type Notifier interface {
	PersistentWarning(message string)
}

// Syncer is the orchestrator surface a controller drives.
type Syncer interface {
	Trigger(reason syncengine.Reason)
	State() syncengine.State
	LastPassError() error
	Subscribe(fn func(syncengine.Event)) (unsubscribe func())
	Requeue(ctx context.Context, collection queue.CollectionName, id string) error
	Discard(ctx context.Context, collection queue.CollectionName, id string) error
}

// Options configures optional collaborators.
type Options struct {
	Notifier Notifier
	// StoreErr is the error that forced an in-memory fallback, if any.
	StoreErr error
	// Transcripts fetches transcripts missing from the local cache.
	Transcripts submission.TranscriptSource
}

// ErrNoTranscriptSource is returned by Transcript on a cache miss when no
// source was configured.
var ErrNoTranscriptSource = errors.New("controller: no transcript source configured")

// Controller bridges the store and orchestrator to the UI.
type Controller struct {
	store   *queue.Store
	syncer  Syncer
	monitor syncengine.Monitor
	opts    Options

	// refreshMu serializes recompute and delivery so subscribers see
	// snapshots in order.
	refreshMu sync.Mutex

	mu    sync.RWMutex
	state State

	subMu   sync.Mutex
	subs    map[uint64]func(State)
	nextSub uint64

	closeOnce sync.Once
	unsubs    []func()
}

// New creates a controller and subscribes it to store, orchestrator and
// connectivity changes.
func New(store *queue.Store, syncer Syncer, monitor syncengine.Monitor, opts Options) (*Controller, error) {
	if store == nil || syncer == nil || monitor == nil {
		return nil, errors.New("controller: store, syncer and monitor are required")
	}

	c := &Controller{
		store:   store,
		syncer:  syncer,
		monitor: monitor,
		opts:    opts,
		subs:    make(map[uint64]func(State)),
	}

	if !store.Durable() {
		ev := logging.Warn()
		if opts.StoreErr != nil {
			ev = ev.Err(opts.StoreErr)
		}
		ev.Msg("Queue is not durable, using in-memory storage")
		if opts.Notifier != nil {
			opts.Notifier.PersistentWarning(NonDurableWarning)
		}
	}

	c.unsubs = []func(){
		store.Subscribe(func(queue.Change) { c.Refresh() }),
		syncer.Subscribe(c.onSyncEvent),
		monitor.OnTransitionToOnline(c.Refresh),
		monitor.OnTransitionToOffline(c.Refresh),
	}
	c.Refresh()
	return c, nil
}

func (c *Controller) onSyncEvent(ev syncengine.Event) {
	switch ev.Type {
	case syncengine.EventStateChanged, syncengine.EventPassFinished:
		c.Refresh()
	}
}

// Snapshot returns the latest computed state.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// PendingCount returns non-stalled items across all queued collections.
func (c *Controller) PendingCount() int { return c.Snapshot().PendingCount }

// StalledCount returns items that need user action.
func (c *Controller) StalledCount() int { return c.Snapshot().StalledCount }

// SyncStatus returns the coarse sync indicator.
func (c *Controller) SyncStatus() SyncStatus { return c.Snapshot().SyncStatus }

// IsOnline returns the debounced connectivity state.
func (c *Controller) IsOnline() bool { return c.Snapshot().IsOnline }

// Subscribe registers fn for state changes and immediately delivers the
// current state. fn must not block or call Refresh.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.refreshMu.Lock()
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()
	fn(c.Snapshot())
	c.refreshMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

// Refresh recomputes the snapshot and notifies subscribers if it changed.
func (c *Controller) Refresh() {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	next := c.compute(context.Background())

	c.mu.Lock()
	changed := next != c.state
	c.state = next
	c.mu.Unlock()

	if !changed {
		return
	}

	c.subMu.Lock()
	fns := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}

func (c *Controller) compute(ctx context.Context) State {
	st := State{
		IsOnline: c.monitor.IsOnline(),
		Durable:  c.store.Durable(),
	}
	if !st.Durable {
		st.Warning = NonDurableWarning
	}

	pending, stalled, err := c.counts(ctx)
	switch {
	case err != nil:
		logging.Debug().Err(err).Msg("Queue counts unavailable")
		st.SyncStatus = StatusError
	case c.syncer.LastPassError() != nil:
		st.SyncStatus = StatusError
	default:
		switch c.syncer.State() {
		case syncengine.StateDraining, syncengine.StateSuspended:
			st.SyncStatus = StatusSyncing
		default:
			st.SyncStatus = StatusIdle
		}
	}
	st.PendingCount = pending
	st.StalledCount = stalled
	return st
}

type counter interface {
	Count(ctx context.Context) (int, error)
	CountStalled(ctx context.Context) (int, error)
}

func (c *Controller) counts(ctx context.Context) (pending, stalled int, err error) {
	if c.store.Closed() {
		return 0, 0, queue.ErrStoreClosed
	}
	for _, col := range []counter{c.store.Recordings(), c.store.Documents(), c.store.Operations()} {
		total, err := col.Count(ctx)
		if err != nil {
			return 0, 0, err
		}
		s, err := col.CountStalled(ctx)
		if err != nil {
			return 0, 0, err
		}
		pending += total - s
		stalled += s
	}
	return pending, stalled, nil
}

// SyncNow requests an immediate drain, bypassing the connectivity debounce.
func (c *Controller) SyncNow() {
	c.syncer.Trigger(syncengine.ReasonManual)
}

// QueueRecording durably queues r and returns its id.
func (c *Controller) QueueRecording(ctx context.Context, r *queue.PendingRecording) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return r.ID, c.enqueue(ctx, queue.CollectionRecordings, r.ID, c.store.Recordings().Add(ctx, r))
}

// QueueDocument durably queues d and returns its id.
func (c *Controller) QueueDocument(ctx context.Context, d *queue.PendingDocument) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.SizeBytes == 0 {
		d.SizeBytes = int64(len(d.FilePayload))
	}
	return d.ID, c.enqueue(ctx, queue.CollectionDocuments, d.ID, c.store.Documents().Add(ctx, d))
}

// QueueOperation durably queues op and returns its id.
func (c *Controller) QueueOperation(ctx context.Context, op *queue.PendingOperation) (string, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	return op.ID, c.enqueue(ctx, queue.CollectionOperations, op.ID, c.store.Operations().Add(ctx, op))
}

func (c *Controller) enqueue(ctx context.Context, col queue.CollectionName, id string, addErr error) error {
	log := logging.Ctx(ctx)
	switch {
	case errors.Is(addErr, queue.ErrDuplicateKey):
		log.Warn().Str("collection", string(col)).Str("id", id).Msg("Item already queued, ignoring")
		return nil
	case addErr != nil:
		return fmt.Errorf("queue %s: %w", col, addErr)
	}

	log.Debug().Str("collection", string(col)).Str("id", id).Msg("Item queued")
	if c.monitor.IsOnline() {
		c.syncer.Trigger(syncengine.ReasonEnqueue)
	}
	return nil
}

// StalledItems lists items that need user action, oldest first per collection.
// Entries come from the stalled index, so payloads are never loaded.
func (c *Controller) StalledItems(ctx context.Context) ([]StalledItem, error) {
	sources := []struct {
		name   queue.CollectionName
		states func(context.Context) ([]queue.StateEntry, error)
	}{
		{queue.CollectionRecordings, c.store.Recordings().StalledStates},
		{queue.CollectionDocuments, c.store.Documents().StalledStates},
		{queue.CollectionOperations, c.store.Operations().StalledStates},
	}

	var out []StalledItem
	for _, src := range sources {
		entries, err := src.states(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, StalledItem{
				Collection:    src.name,
				ID:            e.ID,
				RetryCount:    e.RetryCount,
				LastError:     e.LastError,
				CreatedAt:     e.CreatedAt,
				LastAttemptAt: e.LastAttemptAt,
			})
		}
	}
	return out, nil
}

// Retry clears an item's failure state and requests a manual drain.
func (c *Controller) Retry(ctx context.Context, collection queue.CollectionName, id string) error {
	return c.syncer.Requeue(ctx, collection, id)
}

// Discard permanently drops a queued item.
func (c *Controller) Discard(ctx context.Context, collection queue.CollectionName, id string) error {
	return c.syncer.Discard(ctx, collection, id)
}

// Transcript returns a recording's transcript from the local cache, fetching
// and caching it on a miss.
func (c *Controller) Transcript(ctx context.Context, recordingID string) (*queue.CachedTranscript, error) {
	return c.store.Transcripts().GetOrFetch(ctx, recordingID, func(ctx context.Context) (*queue.CachedTranscript, error) {
		if c.opts.Transcripts == nil {
			return nil, ErrNoTranscriptSource
		}
		return c.opts.Transcripts.FetchTranscript(ctx, recordingID)
	})
}

// Close detaches the controller from its sources. Safe to call more than once.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.unsubs = nil
	})
}

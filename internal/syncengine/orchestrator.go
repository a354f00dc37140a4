// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

// Package syncengine drains the durable queue to the server.
//
// One Orchestrator exists per process. A single worker goroutine runs drain
// passes; triggers that arrive while a pass runs are coalesced into exactly
// one follow-up pass. Within a collection items are attempted strictly in
// creation order, one at a time, and the outcome of each attempt is committed
// to the store before the next attempt starts. Only a definitive server
// acknowledgment deletes an item.
//
// State machine:
//
//	IDLE --trigger--> DRAINING --pass done--> IDLE
//	DRAINING --offline--> SUSPENDED --in-flight attempt recorded--> IDLE
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/queue"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/submission"
	"golang.org/x/sync/errgroup"
)

// Monitor is the connectivity view the orchestrator needs.
type Monitor interface {
	IsOnline() bool
	OnTransitionToOnline(cb func()) (cancel func())
	OnTransitionToOffline(cb func()) (cancel func())
}

// Orchestrator owns every write to the retry bookkeeping of queued items.
type Orchestrator struct {
	store   *queue.Store
	api     submission.API
	monitor Monitor
	creds   submission.Credentials
	config  Config
	lanes   map[queue.CollectionName]*lane
	order   []queue.CollectionName

	// kick has capacity 1: at most one pass is ever pending.
	kick chan struct{}

	// Control
	ctx    context.Context
	cancel context.CancelFunc

	// Lifecycle - protected by mu
	mu       sync.Mutex
	running  bool
	stopping bool
	stopDone chan struct{}
	unsubs   []func()

	// Drain state - protected by stateMu
	stateMu       sync.Mutex
	state         State
	pendingReason Reason
	pendingManual bool
	floors        map[queue.CollectionName]time.Time
	wake          *time.Timer
	lastPassErr   error
	stats         Stats

	subMu   sync.Mutex
	subs    map[uint64]func(Event)
	nextSub uint64
}

// New creates an orchestrator. creds may be nil when the API needs no auth.
func New(store *queue.Store, api submission.API, monitor Monitor, creds submission.Credentials, cfg Config) (*Orchestrator, error) {
	if store == nil || api == nil || monitor == nil {
		return nil, errors.New("syncengine: store, api and monitor are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setStateGauge(StateIdle)
	return &Orchestrator{
		store:   store,
		api:     api,
		monitor: monitor,
		creds:   creds,
		config:  cfg,
		lanes:   newLanes(store, api),
		order:   cfg.drainOrder(),
		kick:    make(chan struct{}, 1),
		state:   StateIdle,
		floors:  make(map[queue.CollectionName]time.Time),
		subs:    make(map[uint64]func(Event)),
	}, nil
}

// Start launches the worker and requests a startup pass.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	for o.stopping {
		stopDone := o.stopDone
		o.mu.Unlock()
		<-stopDone
		o.mu.Lock()
	}
	if o.running {
		o.mu.Unlock()
		return nil
	}

	o.ctx, o.cancel = context.WithCancel(ctx)
	o.running = true
	o.stopDone = make(chan struct{})
	loopCtx := o.ctx
	done := o.stopDone

	o.unsubs = []func(){
		o.monitor.OnTransitionToOnline(func() { o.Trigger(ReasonOnline) }),
		o.monitor.OnTransitionToOffline(o.suspend),
	}
	o.mu.Unlock()

	go o.run(loopCtx, done)

	logging.Info().
		Int("max_attempts", o.config.MaxAttempts).
		Bool("parallel", o.config.Parallel).
		Msg("Sync orchestrator started")

	o.Trigger(ReasonStartup)
	return nil
}

// Stop cancels the worker and waits for it to exit. An attempt in flight is
// abandoned without bookkeeping; the item stays queued unchanged.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running || o.stopping {
		o.mu.Unlock()
		return
	}
	o.cancel()
	o.running = false
	o.stopping = true
	stopDone := o.stopDone
	unsubs := o.unsubs
	o.unsubs = nil
	o.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	<-stopDone

	o.stateMu.Lock()
	if o.wake != nil {
		o.wake.Stop()
		o.wake = nil
	}
	o.stateMu.Unlock()

	o.mu.Lock()
	o.stopping = false
	o.mu.Unlock()

	logging.Info().Msg("Sync orchestrator stopped")
}

// IsRunning returns whether the worker is active.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// State returns the current drain state.
func (o *Orchestrator) State() State {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

// Stats returns cumulative counters.
func (o *Orchestrator) Stats() Stats {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.stats
}

// LastPassError returns the store error that ended the last pass early, or nil.
func (o *Orchestrator) LastPassError() error {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.lastPassErr
}

// Subscribe registers fn for orchestrator events. fn must not block.
func (o *Orchestrator) Subscribe(fn func(Event)) (unsubscribe func()) {
	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.subs, id)
			o.subMu.Unlock()
		})
	}
}

func (o *Orchestrator) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	o.subMu.Lock()
	fns := make([]func(Event), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Trigger requests a drain pass and never blocks. While a pass is pending or
// running, further triggers fold into a single follow-up pass. A manual
// trigger upgrades a pending automatic one.
func (o *Orchestrator) Trigger(reason Reason) {
	o.stateMu.Lock()
	if !reason.Automatic() {
		o.pendingManual = true
		o.pendingReason = reason
	} else if !o.pendingManual {
		o.pendingReason = reason
	}
	o.stateMu.Unlock()

	select {
	case o.kick <- struct{}{}:
	default:
		o.stateMu.Lock()
		o.stats.Coalesced++
		o.stateMu.Unlock()
		syncCoalescedTriggers.Inc()
	}
}

func (o *Orchestrator) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var periodic <-chan time.Time
	if o.config.PeriodicInterval > 0 {
		ticker := time.NewTicker(o.config.PeriodicInterval)
		defer ticker.Stop()
		periodic = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-periodic:
			o.Trigger(ReasonPeriodic)
		case <-o.kick:
			o.stateMu.Lock()
			reason, manual := o.pendingReason, o.pendingManual
			o.pendingReason, o.pendingManual = "", false
			o.stateMu.Unlock()
			if reason == "" {
				reason = ReasonPeriodic
			}
			o.runPass(ctx, reason, manual)
		}
	}
}

// suspend moves a running pass to SUSPENDED. The attempt in flight finishes
// and is recorded; no further item starts.
func (o *Orchestrator) suspend() {
	o.stateMu.Lock()
	if o.state != StateDraining {
		o.stateMu.Unlock()
		return
	}
	o.state = StateSuspended
	o.stateMu.Unlock()

	setStateGauge(StateSuspended)
	logging.Info().Msg("Connectivity lost, suspending drain")
	o.emit(Event{Type: EventStateChanged, State: StateSuspended})
}

func (o *Orchestrator) setState(s State) {
	o.stateMu.Lock()
	if o.state == s {
		o.stateMu.Unlock()
		return
	}
	o.state = s
	o.stateMu.Unlock()

	setStateGauge(s)
	o.emit(Event{Type: EventStateChanged, State: s})
}

func (o *Orchestrator) suspended() bool {
	return o.State() == StateSuspended
}

// passResult accumulates a pass's outcome across lanes.
type passResult struct {
	mu       sync.Mutex
	summary  PassSummary
	nextWake time.Time
}

func (r *passResult) wakeAt(t time.Time) {
	if t.IsZero() {
		return
	}
	r.mu.Lock()
	if r.nextWake.IsZero() || t.Before(r.nextWake) {
		r.nextWake = t
	}
	r.mu.Unlock()
}

func (r *passResult) add(fn func(s *PassSummary)) {
	r.mu.Lock()
	fn(&r.summary)
	r.mu.Unlock()
}

func (o *Orchestrator) runPass(ctx context.Context, reason Reason, manual bool) {
	if !manual && !o.monitor.IsOnline() {
		o.stateMu.Lock()
		o.stats.Skipped++
		o.stateMu.Unlock()
		syncPassesSkipped.WithLabelValues(string(reason)).Inc()
		logging.Debug().Str("reason", string(reason)).Msg("Offline, skipping automatic drain")
		return
	}

	ctx = logging.ContextWithNewCorrelationID(ctx)
	log := logging.Ctx(ctx)
	start := time.Now()

	o.stateMu.Lock()
	o.stats.Passes++
	o.stateMu.Unlock()
	syncPasses.WithLabelValues(string(reason)).Inc()

	o.setState(StateDraining)
	o.emit(Event{Type: EventPassStarted, State: StateDraining, Reason: reason})
	log.Debug().Str("reason", string(reason)).Msg("Drain pass started")

	result := &passResult{summary: PassSummary{Reason: reason}}
	var passErr error
	if o.config.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range o.order {
			l := o.lanes[name]
			g.Go(func() error { return o.drainLane(gctx, l, result) })
		}
		passErr = g.Wait()
	} else {
		var errs []error
		for _, name := range o.order {
			if err := o.drainLane(ctx, o.lanes[name], result); err != nil {
				errs = append(errs, err)
			}
		}
		passErr = errors.Join(errs...)
	}
	if errors.Is(passErr, context.Canceled) && ctx.Err() != nil {
		passErr = nil
	}

	summary := result.summary
	summary.Suspended = o.suspended()
	summary.Err = passErr
	summary.Duration = time.Since(start)

	o.stateMu.Lock()
	o.lastPassErr = passErr
	o.stats.LastPassAt = time.Now()
	o.stateMu.Unlock()

	o.armWake(result.nextWake)
	o.setState(StateIdle)
	o.emit(Event{Type: EventPassFinished, State: StateIdle, Reason: reason, Err: passErr, Summary: &summary})

	ev := log.Info()
	if passErr != nil {
		ev = log.Error().Err(passErr)
	}
	ev.Str("reason", string(reason)).
		Int("attempted", summary.Attempted).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("stalled", summary.Stalled).
		Bool("suspended", summary.Suspended).
		Dur("duration", summary.Duration).
		Msg("Drain pass finished")
}

// drainLane attempts every eligible item of one collection in creation order.
// Ids are listed once; each item is re-read right before its attempt so an
// item discarded mid-pass is never sent. It returns an error only when the
// store itself fails.
func (o *Orchestrator) drainLane(ctx context.Context, l *lane, result *passResult) error {
	ids, err := l.ids(ctx)
	if err != nil {
		return fmt.Errorf("list %s: %w", l.name, err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return nil
		}
		if o.suspended() {
			return nil
		}

		now := time.Now()
		if floor := o.floor(l.name); now.Before(floor) {
			result.wakeAt(floor)
			return nil
		}

		item, err := l.get(ctx, id)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("load %s %q: %w", l.name, id, err)
		}

		state := item.State()
		if state.Stalled {
			continue
		}
		if !state.Eligible(now) {
			result.wakeAt(state.NextAttemptAt)
			continue
		}

		if err := o.attempt(ctx, l, item, result); err != nil {
			return err
		}
	}
	return nil
}

// deferRejected reschedules an item the circuit breaker refused. Nothing
// reached the server, so the retry count is left alone and the rest of the
// collection waits out the same delay.
func (o *Orchestrator) deferRejected(ctx context.Context, l *lane, id string, state *queue.QueueState, cause error, now time.Time, result *passResult) error {
	next := now.Add(o.config.Backoff(id, max(state.RetryCount, 1)))
	lastErr := cause.Error()
	if _, err := l.update(ctx, id, queue.Patch{LastError: &lastErr, NextAttemptAt: &next}); err != nil {
		return fmt.Errorf("defer %s %q: %w", l.name, id, err)
	}
	o.raiseFloor(l.name, next)
	result.wakeAt(next)

	syncAttempts.WithLabelValues(string(l.name), "rejected").Inc()
	result.add(func(s *PassSummary) { s.Failed++ })
	logging.Ctx(ctx).Warn().Err(cause).
		Str("collection", string(l.name)).
		Str("id", id).
		Time("next_attempt_at", next).
		Msg("Submission refused by circuit breaker, deferring")
	o.emit(Event{Type: EventItemFailed, Collection: l.name, ItemID: id, Err: cause})
	return nil
}

func (o *Orchestrator) floor(name queue.CollectionName) time.Time {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.floors[name]
}

func (o *Orchestrator) raiseFloor(name queue.CollectionName, t time.Time) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if t.After(o.floors[name]) {
		o.floors[name] = t
	}
}

// attempt submits one item and commits the outcome before returning.
func (o *Orchestrator) attempt(ctx context.Context, l *lane, item queue.Item, result *passResult) error {
	id := item.ItemID()
	log := logging.Ctx(ctx)

	attemptCtx, cancel := context.WithTimeout(ctx, o.config.timeoutFor(l.name))
	start := time.Now()
	_, submitErr := l.submit(attemptCtx, item)
	cancel()
	syncAttemptDuration.WithLabelValues(string(l.name)).Observe(time.Since(start).Seconds())

	if submitErr != nil && ctx.Err() != nil {
		// Shutting down: the attempt was cut short, not answered.
		return nil
	}

	// Bookkeeping must land even if the pass is being canceled.
	writeCtx := context.WithoutCancel(ctx)
	now := time.Now()
	result.add(func(s *PassSummary) { s.Attempted++ })

	class := submission.Classify(submitErr)
	if class == submission.ClassNone {
		if err := l.remove(writeCtx, id); err != nil {
			return fmt.Errorf("delete acknowledged %s %q: %w", l.name, id, err)
		}
		syncAttempts.WithLabelValues(string(l.name), "success").Inc()
		result.add(func(s *PassSummary) { s.Succeeded++ })
		log.Debug().Str("collection", string(l.name)).Str("id", id).Msg("Item synced")
		o.emit(Event{Type: EventItemSynced, Collection: l.name, ItemID: id})
		return nil
	}

	state := item.State()
	if submission.IsRejectedLocally(submitErr) {
		return o.deferRejected(writeCtx, l, id, state, submitErr, now, result)
	}

	retries := state.RetryCount + 1
	lastErr := submitErr.Error()
	patch := queue.Patch{RetryCount: &retries, LastError: &lastErr, LastAttemptAt: &now}

	stalled := class == submission.ClassTerminal || retries >= o.config.MaxAttempts
	if stalled {
		patch.Stalled = &stalled
	} else {
		next := now.Add(o.config.Backoff(id, retries))
		if submission.IsRateLimited(submitErr) {
			floor := now.Add(submission.RetryAfterOf(submitErr))
			if floor.After(now) {
				o.raiseFloor(l.name, floor)
				result.wakeAt(floor)
			}
			if floor.After(next) {
				next = floor
			}
		}
		patch.NextAttemptAt = &next
		result.wakeAt(next)
	}

	if _, err := l.update(writeCtx, id, patch); err != nil {
		return fmt.Errorf("record failure of %s %q: %w", l.name, id, err)
	}

	syncAttempts.WithLabelValues(string(l.name), class.String()).Inc()
	result.add(func(s *PassSummary) {
		s.Failed++
		if stalled {
			s.Stalled++
		}
	})

	ev := log.Warn()
	if stalled {
		ev = log.Error()
	}
	ev.Err(submitErr).
		Str("collection", string(l.name)).
		Str("id", id).
		Int("retry_count", retries).
		Str("class", class.String()).
		Bool("stalled", stalled).
		Msg("Item attempt failed")

	if stalled {
		o.emit(Event{Type: EventItemStalled, Collection: l.name, ItemID: id, Err: submitErr})
	} else {
		o.emit(Event{Type: EventItemFailed, Collection: l.name, ItemID: id, Err: submitErr})
	}

	if class == submission.ClassAuth && o.creds != nil {
		if err := o.creds.Refresh(writeCtx); err != nil {
			log.Warn().Err(err).Msg("Credential refresh failed")
		}
	}
	return nil
}

// armWake schedules a pass for the earliest pending retry, replacing any
// previously armed wake-up.
func (o *Orchestrator) armWake(at time.Time) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	if o.wake != nil {
		o.wake.Stop()
		o.wake = nil
	}
	if at.IsZero() {
		return
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	o.wake = time.AfterFunc(delay, func() { o.Trigger(ReasonWake) })
}

func (o *Orchestrator) lane(name queue.CollectionName) (*lane, error) {
	l, ok := o.lanes[name]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", name)
	}
	return l, nil
}

// Requeue clears an item's retry state (including stalled) and requests a
// manual pass.
func (o *Orchestrator) Requeue(ctx context.Context, collection queue.CollectionName, id string) error {
	l, err := o.lane(collection)
	if err != nil {
		return err
	}

	zero := 0
	empty := ""
	notStalled := false
	var immediately time.Time
	ok, err := l.update(ctx, id, queue.Patch{
		RetryCount:    &zero,
		LastError:     &empty,
		Stalled:       &notStalled,
		NextAttemptAt: &immediately,
	})
	if err != nil {
		return fmt.Errorf("requeue %s %q: %w", collection, id, err)
	}
	if !ok {
		return fmt.Errorf("requeue %s %q: %w", collection, id, queue.ErrNotFound)
	}

	logging.Info().Str("collection", string(collection)).Str("id", id).Msg("Item requeued by user")
	o.Trigger(ReasonManual)
	return nil
}

// Discard permanently removes an item without submitting it.
func (o *Orchestrator) Discard(ctx context.Context, collection queue.CollectionName, id string) error {
	l, err := o.lane(collection)
	if err != nil {
		return err
	}
	if err := l.remove(ctx, id); err != nil {
		return fmt.Errorf("discard %s %q: %w", collection, id, err)
	}
	logging.Info().Str("collection", string(collection)).Str("id", id).Msg("Item discarded by user")
	return nil
}

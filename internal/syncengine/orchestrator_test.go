// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package syncengine

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/connectivity"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/queue"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/submission"
)

// Test helpers

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Hour
	cfg.BackoffMax = 2 * time.Hour
	cfg.PeriodicInterval = 0
	return cfg
}

func storeConfig(t *testing.T) queue.Config {
	t.Helper()
	cfg := queue.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "queue")
	cfg.SyncWrites = false
	cfg.MemTableSize = 16 * 1024 * 1024
	cfg.ValueLogFileSize = 16 * 1024 * 1024
	cfg.BlockCacheSize = 8 * 1024 * 1024
	return cfg
}

func setupStore(t *testing.T) *queue.Store {
	t.Helper()
	s, err := queue.OpenInMemory(storeConfig(t))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMonitor(t *testing.T, online bool) *connectivity.Monitor {
	t.Helper()
	m := connectivity.NewMonitor(connectivity.Config{StabilityWindow: 0, InitialOnline: online})
	t.Cleanup(m.Close)
	return m
}

type fixture struct {
	store   *queue.Store
	api     *submission.MemoryAPI
	monitor *connectivity.Monitor
	orch    *Orchestrator
}

func setup(t *testing.T, cfg Config, online bool) *fixture {
	t.Helper()
	f := &fixture{
		store:   setupStore(t),
		api:     submission.NewMemoryAPI(),
		monitor: newMonitor(t, online),
	}
	orch, err := New(f.store, f.api, f.monitor, nil, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.orch = orch
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(f.orch.Stop)
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// waitPasses waits until n passes have completed and the worker is idle.
func (f *fixture) waitPasses(t *testing.T, n int64) {
	t.Helper()
	ok := waitFor(t, 5*time.Second, func() bool {
		st := f.orch.Stats()
		return st.Passes >= n && !st.LastPassAt.IsZero() && f.orch.State() == StateIdle && len(f.orch.kick) == 0
	})
	if !ok {
		t.Fatalf("Timed out waiting for %d passes (have %d, state %s)", n, f.orch.Stats().Passes, f.orch.State())
	}
}

func addRecording(t *testing.T, s *queue.Store, id string, created time.Time) {
	t.Helper()
	err := s.Recordings().Add(context.Background(), &queue.PendingRecording{
		ID:           id,
		Mode:         queue.ModeDictation,
		ConsentType:  queue.ConsentVerbal,
		AudioPayload: []byte("audio-" + id),
		QueueState:   queue.QueueState{CreatedAt: created},
	})
	if err != nil {
		t.Fatalf("Add recording %s failed: %v", id, err)
	}
}

func addOperation(t *testing.T, s *queue.Store, id string, created time.Time) {
	t.Helper()
	err := s.Operations().Add(context.Background(), &queue.PendingOperation{
		ID:         id,
		EntityType: queue.EntityLetter,
		Verb:       queue.VerbUpdate,
		Payload:    []byte(`{"body":"` + id + `"}`),
		QueueState: queue.QueueState{CreatedAt: created},
	})
	if err != nil {
		t.Fatalf("Add operation %s failed: %v", id, err)
	}
}

func addDocument(t *testing.T, s *queue.Store, id string) {
	t.Helper()
	err := s.Documents().Add(context.Background(), &queue.PendingDocument{
		ID:          id,
		Filename:    id + ".pdf",
		MimeType:    "application/pdf",
		FilePayload: []byte("%PDF"),
		SizeBytes:   4,
	})
	if err != nil {
		t.Fatalf("Add document %s failed: %v", id, err)
	}
}

func count(t *testing.T, s *queue.Store) int {
	t.Helper()
	ctx := context.Background()
	r, err1 := s.Recordings().Count(ctx)
	d, err2 := s.Documents().Count(ctx)
	o, err3 := s.Operations().Count(ctx)
	if err := errors.Join(err1, err2, err3); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	return r + d + o
}

type countingCreds struct {
	refreshes atomic.Int32
}

func (c *countingCreds) Token(context.Context) (string, error) { return "tok", nil }
func (c *countingCreds) Refresh(context.Context) error {
	c.refreshes.Add(1)
	return nil
}

func TestBackoff(t *testing.T) {
	cfg := Config{BackoffBase: 2 * time.Second, BackoffMax: 5 * time.Minute}

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{200, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := cfg.Backoff("item", tt.retries); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}

func TestBackoff_Jitter(t *testing.T) {
	cfg := Config{BackoffBase: 10 * time.Second, BackoffMax: time.Hour, JitterFraction: 0.2}
	noJitter := Config{BackoffBase: cfg.BackoffBase, BackoffMax: cfg.BackoffMax}

	for retries := 1; retries <= 6; retries++ {
		base := noJitter.Backoff("x", retries)
		got := cfg.Backoff("item-a", retries)
		low := time.Duration(float64(base) * 0.8)
		high := time.Duration(float64(base) * 1.2)
		if got < low || got > high {
			t.Errorf("retries=%d: %v outside [%v, %v]", retries, got, low, high)
		}
		if again := cfg.Backoff("item-a", retries); again != got {
			t.Errorf("retries=%d: jitter not deterministic (%v vs %v)", retries, got, again)
		}
	}

	if got := cfg.Backoff("item-a", 50); got > cfg.BackoffMax {
		t.Errorf("Jittered delay %v exceeds cap", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, true},
		{"max below base", func(c *Config) { c.BackoffMax = time.Second }, true},
		{"jitter one", func(c *Config) { c.JitterFraction = 1 }, true},
		{"unknown collection", func(c *Config) { c.Priority = []queue.CollectionName{"letters"} }, true},
		{"duplicate collection", func(c *Config) {
			c.Priority = []queue.CollectionName{queue.CollectionDocuments, queue.CollectionDocuments}
		}, true},
		{"partial priority", func(c *Config) { c.Priority = []queue.CollectionName{queue.CollectionOperations} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Priority = []queue.CollectionName{queue.CollectionOperations}
	order := cfg.drainOrder()
	if len(order) != 3 || order[0] != queue.CollectionOperations || order[1] != queue.CollectionRecordings {
		t.Errorf("Unexpected drain order: %v", order)
	}
}

func TestOrchestrator_DrainsInCreationOrder(t *testing.T) {
	f := setup(t, testConfig(), true)

	var mu sync.Mutex
	var order []string
	f.api.SetHandler(func(_ context.Context, _ submission.Kind, id string) error {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		return nil
	})

	base := time.Now().Add(-time.Hour)
	addRecording(t, f.store, "third", base.Add(2*time.Second))
	addRecording(t, f.store, "first", base)
	addRecording(t, f.store, "second", base.Add(time.Second))

	f.start(t)
	f.waitPasses(t, 1)

	if n := count(t, f.store); n != 0 {
		t.Fatalf("Expected empty queue, %d left", n)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("Submission order %v, want %v", order, want)
	}
	if f.api.Records(submission.KindRecording) != 3 {
		t.Errorf("Expected 3 server records, got %d", f.api.Records(submission.KindRecording))
	}
}

func TestOrchestrator_RetryableFailureSchedulesBackoff(t *testing.T) {
	f := setup(t, testConfig(), true)
	addRecording(t, f.store, "r1", time.Time{})
	f.api.FailNext("r1", &submission.Error{Op: "submit recording", StatusCode: http.StatusServiceUnavailable})

	before := time.Now()
	f.start(t)
	f.waitPasses(t, 1)

	got, err := f.store.Recordings().Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Item must stay queued after a retryable failure: %v", err)
	}
	if got.RetryCount != 1 || got.Stalled {
		t.Errorf("Expected RetryCount=1 not stalled, got %+v", got.QueueState)
	}
	if !strings.Contains(got.LastError, "503") {
		t.Errorf("LastError should mention 503, got %q", got.LastError)
	}
	minNext := before.Add(time.Duration(float64(time.Hour) * 0.8))
	if got.NextAttemptAt.Before(minNext) {
		t.Errorf("NextAttemptAt %v earlier than backoff allows", got.NextAttemptAt)
	}

	// Not eligible yet: a manual pass must not attempt it again.
	f.orch.Trigger(ReasonManual)
	f.waitPasses(t, 2)
	if calls := f.api.Calls(submission.KindRecording); calls != 1 {
		t.Errorf("Expected 1 attempt before backoff elapsed, got %d", calls)
	}
}

func TestOrchestrator_TerminalFailureStallsWithoutBlocking(t *testing.T) {
	f := setup(t, testConfig(), true)
	base := time.Now().Add(-time.Minute)
	addOperation(t, f.store, "bad", base)
	addOperation(t, f.store, "good", base.Add(time.Second))
	f.api.FailNext("bad", &submission.Error{Op: "submit operation", StatusCode: http.StatusUnprocessableEntity, Message: "letter not found"})

	var stalledEvents atomic.Int32
	f.orch.Subscribe(func(ev Event) {
		if ev.Type == EventItemStalled {
			stalledEvents.Add(1)
		}
	})

	f.start(t)
	f.waitPasses(t, 1)

	bad, err := f.store.Operations().Get(context.Background(), "bad")
	if err != nil {
		t.Fatalf("Stalled item must not be deleted: %v", err)
	}
	if !bad.Stalled || bad.RetryCount != 1 || !strings.Contains(bad.LastError, "letter not found") {
		t.Errorf("Expected stalled with reason, got %+v", bad.QueueState)
	}
	if _, err := f.store.Operations().Get(context.Background(), "good"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("Later item should have synced, got %v", err)
	}
	if stalledEvents.Load() != 1 {
		t.Errorf("Expected 1 stalled event, got %d", stalledEvents.Load())
	}

	// Stalled items are never retried automatically.
	f.orch.Trigger(ReasonManual)
	f.waitPasses(t, 2)
	if calls := f.api.Calls(submission.KindOperation); calls != 2 {
		t.Errorf("Stalled item was retried: %d calls", calls)
	}
}

func TestOrchestrator_StallsAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	cfg.JitterFraction = 0
	f := setup(t, cfg, true)

	addRecording(t, f.store, "flaky", time.Time{})
	for i := 0; i < 10; i++ {
		f.api.FailNext("flaky", &submission.Error{Op: "submit recording", StatusCode: http.StatusBadGateway})
	}

	f.start(t)

	ok := waitFor(t, 5*time.Second, func() bool {
		got, err := f.store.Recordings().Get(context.Background(), "flaky")
		return err == nil && got.Stalled
	})
	if !ok {
		t.Fatal("Item never stalled")
	}
	got, _ := f.store.Recordings().Get(context.Background(), "flaky")
	if got.RetryCount != 3 {
		t.Errorf("Expected RetryCount=3, got %d", got.RetryCount)
	}

	time.Sleep(50 * time.Millisecond)
	if calls := f.api.Calls(submission.KindRecording); calls != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", calls)
	}
}

func TestOrchestrator_SingleFlightCoalescing(t *testing.T) {
	f := setup(t, testConfig(), true)
	addRecording(t, f.store, "r1", time.Time{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.api.SetHandler(func(ctx context.Context, _ submission.Kind, _ string) error {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	f.start(t)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("First pass never reached the server")
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.orch.Trigger(ReasonManual)
		}()
	}
	wg.Wait()
	close(release)

	f.waitPasses(t, 2)
	time.Sleep(50 * time.Millisecond)

	st := f.orch.Stats()
	if st.Passes != 2 {
		t.Errorf("Expected exactly 2 passes, got %d", st.Passes)
	}
	if st.Coalesced < 1 {
		t.Errorf("Expected at least 1 coalesced trigger, got %d", st.Coalesced)
	}
	if calls := f.api.Calls(submission.KindRecording); calls != 1 {
		t.Errorf("Item submitted %d times, want 1", calls)
	}
}

func TestOrchestrator_AutomaticTriggerSkippedOffline(t *testing.T) {
	f := setup(t, testConfig(), false)
	addRecording(t, f.store, "r1", time.Time{})
	f.start(t)
	if !waitFor(t, 2*time.Second, func() bool { return f.orch.Stats().Skipped >= 1 }) {
		t.Fatal("Startup pass was not skipped")
	}

	f.orch.Trigger(ReasonEnqueue)
	ok := waitFor(t, 2*time.Second, func() bool { return f.orch.Stats().Skipped >= 2 })
	if !ok {
		t.Fatalf("Expected startup and enqueue passes to be skipped, stats %+v", f.orch.Stats())
	}
	if f.api.Calls(submission.KindRecording) != 0 {
		t.Error("Offline automatic pass reached the server")
	}

	// A user-initiated sync still drains while offline.
	f.orch.Trigger(ReasonManual)
	f.waitPasses(t, 1)
	if n := count(t, f.store); n != 0 {
		t.Errorf("Manual sync should have drained the queue, %d left", n)
	}
}

func TestOrchestrator_OnlineTransitionTriggersDrain(t *testing.T) {
	f := setup(t, testConfig(), false)
	f.start(t)
	addRecording(t, f.store, "r1", time.Time{})

	f.monitor.Report(true)
	f.waitPasses(t, 1)

	if n := count(t, f.store); n != 0 {
		t.Errorf("Expected drain after coming online, %d left", n)
	}
	if got := f.orch.Stats().Passes; got != 1 {
		t.Errorf("Expected 1 pass, got %d", got)
	}
}

func TestOrchestrator_OfflineDuringPassSuspends(t *testing.T) {
	f := setup(t, testConfig(), true)
	base := time.Now().Add(-time.Minute)
	addRecording(t, f.store, "r1", base)
	addRecording(t, f.store, "r2", base.Add(time.Second))

	f.api.SetHandler(func(_ context.Context, _ submission.Kind, id string) error {
		if id == "r1" {
			f.monitor.Report(false)
		}
		return nil
	})

	var mu sync.Mutex
	var states []State
	f.orch.Subscribe(func(ev Event) {
		if ev.Type == EventStateChanged {
			mu.Lock()
			states = append(states, ev.State)
			mu.Unlock()
		}
	})

	f.start(t)
	f.waitPasses(t, 1)

	if _, err := f.store.Recordings().Get(context.Background(), "r1"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("In-flight attempt should have been recorded, got %v", err)
	}
	r2, err := f.store.Recordings().Get(context.Background(), "r2")
	if err != nil {
		t.Fatalf("r2 should still be queued: %v", err)
	}
	if r2.RetryCount != 0 {
		t.Errorf("r2 should not have been attempted, RetryCount=%d", r2.RetryCount)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateDraining, StateSuspended, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("State sequence %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("State sequence %v, want %v", states, want)
			break
		}
	}
}

func TestOrchestrator_RateLimitFloorHoldsCollection(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffBase = time.Second
	cfg.JitterFraction = 0
	cfg.Priority = []queue.CollectionName{queue.CollectionOperations, queue.CollectionDocuments, queue.CollectionRecordings}
	f := setup(t, cfg, true)

	base := time.Now().Add(-time.Minute)
	addOperation(t, f.store, "op1", base)
	addOperation(t, f.store, "op2", base.Add(time.Second))
	addDocument(t, f.store, "doc1")
	f.api.FailNext("op1", &submission.Error{Op: "submit operation", StatusCode: http.StatusTooManyRequests, RetryAfter: time.Hour})

	before := time.Now()
	f.start(t)
	f.waitPasses(t, 1)

	op1, err := f.store.Operations().Get(context.Background(), "op1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if op1.NextAttemptAt.Before(before.Add(59 * time.Minute)) {
		t.Errorf("Retry-After not honoured: next attempt %v", op1.NextAttemptAt)
	}
	if calls := f.api.Calls(submission.KindOperation); calls != 1 {
		t.Errorf("Rest of the collection should wait for the floor, got %d calls", calls)
	}
	if f.api.Records(submission.KindDocument) != 1 {
		t.Error("Other collections should proceed during a rate limit")
	}
}

func TestOrchestrator_BreakerRejectionDoesNotCountAsAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	f := setup(t, cfg, true)
	addRecording(t, f.store, "r1", time.Time{})
	addRecording(t, f.store, "r2", time.Time{})
	f.api.FailNext("r1", &submission.Error{Op: "submit recording", Err: gobreaker.ErrOpenState})

	f.start(t)
	f.waitPasses(t, 1)

	ctx := context.Background()
	got, err := f.store.Recordings().Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Stalled {
		t.Error("Refused submission must not stall the item")
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}
	if !got.NextAttemptAt.After(time.Now()) {
		t.Errorf("Expected a future NextAttemptAt, got %v", got.NextAttemptAt)
	}
	if !strings.Contains(got.LastError, "circuit breaker is open") {
		t.Errorf("Unexpected LastError %q", got.LastError)
	}

	if n := f.api.Calls(submission.KindRecording); n != 1 {
		t.Errorf("Expected the collection to wait after a refusal, got %d calls", n)
	}
	if n, _ := f.store.Recordings().Count(ctx); n != 2 {
		t.Errorf("Expected both items still queued, got %d", n)
	}
}

func TestOrchestrator_AuthFailureRefreshesCredentials(t *testing.T) {
	store := setupStore(t)
	api := submission.NewMemoryAPI()
	creds := &countingCreds{}
	orch, err := New(store, api, newMonitor(t, true), creds, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	addRecording(t, store, "r1", time.Time{})
	api.FailNext("r1", &submission.Error{Op: "submit recording", StatusCode: http.StatusUnauthorized})

	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer orch.Stop()

	if !waitFor(t, 5*time.Second, func() bool { return creds.refreshes.Load() == 1 }) {
		t.Fatal("Credentials were not refreshed after 401")
	}
	got, err := store.Recordings().Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Stalled || got.RetryCount != 1 {
		t.Errorf("401 should be retryable, got %+v", got.QueueState)
	}
}

func TestOrchestrator_RequeueAndDiscard(t *testing.T) {
	f := setup(t, testConfig(), true)
	addRecording(t, f.store, "keep", time.Time{})
	addRecording(t, f.store, "drop", time.Time{})
	f.api.FailNext("keep", &submission.Error{Op: "x", StatusCode: http.StatusBadRequest})
	f.api.FailNext("drop", &submission.Error{Op: "x", StatusCode: http.StatusBadRequest})

	f.start(t)
	f.waitPasses(t, 1)

	ctx := context.Background()
	n, _ := f.store.Recordings().CountStalled(ctx)
	if n != 2 {
		t.Fatalf("Expected 2 stalled items, got %d", n)
	}

	if err := f.orch.Discard(ctx, queue.CollectionRecordings, "drop"); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if err := f.orch.Requeue(ctx, queue.CollectionRecordings, "keep"); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	f.waitPasses(t, 2)

	if n := count(t, f.store); n != 0 {
		t.Errorf("Expected empty queue after requeue and discard, %d left", n)
	}
	if f.api.Records(submission.KindRecording) != 1 {
		t.Errorf("Discarded item must never reach the server")
	}

	if err := f.orch.Requeue(ctx, queue.CollectionRecordings, "ghost"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing item, got %v", err)
	}
	if err := f.orch.Requeue(ctx, "letters", "x"); err == nil {
		t.Error("Expected error for unknown collection")
	}
}

func TestOrchestrator_DiscardDuringPassIsNeverSent(t *testing.T) {
	f := setup(t, testConfig(), true)
	base := time.Now().Add(-time.Minute)
	addRecording(t, f.store, "a", base)
	addRecording(t, f.store, "b", base.Add(time.Second))

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var submitted []string
	f.api.SetHandler(func(ctx context.Context, _ submission.Kind, id string) error {
		mu.Lock()
		submitted = append(submitted, id)
		mu.Unlock()
		if id != "a" {
			return nil
		}
		close(entered)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	f.start(t)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("First item never reached the server")
	}

	if err := f.orch.Discard(context.Background(), queue.CollectionRecordings, "b"); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	close(release)
	f.waitPasses(t, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(submitted) != 1 || submitted[0] != "a" {
		t.Errorf("Submitted %v, want only [a]", submitted)
	}
	if n := f.api.Records(submission.KindRecording); n != 1 {
		t.Errorf("Server holds %d recordings, want 1", n)
	}
	if n := count(t, f.store); n != 0 {
		t.Errorf("Expected empty queue, %d left", n)
	}
}

func TestOrchestrator_RecoversAfterRestartWithoutDuplicates(t *testing.T) {
	cfg := storeConfig(t)
	ctx := context.Background()
	api := submission.NewMemoryAPI()

	s1, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	addRecording(t, s1, "r1", time.Time{})
	addOperation(t, s1, "op1", time.Time{})

	// The server accepted r1 but the process died before the delete.
	r1, _ := s1.Recordings().Get(ctx, "r1")
	if _, err := api.SubmitRecording(ctx, r1.ID, submission.RecordingMetadataOf(r1), r1.AudioPayload); err != nil {
		t.Fatalf("Pre-submit failed: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s2.Close()

	orch, err := New(s2, api, newMonitor(t, true), nil, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer orch.Stop()

	if !waitFor(t, 5*time.Second, func() bool { return count(t, s2) == 0 }) {
		t.Fatal("Queue not drained after restart")
	}
	if api.Records(submission.KindRecording) != 1 || api.Records(submission.KindOperation) != 1 {
		t.Errorf("Expected one server record per item, got %d recordings %d operations",
			api.Records(submission.KindRecording), api.Records(submission.KindOperation))
	}
}

func TestOrchestrator_ParallelDrain(t *testing.T) {
	cfg := testConfig()
	cfg.Parallel = true
	f := setup(t, cfg, true)

	var mu sync.Mutex
	perKind := map[submission.Kind][]string{}
	inFlight := map[submission.Kind]int{}
	var overlap atomic.Bool
	f.api.SetHandler(func(_ context.Context, kind submission.Kind, id string) error {
		mu.Lock()
		inFlight[kind]++
		if inFlight[kind] > 1 {
			overlap.Store(true)
		}
		perKind[kind] = append(perKind[kind], id)
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		inFlight[kind]--
		mu.Unlock()
		return nil
	})

	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"a", "b", "c"} {
		addRecording(t, f.store, "r-"+id, base.Add(time.Duration(i)*time.Second))
		addOperation(t, f.store, "o-"+id, base.Add(time.Duration(i)*time.Second))
	}
	addDocument(t, f.store, "d-a")

	f.start(t)
	f.waitPasses(t, 1)

	if n := count(t, f.store); n != 0 {
		t.Fatalf("Expected empty queue, %d left", n)
	}
	if overlap.Load() {
		t.Error("More than one item in flight within a collection")
	}
	mu.Lock()
	defer mu.Unlock()
	if got := strings.Join(perKind[submission.KindRecording], ","); got != "r-a,r-b,r-c" {
		t.Errorf("Recording order %s", got)
	}
	if got := strings.Join(perKind[submission.KindOperation], ","); got != "o-a,o-b,o-c" {
		t.Errorf("Operation order %s", got)
	}
}

func TestOrchestrator_StopLeavesInFlightItemUntouched(t *testing.T) {
	f := setup(t, testConfig(), true)
	addRecording(t, f.store, "r1", time.Time{})

	entered := make(chan struct{})
	var once sync.Once
	f.api.SetHandler(func(ctx context.Context, _ submission.Kind, _ string) error {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return ctx.Err()
	})

	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Attempt never started")
	}
	f.orch.Stop()

	if f.orch.IsRunning() {
		t.Error("Expected stopped")
	}
	got, err := f.store.Recordings().Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Item lost on stop: %v", err)
	}
	if got.RetryCount != 0 || got.LastError != "" {
		t.Errorf("Interrupted attempt should not be recorded, got %+v", got.QueueState)
	}
}

func TestOrchestrator_ClosedStoreReportsPassError(t *testing.T) {
	f := setup(t, testConfig(), true)
	if err := f.store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f.start(t)
	f.waitPasses(t, 1)

	if err := f.orch.LastPassError(); !errors.Is(err, queue.ErrStoreClosed) {
		t.Errorf("Expected ErrStoreClosed from pass, got %v", err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(nil, submission.NewMemoryAPI(), newMonitor(t, true), nil, DefaultConfig()); err == nil {
		t.Error("Expected error for nil store")
	}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 0
	if _, err := New(setupStore(t), submission.NewMemoryAPI(), newMonitor(t, true), nil, cfg); err == nil {
		t.Error("Expected error for invalid config")
	}
}

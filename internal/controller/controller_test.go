// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package controller

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/connectivity"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/queue"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/submission"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/syncengine"
)

type harness struct {
	store   *queue.Store
	api     *submission.MemoryAPI
	monitor *connectivity.Monitor
	orch    *syncengine.Orchestrator
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

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	store, err := queue.Open(storeConfig(t))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return newHarnessWithStore(t, store, online)
}

func newHarnessWithStore(t *testing.T, store *queue.Store, online bool) *harness {
	t.Helper()
	h := &harness{
		store:   store,
		api:     submission.NewMemoryAPI(),
		monitor: connectivity.NewMonitor(connectivity.Config{StabilityWindow: 0, InitialOnline: online}),
	}
	t.Cleanup(h.monitor.Close)

	cfg := syncengine.DefaultConfig()
	cfg.BackoffBase = time.Hour
	cfg.BackoffMax = 2 * time.Hour
	cfg.PeriodicInterval = 0
	orch, err := syncengine.New(store, h.api, h.monitor, nil, cfg)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(h.orch.Stop)
}

func (h *harness) controller(t *testing.T, opts Options) *Controller {
	t.Helper()
	c, err := New(h.store, h.orch, h.monitor, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func recording(id string) *queue.PendingRecording {
	return &queue.PendingRecording{
		ID:              id,
		Mode:            queue.ModeDictation,
		ConsentType:     queue.ConsentVerbal,
		AudioPayload:    []byte("pcm"),
		DurationSeconds: 42,
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) PersistentWarning(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func TestController_OfflineRecordingSyncsWhenOnline(t *testing.T) {
	h := newHarness(t, false)
	h.start(t)
	c := h.controller(t, Options{})
	ctx := context.Background()

	if _, err := c.QueueRecording(ctx, recording("r1")); err != nil {
		t.Fatalf("QueueRecording failed: %v", err)
	}
	if got := c.PendingCount(); got != 1 {
		t.Fatalf("Expected pendingCount 1 while offline, got %d", got)
	}
	if c.IsOnline() {
		t.Error("Expected offline")
	}

	h.monitor.Report(true)

	if !waitFor(t, func() bool { return c.PendingCount() == 0 }) {
		t.Fatalf("Queue not drained after reconnect, state %+v", c.Snapshot())
	}
	if _, err := h.store.Recordings().Get(ctx, "r1"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("Expected r1 removed from store, got %v", err)
	}
	if h.api.Records(submission.KindRecording) != 1 {
		t.Errorf("Expected one server record")
	}
	if !waitFor(t, func() bool { return c.IsOnline() && c.SyncStatus() == StatusIdle }) {
		t.Errorf("Expected online and idle, got %+v", c.Snapshot())
	}
}

func TestController_StalledItemsDoNotRaiseError(t *testing.T) {
	h := newHarness(t, true)
	h.api.FailNext("bad", &submission.Error{Op: "submit recording", StatusCode: http.StatusUnprocessableEntity, Message: "corrupt audio"})
	h.start(t)
	c := h.controller(t, Options{})
	ctx := context.Background()

	if _, err := c.QueueRecording(ctx, recording("bad")); err != nil {
		t.Fatalf("QueueRecording failed: %v", err)
	}

	if !waitFor(t, func() bool { return c.StalledCount() == 1 && c.SyncStatus() == StatusIdle }) {
		t.Fatalf("Expected one stalled item, state %+v", c.Snapshot())
	}
	if c.PendingCount() != 0 {
		t.Errorf("Stalled items must not count as pending, got %d", c.PendingCount())
	}
	if c.SyncStatus() == StatusError {
		t.Error("Item failure must not set status error")
	}

	items, err := c.StalledItems(ctx)
	if err != nil {
		t.Fatalf("StalledItems failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != "bad" || items[0].RetryCount != 1 || items[0].Collection != queue.CollectionRecordings {
		t.Fatalf("Unexpected stalled items: %+v", items)
	}
	if items[0].LastError == "" {
		t.Error("Expected LastError on stalled item")
	}

	if err := c.Retry(ctx, queue.CollectionRecordings, "bad"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !waitFor(t, func() bool { s := c.Snapshot(); return s.StalledCount == 0 && s.PendingCount == 0 }) {
		t.Errorf("Retried item not synced, state %+v", c.Snapshot())
	}
}

func TestController_Discard(t *testing.T) {
	h := newHarness(t, false)
	c := h.controller(t, Options{})
	ctx := context.Background()

	if _, err := c.QueueRecording(ctx, recording("r1")); err != nil {
		t.Fatalf("QueueRecording failed: %v", err)
	}
	if err := c.Discard(ctx, queue.CollectionRecordings, "r1"); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if c.PendingCount() != 0 {
		t.Errorf("Expected empty queue after discard, got %d", c.PendingCount())
	}
}

func TestController_QueueGeneratesIDs(t *testing.T) {
	h := newHarness(t, false)
	c := h.controller(t, Options{})
	ctx := context.Background()

	id, err := c.QueueDocument(ctx, &queue.PendingDocument{
		Filename:    "referral.pdf",
		MimeType:    "application/pdf",
		FilePayload: []byte("%PDF-1.7"),
	})
	if err != nil {
		t.Fatalf("QueueDocument failed: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Expected uuid id, got %q", id)
	}
	doc, err := h.store.Documents().Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc.SizeBytes != 8 {
		t.Errorf("Expected size derived from payload, got %d", doc.SizeBytes)
	}

	opID, err := c.QueueOperation(ctx, &queue.PendingOperation{
		EntityType: queue.EntityLetter,
		Verb:       queue.VerbUpdate,
		Payload:    []byte(`{"status":"approved"}`),
	})
	if err != nil {
		t.Fatalf("QueueOperation failed: %v", err)
	}
	if opID == "" || opID == id {
		t.Errorf("Expected distinct generated id, got %q", opID)
	}
	if c.PendingCount() != 2 {
		t.Errorf("Expected 2 pending, got %d", c.PendingCount())
	}
}

func TestController_DuplicateEnqueueIsNoOp(t *testing.T) {
	h := newHarness(t, false)
	c := h.controller(t, Options{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.QueueRecording(ctx, recording("r1")); err != nil {
			t.Fatalf("QueueRecording #%d failed: %v", i+1, err)
		}
	}
	if c.PendingCount() != 1 {
		t.Errorf("Expected 1 pending, got %d", c.PendingCount())
	}
}

func TestController_InvalidItemReturnsError(t *testing.T) {
	h := newHarness(t, false)
	c := h.controller(t, Options{})

	bad := recording("r1")
	bad.Mode = "SHOUTING"
	if _, err := c.QueueRecording(context.Background(), bad); err == nil {
		t.Error("Expected validation error")
	}
	if c.PendingCount() != 0 {
		t.Errorf("Invalid item must not be queued")
	}
}

func TestController_EnqueueWhileOnlineTriggersDrain(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)
	c := h.controller(t, Options{})

	// Let the startup pass finish so the enqueue trigger is what drains.
	if !waitFor(t, func() bool { return h.orch.Stats().Passes >= 1 && h.orch.State() == syncengine.StateIdle }) {
		t.Fatal("Startup pass did not finish")
	}

	if _, err := c.QueueOperation(context.Background(), &queue.PendingOperation{
		ID: "op1", EntityType: queue.EntityLetter, Verb: queue.VerbCreate,
	}); err != nil {
		t.Fatalf("QueueOperation failed: %v", err)
	}

	if !waitFor(t, func() bool { return h.api.Records(submission.KindOperation) == 1 && c.PendingCount() == 0 }) {
		t.Errorf("Enqueue while online did not drain, state %+v", c.Snapshot())
	}
}

func TestController_SharedOrchestratorSingleFlight(t *testing.T) {
	h := newHarness(t, true)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.api.SetHandler(func(ctx context.Context, _ submission.Kind, _ string) error {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if err := h.store.Recordings().Add(context.Background(), recording("r1")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	h.start(t)
	first := h.controller(t, Options{})
	second := h.controller(t, Options{})

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Drain never started")
	}
	if !waitFor(t, func() bool { return first.SyncStatus() == StatusSyncing }) {
		t.Errorf("Expected syncing status during drain, got %s", first.SyncStatus())
	}

	var wg sync.WaitGroup
	for _, c := range []*Controller{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.SyncNow()
		}()
	}
	wg.Wait()
	close(release)

	if !waitFor(t, func() bool {
		return h.orch.Stats().Passes >= 2 && second.SyncStatus() == StatusIdle && second.PendingCount() == 0
	}) {
		t.Fatalf("Drain did not settle, stats %+v", h.orch.Stats())
	}
	time.Sleep(50 * time.Millisecond)
	if got := h.orch.Stats().Passes; got != 2 {
		t.Errorf("Expected exactly 2 passes, got %d", got)
	}
}

func TestController_NonDurableStoreWarns(t *testing.T) {
	store, err := queue.OpenInMemory(storeConfig(t))
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	h := newHarnessWithStore(t, store, false)

	notifier := &recordingNotifier{}
	c := h.controller(t, Options{Notifier: notifier, StoreErr: queue.ErrStorageUnavailable})

	st := c.Snapshot()
	if st.Durable || st.Warning != NonDurableWarning {
		t.Errorf("Expected non-durable warning, got %+v", st)
	}

	// Queuing still works against the in-memory store.
	if _, err := c.QueueRecording(context.Background(), recording("r1")); err != nil {
		t.Fatalf("QueueRecording failed: %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.messages) != 1 {
		t.Errorf("Expected exactly one persistent warning, got %d", len(notifier.messages))
	}
}

func TestController_ClosedStoreIsError(t *testing.T) {
	h := newHarness(t, true)
	c := h.controller(t, Options{})
	if c.SyncStatus() != StatusIdle {
		t.Fatalf("Expected idle, got %s", c.SyncStatus())
	}

	if err := h.store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	c.Refresh()

	if c.SyncStatus() != StatusError {
		t.Errorf("Expected error status with closed store, got %s", c.SyncStatus())
	}
	if _, err := c.QueueRecording(context.Background(), recording("r1")); !errors.Is(err, queue.ErrStoreClosed) {
		t.Errorf("Expected ErrStoreClosed from enqueue, got %v", err)
	}
}

func TestController_Subscribe(t *testing.T) {
	h := newHarness(t, false)
	c := h.controller(t, Options{})

	var mu sync.Mutex
	var seen []State
	unsubscribe := c.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	if _, err := c.QueueRecording(context.Background(), recording("r1")); err != nil {
		t.Fatalf("QueueRecording failed: %v", err)
	}
	h.monitor.Report(true)

	mu.Lock()
	got := append([]State(nil), seen...)
	mu.Unlock()

	if len(got) < 3 {
		t.Fatalf("Expected initial, enqueue and online states, got %+v", got)
	}
	if got[0].PendingCount != 0 || got[1].PendingCount != 1 {
		t.Errorf("Unexpected pending progression: %+v", got)
	}
	if !got[len(got)-1].IsOnline {
		t.Errorf("Last state should be online: %+v", got[len(got)-1])
	}

	unsubscribe()
	h.monitor.Report(false)
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(got) {
		t.Error("Received state after unsubscribe")
	}
}

func TestController_CloseDetaches(t *testing.T) {
	h := newHarness(t, false)
	c := h.controller(t, Options{})

	c.Close()
	c.Close()

	if err := h.store.Recordings().Add(context.Background(), recording("r1")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if c.PendingCount() != 0 {
		t.Error("Closed controller should not track store changes")
	}
	c.Refresh()
	if c.PendingCount() != 1 {
		t.Errorf("Explicit refresh should still read the store, got %d", c.PendingCount())
	}
}

type countingSource struct {
	calls atomic.Int32
}

func (s *countingSource) FetchTranscript(_ context.Context, id string) (*queue.CachedTranscript, error) {
	s.calls.Add(1)
	return &queue.CachedTranscript{RecordingID: id, Content: "Patient reports chest pain."}, nil
}

func TestController_TranscriptReadThrough(t *testing.T) {
	h := newHarness(t, true)
	src := &countingSource{}
	c := h.controller(t, Options{Transcripts: src})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		tr, err := c.Transcript(ctx, "r1")
		if err != nil {
			t.Fatalf("Transcript failed: %v", err)
		}
		if tr.Content != "Patient reports chest pain." {
			t.Errorf("Unexpected content %q", tr.Content)
		}
	}
	if src.calls.Load() != 1 {
		t.Errorf("Expected one remote fetch, got %d", src.calls.Load())
	}

	bare := h.controller(t, Options{})
	if _, err := bare.Transcript(ctx, "r2"); !errors.Is(err, ErrNoTranscriptSource) {
		t.Errorf("Expected ErrNoTranscriptSource, got %v", err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	h := newHarness(t, true)
	if _, err := New(nil, h.orch, h.monitor, Options{}); err == nil {
		t.Error("Expected error for nil store")
	}
	if _, err := New(h.store, nil, h.monitor, Options{}); err == nil {
		t.Error("Expected error for nil syncer")
	}
}

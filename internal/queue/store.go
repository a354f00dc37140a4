// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
)

// maxConflictRetries bounds how often a read-modify-write transaction is
// replayed after badger reports a conflicting concurrent commit.
const maxConflictRetries = 5

// Store is the durable item store. One Store owns one BadgerDB instance and
// exposes the three queued collections plus the transcript cache.
type Store struct {
	db      *badger.DB
	config  Config
	durable bool

	mu     sync.RWMutex
	closed bool

	subMu   sync.Mutex
	subs    map[uint64]func(Change)
	nextSub uint64

	recordings  *Collection[PendingRecording, *PendingRecording]
	documents   *Collection[PendingDocument, *PendingDocument]
	operations  *OperationCollection
	transcripts *TranscriptCache
}

// Open opens (or creates) the durable store at cfg.Path and applies any
// pending schema migrations. Failure to open the directory is reported as
// a *StorageUnavailableError.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.MemTableSize = cfg.MemTableSize
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.NumCompactors = cfg.NumCompactors
	if cfg.BlockCacheSize > 0 {
		opts.BlockCacheSize = cfg.BlockCacheSize
	}
	if cfg.Compression {
		opts.Compression = options.Snappy
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &StorageUnavailableError{Path: cfg.Path, Err: err}
	}

	s, err := newStore(db, cfg, true)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Bool("compression", cfg.Compression).
		Msg("Queue store opened")
	return s, nil
}

// OpenInMemory opens a non-durable store. Contents are lost when the process
// exits. Only Path-independent settings of cfg are used.
func OpenInMemory(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	if cfg.MemTableSize > 0 {
		opts.MemTableSize = cfg.MemTableSize
	}
	if cfg.NumCompactors >= 2 {
		opts.NumCompactors = cfg.NumCompactors
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory BadgerDB: %w", err)
	}

	s, err := newStore(db, cfg, false)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.Warn().Msg("Queue store running in memory; queued work will not survive a restart")
	return s, nil
}

// OpenWithFallback opens the durable store and, if the durable store is
// unavailable and cfg.FallbackInMemory is set, returns an in-memory store
// together with the original *StorageUnavailableError. Callers should treat
// a non-nil store with a non-nil error as degraded, not failed.
func OpenWithFallback(cfg Config) (*Store, error) {
	s, err := Open(cfg)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrStorageUnavailable) || !cfg.FallbackInMemory {
		return nil, err
	}

	logging.Error().Err(err).Msg("Durable queue unavailable, falling back to in-memory store")
	mem, memErr := OpenInMemory(cfg)
	if memErr != nil {
		return nil, errors.Join(err, memErr)
	}
	return mem, err
}

func newStore(db *badger.DB, cfg Config, durable bool) (*Store, error) {
	if cfg.GCRatio == 0 {
		cfg.GCRatio = 0.5
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 30 * time.Second
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	s := &Store{
		db:      db,
		config:  cfg,
		durable: durable,
		subs:    make(map[uint64]func(Change)),
	}
	s.recordings = newCollection[PendingRecording](s, CollectionRecordings)
	s.documents = newCollection[PendingDocument](s, CollectionDocuments)
	s.operations = &OperationCollection{Collection: newCollection[PendingOperation](s, CollectionOperations)}
	s.transcripts = newTranscriptCache(s, cfg.TranscriptTTL, cfg.TranscriptMaxEntries)

	if durable {
		queueDurable.Set(1)
	} else {
		queueDurable.Set(0)
	}
	return s, nil
}

// Recordings returns the pending recordings collection.
func (s *Store) Recordings() *Collection[PendingRecording, *PendingRecording] { return s.recordings }

// Documents returns the pending documents collection.
func (s *Store) Documents() *Collection[PendingDocument, *PendingDocument] { return s.documents }

// Operations returns the pending operations collection.
func (s *Store) Operations() *OperationCollection { return s.operations }

// Transcripts returns the transcript read-through cache.
func (s *Store) Transcripts() *TranscriptCache { return s.transcripts }

// Durable reports whether the store is backed by disk.
func (s *Store) Durable() bool { return s.durable }

// Config returns the store configuration.
func (s *Store) Config() Config { return s.config }

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Subscribe registers fn to be called after every committed mutation.
// fn runs on the mutating goroutine and must not block.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(ch Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// view runs fn in a read-only snapshot transaction.
func (s *Store) view(fn func(txn *badger.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return mapBadgerErr(s.db.View(fn))
}

// update runs fn in a read-write transaction, replaying it on conflict.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return mapBadgerErr(err)
		}
	}
	return fmt.Errorf("commit after %d attempts: %w", maxConflictRetries, err)
}

func mapBadgerErr(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrStoreClosed
	}
	return err
}

// RunGC runs BadgerDB value log garbage collection until nothing is left to
// rewrite. It is a no-op for in-memory stores.
func (s *Store) RunGC() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	if !s.durable {
		return nil
	}

	start := time.Now()
	defer func() {
		observeOp("gc", time.Since(start).Seconds())
		queueGCRuns.Inc()
	}()

	for {
		err := s.db.RunValueLogGC(s.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close closes the underlying database. Subsequent operations return
// ErrStoreClosed. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	timeout := s.config.CloseTimeout
	s.mu.Unlock()

	logging.Info().Bool("durable", s.durable).Msg("Closing queue store")

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("Queue store closed")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("BadgerDB close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}

// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/validation"
	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"
)

// TranscriptCache is a read-through cache of server-confirmed transcripts.
// Entries expire after the configured TTL and the cache is bounded to a
// maximum number of entries, oldest CachedAt evicted first.
type TranscriptCache struct {
	store      *Store
	ttl        time.Duration
	maxEntries int

	// serializes Put so eviction sees a consistent count
	mu sync.Mutex

	// one remote fetch per recording id at a time
	fetches singleflight.Group
}

func newTranscriptCache(s *Store, ttl time.Duration, maxEntries int) *TranscriptCache {
	return &TranscriptCache{store: s, ttl: ttl, maxEntries: maxEntries}
}

// Get returns the cached transcript for recordingID and whether it was found.
func (tc *TranscriptCache) Get(ctx context.Context, recordingID string) (*CachedTranscript, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var out *CachedTranscript
	err := tc.store.view(func(txn *badger.Txn) error {
		item, err := txn.Get(transcriptKey(recordingID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out = &CachedTranscript{}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if err != nil {
		return nil, false, err
	}

	if out == nil {
		transcriptCacheRequests.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	transcriptCacheRequests.WithLabelValues("hit").Inc()
	return out, true, nil
}

// Put stores t, replacing any previous entry for the same recording.
func (tc *TranscriptCache) Put(ctx context.Context, t *CachedTranscript) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t == nil {
		return errors.New("put transcript: nil transcript")
	}
	if err := validation.ValidateStruct(t); err != nil {
		return fmt.Errorf("put transcript %q: %w", t.RecordingID, err)
	}
	if t.CachedAt.IsZero() {
		t.CachedAt = time.Now().UTC()
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	err = tc.store.update(func(txn *badger.Txn) error {
		prev, err := txn.Get(transcriptKey(t.RecordingID))
		switch {
		case err == nil:
			var old CachedTranscript
			if err := prev.Value(func(val []byte) error { return json.Unmarshal(val, &old) }); err != nil {
				return err
			}
			if err := txn.Delete(transcriptIndexKey(old.CachedAt, old.RecordingID)); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if err := txn.SetEntry(tc.entry(transcriptKey(t.RecordingID), data)); err != nil {
			return err
		}
		return txn.SetEntry(tc.entry(transcriptIndexKey(t.CachedAt, t.RecordingID), nil))
	})
	if err != nil {
		return err
	}

	return tc.evictOverflow()
}

func (tc *TranscriptCache) entry(key, val []byte) *badger.Entry {
	e := badger.NewEntry(key, val)
	if tc.ttl > 0 {
		e = e.WithTTL(tc.ttl)
	}
	return e
}

// evictOverflow removes the oldest entries beyond maxEntries.
func (tc *TranscriptCache) evictOverflow() error {
	if tc.maxEntries <= 0 {
		return nil
	}

	evicted := 0
	err := tc.store.update(func(txn *badger.Txn) error {
		evicted = 0
		prefix := []byte(prefixTranscriptIndex)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		overflow := len(keys) - tc.maxEntries
		for i := 0; i < overflow; i++ {
			if err := txn.Delete(keys[i]); err != nil {
				return err
			}
			if err := txn.Delete(transcriptKey(idFromIndexKey(keys[i]))); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("evict transcripts: %w", err)
	}
	if evicted > 0 {
		transcriptCacheEvictions.Add(float64(evicted))
	}
	return nil
}

// GetOrFetch returns the cached transcript, calling fetch and caching its
// result on a miss. Concurrent misses for the same id share one fetch. A
// fetch error is returned as is and nothing is cached.
func (tc *TranscriptCache) GetOrFetch(ctx context.Context, recordingID string, fetch func(context.Context) (*CachedTranscript, error)) (*CachedTranscript, error) {
	t, ok, err := tc.Get(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}

	v, err, _ := tc.fetches.Do(recordingID, func() (any, error) {
		// A flight that finished after our miss has already stored it.
		if t, ok, err := tc.Get(ctx, recordingID); err != nil || ok {
			return t, err
		}

		t, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, fmt.Errorf("transcript %q: %w", recordingID, ErrNotFound)
		}
		if t.RecordingID == "" {
			t.RecordingID = recordingID
		}
		if err := tc.Put(ctx, t); err != nil {
			return nil, err
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CachedTranscript), nil
}

// Delete removes a cached transcript. Deleting a missing entry succeeds.
func (tc *TranscriptCache) Delete(ctx context.Context, recordingID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return tc.store.update(func(txn *badger.Txn) error {
		item, err := txn.Get(transcriptKey(recordingID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var old CachedTranscript
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &old) }); err != nil {
			return err
		}
		if err := txn.Delete(transcriptIndexKey(old.CachedAt, recordingID)); err != nil {
			return err
		}
		return txn.Delete(transcriptKey(recordingID))
	})
}

// Len returns the number of live cached transcripts.
func (tc *TranscriptCache) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := tc.store.view(func(txn *badger.Txn) error {
		prefix := []byte(prefixTranscriptItem)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

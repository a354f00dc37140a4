// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/validation"
	"github.com/goccy/go-json"
)

// Collection is one queued collection. T is the item struct and P its
// pointer type, which carries the Item methods.
type Collection[T any, P interface {
	*T
	Item
}] struct {
	store *Store
	name  CollectionName
}

func newCollection[T any, P interface {
	*T
	Item
}](s *Store, name CollectionName) *Collection[T, P] {
	return &Collection[T, P]{store: s, name: name}
}

// Name returns the collection name.
func (c *Collection[T, P]) Name() CollectionName { return c.name }

// Add validates and durably inserts item. CreatedAt is set to now when zero.
// An existing id fails with *DuplicateKeyError and leaves the stored item as is.
func (c *Collection[T, P]) Add(ctx context.Context, item P) error {
	start := time.Now()
	defer func() { observeOp("add", time.Since(start).Seconds()) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("add %s: nil item", c.name)
	}
	id := item.ItemID()
	if id == "" {
		return ErrEmptyID
	}
	if err := validation.ValidateStruct(item); err != nil {
		return fmt.Errorf("add %s item %q: %w", c.name, id, err)
	}

	state := item.State()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal %s item: %w", c.name, err)
	}

	err = c.store.update(func(txn *badger.Txn) error {
		_, err := txn.Get(itemKey(c.name, id))
		if err == nil {
			return &DuplicateKeyError{Collection: c.name, ID: id}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(itemKey(c.name, id), data); err != nil {
			return err
		}
		for _, key := range c.indexKeys(item) {
			if err := txn.Set(key, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	queueItemsAdded.WithLabelValues(string(c.name)).Inc()
	c.store.notify(Change{Collection: c.name, ID: id, Kind: ChangeAdded})
	return nil
}

// indexKeys returns every secondary key that must exist for item.
func (c *Collection[T, P]) indexKeys(item P) [][]byte {
	state := item.State()
	keys := [][]byte{createdKey(c.name, state.CreatedAt, item.ItemID())}
	if state.Stalled {
		keys = append(keys, stalledKey(c.name, item.ItemID()))
	}
	if op, ok := any(item).(*PendingOperation); ok {
		keys = append(keys, entityKey(op.EntityType, op.CreatedAt, op.ID))
	}
	return keys
}

// Get returns the item with the given id or ErrNotFound.
func (c *Collection[T, P]) Get(ctx context.Context, id string) (P, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out P
	err := c.store.view(func(txn *badger.Txn) error {
		var err error
		out, err = c.load(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Collection[T, P]) load(txn *badger.Txn, id string) (P, error) {
	item, err := txn.Get(itemKey(c.name, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s %q: %w", c.name, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return c.decodeItem(item)
}

func (c *Collection[T, P]) decodeItem(item *badger.Item) (P, error) {
	var v T
	p := P(&v)
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, p)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s item: %w", c.name, err)
	}
	return p, nil
}

// GetAll returns every item in id order.
func (c *Collection[T, P]) GetAll(ctx context.Context) ([]P, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []P
	err := c.store.view(func(txn *badger.Txn) error {
		prefix := itemPrefix(c.name)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			p, err := c.decodeItem(it.Item())
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// GetAllOrderedByCreation returns every item oldest first, ties broken by id.
// The result is a point-in-time snapshot: concurrent Add or Delete calls do
// not affect a slice that has already been returned.
func (c *Collection[T, P]) GetAllOrderedByCreation(ctx context.Context) ([]P, error) {
	start := time.Now()
	defer func() { observeOp("snapshot", time.Since(start).Seconds()) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []P
	err := c.store.view(func(txn *badger.Txn) error {
		var err error
		out, err = c.loadIndexed(txn, createdPrefix(c.name))
		return err
	})
	return out, err
}

// IDsOrderedByCreation returns item ids oldest first without decoding any
// payload. Callers load each item with Get when they need it; an id whose
// item has since been deleted yields ErrNotFound.
func (c *Collection[T, P]) IDsOrderedByCreation(ctx context.Context) ([]string, error) {
	start := time.Now()
	defer func() { observeOp("ids", time.Since(start).Seconds()) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []string
	err := c.store.view(func(txn *badger.Txn) error {
		ids = indexedIDs(txn, createdPrefix(c.name))
		return nil
	})
	return ids, err
}

// StalledStates returns the bookkeeping of every stalled item, oldest first.
// Payload fields are skipped while decoding.
func (c *Collection[T, P]) StalledStates(ctx context.Context) ([]StateEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []StateEntry
	err := c.store.view(func(txn *badger.Txn) error {
		for _, id := range indexedIDs(txn, stalledPrefix(c.name)) {
			item, err := txn.Get(itemKey(c.name, id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var entry StateEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return fmt.Errorf("decode %s state: %w", c.name, err)
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b StateEntry) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func indexedIDs(txn *badger.Txn, prefix []byte) []string {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, idFromIndexKey(it.Item().Key()))
	}
	return ids
}

// loadIndexed resolves every index key under prefix to its item.
func (c *Collection[T, P]) loadIndexed(txn *badger.Txn, prefix []byte) ([]P, error) {
	ids := indexedIDs(txn, prefix)
	out := make([]P, 0, len(ids))
	for _, id := range ids {
		p, err := c.load(txn, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Update merges patch into the stored item in one transaction.
// A missing id is a no-op and reports false.
func (c *Collection[T, P]) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	start := time.Now()
	defer func() { observeOp("update", time.Since(start).Seconds()) }()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	found := false
	err := c.store.update(func(txn *badger.Txn) error {
		found = false
		p, err := c.load(txn, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true

		state := p.State()
		wasStalled := state.Stalled
		patch.apply(state)

		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal %s item: %w", c.name, err)
		}
		if err := txn.Set(itemKey(c.name, id), data); err != nil {
			return err
		}
		switch {
		case state.Stalled && !wasStalled:
			return txn.Set(stalledKey(c.name, id), nil)
		case !state.Stalled && wasStalled:
			return txn.Delete(stalledKey(c.name, id))
		}
		return nil
	})
	if err != nil || !found {
		return false, err
	}

	c.store.notify(Change{Collection: c.name, ID: id, Kind: ChangeUpdated})
	return true, nil
}

// Delete removes the item and its index keys. Deleting a missing id succeeds.
func (c *Collection[T, P]) Delete(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { observeOp("delete", time.Since(start).Seconds()) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	found := false
	err := c.store.update(func(txn *badger.Txn) error {
		found = false
		p, err := c.load(txn, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true

		if err := txn.Delete(itemKey(c.name, id)); err != nil {
			return err
		}
		// The stalled key is deleted unconditionally; deleting a missing key is harmless.
		keys := append(c.indexKeys(p), stalledKey(c.name, id))
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || !found {
		return err
	}

	queueItemsDeleted.WithLabelValues(string(c.name)).Inc()
	c.store.notify(Change{Collection: c.name, ID: id, Kind: ChangeDeleted})
	return nil
}

// Count returns the number of items in the collection.
func (c *Collection[T, P]) Count(ctx context.Context) (int, error) {
	total, err := c.countPrefix(ctx, createdPrefix(c.name))
	if err != nil {
		return 0, err
	}
	stalled, err := c.countPrefix(ctx, stalledPrefix(c.name))
	if err != nil {
		return 0, err
	}
	recordCounts(c.name, total, stalled)
	return total, nil
}

// CountStalled returns the number of items marked stalled.
func (c *Collection[T, P]) CountStalled(ctx context.Context) (int, error) {
	return c.countPrefix(ctx, stalledPrefix(c.name))
}

func (c *Collection[T, P]) countPrefix(ctx context.Context, prefix []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n := 0
	err := c.store.view(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// OperationCollection adds entity-type lookups to the operations collection.
type OperationCollection struct {
	*Collection[PendingOperation, *PendingOperation]
}

// GetByEntityType returns operations for entity type t, oldest first.
func (o *OperationCollection) GetByEntityType(ctx context.Context, t EntityType) ([]*PendingOperation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*PendingOperation
	err := o.store.view(func(txn *badger.Txn) error {
		var err error
		out, err = o.loadIndexed(txn, entityPrefix(t))
		return err
	})
	return out, err
}

// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package queue

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
	"github.com/goccy/go-json"
)

// SchemaVersion is the schema this binary writes.
const SchemaVersion = 3

// migration upgrades the store by one version. apply must be idempotent and
// must only add keys: queued items are never rewritten or removed.
type migration struct {
	version int
	name    string
	apply   func(txn *badger.Txn) error
}

var migrations = []migration{
	{version: 1, name: "initial collections", apply: func(*badger.Txn) error { return nil }},
	{version: 2, name: "operations entity index", apply: backfillEntityIndex},
	{version: 3, name: "stalled index", apply: backfillStalledIndex},
}

// migrate brings db up to SchemaVersion. A stored version newer than
// SchemaVersion fails with ErrSchemaTooNew and leaves the data untouched.
func migrate(db *badger.DB) error {
	current, err := readSchemaVersion(db)
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("%w: stored %d, supported %d", ErrSchemaTooNew, current, SchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := db.Update(func(txn *badger.Txn) error {
			if err := m.apply(txn); err != nil {
				return err
			}
			return txn.Set([]byte(keySchemaVersion), []byte(strconv.Itoa(m.version)))
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		logging.Info().Int("version", m.version).Str("name", m.name).Msg("Queue schema migrated")
	}
	return nil
}

func readSchemaVersion(db *badger.DB) (int, error) {
	var version int
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, err := strconv.Atoi(string(val))
			if err != nil {
				return fmt.Errorf("parse schema version %q: %w", val, err)
			}
			version = v
			return nil
		})
	})
	return version, err
}

func backfillEntityIndex(txn *badger.Txn) error {
	return eachItem(txn, CollectionOperations, func(val []byte) error {
		var op PendingOperation
		if err := json.Unmarshal(val, &op); err != nil {
			return err
		}
		return txn.Set(entityKey(op.EntityType, op.CreatedAt, op.ID), nil)
	})
}

func backfillStalledIndex(txn *badger.Txn) error {
	for _, c := range QueuedCollections {
		err := eachItem(txn, c, func(val []byte) error {
			var probe struct {
				ID      string `json:"id"`
				Stalled bool   `json:"stalled"`
			}
			if err := json.Unmarshal(val, &probe); err != nil {
				return err
			}
			if !probe.Stalled {
				return nil
			}
			return txn.Set(stalledKey(c, probe.ID), nil)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// eachItem calls fn with a copy of every item value in collection c.
func eachItem(txn *badger.Txn, c CollectionName, fn func(val []byte) error) error {
	prefix := itemPrefix(c)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
	defer it.Close()

	var values [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		values = append(values, val)
	}
	for _, val := range values {
		if err := fn(val); err != nil {
			return err
		}
	}
	return nil
}

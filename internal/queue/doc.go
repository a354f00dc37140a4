// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

// Package queue is the durable item store behind the offline-first write queue.
//
// Work the user produced while offline (stopped recordings, selected documents,
// letter edits) is persisted here before the UI reports success, and stays here
// until the sync orchestrator receives a definitive acknowledgment from the
// server for that exact item ID.
//
// # Architecture
//
// One BadgerDB instance holds four independent collections:
//
//	recordings   PendingRecording   (binary audio payload)
//	documents    PendingDocument    (binary file payload)
//	operations   PendingOperation   (generic create/update/delete envelope)
//	transcripts  CachedTranscript   (read-through cache, TTL + size bound)
//
// Every queued item is stored under an item key plus a creation-ordered index
// key, written in the same transaction:
//
//	q/<collection>/i/<id>                       -> JSON item
//	q/<collection>/c/<created-unix-nanos>/<id>  -> empty
//	q/<collection>/s/<id>                       -> empty (stalled only)
//	q/operations/e/<entity>/<created>/<id>      -> empty
//
// Reads run inside a single View transaction, so GetAllOrderedByCreation
// returns a point-in-time snapshot even while items are added or removed.
//
// # Durability
//
// Open uses SyncWrites so Add returns only after the write is fsynced. When the
// configured path cannot be opened, OpenWithFallback degrades to an in-memory
// Badger instance and reports StorageUnavailableError so the caller can raise a
// persistent warning.
//
// # Schema
//
// meta/schema_version records the applied schema. Migrations are additive
// only: they may add index keys but never rewrite or delete queued items.
//
// # Thread Safety
//
// All Store and Collection methods are safe for concurrent use. Badger provides
// atomic per-operation transactions; no additional locking is needed by callers.
package queue

// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is returned when the durable store cannot be opened.
	ErrStorageUnavailable = errors.New("durable storage unavailable")

	// ErrDuplicateKey is returned by Add when the id already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is returned by Get when the id does not exist.
	ErrNotFound = errors.New("item not found")

	// ErrStoreClosed is returned by every operation on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrSchemaTooNew is returned when the on-disk schema is newer than this binary.
	ErrSchemaTooNew = errors.New("store schema is newer than supported")

	// ErrEmptyID is returned when an operation is given an empty id.
	ErrEmptyID = errors.New("item id cannot be empty")
)

// StorageUnavailableError wraps the reason the durable store could not be opened.
type StorageUnavailableError struct {
	Path string
	Err  error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("durable storage unavailable at %q: %v", e.Path, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrStorageUnavailable.
func (e *StorageUnavailableError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// DuplicateKeyError reports which collection already holds the id.
type DuplicateKeyError struct {
	Collection CollectionName
	ID         string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %q in %s", e.ID, e.Collection)
}

// Is lets errors.Is match ErrDuplicateKey.
func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}

// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package queue

import (
	"fmt"
	"strings"
	"time"
)

const (
	keySchemaVersion = "meta/schema_version"

	prefixTranscriptItem  = "t/i/"
	prefixTranscriptIndex = "t/c/"
)

func itemPrefix(c CollectionName) []byte {
	return []byte("q/" + string(c) + "/i/")
}

func itemKey(c CollectionName, id string) []byte {
	return []byte("q/" + string(c) + "/i/" + id)
}

func createdPrefix(c CollectionName) []byte {
	return []byte("q/" + string(c) + "/c/")
}

// createdKey sorts by creation time, then by id for equal timestamps.
func createdKey(c CollectionName, created time.Time, id string) []byte {
	return []byte(fmt.Sprintf("q/%s/c/%s/%s", c, sortableTime(created), id))
}

func stalledPrefix(c CollectionName) []byte {
	return []byte("q/" + string(c) + "/s/")
}

func stalledKey(c CollectionName, id string) []byte {
	return []byte("q/" + string(c) + "/s/" + id)
}

func entityPrefix(t EntityType) []byte {
	return []byte("q/" + string(CollectionOperations) + "/e/" + string(t) + "/")
}

func entityKey(t EntityType, created time.Time, id string) []byte {
	return []byte(fmt.Sprintf("q/%s/e/%s/%s/%s", CollectionOperations, t, sortableTime(created), id))
}

func transcriptKey(recordingID string) []byte {
	return []byte(prefixTranscriptItem + recordingID)
}

func transcriptIndexKey(cachedAt time.Time, recordingID string) []byte {
	return []byte(prefixTranscriptIndex + sortableTime(cachedAt) + "/" + recordingID)
}

// sortableTime renders t so that lexical order equals chronological order.
func sortableTime(t time.Time) string {
	n := t.UnixNano()
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf("%020d", n)
}

// idFromIndexKey returns the id suffix of an index key.
func idFromIndexKey(key []byte) string {
	s := string(key)
	return s[strings.LastIndexByte(s, '/')+1:]
}

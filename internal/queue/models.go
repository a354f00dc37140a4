// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package queue

import (
	"time"

	"github.com/goccy/go-json"
)

// CollectionName identifies one of the store's collections.
type CollectionName string

const (
	CollectionRecordings  CollectionName = "recordings"
	CollectionDocuments   CollectionName = "documents"
	CollectionOperations  CollectionName = "operations"
	CollectionTranscripts CollectionName = "transcripts"
)

// QueuedCollections lists the write-queue collections in default drain priority.
var QueuedCollections = []CollectionName{
	CollectionRecordings,
	CollectionDocuments,
	CollectionOperations,
}

// ParseCollectionName returns the queued collection with the given name.
func ParseCollectionName(s string) (CollectionName, bool) {
	for _, c := range QueuedCollections {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Mode is how a recording was captured.
type Mode string

const (
	ModeAmbient   Mode = "AMBIENT"
	ModeDictation Mode = "DICTATION"
)

// ConsentType is the patient consent recorded for a consultation.
type ConsentType string

const (
	ConsentVerbal   ConsentType = "VERBAL"
	ConsentWritten  ConsentType = "WRITTEN"
	ConsentStanding ConsentType = "STANDING"
)

// EntityType is the kind of entity a PendingOperation mutates.
type EntityType string

const (
	EntityRecording EntityType = "recording"
	EntityDocument  EntityType = "document"
	EntityLetter    EntityType = "letter"
)

// Verb is the mutation a PendingOperation carries.
type Verb string

const (
	VerbCreate Verb = "create"
	VerbUpdate Verb = "update"
	VerbDelete Verb = "delete"
)

// QueueState is the bookkeeping shared by every queued item.
//
// RetryCount, LastError, Stalled, NextAttemptAt and LastAttemptAt are written
// only by the sync orchestrator, through Collection.Update.
type QueueState struct {
	CreatedAt     time.Time `json:"created_at"`
	RetryCount    int       `json:"retry_count" validate:"min=0"`
	LastError     string    `json:"last_error,omitempty"`
	Stalled       bool      `json:"stalled,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
}

// StateEntry is an item id and its bookkeeping, decoded without the payload.
type StateEntry struct {
	ID string `json:"id"`
	QueueState
}

// Eligible reports whether the item may be attempted at now.
func (s *QueueState) Eligible(now time.Time) bool {
	return !s.Stalled && !now.Before(s.NextAttemptAt)
}

// Item is implemented by the pointer types of every queued item.
type Item interface {
	ItemID() string
	State() *QueueState
}

// PendingRecording is a stopped recording waiting to be uploaded.
type PendingRecording struct {
	ID              string      `json:"id" validate:"required,notblank,max=128,excludes=/"`
	Mode            Mode        `json:"mode" validate:"oneof=AMBIENT DICTATION"`
	ConsentType     ConsentType `json:"consent_type" validate:"oneof=VERBAL WRITTEN STANDING"`
	PatientID       string      `json:"patient_id,omitempty" validate:"max=128"`
	AudioPayload    []byte      `json:"audio_payload"`
	DurationSeconds int         `json:"duration_seconds" validate:"min=0"`
	QueueState
}

func (r *PendingRecording) ItemID() string     { return r.ID }
func (r *PendingRecording) State() *QueueState { return &r.QueueState }

// PendingDocument is a selected document waiting to be uploaded.
type PendingDocument struct {
	ID           string `json:"id" validate:"required,notblank,max=128,excludes=/"`
	Filename     string `json:"filename" validate:"required,notblank,max=255"`
	MimeType     string `json:"mime_type" validate:"required"`
	FilePayload  []byte `json:"file_payload"`
	SizeBytes    int64  `json:"size_bytes" validate:"min=0"`
	PatientID    string `json:"patient_id,omitempty" validate:"max=128"`
	DocumentType string `json:"document_type,omitempty" validate:"max=64"`
	QueueState
}

func (d *PendingDocument) ItemID() string     { return d.ID }
func (d *PendingDocument) State() *QueueState { return &d.QueueState }

// PendingOperation is a generic create/update/delete intent for entities that
// have no dedicated binary queue (letter edits, metadata changes).
type PendingOperation struct {
	ID         string          `json:"id" validate:"required,notblank,max=128,excludes=/"`
	EntityType EntityType      `json:"entity_type" validate:"oneof=recording document letter"`
	Verb       Verb            `json:"verb" validate:"oneof=create update delete"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	QueueState
}

func (o *PendingOperation) ItemID() string     { return o.ID }
func (o *PendingOperation) State() *QueueState { return &o.QueueState }

// TranscriptSegment is one timed span of a transcript.
type TranscriptSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
	Text    string  `json:"text"`
}

// CachedTranscript is server-confirmed transcript content cached locally.
// It is not pending work: it is never retried or synced.
type CachedTranscript struct {
	RecordingID string              `json:"recording_id" validate:"required,notblank,excludes=/"`
	Content     string              `json:"content"`
	Segments    []TranscriptSegment `json:"segments,omitempty"`
	CachedAt    time.Time           `json:"cached_at"`
}

// Patch carries the fields Collection.Update may merge into an item.
// Nil fields are left unchanged.
type Patch struct {
	RetryCount    *int
	LastError     *string
	Stalled       *bool
	NextAttemptAt *time.Time
	LastAttemptAt *time.Time
}

func (p Patch) apply(s *QueueState) {
	if p.RetryCount != nil {
		s.RetryCount = *p.RetryCount
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	if p.Stalled != nil {
		s.Stalled = *p.Stalled
	}
	if p.NextAttemptAt != nil {
		s.NextAttemptAt = *p.NextAttemptAt
	}
	if p.LastAttemptAt != nil {
		s.LastAttemptAt = *p.LastAttemptAt
	}
}

// ChangeKind describes a committed mutation.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is delivered to Store subscribers after a mutation commits.
type Change struct {
	Collection CollectionName
	ID         string
	Kind       ChangeKind
}

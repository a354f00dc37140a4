// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

// Package submission defines the remote submission contract used by the sync
// orchestrator and provides two implementations: HTTPClient, which talks to
// the DictateMED server, and MemoryAPI, an idempotent in-process server.
//
// The server treats the client-generated item id as an idempotency key:
// submitting the same id twice must not create two records. Implementations
// never retry on their own; retry policy belongs to the orchestrator, which
// uses Classify to decide what a failure means.
package submission

import (
	"context"
	"time"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/queue"
	"github.com/goccy/go-json"
)

// Kind names the endpoint family an item is submitted to.
type Kind string

const (
	KindRecording Kind = "recording"
	KindDocument  Kind = "document"
	KindOperation Kind = "operation"
)

// RecordingMetadata accompanies an audio upload.
type RecordingMetadata struct {
	Mode            queue.Mode        `json:"mode" validate:"oneof=AMBIENT DICTATION"`
	ConsentType     queue.ConsentType `json:"consent_type" validate:"oneof=VERBAL WRITTEN STANDING"`
	PatientID       string            `json:"patient_id,omitempty"`
	DurationSeconds int               `json:"duration_seconds" validate:"min=0"`
	CreatedAt       time.Time         `json:"created_at"`
}

// DocumentMetadata accompanies a document upload.
type DocumentMetadata struct {
	Filename     string    `json:"filename" validate:"required,notblank"`
	MimeType     string    `json:"mime_type" validate:"required"`
	SizeBytes    int64     `json:"size_bytes" validate:"min=0"`
	PatientID    string    `json:"patient_id,omitempty"`
	DocumentType string    `json:"document_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// OperationRequest is the JSON body of an operation submission.
type OperationRequest struct {
	ID         string           `json:"id"`
	EntityType queue.EntityType `json:"entity_type"`
	Verb       queue.Verb       `json:"verb"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}

// Ack is the server's acknowledgment of a submitted item.
type Ack struct {
	ID         string    `json:"id"`
	ServerID   string    `json:"server_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`

	// Duplicate is set when the server had already accepted this id.
	Duplicate bool `json:"duplicate,omitempty"`
}

// API submits queued items to the server. Every method uses id as the
// idempotency key and returns a definitive Ack only once the server has
// accepted the item.
type API interface {
	SubmitRecording(ctx context.Context, id string, meta RecordingMetadata, audio []byte) (Ack, error)
	SubmitDocument(ctx context.Context, id string, meta DocumentMetadata, file []byte) (Ack, error)
	SubmitOperation(ctx context.Context, id string, entity queue.EntityType, verb queue.Verb, payload json.RawMessage) (Ack, error)
}

// TranscriptSource fetches server-confirmed transcripts for the read-through cache.
type TranscriptSource interface {
	FetchTranscript(ctx context.Context, recordingID string) (*queue.CachedTranscript, error)
}

// RecordingMetadataOf extracts the upload metadata of a queued recording.
func RecordingMetadataOf(r *queue.PendingRecording) RecordingMetadata {
	return RecordingMetadata{
		Mode:            r.Mode,
		ConsentType:     r.ConsentType,
		PatientID:       r.PatientID,
		DurationSeconds: r.DurationSeconds,
		CreatedAt:       r.CreatedAt,
	}
}

// DocumentMetadataOf extracts the upload metadata of a queued document.
func DocumentMetadataOf(d *queue.PendingDocument) DocumentMetadata {
	return DocumentMetadata{
		Filename:     d.Filename,
		MimeType:     d.MimeType,
		SizeBytes:    d.SizeBytes,
		PatientID:    d.PatientID,
		DocumentType: d.DocumentType,
		CreatedAt:    d.CreatedAt,
	}
}

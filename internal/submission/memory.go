// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package submission

import (
	"context"
	"encoding/binary"
	"net/http"
	"sync"
	"time"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/queue"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Handler intercepts a MemoryAPI call before it is recorded. Returning an
// error fails the call; returning nil lets it proceed.
type Handler func(ctx context.Context, kind Kind, id string) error

type memoryRecord struct {
	fingerprint [blake2b.Size256]byte
	ack         Ack
}

// MemoryAPI is an in-process, idempotent implementation of API. A repeated id
// with the same payload returns the original Ack marked Duplicate; a repeated
// id with a different payload is rejected with 409 Conflict.
type MemoryAPI struct {
	mu          sync.Mutex
	records     map[Kind]map[string]memoryRecord
	calls       map[Kind]int
	failures    map[string][]error
	handler     Handler
	transcripts map[string]queue.CachedTranscript
	now         func() time.Time
}

// NewMemoryAPI creates an empty in-memory server.
func NewMemoryAPI() *MemoryAPI {
	return &MemoryAPI{
		records:     make(map[Kind]map[string]memoryRecord),
		calls:       make(map[Kind]int),
		failures:    make(map[string][]error),
		transcripts: make(map[string]queue.CachedTranscript),
		now:         time.Now,
	}
}

// FailNext queues errs to be returned, in order, by the next calls for id.
func (m *MemoryAPI) FailNext(id string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id] = append(m.failures[id], errs...)
}

// SetHandler installs h for every subsequent call. A nil h removes it.
func (m *MemoryAPI) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Records returns how many distinct ids of kind the server holds.
func (m *MemoryAPI) Records(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[kind])
}

// Calls returns how many submissions of kind were attempted.
func (m *MemoryAPI) Calls(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[kind]
}

// Ack returns the stored acknowledgment for id.
func (m *MemoryAPI) Ack(kind Kind, id string) (Ack, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[kind][id]
	return rec.ack, ok
}

// PutTranscript makes a transcript available to FetchTranscript.
func (m *MemoryAPI) PutTranscript(t queue.CachedTranscript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts[t.RecordingID] = t
}

// SubmitRecording implements API.
func (m *MemoryAPI) SubmitRecording(ctx context.Context, id string, meta RecordingMetadata, audio []byte) (Ack, error) {
	return m.accept(ctx, KindRecording, "submit recording", id, meta, audio)
}

// SubmitDocument implements API.
func (m *MemoryAPI) SubmitDocument(ctx context.Context, id string, meta DocumentMetadata, file []byte) (Ack, error) {
	return m.accept(ctx, KindDocument, "submit document", id, meta, file)
}

// SubmitOperation implements API.
func (m *MemoryAPI) SubmitOperation(ctx context.Context, id string, entity queue.EntityType, verb queue.Verb, payload json.RawMessage) (Ack, error) {
	meta := struct {
		EntityType queue.EntityType `json:"entity_type"`
		Verb       queue.Verb       `json:"verb"`
	}{entity, verb}
	return m.accept(ctx, KindOperation, "submit operation", id, meta, payload)
}

// FetchTranscript implements TranscriptSource.
func (m *MemoryAPI) FetchTranscript(ctx context.Context, recordingID string) (*queue.CachedTranscript, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "fetch transcript", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcripts[recordingID]
	if !ok {
		return nil, &Error{Op: "fetch transcript", StatusCode: http.StatusNotFound, Message: "transcript not found"}
	}
	return &t, nil
}

func (m *MemoryAPI) accept(ctx context.Context, kind Kind, op, id string, meta any, payload []byte) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, &Error{Op: op, Err: err}
	}

	m.mu.Lock()
	m.calls[kind]++
	if queued := m.failures[id]; len(queued) > 0 {
		err := queued[0]
		if len(queued) == 1 {
			delete(m.failures, id)
		} else {
			m.failures[id] = queued[1:]
		}
		m.mu.Unlock()
		return Ack{}, err
	}
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		if err := handler(ctx, kind, id); err != nil {
			return Ack{}, err
		}
	}

	fp, err := fingerprint(kind, id, meta, payload)
	if err != nil {
		return Ack{}, &Error{Op: op, StatusCode: http.StatusUnprocessableEntity, Message: err.Error()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.records[kind]
	if byID == nil {
		byID = make(map[string]memoryRecord)
		m.records[kind] = byID
	}
	if existing, ok := byID[id]; ok {
		if existing.fingerprint != fp {
			return Ack{}, &Error{Op: op, StatusCode: http.StatusConflict, Message: "idempotency key reused with a different payload"}
		}
		ack := existing.ack
		ack.Duplicate = true
		return ack, nil
	}

	ack := Ack{ID: id, ServerID: uuid.NewString(), ReceivedAt: m.now().UTC()}
	byID[id] = memoryRecord{fingerprint: fp, ack: ack}
	return ack, nil
}

// fingerprint hashes everything that identifies a submission's content.
func fingerprint(kind Kind, id string, meta any, payload []byte) ([blake2b.Size256]byte, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return [blake2b.Size256]byte{}, err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return [blake2b.Size256]byte{}, err
	}
	for _, part := range [][]byte{[]byte(kind), []byte(id), metaJSON, payload} {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write(part)
	}
	var out [blake2b.Size256]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

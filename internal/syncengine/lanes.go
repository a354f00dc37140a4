// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package syncengine

import (
	"context"
	"fmt"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/queue"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/submission"
)

// lane binds one queued collection to its submission endpoint. A pass
// lists ids up front and loads each item only when it is about to be tried.
type lane struct {
	name   queue.CollectionName
	ids    func(ctx context.Context) ([]string, error)
	get    func(ctx context.Context, id string) (queue.Item, error)
	update func(ctx context.Context, id string, p queue.Patch) (bool, error)
	remove func(ctx context.Context, id string) error
	submit func(ctx context.Context, item queue.Item) (submission.Ack, error)
}

func getter[P queue.Item](get func(context.Context, string) (P, error)) func(context.Context, string) (queue.Item, error) {
	return func(ctx context.Context, id string) (queue.Item, error) {
		p, err := get(ctx, id)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

func newLanes(store *queue.Store, api submission.API) map[queue.CollectionName]*lane {
	recordings := store.Recordings()
	documents := store.Documents()
	operations := store.Operations()

	return map[queue.CollectionName]*lane{
		queue.CollectionRecordings: {
			name:   queue.CollectionRecordings,
			ids:    recordings.IDsOrderedByCreation,
			get:    getter(recordings.Get),
			update: recordings.Update,
			remove: recordings.Delete,
			submit: func(ctx context.Context, item queue.Item) (submission.Ack, error) {
				r, ok := item.(*queue.PendingRecording)
				if !ok {
					return submission.Ack{}, fmt.Errorf("recordings lane: unexpected item %T", item)
				}
				return api.SubmitRecording(ctx, r.ID, submission.RecordingMetadataOf(r), r.AudioPayload)
			},
		},
		queue.CollectionDocuments: {
			name:   queue.CollectionDocuments,
			ids:    documents.IDsOrderedByCreation,
			get:    getter(documents.Get),
			update: documents.Update,
			remove: documents.Delete,
			submit: func(ctx context.Context, item queue.Item) (submission.Ack, error) {
				d, ok := item.(*queue.PendingDocument)
				if !ok {
					return submission.Ack{}, fmt.Errorf("documents lane: unexpected item %T", item)
				}
				return api.SubmitDocument(ctx, d.ID, submission.DocumentMetadataOf(d), d.FilePayload)
			},
		},
		queue.CollectionOperations: {
			name:   queue.CollectionOperations,
			ids:    operations.IDsOrderedByCreation,
			get:    getter(operations.Get),
			update: operations.Update,
			remove: operations.Delete,
			submit: func(ctx context.Context, item queue.Item) (submission.Ack, error) {
				o, ok := item.(*queue.PendingOperation)
				if !ok {
					return submission.Ack{}, fmt.Errorf("operations lane: unexpected item %T", item)
				}
				return api.SubmitOperation(ctx, o.ID, o.EntityType, o.Verb, o.Payload)
			},
		},
	}
}

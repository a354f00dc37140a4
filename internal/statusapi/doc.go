// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

/*
Package statusapi serves the sync controller to a local UI shell.

Routes:

	GET    /healthz                              liveness plus sync status
	GET    /metrics                              Prometheus exposition
	GET    /api/v1/status                        controller snapshot
	POST   /api/v1/sync                          request an immediate drain (202)
	GET    /api/v1/stalled                       items that need user action
	POST   /api/v1/items/{collection}/{id}/retry clear failure state and drain
	DELETE /api/v1/items/{collection}/{id}       discard a queued item
	GET    /api/v1/transcripts/{id}              cached transcript, fetched on miss
	GET    /api/v1/ws                            websocket stream of state messages

The listener is meant for loopback only. Mutating routes are rate limited
per client IP with go-chi/httprate, and cross-origin access from the UI
shell is governed by go-chi/cors.

Every controller state change is broadcast on the websocket stream as a
{"type":"state","data":{...}} frame; a client receives the current
snapshot immediately after connecting.
*/
package statusapi

// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package services

import (
	"context"
)

// ContextHub matches *statusapi.Hub.
type ContextHub interface {
	RunWithContext(ctx context.Context) error
}

// HubService runs the status broadcast hub under supervision.
type HubService struct {
	hub  ContextHub
	name string
}

// NewHubService wraps hub.
func NewHubService(hub ContextHub) *HubService {
	return &HubService{hub: hub, name: "status-hub"}
}

// Serve implements suture.Service. The hub closes its clients on return.
func (h *HubService) Serve(ctx context.Context) error {
	return h.hub.RunWithContext(ctx)
}

func (h *HubService) String() string {
	return h.name
}

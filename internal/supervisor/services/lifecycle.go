// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package services

import (
	"context"
	"fmt"
)

// StartStopper is the lifecycle shared by the daemon's background loops.
//
// Satisfied by *queue.Maintainer, *connectivity.InterfaceSource and
// *syncengine.Orchestrator.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
}

// LifecycleService runs a StartStopper as a supervised service: Start on
// entry, block until the context ends, then Stop.
type LifecycleService struct {
	component StartStopper
	name      string
}

// NewLifecycleService wraps component under name.
func NewLifecycleService(name string, component StartStopper) *LifecycleService {
	return &LifecycleService{component: component, name: name}
}

// NewMaintainerService wraps the queue maintenance loop.
func NewMaintainerService(m StartStopper) *LifecycleService {
	return NewLifecycleService("queue-maintainer", m)
}

// NewConnectivityService wraps the interface connectivity source.
func NewConnectivityService(s StartStopper) *LifecycleService {
	return NewLifecycleService("connectivity-source", s)
}

// NewOrchestratorService wraps the sync orchestrator.
func NewOrchestratorService(o StartStopper) *LifecycleService {
	return NewLifecycleService("sync-orchestrator", o)
}

// Serve implements suture.Service.
func (s *LifecycleService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", s.name, err)
	}

	<-ctx.Done()
	s.component.Stop()
	return ctx.Err()
}

// IsRunning reports the wrapped component's state.
func (s *LifecycleService) IsRunning() bool {
	return s.component.IsRunning()
}

func (s *LifecycleService) String() string {
	return s.name
}

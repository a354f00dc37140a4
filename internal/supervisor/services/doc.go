// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

// Package services adapts the daemon's components to suture.Service.
//
// Components with a Start/Stop/IsRunning lifecycle (the queue maintainer,
// the interface connectivity source and the sync orchestrator) are wrapped by
// LifecycleService. The status hub already blocks in RunWithContext and the
// status HTTP server blocks in ListenAndServe; each has its own wrapper.
//
//	tree.AddDataService(services.NewMaintainerService(maintainer))
//	tree.AddSyncService(services.NewOrchestratorService(orch))
//	tree.AddSyncService(services.NewHubService(hub))
//	tree.AddAPIService(services.NewHTTPServerService(srv, 10*time.Second))
package services

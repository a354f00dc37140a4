// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

// Command syncd runs the offline-first write queue next to the DictateMED
// desktop shell.
//
// Startup order:
//
//  1. Configuration (koanf: defaults, config.yaml, environment)
//  2. Queue store, falling back to memory when the disk store is unusable
//  3. Connectivity monitor and its interface probe
//  4. Submission client and credentials
//  5. Sync orchestrator and controller
//  6. Status API (HTTP + websocket) when enabled
//  7. Supervisor tree running every background loop
//
// SIGINT and SIGTERM cancel the tree; the store is closed after every
// service has stopped so no in-flight write is cut off.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/config"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/connectivity"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/controller"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/queue"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/statusapi"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/submission"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/supervisor"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/supervisor/services"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/syncengine"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("syncd exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(cfg.Logging.LoggerConfig())

	logging.Info().
		Str("queue_path", cfg.Queue.Path).
		Str("submission_url", cfg.Submission.BaseURL).
		Bool("status_enabled", cfg.Status.Enabled).
		Msg("Starting syncd")

	store, storeErr := queue.OpenWithFallback(cfg.Queue.StoreConfig())
	if store == nil {
		return storeErr
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing queue store")
		}
	}()

	monitor := connectivity.NewMonitor(cfg.Connectivity.MonitorConfig())
	defer monitor.Close()
	probe := connectivity.NewInterfaceSource(monitor, cfg.Connectivity.PollInterval, nil)

	creds, err := newCredentials(cfg.Submission)
	if err != nil {
		return err
	}
	client, err := submission.NewHTTPClient(cfg.Submission.HTTPConfig(), creds, nil)
	if err != nil {
		return err
	}

	orch, err := syncengine.New(store, client, monitor, creds, cfg.Sync.EngineConfig())
	if err != nil {
		return err
	}

	ctrl, err := controller.New(store, orch, monitor, controller.Options{
		Notifier:    logNotifier{},
		StoreErr:    storeErr,
		Transcripts: client,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})

	tree.AddDataService(services.NewMaintainerService(queue.NewMaintainer(store)))
	tree.AddSyncService(services.NewConnectivityService(probe))
	tree.AddSyncService(services.NewOrchestratorService(orch))

	if cfg.Status.Enabled {
		hub := statusapi.NewHub()
		statusCfg := cfg.Status.ServerConfig()
		server := statusapi.NewServer(ctrl, hub, statusCfg)
		defer server.Close()

		tree.AddSyncService(services.NewHubService(hub))
		tree.AddAPIService(services.NewHTTPServerService(server.HTTPServer(), statusCfg.ShutdownTimeout))
		logging.Info().Str("addr", statusCfg.Addr).Msg("Status API enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("Supervisor tree starting")
	err = tree.Serve(ctx)
	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logging.Info().Msg("syncd stopped")
	return nil
}

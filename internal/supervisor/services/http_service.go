// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
)

const defaultShutdownTimeout = 10 * time.Second

// HTTPServer is satisfied by *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService keeps the local status API listening. The UI shell
// reconnects its status stream on its own, so a failed bind is simply
// returned and retried by the api-layer supervisor.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPServerService) Serve(ctx context.Context) error {
	log := logging.WithComponent("status-http")

	exited := make(chan error, 1)
	go func() {
		err := h.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		exited <- err
	}()

	select {
	case err := <-exited:
		if err != nil {
			return fmt.Errorf("status api listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// The supervisor context is already done; drain websocket and request
	// handlers on a fresh deadline.
	drainCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()
	if err := h.server.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Dur("timeout", h.shutdownTimeout).Msg("Status API did not drain in time")
		return fmt.Errorf("status api shutdown: %w", err)
	}
	<-exited
	log.Debug().Msg("Status API stopped")
	return ctx.Err()
}

func (h *HTTPServerService) String() string { return "status-http" }

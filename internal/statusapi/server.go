// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package statusapi

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/controller"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/queue"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/submission"
)

// Controller is the controller surface exposed over HTTP.
type Controller interface {
	Snapshot() controller.State
	Subscribe(fn func(controller.State)) (unsubscribe func())
	SyncNow()
	StalledItems(ctx context.Context) ([]controller.StalledItem, error)
	Retry(ctx context.Context, collection queue.CollectionName, id string) error
	Discard(ctx context.Context, collection queue.CollectionName, id string) error
	Transcript(ctx context.Context, recordingID string) (*queue.CachedTranscript, error)
}

// Config configures the status surface.
type Config struct {
	Addr string

	// AllowedOrigins lists UI shell origins permitted for CORS and websocket
	// upgrades. "*" allows any origin.
	AllowedOrigins []string

	// WriteRateLimit requests per WriteRateWindow per client IP on mutating routes.
	WriteRateLimit  int
	WriteRateWindow time.Duration

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// DefaultConfig returns a loopback-only configuration.
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:8787",
		AllowedOrigins:    []string{"http://localhost:3000"},
		WriteRateLimit:    30,
		WriteRateWindow:   time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Server routes HTTP requests to a controller and streams its state.
type Server struct {
	ctrl     Controller
	hub      *Hub
	cfg      Config
	upgrader websocket.Upgrader
	unsub    func()
}

// NewServer creates a server and starts forwarding controller state to hub.
// hub must be running for websocket clients to receive updates.
func NewServer(ctrl Controller, hub *Hub, cfg Config) *Server {
	s := &Server{ctrl: ctrl, hub: hub, cfg: cfg}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      s.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	s.unsub = ctrl.Subscribe(func(st controller.State) {
		hub.Broadcast(MessageTypeState, st)
	})
	return s
}

// Close stops forwarding controller state.
func (s *Server) Close() {
	if s.unsub != nil {
		s.unsub()
	}
}

// HTTPServer returns an *http.Server bound to cfg.Addr.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(withCorrelationID)
	r.Use(instrument)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/stalled", s.handleStalled)
		r.Get("/transcripts/{id}", s.handleTranscript)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.writeLimiter())
			r.Post("/sync", s.handleSync)
			r.Post("/items/{collection}/{id}/retry", s.handleRetry)
			r.Delete("/items/{collection}/{id}", s.handleDiscard)
		})
	})

	return r
}

func (s *Server) writeLimiter() func(http.Handler) http.Handler {
	if s.cfg.WriteRateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		s.cfg.WriteRateLimit,
		s.cfg.WriteRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
		}),
	)
}

// withCorrelationID carries chi's request id into the logging context.
func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := chimiddleware.GetReqID(ctx); id != "" {
			ctx = logging.ContextWithCorrelationID(ctx, id)
		} else {
			ctx = logging.ContextWithNewCorrelationID(ctx)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients on the loopback interface.
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

type healthResponse struct {
	Status     string                `json:"status"`
	SyncStatus controller.SyncStatus `json:"sync_status"`
	Durable    bool                  `json:"durable"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.ctrl.Snapshot()
	resp := healthResponse{Status: "ok", SyncStatus: st.SyncStatus, Durable: st.Durable}
	code := http.StatusOK
	if st.SyncStatus == controller.StatusError {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.ctrl.SyncNow()
	logging.Ctx(r.Context()).Info().Msg("Manual sync requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleStalled(w http.ResponseWriter, r *http.Request) {
	items, err := s.ctrl.StalledItems(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if items == nil {
		items = []controller.StalledItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	col, id, ok := itemParams(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.Retry(r.Context(), col, id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued", "id": id})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	col, id, ok := itemParams(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.Discard(r.Context(), col, id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	t, err := s.ctrl.Transcript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := NewClient(s.hub, conn)
	client.send <- Message{Type: MessageTypeState, Data: s.ctrl.Snapshot()}

	select {
	case s.hub.Register <- client:
	case <-s.hub.Done():
		_ = conn.Close()
		return
	}
	client.Start()
}

func itemParams(w http.ResponseWriter, r *http.Request) (queue.CollectionName, string, bool) {
	col, ok := queue.ParseCollectionName(chi.URLParam(r, "collection"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown collection")
		return "", "", false
	}
	return col, chi.URLParam(r, "id"), true
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *submission.Error
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, controller.ErrNoTranscriptSource),
		errors.Is(err, queue.ErrStoreClosed),
		errors.Is(err, queue.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Status request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

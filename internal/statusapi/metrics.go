// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package statusapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	statusRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "status_api_requests_total",
		Help: "Total status API requests by route, method and status code",
	}, []string{"method", "route", "status"})

	statusRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "status_api_request_duration_seconds",
		Help:    "Status API request latency",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
	}, []string{"method", "route"})

	statusActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "status_api_active_requests",
		Help: "Status API requests currently being served",
	})

	statusStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "status_api_stream_clients",
		Help: "Connected status stream clients",
	})
)

// instrument records request metrics labelled by chi route pattern, so
// item ids never become label values. The wrapped writer keeps
// http.Hijacker for websocket upgrades.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		statusActiveRequests.Inc()
		defer statusActiveRequests.Dec()

		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		statusRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		statusRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package submission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "submission_requests_total",
		Help: "Submission requests by kind and outcome",
	}, []string{"kind", "outcome"})

	submissionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "submission_request_duration_seconds",
		Help:    "Submission request latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"kind"})

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "submission_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	circuitBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "submission_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"name", "from", "to"})

	credentialRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "submission_credential_refreshes_total",
		Help: "Credential refresh attempts by result",
	}, []string{"result"})
)

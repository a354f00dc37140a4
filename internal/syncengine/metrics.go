// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package syncengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_passes_total",
		Help: "Drain passes executed by trigger reason",
	}, []string{"reason"})

	syncPassesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_passes_skipped_total",
		Help: "Automatic drain passes skipped because the device was offline",
	}, []string{"reason"})

	syncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_attempts_total",
		Help: "Submission attempts by collection and outcome",
	}, []string{"collection", "outcome"})

	syncAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_attempt_duration_seconds",
		Help:    "Submission attempt latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"collection"})

	syncState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_state",
		Help: "Orchestrator state (0=idle, 1=draining, 2=suspended)",
	})

	syncCoalescedTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_coalesced_triggers_total",
		Help: "Triggers folded into an already pending pass",
	})
)

func setStateGauge(s State) {
	switch s {
	case StateDraining:
		syncState.Set(1)
	case StateSuspended:
		syncState.Set(2)
	default:
		syncState.Set(0)
	}
}

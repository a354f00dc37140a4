// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package connectivity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectivityOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connectivity_online",
		Help: "1 when the debounced connectivity state is online",
	})

	connectivityTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connectivity_transitions_total",
		Help: "Debounced connectivity transitions by target state",
	}, []string{"to"})

	connectivityFlapsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connectivity_flaps_suppressed_total",
		Help: "Online signals discarded because they did not outlast the stability window",
	})
)

func setOnlineGauge(online bool) {
	if online {
		connectivityOnline.Set(1)
		return
	}
	connectivityOnline.Set(0)
}

func recordTransition(online bool) {
	if online {
		connectivityTransitions.WithLabelValues("online").Inc()
		return
	}
	connectivityTransitions.WithLabelValues("offline").Inc()
}

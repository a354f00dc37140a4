// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for store operations
var (
	queueItemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_items_added_total",
		Help: "Total number of items added to the durable queue",
	}, []string{"collection"})

	queueItemsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_items_deleted_total",
		Help: "Total number of items removed from the durable queue",
	}, []string{"collection"})

	queuePendingItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_pending_items",
		Help: "Current number of items in each collection",
	}, []string{"collection"})

	queueStalledItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_stalled_items",
		Help: "Current number of stalled items in each collection",
	}, []string{"collection"})

	queueOpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_op_latency_seconds",
		Help:    "Durable queue operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	queueGCRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_gc_runs_total",
		Help: "Total number of value log GC runs",
	})

	queueDurable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queue_durable",
		Help: "1 when the queue is backed by disk, 0 when running in memory",
	})

	transcriptCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_cache_requests_total",
		Help: "Transcript cache lookups by result",
	}, []string{"result"})

	transcriptCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcript_cache_evictions_total",
		Help: "Transcripts evicted to honour the size bound",
	})
)

func observeOp(op string, seconds float64) {
	queueOpLatency.WithLabelValues(op).Observe(seconds)
}

func recordCounts(c CollectionName, total, stalled int) {
	queuePendingItems.WithLabelValues(string(c)).Set(float64(total))
	queueStalledItems.WithLabelValues(string(c)).Set(float64(stalled))
}

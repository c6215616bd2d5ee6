// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

// Package metrics defines the Prometheus instrumentation for the mirror
// engine: sync run outcomes, batch throughput, source fetch behavior, store
// write latency, and consistency-check counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync run metrics

	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgmirror_sync_runs_total",
			Help: "Total sync runs by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "msgmirror_sync_run_duration_seconds",
			Help:    "Duration of sync runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"kind"},
	)

	SyncBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "msgmirror_sync_batch_size",
			Help:    "Number of records per committed batch",
			Buckets: []float64{1, 10, 25, 50, 100, 250, 500},
		},
	)

	SyncRecordsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgmirror_sync_records_processed_total",
			Help: "Total records successfully written through both stores",
		},
	)

	SyncRecordsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgmirror_sync_records_failed_total",
			Help: "Total per-record failures by stage",
		},
		[]string{"stage"}, // "processing", "local", "warehouse"
	)

	// Source connector metrics

	SourceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgmirror_source_requests_total",
			Help: "Total source API requests by operation and outcome",
		},
		[]string{"operation", "outcome"}, // outcome: "ok", "transient", "fatal"
	)

	SourceRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgmirror_source_retries_total",
			Help: "Total retry attempts against the source API",
		},
	)

	SourceRateLimitWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgmirror_source_rate_limit_waits_total",
			Help: "Total waits caused by HTTP 429 responses",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "msgmirror_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Store metrics

	StoreWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "msgmirror_store_write_duration_seconds",
			Help:    "Duration of batch upserts by store",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store"}, // "local", "warehouse"
	)

	StoreWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgmirror_store_write_errors_total",
			Help: "Total batch upsert failures by store",
		},
		[]string{"store"},
	)

	// Consistency checker metrics

	ConsistencyChecksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgmirror_consistency_checks_total",
			Help: "Total consistency check invocations",
		},
	)

	ConsistencyRecordsChecked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgmirror_consistency_records_checked_total",
			Help: "Total record IDs examined by the checker",
		},
	)

	ConsistencyInconsistent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgmirror_consistency_inconsistent_total",
			Help: "Total inconsistencies found by store side",
		},
		[]string{"store"}, // "local", "warehouse"
	)

	NeedsSyncBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgmirror_needs_sync_backlog",
			Help: "Record IDs currently pending repair after the last check",
		},
	)
)

// RecordRunOutcome records the terminal metrics for one sync run.
func RecordRunOutcome(kind string, status string, duration time.Duration) {
	SyncRunsTotal.WithLabelValues(kind, status).Inc()
	SyncRunDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveStoreWrite times one batch upsert against a store.
func ObserveStoreWrite(store string, start time.Time, err error) {
	StoreWriteDuration.WithLabelValues(store).Observe(time.Since(start).Seconds())
	if err != nil {
		StoreWriteErrors.WithLabelValues(store).Inc()
	}
}

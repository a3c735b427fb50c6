// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Package metrics provides Prometheus instrumentation for FieldTrace:
// queue depth, dead-letter growth, sync engine runs, ingest outcomes,
// and fan-out delivery counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Durable queue metrics (scanner side)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldtrace_queue_depth",
			Help: "Number of captured events awaiting acknowledgment",
		},
	)

	QueueAppends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldtrace_queue_appends_total",
			Help: "Total events appended to the durable queue",
		},
	)

	DeadLetterSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldtrace_dead_letter_size",
			Help: "Number of events in the dead-letter set",
		},
	)

	DeadLetterEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldtrace_dead_letter_evictions_total",
			Help: "Dead-letter entries evicted because the cap was reached",
		},
	)

	// Sync engine metrics (scanner side)
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrace_sync_runs_total",
			Help: "Sync engine runs by outcome",
		},
		[]string{"outcome"}, // "success", "partial", "offline", "transport_error", "empty"
	)

	SyncTriggersCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldtrace_sync_triggers_coalesced_total",
			Help: "Triggers folded into an already-pending follow-up run",
		},
	)

	SyncBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldtrace_sync_batch_duration_seconds",
			Help:    "Duration of one batch transmission attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Ingestion gateway metrics (server side)
	IngestEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrace_ingest_events_total",
			Help: "Ingested events by result",
		},
		[]string{"result"}, // "accepted", "duplicate", "rejected"
	)

	IngestBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldtrace_ingest_batches_total",
			Help: "Total ingest batches processed",
		},
	)

	// Fan-out metrics (server side)
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldtrace_websocket_clients",
			Help: "Currently connected websocket sessions",
		},
	)

	BroadcastDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldtrace_broadcast_deliveries_total",
			Help: "Per-session delivery attempts across all publishes",
		},
	)

	BroadcastDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldtrace_broadcast_dropped_total",
			Help: "Messages dropped because a session send buffer was full",
		},
	)

	// Circuit breaker metrics (scanner transport)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fieldtrace_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrace_circuit_breaker_requests_total",
			Help: "Circuit breaker requests by result",
		},
		[]string{"name", "result"}, // "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrace_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Task metrics
	TaskCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrace_task_completions_total",
			Help: "Task completion calls by result",
		},
		[]string{"result"}, // "ok", "error", "offline"
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hazard_events_total",
			Help: "Total number of events handled, by hazard and outcome",
		},
		[]string{"hazard", "outcome"},
	)

	HandleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hazard_handle_duration_seconds",
			Help:    "Time taken to handle one event end to end",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	PolicyTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hazard_policy_transitions_total",
			Help: "Total number of non-trivial policy decisions, by hazard and decision",
		},
		[]string{"hazard", "decision"},
	)

	StateConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hazard_state_conflicts_total",
			Help: "Total number of compare-and-swap conflicts on the alert state store",
		},
	)

	// Dispatcher metrics
	DispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hazard_dispatch_attempts_total",
			Help: "Total number of notification attempts, by terminal status",
		},
		[]string{"status"}, // status: confirmed, failed, skipped
	)

	DispatchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hazard_dispatch_retries_total",
			Help: "Total number of notification send retries",
		},
	)

	// Ingest metrics
	IngestSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hazard_ingest_submitted_total",
			Help: "Total number of raw events submitted by each source",
		},
		[]string{"source"},
	)

	IngestDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hazard_ingest_dropped_total",
			Help: "Total number of raw events dropped due to queue backpressure",
		},
		[]string{"source"},
	)

	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hazard_worker_queue_size",
			Help: "Current size of the worker queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hazard_worker_queue_capacity",
			Help: "Capacity of the worker queue",
		},
	)
)

// Package metrics declares the process's Prometheus collectors, following
// the namespace/subsystem/name convention and sync.Once registration
// pattern of dendrite's internal/httputil rate-limiting counters (that
// package is not part of this tree).
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "homeserver"

var (
	// EventsProcessed counts pipeline outcomes, labelled by outcome
	// ("committed", "soft_failed", "duplicate", "rejected", and "retry"
	// for each requeue of a transiently failed event).
	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vm",
			Name:      "events_processed_total",
			Help:      "Total number of events that reached a terminal pipeline outcome.",
		},
		[]string{"outcome"},
	)

	// PipelineStageDuration measures how long each VM phase takes.
	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vm",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Time spent in each event pipeline phase.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// StagingQueueDepth reports the current backpressure-bounded staging
	// queue occupancy.
	StagingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vm",
			Name:      "staging_queue_depth",
			Help:      "Number of events currently staged awaiting processing.",
		},
	)

	// FederationRequests counts outbound federation requests by
	// destination and outcome.
	FederationRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fedclient",
			Name:      "requests_total",
			Help:      "Total number of outbound federation requests.",
		},
		[]string{"destination", "outcome"},
	)

	// FederationRequestDuration measures outbound federation request
	// latency by destination.
	FederationRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fedclient",
			Name:      "request_duration_seconds",
			Help:      "Outbound federation request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"destination"},
	)

	// CircuitBreakerState reports 1 when a destination's circuit is open
	// (requests are being short-circuited), 0 otherwise.
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fedclient",
			Name:      "circuit_breaker_open",
			Help:      "1 if the destination's circuit breaker is open, 0 otherwise.",
		},
		[]string{"destination"},
	)

	// StoreCommits counts committed transactions against the
	// content-addressed store.
	StoreCommits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "commits_total",
			Help:      "Total number of committed store transactions.",
		},
	)

	// FibersRunning reports the number of live fibers known to the
	// scheduler.
	FibersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fiber",
			Name:      "running",
			Help:      "Number of fibers currently known to the scheduler.",
		},
	)
)

var registerOnce sync.Once

// MustRegister registers every collector above against the default
// Prometheus registry. Safe to call more than once; only the first call
// has effect.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EventsProcessed,
			PipelineStageDuration,
			StagingQueueDepth,
			FederationRequests,
			FederationRequestDuration,
			CircuitBreakerState,
			StoreCommits,
			FibersRunning,
		)
	})
}

// Package metrics provides Prometheus metrics for the Enclave control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sandbox metrics
	SandboxesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enclave_sandboxes_active",
			Help: "Number of sandboxes currently bound to a conversation",
		},
	)

	SandboxCreationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclave_sandbox_creations_total",
			Help: "Total number of sandbox creations",
		},
		[]string{"source", "status"}, // source: warm_pool, on_demand
	)

	SandboxCreateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enclave_sandbox_create_duration_seconds",
			Help:    "Time to create a sandbox until the agent reports ready",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	// Warm pool metrics
	WarmPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enclave_warm_pool_size",
			Help: "Current depth of the warm pool queue",
		},
	)

	WarmPoolHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclave_warm_pool_acquisitions_total",
			Help: "Warm pool acquisition outcomes",
		},
		[]string{"outcome"}, // hit, miss, discarded
	)

	// Turn metrics
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclave_turns_total",
			Help: "Total number of agent turns",
		},
		[]string{"status"}, // done, error, recovered
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enclave_turn_duration_seconds",
			Help:    "Duration of a full agent turn",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Proxy metrics
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclave_proxy_requests_total",
			Help: "Total number of proxied egress requests",
		},
		[]string{"kind", "outcome"}, // kind: forward, connect; outcome: allowed, denied, signed, upstream_error
	)

	// GC metrics
	GCReapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclave_gc_reaps_total",
			Help: "Total number of sandboxes reaped by the garbage collector",
		},
		[]string{"reason"}, // inactive, absolute_ttl, unhealthy, orphan
	)

	// File sync metrics
	FileSyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclave_file_syncs_total",
			Help: "Total number of file sync passes",
		},
		[]string{"direction", "status"}, // direction: in, out
	)

	FileSyncBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclave_file_sync_bytes_total",
			Help: "Total bytes transferred by file sync",
		},
		[]string{"direction"},
	)
)

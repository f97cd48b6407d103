package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Storage layer Prometheus metrics.
//
// Pool gauges are pushed periodically by the storage manager's collection loop.
// Counters and histograms are updated inline on every operation.
// All metrics are registered with the default registry on import.

var (
	// PoolConnections reports connections by state.
	// Labels:
	//   - state: "total", "idle" or "active"
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "strata",
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Connections currently held by the pool, by state",
		},
		[]string{"state"},
	)

	PoolMaxConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "strata",
			Subsystem: "pool",
			Name:      "max_connections",
			Help:      "Configured upper bound on pooled connections",
		},
	)

	// PoolAcquisitions counts Get outcomes.
	// Labels:
	//   - result: "hit", "miss", "exhausted" or "failed"
	PoolAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "pool",
			Name:      "acquisitions_total",
			Help:      "Connection acquisitions by outcome",
		},
		[]string{"result"},
	)

	// PoolEvictions counts connections closed because they failed a health probe.
	// Labels:
	//   - reason: "checkout", "return" or "sweep"
	PoolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Connections evicted after failing a health probe",
		},
		[]string{"reason"},
	)

	PoolWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "strata",
			Subsystem: "pool",
			Name:      "wait_duration_seconds",
			Help:      "Time callers spent waiting for a connection",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// QueryDuration measures statement execution time.
	// Labels:
	//   - kind: "query" or "transaction"
	//   - outcome: "success", "error" or "cache_hit"
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "strata",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Statement execution time",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"kind", "outcome"},
	)

	QueryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "query",
			Name:      "connection_retries_total",
			Help:      "Statements retried on a fresh connection after a connection-level failure",
		},
	)

	// CacheRequests counts result cache lookups.
	// Labels:
	//   - result: "hit" or "miss"
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Query result cache lookups",
		},
		[]string{"result"},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "strata",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently held in the query result cache",
		},
	)

	MigrationsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "schema",
			Name:      "migrations_applied_total",
			Help:      "Schema migrations applied by this process",
		},
	)

	SchemaVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "strata",
			Subsystem: "schema",
			Name:      "version",
			Help:      "Schema version persisted in the store",
		},
	)

	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "maintenance",
			Name:      "runs_total",
			Help:      "Optimize runs by outcome",
		},
		[]string{"outcome"},
	)
)

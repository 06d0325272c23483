// Package metrics exposes the proxy's Prometheus series: connection pool
// gauges per shard, query/transaction/acquire latency histograms, and
// counters for the router, merger, two-phase commit, and mirror
// subsystems.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the proxy.
type Collector struct {
	Registry           *prometheus.Registry
	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	queryDuration      *prometheus.HistogramVec
	shardHealth        *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
	poolBans           *prometheus.CounterVec

	// Health check metrics
	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	// Transaction-mode metrics
	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec
	sessionPinsTotal    *prometheus.CounterVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec

	// Routing metrics
	routesTotal      *prometheus.CounterVec
	mergeShardsTotal prometheus.Histogram

	// Two-phase commit metrics
	twoPCPhaseFailures *prometheus.CounterVec

	// Mirror metrics
	mirrorObservedTotal *prometheus.CounterVec
	mirrorMirroredTotal *prometheus.CounterVec
	mirrorDroppedTotal  *prometheus.CounterVec
	mirrorErrorsTotal   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardgate_connections_active",
				Help: "Number of active connections per shard",
			},
			[]string{"shard", "db_type"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardgate_connections_idle",
				Help: "Number of idle connections per shard",
			},
			[]string{"shard", "db_type"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardgate_connections_total",
				Help: "Total number of connections per shard",
			},
			[]string{"shard", "db_type"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardgate_connections_waiting",
				Help: "Number of goroutines waiting for a connection per shard",
			},
			[]string{"shard", "db_type"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardgate_query_duration_seconds",
				Help:    "Duration of proxied queries in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"shard", "db_type"},
		),
		shardHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardgate_shard_health",
				Help: "Health status of a shard backend (1=healthy, 0=unhealthy)",
			},
			[]string{"shard"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_pool_exhausted_total",
				Help: "Total number of times the pool was exhausted per shard",
			},
			[]string{"shard"},
		),
		poolBans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_pool_bans_total",
				Help: "Total number of pool bans by reason",
			},
			[]string{"shard", "reason"},
		),

		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardgate_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"shard", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"shard", "error_type"},
		),

		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_transactions_total",
				Help: "Total completed transactions (transaction-mode pooling)",
			},
			[]string{"shard", "db_type"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardgate_transaction_duration_seconds",
				Help:    "Duration from backend acquire to return per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"shard", "db_type"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardgate_acquire_duration_seconds",
				Help:    "Time waiting for pool.Get()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"shard", "db_type"},
		),
		sessionPinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_session_pins_total",
				Help: "Session pin events in transaction-mode pooling",
			},
			[]string{"shard", "reason"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_backend_resets_total",
				Help: "Backend DISCARD ALL reset results",
			},
			[]string{"shard", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction requiring ROLLBACK",
			},
			[]string{"shard"},
		),

		routesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_routes_total",
				Help: "Routing decisions by kind (direct, multi, all)",
			},
			[]string{"kind"},
		),
		mergeShardsTotal: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shardgate_merge_shards_total",
				Help:    "Number of shards merged per multi-shard query result",
				Buckets: prometheus.LinearBuckets(1, 1, 16),
			},
		),

		twoPCPhaseFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_2pc_phase_failures_total",
				Help: "Two-phase commit phase failures (prepare, commit, rollback)",
			},
			[]string{"phase"},
		),

		mirrorObservedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_mirror_observed_total",
				Help: "Statements observed by the mirror subsystem",
			},
			[]string{"destination"},
		),
		mirrorMirroredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_mirror_mirrored_total",
				Help: "Statements successfully replayed by the mirror subsystem",
			},
			[]string{"destination"},
		),
		mirrorDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_mirror_dropped_total",
				Help: "Statements dropped by the mirror subsystem due to a full queue",
			},
			[]string{"destination"},
		),
		mirrorErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_mirror_errors_total",
				Help: "Mirror replay errors by classification",
			},
			[]string{"destination", "error_type"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.queryDuration,
		c.shardHealth,
		c.poolExhausted,
		c.poolBans,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.sessionPinsTotal,
		c.backendResetsTotal,
		c.dirtyDisconnects,
		c.routesTotal,
		c.mergeShardsTotal,
		c.twoPCPhaseFailures,
		c.mirrorObservedTotal,
		c.mirrorMirroredTotal,
		c.mirrorDroppedTotal,
		c.mirrorErrorsTotal,
	)

	return c
}

// QueryDuration observes one query's duration.
func (c *Collector) QueryDuration(shard, dbType string, d time.Duration) {
	c.queryDuration.WithLabelValues(shard, dbType).Observe(d.Seconds())
}

// SetShardHealth sets the health gauge for a shard.
func (c *Collector) SetShardHealth(shard string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.shardHealth.WithLabelValues(shard).Set(val)
}

// PoolExhausted increments the pool exhausted counter.
func (c *Collector) PoolExhausted(shard string) {
	c.poolExhausted.WithLabelValues(shard).Inc()
}

// PoolBanned increments the pool ban counter for the given reason.
func (c *Collector) PoolBanned(shard, reason string) {
	c.poolBans.WithLabelValues(shard, reason).Inc()
}

// UpdatePoolStats updates the pool gauge metrics from stats.
func (c *Collector) UpdatePoolStats(shard, dbType string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(shard, dbType).Set(float64(active))
	c.connectionsIdle.WithLabelValues(shard, dbType).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(shard, dbType).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(shard, dbType).Set(float64(waiting))
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(shard string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(shard, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(shard, errorType string) {
	c.healthCheckErrors.WithLabelValues(shard, errorType).Inc()
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(shard, dbType string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(shard, dbType).Inc()
	c.transactionDuration.WithLabelValues(shard, dbType).Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(shard, dbType string, d time.Duration) {
	c.acquireDuration.WithLabelValues(shard, dbType).Observe(d.Seconds())
}

// SessionPinned increments the session pin counter with the given reason.
func (c *Collector) SessionPinned(shard, reason string) {
	c.sessionPinsTotal.WithLabelValues(shard, reason).Inc()
}

// BackendReset records a DISCARD ALL result (success or failure).
func (c *Collector) BackendReset(shard string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(shard, status).Inc()
}

// DirtyDisconnect increments the dirty disconnect counter.
func (c *Collector) DirtyDisconnect(shard string) {
	c.dirtyDisconnects.WithLabelValues(shard).Inc()
}

// RouteDecided increments the routing decision counter for the given kind
// ("direct", "multi", "all").
func (c *Collector) RouteDecided(kind string) {
	c.routesTotal.WithLabelValues(kind).Inc()
}

// MergeShards observes how many shards' results were merged into one
// client-visible result set.
func (c *Collector) MergeShards(n int) {
	c.mergeShardsTotal.Observe(float64(n))
}

// TwoPCPhaseFailed increments the two-phase commit phase failure counter
// ("prepare", "commit", "rollback").
func (c *Collector) TwoPCPhaseFailed(phase string) {
	c.twoPCPhaseFailures.WithLabelValues(phase).Inc()
}

// MirrorObserved increments the mirror's observed-statement counter for a
// destination cluster.
func (c *Collector) MirrorObserved(destination string) {
	c.mirrorObservedTotal.WithLabelValues(destination).Inc()
}

// MirrorMirrored increments the mirror's successfully-replayed counter.
func (c *Collector) MirrorMirrored(destination string) {
	c.mirrorMirroredTotal.WithLabelValues(destination).Inc()
}

// MirrorDropped increments the mirror's dropped-due-to-full-queue counter.
func (c *Collector) MirrorDropped(destination string) {
	c.mirrorDroppedTotal.WithLabelValues(destination).Inc()
}

// MirrorError increments the mirror's replay error counter by
// classification.
func (c *Collector) MirrorError(destination, errorType string) {
	c.mirrorErrorsTotal.WithLabelValues(destination, errorType).Inc()
}

// RemoveShard removes all metrics for a shard.
func (c *Collector) RemoveShard(shard string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"shard": shard})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"shard": shard})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"shard": shard})
	c.connectionsWaiting.DeletePartialMatch(prometheus.Labels{"shard": shard})
	c.shardHealth.DeleteLabelValues(shard)
	c.poolExhausted.DeleteLabelValues(shard)
	c.poolBans.DeletePartialMatch(prometheus.Labels{"shard": shard})
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"shard": shard})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"shard": shard})
	c.transactionsTotal.DeletePartialMatch(prometheus.Labels{"shard": shard})
	c.transactionDuration.DeletePartialMatch(prometheus.Labels{"shard": shard})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"shard": shard})
	c.sessionPinsTotal.DeletePartialMatch(prometheus.Labels{"shard": shard})
	c.backendResetsTotal.DeletePartialMatch(prometheus.Labels{"shard": shard})
	c.dirtyDisconnects.DeleteLabelValues(shard)
}

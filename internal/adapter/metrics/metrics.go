package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tenant_plane"

// APIMetrics holds the metrics of the public and admin HTTP servers.
type APIMetrics struct {
	ResolutionsTotal    *prometheus.CounterVec
	TenantsCreated      prometheus.Counter
	RegistryCacheHits   prometheus.Counter
	RegistryCacheMisses prometheus.Counter
	APIKeyCacheHits     prometheus.Counter
	APIKeyCacheMisses   prometheus.Counter
}

// NewAPIMetrics registers the API metrics with reg.
func NewAPIMetrics(reg prometheus.Registerer) *APIMetrics {
	f := promauto.With(reg)
	return &APIMetrics{
		ResolutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolution",
			Name:      "requests_total",
			Help:      "Tenant resolution attempts by outcome.",
		}, []string{"outcome"}), // outcome: ok, not_found, inactive, suspended, provisioning, connection, invalid
		TenantsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "tenants_created_total",
			Help:      "Total number of tenants registered.",
		}),
		RegistryCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "cache_hits_total",
			Help:      "Total number of tenant lookups served from the registry cache.",
		}),
		RegistryCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "cache_misses_total",
			Help:      "Total number of tenant lookups that reached the registry database.",
		}),
		APIKeyCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "api_key_cache_hits_total",
			Help:      "Total number of API key cache hits.",
		}),
		APIKeyCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "api_key_cache_misses_total",
			Help:      "Total number of API key cache misses.",
		}),
	}
}

// Resolution counts one resolution outcome. Safe on a nil receiver.
func (m *APIMetrics) Resolution(outcome string) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(outcome).Inc()
}

// PoolMetrics holds the connection cache metrics.
type PoolMetrics struct {
	Hits          prometheus.Counter
	Misses        prometheus.Counter
	Evictions     *prometheus.CounterVec
	Exhausted     prometheus.Counter
	Connections   prometheus.Gauge
	Entries       prometheus.Gauge
	BuildDuration prometheus.Histogram
	BuildFailures *prometheus.CounterVec
}

// NewPoolMetrics registers the pool metrics with reg.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	f := promauto.With(reg)
	return &PoolMetrics{
		Hits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "hits_total",
			Help:      "Lookups served by a cached tenant client.",
		}),
		Misses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "misses_total",
			Help:      "Lookups that required building a tenant client.",
		}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Evicted tenant clients by reason.",
		}, []string{"reason"}), // reason: capacity, ttl, idle, unhealthy, descriptor, invalidated
		Exhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Lookups rejected because the global connection ceiling was reached.",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "reserved_connections",
			Help:      "Connections reserved by live entries and in-flight builds.",
		}),
		Entries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "entries",
			Help:      "Number of cached tenant clients.",
		}),
		BuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "build_duration_seconds",
			Help:      "Time spent opening and verifying a tenant client.",
			Buckets:   prometheus.DefBuckets,
		}),
		BuildFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "build_failures_total",
			Help:      "Failed tenant client builds by reason.",
		}, []string{"reason"}), // reason: timeout, unreachable
	}
}

// Evicted counts one eviction. Safe on a nil receiver.
func (m *PoolMetrics) Evicted(reason string) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(reason).Inc()
}

// Built records a finished client build. An empty failure reason means the
// build succeeded.
func (m *PoolMetrics) Built(seconds float64, failure string) {
	if m == nil {
		return
	}
	m.BuildDuration.Observe(seconds)
	if failure != "" {
		m.BuildFailures.WithLabelValues(failure).Inc()
	}
}

// Occupancy sets the reservation and entry gauges.
func (m *PoolMetrics) Occupancy(reserved, entries int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(reserved))
	m.Entries.Set(float64(entries))
}

// ProvisionMetrics holds the provisioning worker metrics.
type ProvisionMetrics struct {
	JobsTotal    *prometheus.CounterVec
	JobDuration  prometheus.Histogram
	DeadLettered prometheus.Counter
	Reconciled   prometheus.Counter
	WALActive    prometheus.Gauge
}

// NewProvisionMetrics registers the provisioning metrics with reg.
func NewProvisionMetrics(reg prometheus.Registerer) *ProvisionMetrics {
	f := promauto.With(reg)
	return &ProvisionMetrics{
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "jobs_total",
			Help:      "Processed provisioning jobs by outcome.",
		}, []string{"outcome"}), // outcome: activated, retry, in_flight, dead_lettered, missing
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "job_duration_seconds",
			Help:      "Time spent processing a provisioning job.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		DeadLettered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "dead_lettered_total",
			Help:      "Provisioning jobs moved to the dead-letter queue.",
		}),
		Reconciled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "reconciled_total",
			Help:      "Stuck tenants re-enqueued by the reconciler.",
		}),
		WALActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "wal_active_gauge",
			Help:      "Indicates if the Write-Ahead Log is currently active (1 for active, 0 for inactive).",
		}),
	}
}

// Job counts one job outcome. Safe on a nil receiver.
func (m *ProvisionMetrics) Job(outcome string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(outcome).Inc()
}

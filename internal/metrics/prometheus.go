package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Query metrics
	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
	Demotions     *prometheus.CounterVec
	APICalls      *prometheus.HistogramVec

	// Cache metrics
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec
	CacheEntries       prometheus.Gauge

	// Remote metrics
	RemoteFetches  *prometheus.CounterVec
	RemoteRetries  *prometheus.CounterVec
	RemoteDuration *prometheus.HistogramVec

	// Pool metrics
	PoolConnections prometheus.Gauge
	PoolInFlight    prometheus.Gauge

	// Adaptive components
	BatchSize   *prometheus.GaugeVec
	Selectivity *prometheus.GaugeVec
	Alerts      *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates metrics registered with reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		QueriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmquery_queries_total",
				Help: "Total number of executed queries",
			},
			[]string{"entity", "strategy", "outcome"},
		),

		QueryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crmquery_query_duration_seconds",
				Help:    "Duration of query execution",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),

		QueryErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmquery_query_errors_total",
				Help: "Total number of failed queries by error kind",
			},
			[]string{"kind"},
		),

		Demotions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmquery_strategy_demotions_total",
				Help: "Total number of strategy demotions",
			},
			[]string{"from", "to"},
		),

		APICalls: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crmquery_query_api_calls",
				Help:    "Remote calls issued per query",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"strategy"},
		),

		CacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmquery_cache_hits_total",
				Help: "Total number of result cache hits",
			},
			[]string{"entity"},
		),

		CacheMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmquery_cache_misses_total",
				Help: "Total number of result cache misses",
			},
			[]string{"entity"},
		),

		CacheInvalidations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmquery_cache_invalidations_total",
				Help: "Total number of cache entries evicted by invalidation",
			},
			[]string{"source"},
		),

		CacheEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "crmquery_cache_entries",
				Help: "Number of entries in the result cache",
			},
		),

		RemoteFetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmquery_remote_fetches_total",
				Help: "Total number of logical remote fetches",
			},
			[]string{"kind", "status"},
		),

		RemoteRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmquery_remote_retries_total",
				Help: "Total number of remote fetch retries",
			},
			[]string{"kind"},
		),

		RemoteDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crmquery_remote_fetch_duration_seconds",
				Help:    "Duration of logical remote fetches including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		PoolConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "crmquery_pool_connections",
				Help: "Open connections in the pool",
			},
		),

		PoolInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "crmquery_pool_in_flight",
				Help: "Requests in flight over pooled connections",
			},
		),

		BatchSize: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crmquery_batch_size",
				Help: "Current proposed batch size per operation",
			},
			[]string{"operation"},
		),

		Selectivity: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crmquery_filter_selectivity",
				Help: "Estimated selectivity per field and operator",
			},
			[]string{"field", "operator"},
		),

		Alerts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmquery_alerts_total",
				Help: "Total number of performance alerts raised",
			},
			[]string{"type"},
		),

		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmquery_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crmquery_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// RecordQuery records a finished query
func (m *Metrics) RecordQuery(entity, strategy, outcome string, duration time.Duration, apiCalls int) {
	m.QueriesTotal.WithLabelValues(entity, strategy, outcome).Inc()
	m.QueryDuration.WithLabelValues(strategy).Observe(duration.Seconds())
	m.APICalls.WithLabelValues(strategy).Observe(float64(apiCalls))
}

// RecordQueryError records a failed query by error kind
func (m *Metrics) RecordQueryError(kind string) {
	m.QueryErrors.WithLabelValues(kind).Inc()
}

// RecordDemotion records a strategy fallback
func (m *Metrics) RecordDemotion(from, to string) {
	m.Demotions.WithLabelValues(from, to).Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(entity string) {
	m.CacheHits.WithLabelValues(entity).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(entity string) {
	m.CacheMisses.WithLabelValues(entity).Inc()
}

// RecordInvalidation records evicted entries by source (local, cluster, mutation)
func (m *Metrics) RecordInvalidation(source string, count int) {
	m.CacheInvalidations.WithLabelValues(source).Add(float64(count))
}

// UpdateCacheEntries sets the cache size gauge
func (m *Metrics) UpdateCacheEntries(n int) {
	m.CacheEntries.Set(float64(n))
}

// RecordRemoteFetch records one logical fetch
func (m *Metrics) RecordRemoteFetch(kind, status string, retries int, duration time.Duration) {
	m.RemoteFetches.WithLabelValues(kind, status).Inc()
	m.RemoteDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if retries > 0 {
		m.RemoteRetries.WithLabelValues(kind).Add(float64(retries))
	}
}

// UpdatePool sets the pool gauges
func (m *Metrics) UpdatePool(connections, inFlight int) {
	m.PoolConnections.Set(float64(connections))
	m.PoolInFlight.Set(float64(inFlight))
}

// UpdateBatchSize sets the proposed batch size for an operation
func (m *Metrics) UpdateBatchSize(operation string, size int) {
	m.BatchSize.WithLabelValues(operation).Set(float64(size))
}

// UpdateSelectivity sets the selectivity estimate of a field and operator
func (m *Metrics) UpdateSelectivity(field, operator string, sel float64) {
	m.Selectivity.WithLabelValues(field, operator).Set(sel)
}

// RecordAlert records a raised alert
func (m *Metrics) RecordAlert(alertType string) {
	m.Alerts.WithLabelValues(alertType).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

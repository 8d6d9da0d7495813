package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements goaffiliate.Metrics using Prometheus.
type Metrics struct {
	aggregationDuration        prometheus.Histogram
	aggregationCodes           prometheus.Histogram
	aggregationUsers           prometheus.Histogram
	timeSeriesDuration         prometheus.Histogram
	timeSeriesPoints           prometheus.Histogram
	droppedEventsTotal         *prometheus.CounterVec
	snapshotFetchDuration      prometheus.Histogram
	snapshotFetchErrors        prometheus.Counter
	cacheHitsTotal             prometheus.Counter
	cacheMissesTotal           prometheus.Counter
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		aggregationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_duration_seconds",
			Help:      "Latency of dashboard aggregations.",
			Buckets:   prometheus.DefBuckets,
		}),

		aggregationCodes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_codes",
			Help:      "Number of referral codes per aggregation.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}),

		aggregationUsers: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_users",
			Help:      "Number of referred users per aggregation.",
			Buckets:   []float64{1, 10, 100, 1000, 10000, 100000},
		}),

		timeSeriesDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "timeseries_duration_seconds",
			Help:      "Latency of time series builds.",
			Buckets:   prometheus.DefBuckets,
		}),

		timeSeriesPoints: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "timeseries_points",
			Help:      "Number of daily points per time series.",
			Buckets:   []float64{7, 31, 90, 180, 365, 730},
		}),

		droppedEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Total number of events or rules dropped during ingestion or aggregation.",
		}, []string{"reason"}),

		snapshotFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_fetch_duration_seconds",
			Help:      "Latency of snapshot fetches from storage.",
			Buckets:   prometheus.DefBuckets,
		}),

		snapshotFetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_fetch_errors_total",
			Help:      "Total number of failed snapshot fetches.",
		}),

		cacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of snapshot cache hits.",
		}),

		cacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of snapshot cache misses.",
		}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordAggregation(codes, users int, duration time.Duration) {
	m.aggregationDuration.Observe(duration.Seconds())
	m.aggregationCodes.Observe(float64(codes))
	m.aggregationUsers.Observe(float64(users))
}

func (m *Metrics) RecordTimeSeries(points int, duration time.Duration) {
	m.timeSeriesDuration.Observe(duration.Seconds())
	m.timeSeriesPoints.Observe(float64(points))
}

func (m *Metrics) RecordDroppedEvent(reason string) {
	m.droppedEventsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSnapshotFetch(duration time.Duration, err error) {
	m.snapshotFetchDuration.Observe(duration.Seconds())
	if err != nil {
		m.snapshotFetchErrors.Inc()
	}
}

func (m *Metrics) RecordCacheHit() {
	m.cacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	m.cacheMissesTotal.Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

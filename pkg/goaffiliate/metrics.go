package goaffiliate

import "time"

// Metrics defines the interface for tracking analytics computations.
type Metrics interface {
	// RecordAggregation records one dashboard aggregation over the given input sizes.
	RecordAggregation(codes, users int, duration time.Duration)

	// RecordTimeSeries records one time-series build and the number of points produced.
	RecordTimeSeries(points int, duration time.Duration)

	// RecordDroppedEvent records an event or rule dropped during ingestion or aggregation.
	// reason: e.g. "malformed", "parse_error", "negative_rate", "duplicate_rule"
	RecordDroppedEvent(reason string)

	// RecordSnapshotFetch records the duration and status of a snapshot fetch.
	RecordSnapshotFetch(duration time.Duration, err error)

	// RecordCacheHit records a snapshot cache hit.
	RecordCacheHit()

	// RecordCacheMiss records a snapshot cache miss.
	RecordCacheMiss()

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAggregation(codes, users int, duration time.Duration) {}
func (n *NoopMetrics) RecordTimeSeries(points int, duration time.Duration)         {}
func (n *NoopMetrics) RecordDroppedEvent(reason string)                            {}
func (n *NoopMetrics) RecordSnapshotFetch(duration time.Duration, err error)       {}
func (n *NoopMetrics) RecordCacheHit()                                             {}
func (n *NoopMetrics) RecordCacheMiss()                                            {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                {}

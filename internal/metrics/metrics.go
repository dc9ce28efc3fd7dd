package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace            = "opcorrelator"
	dependencySubsystem  = "dependency"
	inboundSubsystem     = "inbound"
	httpSubsystem        = "http"
	telemetrySubsystem   = "telemetry"
	pendingCallsName     = "pending_calls"
	callDurationName     = "call_duration_seconds"
	callsTotalName       = "calls_total"
	discardedTotalName   = "discarded_total"
	unmatchedTotalName   = "unmatched_terminations_total"
	inFlightRequestsName = "in_flight_requests"
	requestsLimitedName  = "concurrent_limited_requests_total"
	itemsTotalName       = "items_total"

	httpInFlightRequestsMetricName       = "in_flight_requests"
	httpRequestsTotalMetricName          = "requests_total"
	httpRequestDurationSecondsMetricName = "request_duration_seconds"
)

var latencyBuckets = []float64{
	0.005, /* 5ms */
	0.025, /* 25ms */
	0.1,   /* 100ms */
	0.5,   /* 500ms */
	1.0,   /* 1s */
	10.0,  /* 10s */
	30.0,  /* 30s */
	60.0,  /* 1m */
	300.0, /* 5m */
}

var (
	// DependencyPendingCalls tracks calls that began but have not terminated yet.
	DependencyPendingCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: dependencySubsystem,
			Name:      pendingCallsName,
			Help:      "A gauge of outbound calls waiting for their end or exception callback.",
		},
	)

	// DependencyCallDuration observes finished calls by outcome.
	DependencyCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: dependencySubsystem,
			Name:      callDurationName,
			Help:      "A histogram of latencies for outbound calls.",
			Buckets:   latencyBuckets,
		},
		[]string{"outcome"},
	)

	// DependencyCallsTotal counts finished calls by outcome and error kind.
	DependencyCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: dependencySubsystem,
			Name:      callsTotalName,
			Help:      "A counter for outbound calls by outcome.",
		},
		[]string{"outcome", "error_kind"},
	)

	// DependencyDiscardedTotal counts pending records dropped without emission.
	DependencyDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: dependencySubsystem,
			Name:      discardedTotalName,
			Help:      "The number of pending call records dropped without being emitted.",
		},
		[]string{"reason"},
	)

	// DependencyUnmatchedTotal counts end or exception callbacks without a pending record.
	DependencyUnmatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: dependencySubsystem,
			Name:      unmatchedTotalName,
			Help:      "The number of terminating callbacks that found no pending call.",
		},
	)

	// InboundRequestsInFlight tracks requests with an active correlation scope.
	InboundRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: inboundSubsystem,
			Name:      inFlightRequestsName,
			Help:      "A gauge of inbound requests currently being served.",
		},
	)

	// InboundHitMaxRequests counts requests rejected by the concurrency limit.
	InboundHitMaxRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: inboundSubsystem,
			Name:      requestsLimitedName,
			Help:      "The number of times the concurrent requests limit was hit.",
		},
	)

	// TelemetryItemsTotal counts emitted telemetry items by kind.
	TelemetryItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: telemetrySubsystem,
			Name:      itemsTotalName,
			Help:      "The number of telemetry items emitted.",
		},
		[]string{"kind"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: httpSubsystem,
			Name:      httpRequestsTotalMetricName,
			Help:      "A counter for http requests.",
		},
		[]string{"code", "method"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: httpSubsystem,
			Name:      httpRequestDurationSecondsMetricName,
			Help:      "A histogram of latencies for http requests.",
			Buckets:   latencyBuckets,
		},
		[]string{"code", "method"},
	)

	httpInFlightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: httpSubsystem,
			Name:      httpInFlightRequestsMetricName,
			Help:      "A gauge of requests currently being performed.",
		},
	)
)

// NewRoundTripper instruments next with request counters, latencies and an
// in-flight gauge.
func NewRoundTripper(next http.RoundTripper) promhttp.RoundTripperFunc {
	rt := next

	rt = promhttp.InstrumentRoundTripperCounter(httpRequestsTotal, rt)
	rt = promhttp.InstrumentRoundTripperDuration(httpRequestDurationSeconds, rt)
	return promhttp.InstrumentRoundTripperInFlight(httpInFlightRequests, rt)
}

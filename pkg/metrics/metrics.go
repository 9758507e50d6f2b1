// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionState tracks the lifecycle state of the realtime connection
	// (0 disconnected, 1 connecting, 2 connected, 3 auth recovering).
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connection_state",
			Help: "Current realtime connection state",
		},
	)

	// ReconnectsTotal tracks reconnection attempts by trigger.
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_reconnects_total",
			Help: "Total reconnection attempts",
		},
		[]string{"trigger"},
	)

	// CredentialRefreshesTotal tracks credential refresh outcomes.
	CredentialRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_credential_refreshes_total",
			Help: "Total credential refresh attempts",
		},
		[]string{"outcome"},
	)

	// ForcedLogoutsTotal tracks terminal credential failures.
	ForcedLogoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_forced_logouts_total",
			Help: "Total forced logouts after unrecoverable credential failure",
		},
	)

	// EventsRoutedTotal tracks inbound events dispatched by the router.
	EventsRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_routed_total",
			Help: "Total inbound events routed to subscribers",
		},
		[]string{"event"},
	)

	// EventsDroppedTotal tracks inbound events discarded before dispatch.
	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Total inbound events dropped (decode failures, duplicates)",
		},
		[]string{"event", "reason"},
	)

	// OptimisticPending tracks unconfirmed optimistic message records.
	OptimisticPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_optimistic_pending",
			Help: "Optimistic message records awaiting authoritative confirmation",
		},
	)

	// RESTRequestDuration tracks REST call duration.
	RESTRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_rest_request_duration_seconds",
			Help:    "REST request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "status"},
	)

	// RESTRetriesTotal tracks requests retried after a credential refresh.
	RESTRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_rest_retries_total",
			Help: "REST requests retried once after a credential refresh",
		},
	)
)

// SetConnectionState records the numeric lifecycle state.
func SetConnectionState(state int) {
	ConnectionState.Set(float64(state))
}

// RecordRefresh records a credential refresh outcome.
func RecordRefresh(outcome string) {
	CredentialRefreshesTotal.WithLabelValues(outcome).Inc()
}

// RecordEvent records one routed inbound event.
func RecordEvent(event string) {
	EventsRoutedTotal.WithLabelValues(event).Inc()
}

// RecordDrop records one dropped inbound event.
func RecordDrop(event, reason string) {
	EventsDroppedTotal.WithLabelValues(event, reason).Inc()
}

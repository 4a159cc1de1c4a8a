// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ChannelsActive tracks channels currently open in subscription registries.
	ChannelsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_channels_active",
			Help: "Number of open realtime channels",
		},
		[]string{"kind"},
	)

	// ChannelOpensTotal tracks channel open attempts by result.
	ChannelOpensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_channel_opens_total",
			Help: "Channel open attempts",
		},
		[]string{"kind", "result"},
	)

	// EventsTotal tracks raw events handled, by outcome.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Raw realtime events handled",
		},
		[]string{"kind", "outcome"},
	)

	// CounterInvariantViolations tracks clamped counter arithmetic faults.
	CounterInvariantViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_counter_invariant_violations_total",
			Help: "Counter updates that had to be clamped",
		},
	)

	// ToastsTotal tracks toast lifecycle events.
	ToastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_toasts_total",
			Help: "Toast presenter events",
		},
		[]string{"event"},
	)

	// StreamDropsTotal tracks observer events dropped for slow listeners.
	StreamDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_stream_drops_total",
			Help: "Observer events dropped because the listener was lagging",
		},
		[]string{"stream"},
	)

	// StreamConnectionsActive tracks active SSE and WebSocket connections.
	StreamConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_connections_active",
			Help: "Number of active streaming connections",
		},
		[]string{"transport"},
	)

	// DataAccessDuration tracks calls to the data-access collaborator.
	DataAccessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "data_access_duration_seconds",
			Help:    "Data-access call duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "status"},
	)

	// SessionsActive tracks live user sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_sessions_active",
			Help: "Number of live user sessions",
		},
	)

	// TransportEventsTotal counts event transport connection changes.
	TransportEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_transport_events_total",
			Help: "Event transport disconnects and reconnects",
		},
		[]string{"event"},
	)
)

// RecordTransportEvent records a transport disconnect or reconnect.
func RecordTransportEvent(event string) {
	TransportEventsTotal.WithLabelValues(event).Inc()
}

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordChannelOpen records a channel open attempt.
func RecordChannelOpen(kind string, err error) {
	if err != nil {
		ChannelOpensTotal.WithLabelValues(kind, "error").Inc()
		return
	}
	ChannelOpensTotal.WithLabelValues(kind, "ok").Inc()
	ChannelsActive.WithLabelValues(kind).Inc()
}

// RecordChannelClose records a channel teardown.
func RecordChannelClose(kind string) {
	ChannelsActive.WithLabelValues(kind).Dec()
}

// RecordEvent records the outcome of handling one raw event.
func RecordEvent(kind, outcome string) {
	EventsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordDataAccess records one data-access call.
func RecordDataAccess(operation string, err error, duration float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	DataAccessDuration.WithLabelValues(operation, status).Observe(duration)
}

// IncrementStreamConnections increments the active connection count.
func IncrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Inc()
}

// DecrementStreamConnections decrements the active connection count.
func DecrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Dec()
}

// Package metrics wires the gateway's Prometheus counters, histograms,
// and gauges.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP ingress requests",
		},
		[]string{"listener", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP ingress requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"listener", "method"},
	)

	MessagesProduced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_produced_total",
			Help: "Total number of messages produced to the broker",
		},
		[]string{"topic", "decoder"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_dropped_total",
			Help: "Total number of input messages dropped before reaching the broker",
		},
		[]string{"decoder", "reason"},
	)

	BrokerTransientErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_transient_errors_total",
			Help: "Total number of transient broker errors by class",
		},
		[]string{"class"},
	)

	DecodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decode_duration_seconds",
			Help:    "Duration of one decoder callback invocation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"decoder"},
	)

	RegistryLookupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "registry_lookup_duration_seconds",
			Help:    "Duration of a sensor/organization registry lookup",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	OrgConsumedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "organization_consumed_bytes",
			Help: "Bytes consumed by an organization in the current accounting interval",
		},
		[]string{"organization"},
	)

	OrgLimitReachedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "organization_limit_reached_total",
			Help: "Total number of times an organization crossed its byte quota",
		},
		[]string{"organization"},
	)

	ActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "listener_active_connections",
			Help: "Number of active connections per listener",
		},
		[]string{"listener"},
	)

	ServiceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_health",
			Help: "Health status of the gateway (1 = healthy, 0 = unhealthy)",
		},
		[]string{"service"},
	)
)

var registerOnce sync.Once

// InitMetrics registers every gateway metric with the default registry
// (once per process; later calls only mark serviceName healthy).
func InitMetrics(serviceName string) {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			MessagesProduced,
			MessagesDropped,
			BrokerTransientErrors,
			DecodeDuration,
			RegistryLookupDuration,
			OrgConsumedBytes,
			OrgLimitReachedTotal,
			ActiveConnections,
			ServiceHealth,
		)
	})
	ServiceHealth.WithLabelValues(serviceName).Set(1)
}

// HTTPMiddleware wraps an HTTP handler with request-count and latency
// instrumentation for one named listener.
func HTTPMiddleware(listener string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		duration := time.Since(start).Seconds()
		HTTPRequestsTotal.WithLabelValues(listener, r.Method, http.StatusText(wrapper.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(listener, r.Method).Observe(duration)
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordProduced records one message successfully handed to the broker.
func RecordProduced(decoder, topic string) {
	MessagesProduced.WithLabelValues(topic, decoder).Inc()
}

// RecordDropped records one input dropped for reason (auth, authz,
// malformed, ...).
func RecordDropped(decoder, reason string) {
	MessagesDropped.WithLabelValues(decoder, reason).Inc()
}

// RecordBrokerTransientError records one rate-limited-warning-eligible
// transient broker error.
func RecordBrokerTransientError(class string) {
	BrokerTransientErrors.WithLabelValues(class).Inc()
}

// RecordDecode records the wall-clock duration of one decoder callback.
func RecordDecode(decoder string, d time.Duration) {
	DecodeDuration.WithLabelValues(decoder).Observe(d.Seconds())
}

// RecordRegistryLookup records the duration of a sensor or organization
// lookup.
func RecordRegistryLookup(kind string, d time.Duration) {
	RegistryLookupDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetOrgConsumedBytes reflects an organization's current consumed counter.
func SetOrgConsumedBytes(org string, bytes float64) {
	OrgConsumedBytes.WithLabelValues(org).Set(bytes)
}

// RecordOrgLimitReached records one quota-crossing event for org.
func RecordOrgLimitReached(org string) {
	OrgLimitReachedTotal.WithLabelValues(org).Inc()
}

// SetActiveConnections reflects a listener's current connection count.
func SetActiveConnections(listener string, count float64) {
	ActiveConnections.WithLabelValues(listener).Set(count)
}

// SetServiceHealth sets the gateway's overall health gauge.
func SetServiceHealth(serviceName string, healthy bool) {
	if healthy {
		ServiceHealth.WithLabelValues(serviceName).Set(1)
	} else {
		ServiceHealth.WithLabelValues(serviceName).Set(0)
	}
}

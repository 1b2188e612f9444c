package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Define Prometheus metrics
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, partitioned by method, route and status code.",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status_code"},
	)

	dataTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_transferred_bytes_total",
			Help: "Total amount of data transferred in bytes, partitioned by direction (inbound or outbound).",
		},
		[]string{"direction"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of active connections currently being handled by the relay.",
		},
	)

	requestsClassified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_classified_total",
			Help: "Requests by resource kind and client class.",
		},
		[]string{"kind", "client"},
	)

	metadataResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metadata_resolutions_total",
			Help: "Metadata lookups by outcome (resolved, unavailable).",
		},
		[]string{"outcome"},
	)

	responseRewrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "response_rewrites_total",
			Help: "Responses by transformation mode (html, json, passthrough, redirect) and result.",
		},
		[]string{"mode", "result"},
	)

	originDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "origin_request_duration_seconds",
			Help:    "Time to origin response headers, partitioned by status code.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status_code"},
	)

	registerOnce sync.Once
)

// Metadata resolution outcomes.
const (
	OutcomeResolved    = "resolved"
	OutcomeUnavailable = "unavailable"
)

// RouteOther labels requests that were neither classified nor routed, such as
// those rejected by a middleware.
const RouteOther = "other"

// InitMetrics registers the collectors with the default registry. Calling it again is a no-op.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			dataTransferred,
			activeConnections,
			requestsClassified,
			metadataResolutions,
			responseRewrites,
			originDuration,
		)
	})
}

// RouteLabel returns the route label for a request: the matched route pattern,
// else the resource kind, else RouteOther. Every value comes from configuration
// or a fixed set, never from the request path.
func RouteLabel(route, kind string) string {
	switch {
	case route != "":
		return route
	case kind != "":
		return kind
	default:
		return RouteOther
	}
}

// RecordRequest records metrics for each request. route should come from RouteLabel.
func RecordRequest(method, route string, statusCode int, duration float64) {
	statusCodeStr := http.StatusText(statusCode)

	httpRequestsTotal.WithLabelValues(method, route, statusCodeStr).Inc()
	httpRequestDuration.WithLabelValues(method, route, statusCodeStr).Observe(duration)
}

// RecordDataTransferred records the number of bytes transferred, partitioned by direction (inbound or outbound)
func RecordDataTransferred(direction string, numBytes int64) {
	if numBytes <= 0 {
		return
	}
	dataTransferred.WithLabelValues(direction).Add(float64(numBytes))
}

// UpdateActiveConnections increments or decrements the number of active connections
func UpdateActiveConnections(increment bool) {
	if increment {
		activeConnections.Inc()
	} else {
		activeConnections.Dec()
	}
}

// RecordClassification counts a classified request.
func RecordClassification(kind, client string) {
	requestsClassified.WithLabelValues(kind, client).Inc()
}

// RecordMetadataResolution counts a metadata lookup outcome.
func RecordMetadataResolution(outcome string) {
	metadataResolutions.WithLabelValues(outcome).Inc()
}

// RecordRewrite counts how a response body was produced.
func RecordRewrite(mode, result string) {
	responseRewrites.WithLabelValues(mode, result).Inc()
}

// RecordOriginDuration observes the time until the origin returned headers.
func RecordOriginDuration(statusCode int, seconds float64) {
	originDuration.WithLabelValues(strconv.Itoa(statusCode)).Observe(seconds)
}

// ExposeMetricsHandler returns a handler that serves the metrics for Prometheus
func ExposeMetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes Prometheus instrumentation for the service:
// HTTP request counts and latency, sync attempt outcomes, device
// reachability, and event ingestion volume.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors backed by a
// private registry, so tests can create instances without double
// registration panics.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	syncAttempts  *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	syncChanges   prometheus.Counter
	deviceOnline  *prometheus.GaugeVec
	deviceLatency *prometheus.GaugeVec
	events        *prometheus.CounterVec
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessfleet_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accessfleet_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		syncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessfleet_sync_attempts_total",
			Help: "Device sync attempts by outcome.",
		}, []string{"device_id", "outcome"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accessfleet_sync_duration_seconds",
			Help:    "Device sync attempt duration.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"device_id"}),
		syncChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accessfleet_sync_changes_applied_total",
			Help: "Changes confirmed applied across all devices.",
		}),
		deviceOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "accessfleet_device_online",
			Help: "Device reachability: 1 online, 0 offline.",
		}, []string{"device_id"}),
		deviceLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "accessfleet_device_probe_latency_ms",
			Help: "Latest probe round trip per device in milliseconds.",
		}, []string{"device_id"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessfleet_events_ingested_total",
			Help: "Device events accepted by the ingestion pipeline.",
		}, []string{"device_id", "event_type"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.syncAttempts,
		m.syncDuration,
		m.syncChanges,
		m.deviceOnline,
		m.deviceLatency,
		m.events,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// WriteSyncResult records one sync attempt outcome.
func (m *Metrics) WriteSyncResult(deviceID, outcome string, durationMs int64, changesApplied int) {
	m.syncAttempts.WithLabelValues(deviceID, outcome).Inc()
	m.syncDuration.WithLabelValues(deviceID).Observe(float64(durationMs) / 1000)
	if changesApplied > 0 {
		m.syncChanges.Add(float64(changesApplied))
	}
}

// WriteDeviceHealth records the latest reachability sample.
func (m *Metrics) WriteDeviceHealth(deviceID string, online bool, latencyMs int64) {
	v := 0.0
	if online {
		v = 1
	}
	m.deviceOnline.WithLabelValues(deviceID).Set(v)
	if online {
		m.deviceLatency.WithLabelValues(deviceID).Set(float64(latencyMs))
	}
}

// EventIngested counts one accepted device event.
func (m *Metrics) EventIngested(deviceID, eventType string) {
	m.events.WithLabelValues(deviceID, eventType).Inc()
}

// RemoveDevice drops per-device series after a device is deleted.
func (m *Metrics) RemoveDevice(deviceID string) {
	labels := prometheus.Labels{"device_id": deviceID}
	m.deviceOnline.DeletePartialMatch(labels)
	m.deviceLatency.DeletePartialMatch(labels)
	m.syncAttempts.DeletePartialMatch(labels)
	m.syncDuration.DeletePartialMatch(labels)
	m.events.DeletePartialMatch(labels)
}

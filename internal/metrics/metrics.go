// Package metrics holds the Prometheus collectors of the sensor hub.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	readingsIngested *prometheus.CounterVec
	ingestFailures   *prometheus.CounterVec
	combinedRecords  prometheus.Counter
	pendingEvicted   *prometheus.CounterVec
	broadcastDropped prometheus.Counter
	pendingReadings  *prometheus.GaugeVec
	subscribers      prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates the collectors, registers them on reg and serves reg from Handler.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		readingsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_readings_ingested_total",
			Help: "Readings durably written to their raw day file, by stream.",
		}, []string{"stream"}),
		ingestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_ingest_failures_total",
			Help: "Rejected or failed ingestion calls, by reason.",
		}, []string{"reason"}),
		combinedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorhub_combined_records_total",
			Help: "Combined records written after a successful match.",
		}),
		pendingEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_pending_evicted_total",
			Help: "Pending readings dropped without a partner, by stream.",
		}, []string{"stream"}),
		broadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorhub_broadcast_dropped_total",
			Help: "Live messages skipped because a subscriber buffer was full.",
		}),
		pendingReadings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensorhub_pending_readings",
			Help: "Readings currently waiting for a partner, by stream.",
		}, []string{"stream"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensorhub_subscribers",
			Help: "Connected live subscribers.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_http_requests_total",
			Help: "HTTP requests processed by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sensorhub_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.readingsIngested,
		m.ingestFailures,
		m.combinedRecords,
		m.pendingEvicted,
		m.broadcastDropped,
		m.pendingReadings,
		m.subscribers,
		m.httpRequests,
		m.httpDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ReadingIngested(stream string) {
	if m == nil {
		return
	}
	m.readingsIngested.WithLabelValues(stream).Inc()
}

func (m *Metrics) IngestFailed(reason string) {
	if m == nil {
		return
	}
	m.ingestFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) CombinedWritten() {
	if m == nil {
		return
	}
	m.combinedRecords.Inc()
}

func (m *Metrics) PendingEvicted(stream string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.pendingEvicted.WithLabelValues(stream).Add(float64(n))
}

func (m *Metrics) SetPending(stream string, n int) {
	if m == nil {
		return
	}
	m.pendingReadings.WithLabelValues(stream).Set(float64(n))
}

func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastDropped.Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

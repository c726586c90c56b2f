package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the gateway operating counters.
//
// Every collector lives on a private registry so several instances can
// coexist (tests build one per case). All methods are safe on a nil
// *Metrics, which records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// ======================
	// HTTP
	// ======================

	// HTTPRequestsTotal counts every request by route and final status code.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestDuration observes handler latency by route.
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPBodyTooLargeTotal counts bodies rejected by MAX_BODY_SIZE.
	HTTPBodyTooLargeTotal prometheus.Counter

	// EventsAcceptedTotal counts normalized events handed to the router.
	EventsAcceptedTotal *prometheus.CounterVec

	// ======================
	// Sink
	// ======================

	// SinkWritesTotal counts batch writes by result (ok / error).
	SinkWritesTotal *prometheus.CounterVec

	// SinkEventsWrittenTotal counts events the sink accepted. Unit is events,
	// not batches.
	SinkEventsWrittenTotal prometheus.Counter

	// SinkWriteDuration observes one entries:write round trip.
	SinkWriteDuration prometheus.Histogram

	// TokenRefreshTotal counts access token exchanges by result.
	TokenRefreshTotal *prometheus.CounterVec

	// ======================
	// Dead-letter
	// ======================

	// DLQPersistTotal counts persist attempts by result
	// (stored / disabled / error).
	DLQPersistTotal *prometheus.CounterVec

	// DLQEventsEnqueuedTotal counts events saved for replay.
	DLQEventsEnqueuedTotal prometheus.Counter

	// DLQEvictedTotal counts entries removed without replay
	// (capacity / expired).
	DLQEvictedTotal *prometheus.CounterVec

	// ReplayResultsTotal counts replay outcomes per key by status.
	ReplayResultsTotal *prometheus.CounterVec

	// SweeperRunsTotal counts background sweep passes.
	SweeperRunsTotal prometheus.Counter
}

// New registers all collectors on a fresh registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP handler latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		HTTPBodyTooLargeTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_http_body_too_large_total",
			Help: "Requests rejected because the body exceeded the size limit.",
		}),
		EventsAcceptedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_accepted_total",
			Help: "Normalized events accepted for dispatch.",
		}, []string{"platform", "severity"}),

		SinkWritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sink_writes_total",
			Help: "Batch writes to the logging sink by result.",
		}, []string{"result"}),
		SinkEventsWrittenTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sink_events_written_total",
			Help: "Events accepted by the logging sink.",
		}),
		SinkWriteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_sink_write_duration_seconds",
			Help:    "Latency of one sink write call.",
			Buckets: prometheus.DefBuckets,
		}),
		TokenRefreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sink_token_refresh_total",
			Help: "Access token exchanges by result.",
		}, []string{"result"}),

		DLQPersistTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dlq_persist_total",
			Help: "Dead-letter persist attempts by result.",
		}, []string{"result"}),
		DLQEventsEnqueuedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dlq_events_enqueued_total",
			Help: "Events written to the dead-letter store.",
		}),
		DLQEvictedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dlq_evicted_total",
			Help: "Dead-letter entries removed without replay.",
		}, []string{"reason"}),
		ReplayResultsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_replay_results_total",
			Help: "Replay outcomes per key by status.",
		}, []string{"status"}),
		SweeperRunsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dlq_sweeper_runs_total",
			Help: "Background dead-letter sweep passes.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ObserveHTTP(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) IncBodyTooLarge() {
	if m == nil {
		return
	}
	m.HTTPBodyTooLargeTotal.Inc()
}

func (m *Metrics) IncEventAccepted(platform, severity string) {
	if m == nil {
		return
	}
	m.EventsAcceptedTotal.WithLabelValues(platform, severity).Inc()
}

// ObserveSinkWrite records one batch write and, on success, its events.
func (m *Metrics) ObserveSinkWrite(ok bool, events int, d time.Duration) {
	if m == nil {
		return
	}
	m.SinkWriteDuration.Observe(d.Seconds())
	if ok {
		m.SinkWritesTotal.WithLabelValues("ok").Inc()
		m.SinkEventsWrittenTotal.Add(float64(events))
		return
	}
	m.SinkWritesTotal.WithLabelValues("error").Inc()
}

func (m *Metrics) IncTokenRefresh(result string) {
	if m == nil {
		return
	}
	m.TokenRefreshTotal.WithLabelValues(result).Inc()
}

// IncDLQPersist records a persist attempt; events counts only when stored.
func (m *Metrics) IncDLQPersist(result string, events int) {
	if m == nil {
		return
	}
	m.DLQPersistTotal.WithLabelValues(result).Inc()
	if result == "stored" {
		m.DLQEventsEnqueuedTotal.Add(float64(events))
	}
}

func (m *Metrics) IncDLQEvicted(reason string) {
	if m == nil {
		return
	}
	m.DLQEvictedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncReplay(status string) {
	if m == nil {
		return
	}
	m.ReplayResultsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncSweeperRun() {
	if m == nil {
		return
	}
	m.SweeperRunsTotal.Inc()
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Collector holds the relay's Prometheus metrics on its own registry. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	// HTTP request metrics, labelled by "METHOD route".
	Requests         *prometheus.CounterVec
	RequestErrors    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight *prometheus.GaugeVec

	// RateLimitHits counts rejected requests. Keys are not exported as labels.
	RateLimitHits prometheus.Counter

	// Stream metrics
	StreamsStarted   *prometheus.CounterVec   // by provider
	StreamsCompleted *prometheus.CounterVec   // by provider
	StreamsFailed    *prometheus.CounterVec   // by error kind
	StreamsRejected  *prometheus.CounterVec   // submissions refused before start, by reason
	DeltasForwarded  *prometheus.CounterVec   // by provider
	StreamDuration   *prometheus.HistogramVec // by provider and outcome
	StreamsInFlight  prometheus.Gauge
	TerminalDropped  prometheus.Counter
}

// NewCollector registers every relay metric, plus the Go runtime and process
// collectors, on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	start := time.Now()

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since relay started",
	}, func() float64 { return time.Since(start).Seconds() })

	return &Collector{
		registry: reg,
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint",
		}, []string{"endpoint"}),
		RequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Total number of HTTP requests answered with a 5xx status by endpoint",
		}, []string{"endpoint"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration; submit requests last as long as their stream",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		RequestsInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_progress",
			Help:      "Current number of HTTP requests being processed",
		}, []string{"endpoint"}),
		RateLimitHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit rejections",
		}),
		StreamsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_started_total",
			Help:      "Streams started by provider",
		}, []string{"provider"}),
		StreamsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_completed_total",
			Help:      "Streams that finalized a message by provider",
		}, []string{"provider"}),
		StreamsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Streams that ended with a terminal error by kind",
		}, []string{"kind"}),
		StreamsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_rejected_total",
			Help:      "Submissions refused before a stream started by reason",
		}, []string{"reason"}),
		DeltasForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deltas_forwarded_total",
			Help:      "Deltas forwarded to subscribers by provider",
		}, []string{"provider"}),
		StreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Time from upstream request to terminal event by provider and outcome",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"provider", "outcome"}),
		StreamsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_in_flight",
			Help:      "Streams currently running",
		}),
		TerminalDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_events_dropped_total",
			Help:      "Terminal events not read by the subscriber within the send timeout",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordRequest records a request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	if c == nil {
		return
	}
	c.Requests.WithLabelValues(endpoint).Inc()
	c.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordError records an error for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	if c == nil {
		return
	}
	c.RequestErrors.WithLabelValues(endpoint).Inc()
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	if c == nil {
		return
	}
	c.RequestsInFlight.WithLabelValues(endpoint).Inc()
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	if c == nil {
		return
	}
	c.RequestsInFlight.WithLabelValues(endpoint).Dec()
}

// RecordRateLimitHit records a rate limit rejection for key.
func (c *Collector) RecordRateLimitHit(string) {
	if c == nil {
		return
	}
	c.RateLimitHits.Inc()
}

// RecordStreamRejected counts a submission refused before a stream started.
func (c *Collector) RecordStreamRejected(reason string) {
	if c == nil {
		return
	}
	c.StreamsRejected.WithLabelValues(reason).Inc()
}

// RecordStreamStart marks a stream as running against provider.
func (c *Collector) RecordStreamStart(provider string) {
	if c == nil {
		return
	}
	c.StreamsStarted.WithLabelValues(provider).Inc()
	c.StreamsInFlight.Inc()
}

// RecordStreamEnd records the outcome of a stream. An empty errKind means it completed.
func (c *Collector) RecordStreamEnd(provider, errKind string, deltas int, duration time.Duration) {
	if c == nil {
		return
	}
	c.StreamsInFlight.Dec()
	c.DeltasForwarded.WithLabelValues(provider).Add(float64(deltas))
	outcome := "completed"
	if errKind == "" {
		c.StreamsCompleted.WithLabelValues(provider).Inc()
	} else {
		outcome = "failed"
		c.StreamsFailed.WithLabelValues(errKind).Inc()
	}
	c.StreamDuration.WithLabelValues(provider, outcome).Observe(duration.Seconds())
}

// RecordTerminalDropped counts a terminal event the subscriber never received.
func (c *Collector) RecordTerminalDropped() {
	if c == nil {
		return
	}
	c.TerminalDropped.Inc()
}

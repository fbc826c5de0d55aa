// Package metrics provides Prometheus metrics for the mediation service
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Arbitration metrics
	Settlements       *prometheus.CounterVec
	SettleLatency     *prometheus.HistogramVec
	StaleSignals      *prometheus.CounterVec
	HandshakeTimeouts prometheus.Counter
	Superseded        prometheus.Counter

	// Display metrics
	Impressions     *prometheus.CounterVec
	DisplayFailures *prometheus.CounterVec

	// Upstream metrics
	PrimaryBids          *prometheus.CounterVec
	AdServerRequests     *prometheus.CounterVec
	AdServerLatency      prometheus.Histogram
	AdServerCircuitState prometheus.Gauge

	// System metrics
	RateLimitRejected prometheus.Counter
}

// NewMetrics creates metrics and registers them with reg.
// A nil reg uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mediation"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		Settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlements_total",
				Help:      "Settled arbitration requests by outcome and decision path",
			},
			[]string{"kind", "reason"},
		),
		SettleLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "settle_latency_seconds",
				Help:      "Time from arbitration start to settlement",
				Buckets:   []float64{.05, .1, .25, .5, .6, .75, 1, 2, 5},
			},
			[]string{"kind"},
		),
		StaleSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_signals_total",
				Help:      "Signals ignored because their request was no longer live",
			},
			[]string{"signal"},
		),
		HandshakeTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_timeouts_total",
				Help:      "Handshake windows that expired",
			},
		),
		Superseded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "superseded_total",
				Help:      "Requests replaced or cancelled before settling",
			},
		),

		Impressions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "impressions_total",
				Help:      "Confirmed impressions by creative source",
			},
			[]string{"source"},
		),
		DisplayFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "display_failures_total",
				Help:      "Settled wins whose creative could not be displayed",
			},
			[]string{"kind"},
		),

		PrimaryBids: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "primary_bids_total",
				Help:      "Primary bidder results",
			},
			[]string{"result"},
		),
		AdServerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adserver_requests_total",
				Help:      "Ad server calls by response status",
			},
			[]string{"status"},
		),
		AdServerLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adserver_request_duration_seconds",
				Help:      "Ad server call latency",
				Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2},
			},
		),
		AdServerCircuitState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "adserver_circuit_state",
				Help:      "Ad server circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),

		RateLimitRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_rejected_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.Settlements,
		m.SettleLatency,
		m.StaleSignals,
		m.HandshakeTimeouts,
		m.Superseded,
		m.Impressions,
		m.DisplayFailures,
		m.PrimaryBids,
		m.AdServerRequests,
		m.AdServerLatency,
		m.AdServerCircuitState,
		m.RateLimitRejected,
	)

	return m
}

// Handler serves metrics from g. A nil g serves the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Middleware records request metrics labelled by chi route pattern
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordSettlement records a settled request
func (m *Metrics) RecordSettlement(kind, reason string, latency time.Duration) {
	m.Settlements.WithLabelValues(kind, reason).Inc()
	m.SettleLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// RecordStaleSignal records a signal dropped for an inactive request
func (m *Metrics) RecordStaleSignal(signal string) {
	m.StaleSignals.WithLabelValues(signal).Inc()
}

// RecordHandshakeTimeout records an expired handshake window
func (m *Metrics) RecordHandshakeTimeout() {
	m.HandshakeTimeouts.Inc()
}

// RecordSuperseded records a request replaced before settling
func (m *Metrics) RecordSuperseded() {
	m.Superseded.Inc()
}

// RecordImpression records a confirmed impression
func (m *Metrics) RecordImpression(source string) {
	m.Impressions.WithLabelValues(source).Inc()
}

// RecordDisplayFailure records a win that could not be displayed
func (m *Metrics) RecordDisplayFailure(kind string) {
	m.DisplayFailures.WithLabelValues(kind).Inc()
}

// RecordPrimaryBid records a primary bidder result: "bid", "no_bid" or "error"
func (m *Metrics) RecordPrimaryBid(result string) {
	m.PrimaryBids.WithLabelValues(result).Inc()
}

// RecordAdServerRequest records an ad server call
func (m *Metrics) RecordAdServerRequest(status string, latency time.Duration) {
	m.AdServerRequests.WithLabelValues(status).Inc()
	m.AdServerLatency.Observe(latency.Seconds())
}

// SetCircuitState sets the ad server circuit breaker state
func (m *Metrics) SetCircuitState(state string) {
	var value float64
	switch state {
	case "closed":
		value = 0
	case "open":
		value = 1
	case "half-open":
		value = 2
	}
	m.AdServerCircuitState.Set(value)
}

// IncRateLimitRejected increments the rate limit rejected counter
func (m *Metrics) IncRateLimitRejected() {
	m.RateLimitRejected.Inc()
}

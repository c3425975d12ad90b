// Package telemetry exposes the console's Prometheus metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "claimdesk"

// Metrics owns a private registry and the console's collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	gatewayRequests *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	submissions     *prometheus.CounterVec
	saves           *prometheus.CounterVec
	sessions        prometheus.Gauge
}

// New creates the registry with Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Console API requests by method, route and status.",
	}, []string{"method", "route", "status"})

	m.gatewayRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Scoring service calls by operation and status.",
	}, []string{"operation", "status"})

	m.gatewayDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Scoring service call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0: closed, 1: half-open, 2: open).",
	}, []string{"name"})

	m.submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Claim submissions by terminal state.",
	}, []string{"outcome"})

	m.saves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "edit_saves_total",
		Help:      "Rule and config saves by editor and result.",
	}, []string{"editor", "result"})

	m.sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_sessions",
		Help:      "Operator sessions currently open.",
	})

	reg.MustRegister(m.httpRequests, m.gatewayRequests, m.gatewayDuration,
		m.breakerState, m.submissions, m.saves, m.sessions)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTP counts one console API request.
func (m *Metrics) ObserveHTTP(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// ObserveGateway records one scoring service call. status is the HTTP
// status code, or a short reason such as "network" or "open".
func (m *Metrics) ObserveGateway(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(operation, status).Inc()
	m.gatewayDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// SetBreakerState records the breaker state for name.
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(state)
}

// ObserveSubmission counts a submission reaching a terminal state.
func (m *Metrics) ObserveSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// ObserveSave counts a rule or config save.
func (m *Metrics) ObserveSave(editor string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.saves.WithLabelValues(editor, result).Inc()
}

// SessionOpened and SessionClosed track open operator sessions.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

// Package metrics holds the backend's Prometheus collectors.
//
// Collectors live on a private registry so tests can build as many Metrics as
// they like without duplicate-registration panics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "megdan"

type Metrics struct {
	reg *prometheus.Registry

	wsConnections  prometheus.Gauge
	requests       *prometheus.CounterVec
	requestSeconds *prometheus.HistogramVec
	messages       *prometheus.CounterVec
	fanoutDropped  prometheus.Counter
	httpRequests   *prometheus.CounterVec
}

// New registers every collector on a fresh registry, plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections",
			Help: "Open WebSocket connections.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "requests_total",
			Help: "Protocol requests by type and result code.",
		}, []string{"type", "code"}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "chat", Name: "request_duration_seconds",
			Help:    "Protocol request latency by type.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"type"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "messages_total",
			Help: "Accepted messages by receiver type; duplicates are counted separately.",
		}, []string{"receiver_type", "duplicated"}),
		fanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "fanout_dropped_total",
			Help: "Pushes dropped because a client queue was full.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by status class.",
		}, []string{"class"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.wsConnections, m.requests, m.requestSeconds, m.messages, m.fanoutDropped, m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// All methods are nil-safe so components can run without metrics.

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.wsConnections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.wsConnections.Dec()
	}
}

// ObserveRequest records one handled protocol request. code is "ok" on success.
func (m *Metrics) ObserveRequest(typ, code string, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(typ, code).Inc()
	m.requestSeconds.WithLabelValues(typ).Observe(took.Seconds())
}

func (m *Metrics) MessageAccepted(receiverType string, duplicated bool) {
	if m == nil {
		return
	}
	d := "false"
	if duplicated {
		d = "true"
	}
	m.messages.WithLabelValues(receiverType, d).Inc()
}

func (m *Metrics) FanoutDropped() {
	if m != nil {
		m.fanoutDropped.Inc()
	}
}

// HTTPRequest counts a finished HTTP request by status class ("2xx", "4xx", ...).
func (m *Metrics) HTTPRequest(class string) {
	if m != nil {
		m.httpRequests.WithLabelValues(class).Inc()
	}
}

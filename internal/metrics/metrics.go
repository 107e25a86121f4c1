// Package metrics provides the Prometheus instrumentation emitted by the
// protocol front-end: connection and request counts, stream resets and
// flow-control stalls, labeled by protocol.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Protocol label values.
const (
	ProtoHTTP1 = "http1"
	ProtoHTTP2 = "http2"
	ProtoHTTP3 = "http3"
)

// Reset initiator label values.
const (
	ResetByLocal = "local"
	ResetByPeer  = "peer"
)

// Window scope label values.
const (
	ScopeStream     = "stream"
	ScopeConnection = "connection"
)

// Metrics holds the front-end's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsOpenedTotal *prometheus.CounterVec
	ConnectionsClosedTotal *prometheus.CounterVec
	ConnectionsActive      *prometheus.GaugeVec
	HandshakeFailuresTotal *prometheus.CounterVec

	RequestsTotal          *prometheus.CounterVec
	RequestDurationSeconds *prometheus.HistogramVec

	StreamResetsTotal      *prometheus.CounterVec
	WindowExhaustionsTotal *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		ConnectionsOpenedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scuffle",
				Subsystem: "frontend",
				Name:      "connections_opened_total",
				Help:      "Total number of accepted connections by protocol",
			},
			[]string{"protocol"},
		),
		ConnectionsClosedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scuffle",
				Subsystem: "frontend",
				Name:      "connections_closed_total",
				Help:      "Total number of closed connections by protocol",
			},
			[]string{"protocol"},
		),
		ConnectionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "scuffle",
				Subsystem: "frontend",
				Name:      "connections_active",
				Help:      "Number of currently open connections by protocol",
			},
			[]string{"protocol"},
		),
		HandshakeFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scuffle",
				Subsystem: "frontend",
				Name:      "handshake_failures_total",
				Help:      "TLS or QUIC handshakes that never produced a connection",
			},
			[]string{"reason"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scuffle",
				Subsystem: "frontend",
				Name:      "requests_total",
				Help:      "Total number of dispatched requests by protocol and status class",
			},
			[]string{"protocol", "status_class"},
		),
		RequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "scuffle",
				Subsystem: "frontend",
				Name:      "request_duration_seconds",
				Help:      "Time from request dispatch to response body completion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"protocol"},
		),
		StreamResetsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scuffle",
				Subsystem: "frontend",
				Name:      "stream_resets_total",
				Help:      "Streams aborted before completion, by protocol and initiator",
			},
			[]string{"protocol", "initiator"},
		),
		WindowExhaustionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scuffle",
				Subsystem: "frontend",
				Name:      "window_exhaustions_total",
				Help:      "Times a sender stalled on an empty flow-control window",
			},
			[]string{"protocol", "scope"},
		),
	}
	return m
}

// NewNop creates a Metrics instance whose collectors are registered on a
// throwaway registry. Useful for tests that do not inspect metrics.
func NewNop() *Metrics {
	return New()
}

// Handler returns an http.Handler exposing the registry in the Prometheus
// text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, for registering extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StatusClass collapses a status code into "1xx".."5xx" for the
// requests_total status_class label.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}

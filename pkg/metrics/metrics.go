// Package metrics exposes relay counters to prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bespoke/pkg/types"
)

const namespace = "bespoke"

// Metrics holds the relay collectors.
type Metrics struct {
	registry *prometheus.Registry

	nodesConnected   prometheus.Gauge
	registrations    prometheus.Counter
	exchanges        *prometheus.CounterVec
	exchangeDuration prometheus.Histogram
	malformed        prometheus.Counter
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		nodesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_connected",
			Help:      "Number of nodes currently registered.",
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_registrations_total",
			Help:      "Number of successful node registrations.",
		}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Number of webhook exchanges by outcome.",
		}, []string{"outcome"}),
		exchangeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time from forwarding a webhook to its resolution.",
			Buckets:   prometheus.DefBuckets,
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Number of frames dropped as malformed.",
		}),
	}
	m.registry.MustRegister(
		m.nodesConnected,
		m.registrations,
		m.exchanges,
		m.exchangeDuration,
		m.malformed,
	)
	return m
}

// Handler serves the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) NodeRegistered() {
	if m == nil {
		return
	}
	m.registrations.Inc()
	m.nodesConnected.Inc()
}

func (m *Metrics) NodeRemoved() {
	if m == nil {
		return
	}
	m.nodesConnected.Dec()
}

func (m *Metrics) MalformedMessage() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// ExchangeFinished records one exchange outcome and, for forwarded exchanges, its duration.
func (m *Metrics) ExchangeFinished(outcome types.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(string(outcome)).Inc()
	if outcome != types.OutcomeNotFound {
		m.exchangeDuration.Observe(d.Seconds())
	}
}

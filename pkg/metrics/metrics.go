// Package metrics holds the process collectors. Everything hangs off one
// registry so tests can use a private one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "modem_monitor"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	polls          *prometheus.CounterVec
	requests       *prometheus.CounterVec
	newAlerts      prometheus.Counter
	notifications  *prometheus.CounterVec
	storeErrors    prometheus.Counter
	resolutions    prometheus.Counter
	communicating  prometheus.Gauge
	nonCommunicate prometheus.Gauge
}

// New registers every collector on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Alert poll cycles by fetch outcome.",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream API requests by kind and result.",
		}, []string{"kind", "result"}),
		newAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "new_alerts_total",
			Help:      "Alerts classified as new by the diff.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Persisted notifications by type.",
		}, []string{"type"}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Key-value store failures that were swallowed.",
		}),
		resolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracked_resolutions_total",
			Help:      "Tracked modems seen resolved.",
		}),
		communicating: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "communicating_modems",
			Help:      "Assigned modems currently communicating.",
		}),
		nonCommunicate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "non_communicating_modems",
			Help:      "Assigned modems currently not communicating.",
		}),
	}
	reg.MustRegister(
		m.polls, m.requests, m.newAlerts, m.notifications,
		m.storeErrors, m.resolutions, m.communicating, m.nonCommunicate,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Poll(outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Request(kind, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) NewAlerts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.newAlerts.Add(float64(n))
}

func (m *Metrics) Notification(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) StoreError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

func (m *Metrics) Resolution() {
	if m == nil {
		return
	}
	m.resolutions.Inc()
}

// Modems sets both status gauges.
func (m *Metrics) Modems(communicating, nonCommunicating int) {
	if m == nil {
		return
	}
	m.communicating.Set(float64(communicating))
	m.nonCommunicate.Set(float64(nonCommunicating))
}

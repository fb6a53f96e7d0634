// Package metrics exposes the server's prometheus instruments. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "screens"

type Metrics struct {
	registry *prometheus.Registry

	pairingAttempts    *prometheus.CounterVec
	ledgerEvents       *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	playlistSwitches   *prometheus.CounterVec
	broadcastPublished *prometheus.CounterVec
	broadcastDropped   *prometheus.CounterVec
	connectedDevices   prometheus.Gauge
	openConnections    prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		pairingAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_attempts_total",
			Help:      "Pairing attempts by outcome code.",
		}, []string{"result"}),
		ledgerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_events_total",
			Help:      "Entitlement ledger events by kind and result.",
		}, []string{"kind", "result"}),
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Payment provider webhook events by type and result.",
		}, []string{"type", "result"}),
		playlistSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playlist_switches_total",
			Help:      "Active playlist switches by result.",
		}, []string{"result"}),
		broadcastPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_published_total",
			Help:      "Events published to device groups.",
		}, []string{"event"}),
		broadcastDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Group events that were not delivered.",
		}, []string{"reason"}),
		connectedDevices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_devices",
			Help:      "Devices currently registered to a live connection.",
		}),
		openConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Open websocket connections.",
		}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) PairingAttempt(result string) {
	if m == nil {
		return
	}
	m.pairingAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) LedgerEvent(kind, result string) {
	if m == nil {
		return
	}
	m.ledgerEvents.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) WebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) PlaylistSwitch(result string) {
	if m == nil {
		return
	}
	m.playlistSwitches.WithLabelValues(result).Inc()
}

func (m *Metrics) BroadcastPublished(event string) {
	if m == nil {
		return
	}
	m.broadcastPublished.WithLabelValues(event).Inc()
}

func (m *Metrics) BroadcastDropped(reason string) {
	if m == nil {
		return
	}
	m.broadcastDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetConnectedDevices(n int) {
	if m == nil {
		return
	}
	m.connectedDevices.Set(float64(n))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.openConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.openConnections.Dec()
}

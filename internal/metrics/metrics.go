// Package metrics holds the Prometheus instruments exported by the gateway.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "notify_gateway"

// Outcome labels for the deliveries counter.
const (
	OutcomeDelivered    = "delivered"
	OutcomeNotConnected = "not_connected"
	OutcomeWriteFailed  = "write_failed"
)

// Metrics groups every instrument so components receive one dependency.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	InboundMessages   prometheus.Counter
	Deliveries        *prometheus.CounterVec
	PushRequests      *prometheus.CounterVec
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Websocket connections currently open.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Websocket connections accepted since start.",
		}),
		InboundMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Frames received from clients. They are logged and otherwise ignored.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		PushRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_requests_total",
			Help:      "Push ingest requests by HTTP status code.",
		}, []string{"code"}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectionsTotal,
		m.InboundMessages,
		m.Deliveries,
		m.PushRequests,
	)
	return m
}

// ObservePush records one push ingest response.
func (m *Metrics) ObservePush(code int) {
	m.PushRequests.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveDelivery records one delivery attempt.
func (m *Metrics) ObserveDelivery(outcome string) {
	m.Deliveries.WithLabelValues(outcome).Inc()
}

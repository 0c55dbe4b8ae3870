// Package metrics holds the Prometheus collectors shared by the realtime,
// presence and delivery components. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kindred"

// Send outcomes.
const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
)

// Drop reasons.
const (
	DropBufferFull  = "buffer_full"
	DropInboundRate = "inbound_rate"
)

// Metrics holds the server collectors. A nil *Metrics records nothing.
type Metrics struct {
	Connections   prometheus.Gauge
	OnlineUsers   prometheus.Gauge
	Sends         *prometheus.CounterVec
	Dropped       *prometheus.CounterVec
	InboundEvents *prometheus.CounterVec
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open realtime connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with at least one open connection.",
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_sends_total",
			Help:      "Message send attempts by outcome.",
		}, []string{"outcome"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Realtime events dropped by reason.",
		}, []string{"reason"}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Client socket events received by name.",
		}, []string{"event"}),
	}
	reg.MustRegister(m.Connections, m.OnlineUsers, m.Sends, m.Dropped, m.InboundEvents)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) SetOnline(n int) {
	if m != nil {
		m.OnlineUsers.Set(float64(n))
	}
}

// SendOutcome counts a send by outcome: created, duplicate or an error code.
func (m *Metrics) SendOutcome(outcome string) {
	if m != nil {
		m.Sends.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Drop(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Inbound(event string) {
	if m != nil {
		m.InboundEvents.WithLabelValues(event).Inc()
	}
}

package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks live-channel traffic. All methods are nil-safe so tests
// can run without a registry.
type Metrics struct {
	connections prometheus.Counter
	events      *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	presence    prometheus.Gauge
}

// NewMetrics builds and registers the live-channel metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stoop_ws_connections_total",
			Help: "Accepted websocket connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stoop_ws_events_total",
			Help: "Inbound client events by type.",
		}, []string{"type"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stoop_ws_deliveries_total",
			Help: "Envelopes enqueued for delivery by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stoop_ws_dropped_total",
			Help: "Envelopes dropped under backpressure by type.",
		}, []string{"type"}),
		presence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stoop_presence_entries",
			Help: "Users currently registered in the presence registry.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.connections, m.events, m.delivered, m.dropped, m.presence)
	}
	return m
}

// ConnectionAccepted counts an accepted websocket connection.
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// Event counts an inbound client event.
func (m *Metrics) Event(typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ).Inc()
}

// Delivered counts an envelope enqueued to a client.
func (m *Metrics) Delivered(typ string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(typ).Inc()
}

// Dropped counts an envelope dropped under backpressure.
func (m *Metrics) Dropped(typ string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(typ).Inc()
}

// SetPresence records the current presence registry size.
func (m *Metrics) SetPresence(n int) {
	if m == nil {
		return
	}
	m.presence.Set(float64(n))
}

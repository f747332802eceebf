// Package metrics exposes per-session prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "supportchat"

// Metrics holds the collectors of one session. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reg *prometheus.Registry

	events      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	sends       *prometheus.CounterVec
	reloads     *prometheus.CounterVec
	modeChanges prometheus.Counter
	reconnects  prometheus.Counter
	messages    prometheus.Gauge
	connected   prometheus.Gauge
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_events_total",
			Help:      "Hub events dispatched, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_events_dropped_total",
			Help:      "Hub events discarded, by reason.",
		}, []string{"reason"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Message sends, by result.",
		}, []string{"result"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_reloads_total",
			Help:      "History reloads, by result.",
		}, []string{"result"}),
		modeChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_changes_total",
			Help:      "Accepted room mode transitions.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_reconnects_total",
			Help:      "Reconnect attempts after connection loss.",
		}),
		messages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages",
			Help:      "Messages held in the session store.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_connected",
			Help:      "1 while the hub connection is up.",
		}),
	}
	m.reg.MustRegister(m.events, m.dropped, m.sends, m.reloads,
		m.modeChanges, m.reconnects, m.messages, m.connected)
	return m
}

// Registry returns the underlying registry, for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Event(kind string) {
	if m != nil {
		m.events.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

// Send records a send outcome: "ok" or "error".
func (m *Metrics) Send(ok bool) {
	if m != nil {
		m.sends.WithLabelValues(result(ok)).Inc()
	}
}

// Reload records a history reload outcome.
func (m *Metrics) Reload(ok bool) {
	if m != nil {
		m.reloads.WithLabelValues(result(ok)).Inc()
	}
}

func (m *Metrics) ModeChanged() {
	if m != nil {
		m.modeChanges.Inc()
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) SetMessages(n int) {
	if m != nil {
		m.messages.Set(float64(n))
	}
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

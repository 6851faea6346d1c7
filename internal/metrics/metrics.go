// Package metrics holds the Prometheus collectors of the sensor server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opensensorcore"

type Metrics struct {
	registry *prometheus.Registry

	datagramsReceived prometheus.Counter
	datagramsDropped  prometheus.Counter
	commandsReceived  *prometheus.CounterVec
	commandsSent      *prometheus.CounterVec
	watchdogTimeouts  prometheus.Counter
	sessionsActive    prometheus.Gauge
}

// New creates the collectors on a private registry, together with the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		datagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "data",
			Name:      "datagrams_received_total",
			Help:      "Sensor datagrams decoded and forwarded",
		}),
		datagramsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "data",
			Name:      "datagrams_dropped_total",
			Help:      "Sensor datagrams that could not be decoded or came from a foreign sender",
		}),
		commandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "commands_received_total",
			Help:      "Commands received on the command channel",
		}, []string{"type"}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "commands_sent_total",
			Help:      "Commands delivered to a peer",
		}, []string{"type"}),
		watchdogTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "watchdog_timeouts_total",
			Help:      "Peers declared dead by the connection watchdog",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "sessions_active",
			Help:      "Currently bound client sessions",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.datagramsReceived,
		m.datagramsDropped,
		m.commandsReceived,
		m.commandsSent,
		m.watchdogTimeouts,
		m.sessionsActive,
	)

	return m
}

// Registry exposes the underlying registry, e.g. for tests using testutil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DatagramReceived() {
	if m == nil {
		return
	}
	m.datagramsReceived.Inc()
}

func (m *Metrics) DatagramDropped() {
	if m == nil {
		return
	}
	m.datagramsDropped.Inc()
}

func (m *Metrics) CommandReceived(commandType string) {
	if m == nil {
		return
	}
	m.commandsReceived.WithLabelValues(commandType).Inc()
}

func (m *Metrics) CommandSent(commandType string) {
	if m == nil {
		return
	}
	m.commandsSent.WithLabelValues(commandType).Inc()
}

func (m *Metrics) WatchdogTimeout() {
	if m == nil {
		return
	}
	m.watchdogTimeouts.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// Package metrics exposes the server's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sniffguard"

type Metrics struct {
	registry *prometheus.Registry

	Connections     prometheus.Gauge
	OnlineUsers     prometheus.Gauge
	Commands        *prometheus.CounterVec
	CommandErrors   *prometheus.CounterVec
	MessagesStored  prometheus.Counter
	DuplicateSends  prometheus.Counter
	EventsDropped   prometheus.Counter
	MessagesExpired prometheus.Counter
	CommandDuration *prometheus.HistogramVec
}

// New registers every collector on a private registry, plus the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Open websocket connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online_users",
			Help: "Users with a registered connection.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_total",
			Help: "Inbound commands by type.",
		}, []string{"type"}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "command_errors_total",
			Help: "Failed inbound commands by type and error code.",
		}, []string{"type", "code"}),
		MessagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_stored_total",
			Help: "Messages persisted.",
		}),
		DuplicateSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicate_sends_total",
			Help: "Sends answered from an existing message.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Outbound events dropped for slow or closed connections.",
		}),
		MessagesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_expired_total",
			Help: "Disappearing messages cleared by the sweeper.",
		}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "command_duration_seconds",
			Help:    "Command handling latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections, m.OnlineUsers, m.Commands, m.CommandErrors, m.MessagesStored,
		m.DuplicateSends, m.EventsDropped, m.MessagesExpired, m.CommandDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

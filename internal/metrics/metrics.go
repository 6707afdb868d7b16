// Package metrics exposes the daemon's Prometheus counters and gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "axon"

// Registry is the daemon's private Prometheus registry, separate from the
// global default registry so embedding axond as a library never leaks
// metrics into a host process's own registry.
var Registry = prometheus.NewRegistry()

var (
	MessagesSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Total envelopes sent to peers, by kind.",
		},
		[]string{"kind"},
	)

	MessagesReceived = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Total envelopes accepted from peers, by kind.",
		},
		[]string{"kind"},
	)

	ReplayDropped = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "replay_dropped_total",
			Help:      "Total inbound envelopes dropped as replays.",
		},
	)

	PeersConnected = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peers",
			Name:      "connected",
			Help:      "Current number of authenticated peer connections.",
		},
	)

	PeersKnown = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peers",
			Name:      "known",
			Help:      "Current number of peer-table entries.",
		},
	)

	ReconnectAttempts = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconnect",
			Name:      "attempts_total",
			Help:      "Total outbound reconnect attempts.",
		},
	)

	BufferDepth = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "depth",
			Help:      "Current number of entries retained in the receive buffer.",
		},
	)

	ControlClients = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "clients",
			Help:      "Current number of connected control-socket clients.",
		},
	)

	ControlClientsEvicted = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "clients_evicted_total",
			Help:      "Total control-socket clients evicted for a full output queue or oversized command.",
		},
	)
)

// Handler returns the HTTP handler serving this registry in the Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

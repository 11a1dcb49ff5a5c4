// Package metrics holds the relay's Prometheus instrumentation: connection
// admission, frame relaying, and pool brokering outcomes, each labeled by
// pool name where relevant.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "awrtc_signaling"

// Collector holds every metric the relay exports.
type Collector struct {
	ConnectionsAccepted *prometheus.CounterVec
	ConnectionsRejected *prometheus.CounterVec
	ActiveSessions      *prometheus.GaugeVec

	FramesRelayed  *prometheus.CounterVec
	FramesMalformed *prometheus.CounterVec

	ListenDenied  *prometheus.CounterVec
	ConnectDenied *prometheus.CounterVec
}

// NewCollector creates a Collector with every metric registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	poolLabel := []string{"pool"}

	c := &Collector{
		ConnectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total websocket connections admitted, by pool.",
		}, poolLabel),

		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total websocket connections rejected before admission, by reason.",
		}, []string{"reason"}),

		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently connected sessions, by pool.",
		}, poolLabel),

		FramesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_relayed_total",
			Help:      "Total NetworkEvent frames forwarded between paired sessions, by pool.",
		}, poolLabel),

		FramesMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_malformed_total",
			Help:      "Total inbound frames that failed to decode, by pool.",
		}, poolLabel),

		ListenDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listen_denied_total",
			Help:      "Total listen requests denied by address-exclusivity policy, by pool.",
		}, poolLabel),

		ConnectDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_denied_total",
			Help:      "Total connect requests denied by pool brokering policy, by pool.",
		}, poolLabel),
	}

	reg.MustRegister(
		c.ConnectionsAccepted,
		c.ConnectionsRejected,
		c.ActiveSessions,
		c.FramesRelayed,
		c.FramesMalformed,
		c.ListenDenied,
		c.ConnectDenied,
	)

	return c
}

// Handler returns the Prometheus text-exposition HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

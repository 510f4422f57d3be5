// Package metrics provides Prometheus instrumentation for the conversation
// sync client and its gateway. It exposes counters for each client
// operation's outcome, a histogram of backend call latency, and a gauge of
// connected dashboard shells.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DirectoryLoads counts user directory loads by result: "ok", "error"
	// or "skipped" (a load was already in flight).
	DirectoryLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convsync_directory_loads_total",
		Help: "Total number of user directory loads",
	}, []string{"result"})

	// ConversationLoads counts conversation history loads by result: "ok",
	// "error", "timeout" or "stale" (response superseded by a newer load).
	ConversationLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convsync_conversation_loads_total",
		Help: "Total number of conversation history loads",
	}, []string{"result"})

	// Sends counts message sends by result: "confirmed", "reloaded",
	// "rolled_back" or "rejected" (failed validation or identity).
	Sends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convsync_sends_total",
		Help: "Total number of message sends",
	}, []string{"result"})

	// MarkRead counts read-receipt activity by result: "ok", "suppressed",
	// "rate_limited" or "error".
	MarkRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convsync_mark_read_total",
		Help: "Total number of read-receipt decisions",
	}, []string{"result"})

	// BackendLatency records backend call latency in seconds, labeled by op.
	BackendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "convsync_backend_latency_seconds",
		Help:    "Backend messaging API latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"op"})

	// GatewayConnections tracks the current number of connected dashboard
	// shells.
	GatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convsync_gateway_connections",
		Help: "Current number of connected dashboard shells",
	})
)

func init() {
	prometheus.MustRegister(
		DirectoryLoads,
		ConversationLoads,
		Sends,
		MarkRead,
		BackendLatency,
		GatewayConnections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

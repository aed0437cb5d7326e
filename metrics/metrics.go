// Package metrics holds the Prometheus collectors shared by the relay client
// and the reference relay server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay client
var (
	ClientStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terrimatch_client_state_transitions_total",
			Help: "Connection state transitions of the relay client",
		},
		[]string{"from", "to"},
	)

	ClientReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "terrimatch_client_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled by the relay client",
		},
	)

	ClientFramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terrimatch_client_frames_received_total",
			Help: "Decoded envelopes received, by type",
		},
		[]string{"type"},
	)

	ClientFramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terrimatch_client_frames_dropped_total",
			Help: "Inbound frames dropped before dispatch or outbound envelopes dropped before send",
		},
		[]string{"reason"},
	)

	ClientHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terrimatch_client_handler_failures_total",
			Help: "Handlers that returned an error or panicked, by envelope type",
		},
		[]string{"type"},
	)

	ClientEnvelopesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terrimatch_client_envelopes_sent_total",
			Help: "Envelopes written to the relay, by type",
		},
		[]string{"type"},
	)
)

// Relay server
var (
	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "terrimatch_relay_connections",
			Help: "Open websocket connections on this relay node",
		},
	)

	RelayEnvelopesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terrimatch_relay_envelopes_routed_total",
			Help: "Envelopes routed by the relay, by type and origin (local/bridge/feed)",
		},
		[]string{"type", "origin"},
	)

	RelayFramesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terrimatch_relay_frames_rejected_total",
			Help: "Inbound frames rejected by the relay, by reason",
		},
		[]string{"reason"},
	)

	RelaySlowPeersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "terrimatch_relay_slow_peers_dropped_total",
			Help: "Peers disconnected because their send queue was full",
		},
	)
)

// Durable store
var (
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terrimatch_store_operations_total",
			Help: "Durable store operations, by operation and result",
		},
		[]string{"operation", "result"},
	)

	StoreBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "terrimatch_store_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Package metrics holds the connector's Prometheus vectors: one
// package-level var per series plus a Register() call made once from
// main.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PacketsForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilpconnector_packets_forwarded_total",
			Help: "ILP Prepare packets forwarded to a next hop.",
		},
		[]string{"next_hop"},
	)

	PacketsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilpconnector_packets_rejected_total",
			Help: "ILP Prepare packets rejected, by reject code.",
		},
		[]string{"code"},
	)

	PacketOutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilpconnector_packet_outcome_total",
			Help: "Terminal packet outcomes (fulfilled, rejected_local, rejected, timed_out, originator_gone).",
		},
		[]string{"outcome"},
	)

	ForwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ilpconnector_forward_duration_seconds",
			Help:    "Time from forwarding a Prepare to the next hop until its Fulfill/Reject/timeout.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"next_hop"},
	)

	RouteLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilpconnector_route_lookups_total",
			Help: "Routing table lookups, by hit/miss.",
		},
		[]string{"result"},
	)

	BTPSessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ilpconnector_btp_session_state",
			Help: "Current BTP session state (0=connecting,1=authenticating,2=ready,3=draining,4=closed) per peer.",
		},
		[]string{"peer_id", "direction"},
	)

	BTPReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilpconnector_btp_reconnects_total",
			Help: "Outbound BTP reconnect attempts.",
		},
		[]string{"peer_id"},
	)

	BTPHandshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ilpconnector_btp_handshake_duration_seconds",
			Help:    "BTP auth handshake latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"peer_id", "direction"},
	)

	TelemetryQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ilpconnector_telemetry_queue_depth",
			Help: "Emitter outbound queue depth.",
		},
		[]string{"node_id"},
	)

	TelemetryDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilpconnector_telemetry_dropped_total",
			Help: "Telemetry events dropped by the emitter's bounded queue.",
		},
		[]string{"node_id"},
	)

	HubSubscribersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ilpconnector_hub_subscribers",
			Help: "Currently connected telemetry hub subscribers.",
		},
		[]string{},
	)

	HubSubscriberDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilpconnector_hub_subscriber_drops_total",
			Help: "Telemetry hub subscribers disconnected for a slow/full outbound queue.",
		},
		[]string{},
	)

	LedgerReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilpconnector_ledger_reservations_total",
			Help: "Ledger reserve attempts, by outcome.",
		},
		[]string{"result"},
	)

	LedgerCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilpconnector_ledger_commits_total",
			Help: "Ledger commit calls, by outcome applied.",
		},
		[]string{"outcome"},
	)
)

var registerOnce sync.Once

// Register adds every vector to the default registry. Safe to call more
// than once (e.g. from tests that import multiple packages registering
// independently) — only the first call does anything.
func Register() {
	registerOnce.Do(doRegister)
}

func doRegister() {
	prometheus.MustRegister(
		PacketsForwardedTotal,
		PacketsRejectedTotal,
		PacketOutcomeTotal,
		ForwardDuration,
		RouteLookupsTotal,
		BTPSessionState,
		BTPReconnectsTotal,
		BTPHandshakeDuration,
		TelemetryQueueDepth,
		TelemetryDroppedTotal,
		HubSubscribersGauge,
		HubSubscriberDropsTotal,
		LedgerReservationsTotal,
		LedgerCommitsTotal,
	)
}

// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GatewayRequests counts inbound /ask calls by outcome code.
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_gateway_requests_total",
			Help: "Inbound mesh ask requests by outcome",
		},
		[]string{"outcome"},
	)

	GatewayDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "custodian_gateway_request_duration_seconds",
			Help:    "Time spent answering inbound mesh ask requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
	)

	// FanoutPeerCalls counts outbound per-peer calls by result code.
	FanoutPeerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_fanout_peer_calls_total",
			Help: "Outbound peer calls made during fan-out by result",
		},
		[]string{"result"},
	)

	FanoutInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custodian_fanout_inflight",
			Help: "Peer calls currently in flight",
		},
	)

	FanoutRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_fanout_rounds_total",
			Help: "Fan-out rounds by overall outcome",
		},
		[]string{"outcome"},
	)

	// PeerTrust mirrors each peer's current trust score.
	PeerTrust = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custodian_peer_trust_score",
			Help: "Current trust score per peer",
		},
		[]string{"peer"},
	)
)

// ObserveGateway records one finished inbound request.
func ObserveGateway(outcome string, elapsed time.Duration) {
	GatewayRequests.WithLabelValues(outcome).Inc()
	GatewayDuration.Observe(elapsed.Seconds())
}

// Package metrics declares the Prometheus collectors exported by the backchannel service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

var (
	// Connections tracks open websocket connections per namespace.
	Connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backchannel_connections",
			Help: "Number of open websocket connections",
		},
		[]string{"namespace"},
	)

	// Events counts inbound client events by name and outcome.
	Events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backchannel_events_total",
			Help: "Total number of client events handled",
		},
		[]string{"namespace", "event", "outcome"},
	)

	// FramesDropped counts frames discarded because a member's outbound buffer was full.
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backchannel_frames_dropped_total",
			Help: "Total number of outbound frames dropped for slow connections",
		},
		[]string{"event"},
	)

	// CountsPushes counts presence pushes by outcome.
	CountsPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backchannel_counts_pushes_total",
			Help: "Total number of collaborator count pushes",
		},
		[]string{"outcome"},
	)

	// RelayMessages counts messages crossing the cluster relay.
	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backchannel_relay_messages_total",
			Help: "Total number of relay messages by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)
)

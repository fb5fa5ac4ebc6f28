package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RoutesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_routes_received_total",
			Help: "Route adds and deletes received from peers.",
		},
		[]string{"peer", "op"},
	)

	RoutesAdvertised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_routes_advertised_total",
			Help: "Announcements and withdrawals sent to peers.",
		},
		[]string{"peer", "op"},
	)

	RoutesPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_routes_purged_total",
			Help: "Routes purged by background deletion (peering_down).",
		},
		[]string{"reason"},
	)

	UpdatesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_updates_received_total",
			Help: "UPDATE messages received, by peer.",
		},
		[]string{"peer"},
	)

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_messages_sent_total",
			Help: "BGP messages sent, by peer and type.",
		},
		[]string{"peer", "type"},
	)

	FSMTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_fsm_transitions_total",
			Help: "Peer FSM state transitions.",
		},
		[]string{"peer", "state"},
	)

	SessionsEstablished = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpspeaker_session_established",
			Help: "Whether the peer session is Established (0/1).",
		},
		[]string{"peer"},
	)

	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_notifications_sent_total",
			Help: "NOTIFICATION messages sent, by error code.",
		},
		[]string{"peer", "code"},
	)

	DecisionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bgpspeaker_decision_failures_total",
			Help: "Decision-process invariant violations (fatal).",
		},
	)

	ParseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_parse_errors_total",
			Help: "Wire parse failures, by peer and notification code.",
		},
		[]string{"peer", "code"},
	)

	ExportEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_export_events_total",
			Help: "Route change events published to Kafka.",
		},
		[]string{"topic", "op"},
	)

	MirrorWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpspeaker_mirror_write_duration_seconds",
			Help:    "Loc-RIB mirror write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	MirrorBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpspeaker_mirror_batch_size",
			Help:    "Batch sizes flushed to the Loc-RIB mirror.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"op"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RoutesReceived,
			RoutesAdvertised,
			RoutesPurged,
			UpdatesReceived,
			MessagesSent,
			FSMTransitions,
			SessionsEstablished,
			NotificationsSent,
			DecisionFailures,
			ParseErrors,
			ExportEvents,
			MirrorWriteDuration,
			MirrorBatchSize,
		)
	})
}

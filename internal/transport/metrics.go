package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "transport",
			Name:      "publishes_total",
			Help:      "Outbound envelope publishes by outcome.",
		},
		[]string{"outcome"}, // success, validation_error, connection_error, publish_error
	)

	receiptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "transport",
			Name:      "receipts_total",
			Help:      "Delivery receipts consumed, by reported status.",
		},
		[]string{"status"},
	)

	unknownSIDReceiptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "transport",
			Name:      "unknown_sid_receipts_total",
			Help:      "Receipts whose correlation id had no registration at all. A steadily climbing value suggests an id-generation mismatch rather than post-restart receipts.",
		},
	)

	duplicateReceiptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "transport",
			Name:      "duplicate_receipts_total",
			Help:      "Receipts arriving for an already-completed correlation id within the dedup grace window.",
		},
	)

	receiptParseFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "transport",
			Name:      "receipt_parse_failures_total",
			Help:      "Delivery receipts rejected and requeued because the payload did not parse.",
		},
	)

	callbackExpiriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "transport",
			Name:      "callback_expiries_total",
			Help:      "Registered delivery callbacks evicted after the receipt wait timed out.",
		},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Broker reconnect attempts scheduled after a connection loss or failure.",
		},
	)
)

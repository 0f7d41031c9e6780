package triage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "service",
			Name:      "messages_processed_total",
			Help:      "Messages processed, by routing action and priority.",
		},
		[]string{"action", "priority"},
	)

	processingFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "service",
			Name:      "processing_failures_total",
			Help:      "Messages whose processing hit a failure, by stage.",
		},
		[]string{"stage"}, // insert, notify, respond, resolve
	)
)

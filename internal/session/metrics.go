package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatbip",
			Subsystem: "session",
			Name:      "calls_total",
			Help:      "Total calls by direction.",
		},
		[]string{"direction"}, // "outbound", "inbound"
	)

	callOutcomesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatbip",
			Subsystem: "session",
			Name:      "call_outcomes_total",
			Help:      "Terminal call outcomes.",
		},
		[]string{"outcome"}, // "connected", "timeout", "error", "inbound_rejected"
	)

	messagesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatbip",
			Subsystem: "session",
			Name:      "messages_total",
			Help:      "Message log entries by kind.",
		},
		[]string{"kind"},
	)

	dialDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chatbip",
			Subsystem: "session",
			Name:      "dial_duration_seconds",
			Help:      "Time from dialing to connection open.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

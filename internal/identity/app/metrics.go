package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocationAttemptsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatbip",
			Subsystem: "identity",
			Name:      "allocation_attempts_total",
			Help:      "Total candidate numbers tried against the directory.",
		},
	)

	allocationExhaustedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatbip",
			Subsystem: "identity",
			Name:      "allocation_exhausted_total",
			Help:      "Total allocations that ran out of retry budget.",
		},
	)
)

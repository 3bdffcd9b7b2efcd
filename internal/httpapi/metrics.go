// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package httpapi

import "github.com/prometheus/client_golang/prometheus"

// Metrics are registered once at package init, grounded on the teacher's
// platform/agent/gateway_handlers.go convention of package-level
// CounterVec/Histogram vars wired up in init() via prometheus.MustRegister,
// rather than built per-request.
var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policygate_requests_total",
			Help: "Total number of gateway requests by route and outcome.",
		},
		[]string{"route", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policygate_request_duration_seconds",
			Help:    "Gateway request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policygate_tokens_total",
			Help: "Total tokens processed by direction (input/output).",
		},
		[]string{"direction", "model"},
	)

	costTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policygate_cost_usd_total",
			Help: "Estimated upstream cost in USD attributed via the admission pipeline.",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(tokensTotal)
	prometheus.MustRegister(costTotal)
}

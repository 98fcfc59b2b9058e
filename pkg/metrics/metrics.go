// Package metrics exposes Prometheus collectors for the delegation chain.
// Collectors are registered on the default registry and served from the
// health listener's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StageOutcomes counts state-machine transitions per service, stage and
// outcome. The stage/outcome labels mirror the audit trail.
var StageOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "delegation_stage_outcomes_total",
		Help: "Delegation chain stage transitions by service, stage and outcome",
	},
	[]string{"service", "stage", "outcome"},
)

// ExchangeDuration observes on-behalf-of token exchange latency.
var ExchangeDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "delegation_token_exchange_duration_seconds",
		Help:    "Latency of on-behalf-of token exchanges",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"service"},
)

// BrokerDuration observes dynamic credential brokering latency.
var BrokerDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "delegation_credential_broker_duration_seconds",
		Help:    "Latency of dynamic credential brokering",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"service"},
)

// CredentialTTL observes the capped lease durations handed out by the broker.
var CredentialTTL = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "delegation_credential_ttl_seconds",
		Help:    "TTL of brokered dynamic credentials after client-side capping",
		Buckets: prometheus.ExponentialBuckets(60, 4, 8),
	},
)

package rpc

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/probe-lab/beacon-sync/tele"
)

var (
	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_sync_rpc_rate_limited_total",
			Help: "Total number of rate limited requests and responses",
		},
		[]string{"direction", "protocol", "reason"},
	)

	activeRequestsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_sync_rpc_active_requests_rejected_total",
			Help: "Total number of inbound requests rejected because the peer had too many open requests",
		},
		[]string{"protocol"},
	)
)

func init() {
	tele.RegisterCollector(rateLimitedTotal)
	tele.RegisterCollector(activeRequestsRejectedTotal)
}

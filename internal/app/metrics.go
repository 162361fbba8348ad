package app

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	withdrawalOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "withdrawal_operations_total",
			Help: "Withdrawal workflow operations by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	withdrawalGuardRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "withdrawal_guard_rejections_total",
			Help: "Withdrawal requests refused by the balance guard, by reason.",
		},
		[]string{"reason"},
	)

	payoutGatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "withdrawal_payout_gateway_duration_seconds",
			Help:    "Latency of payout initiation calls to the payment gateway.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"outcome"},
	)

	settlementEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "withdrawal_settlement_events_total",
			Help: "Payout settlement events consumed, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		withdrawalOperationsTotal,
		withdrawalGuardRejectionsTotal,
		payoutGatewayDuration,
		settlementEventsTotal,
	)
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

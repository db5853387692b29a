package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	contributionsInitiated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fund_contributions_initiated_total",
		Help: "Pending contributions created",
	})

	contributionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_contributions_settled_total",
		Help: "Contributions moved to a terminal payment status, by status and failure reason",
	}, []string{"status", "reason"})

	refundSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_refund_signals_total",
		Help: "Paid contributions the ledger refused to accrue",
	}, []string{"reason"})

	gatewayEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_gateway_events_total",
		Help: "Gateway events handled by the confirmation bridge, by kind and outcome",
	}, []string{"kind", "outcome"})

	sweptRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_sweeper_records_total",
		Help: "Records changed by the housekeeping sweeper",
	}, []string{"action"})
)

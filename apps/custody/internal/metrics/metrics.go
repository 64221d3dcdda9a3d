// Package metrics holds the Prometheus collectors shared by the ledger workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "custody"

var (
	DepositsCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_credited_total",
		Help:      "Deposits applied to the ledger, by source.",
	}, []string{"source"})

	DepositsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_rejected_total",
		Help:      "Deposits closed without a credit, by status.",
	}, []string{"status"})

	CreditedMinorUnits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credited_minor_units_total",
		Help:      "Sum of credited ledger amounts in minor units.",
	})

	PollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_errors_total",
		Help:      "Per-address provider or store errors during reconciliation.",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_cycle_seconds",
		Help:      "Duration of a full reconciliation cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	Sweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeps_total",
		Help:      "Sweep attempts, by resulting status.",
	}, []string{"status"})

	Withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "withdrawals_total",
		Help:      "Withdrawal outcomes, by status.",
	}, []string{"status"})

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_events_total",
		Help:      "Outbox events handed to Kafka, by result.",
	}, []string{"result"})
)

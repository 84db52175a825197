// Package metrics exposes prometheus collectors for the clearing engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WindowsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interclear_windows_opened_total",
		Help: "Clearing windows opened by the scheduler.",
	})

	WindowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interclear_windows_processed_total",
		Help: "Clearing windows processed, by terminal status.",
	}, []string{"status"})

	SettlementsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interclear_settlements_finalized_total",
		Help: "Settlement instructions that reached FINALIZED.",
	})

	SettlementsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interclear_settlements_failed_total",
		Help: "Settlement instructions that ended FAILED or ROLLED_BACK.",
	})

	OperationsRolledBack = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interclear_operations_rolled_back_total",
		Help: "Atomic operations rolled back via compensating actions.",
	})

	RollbacksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interclear_rollbacks_failed_total",
		Help: "Rollbacks that exhausted their retry budget and escalated to FAILED.",
	})

	LocksExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interclear_fund_locks_expired_total",
		Help: "Fund locks released by the background expiry sweep.",
	})

	ReconciliationMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interclear_reconciliation_mismatches_total",
		Help: "Reconciliation runs that found a discrepancy beyond tolerance.",
	})

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interclear_settlement_duration_seconds",
		Help:    "Wall time of the settlement pipeline per instruction.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

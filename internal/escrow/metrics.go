package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// transactionsCreated counts materialized transactions.
	transactionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "babyresell",
			Name:      "escrow_transactions_created_total",
			Help:      "Total transactions materialized into escrow.",
		},
	)

	// transactionsCompleted counts released transactions by escrow status.
	transactionsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "babyresell",
			Name:      "escrow_transactions_completed_total",
			Help:      "Total completed transactions by release kind.",
		},
		[]string{"escrow_status"},
	)

	// transactionsDisputed counts dispute freezes (party- and chargeback-initiated).
	transactionsDisputed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "babyresell",
			Name:      "escrow_transactions_disputed_total",
			Help:      "Total transactions frozen by a dispute.",
		},
	)

	// payoutsAttempted counts payout transfer attempts.
	payoutsAttempted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "babyresell",
			Name:      "escrow_payouts_attempted_total",
			Help:      "Total seller payout transfers attempted.",
		},
	)

	// payoutsFailed counts payouts that exhausted retries.
	payoutsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "babyresell",
			Name:      "escrow_payouts_failed_total",
			Help:      "Total seller payouts recorded as failed.",
		},
	)

	// autoReleaseSweeps observes sweep batch sizes.
	autoReleaseSweeps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "babyresell",
			Name:      "escrow_auto_release_batch_size",
			Help:      "Transactions released per auto-release sweep.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)
)

func init() {
	prometheus.MustRegister(
		transactionsCreated,
		transactionsCompleted,
		transactionsDisputed,
		payoutsAttempted,
		payoutsFailed,
		autoReleaseSweeps,
	)
}

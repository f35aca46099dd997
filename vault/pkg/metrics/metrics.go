package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "refi_vault_build_info",
			Help: "Build information of the refi vault daemon",
		},
		[]string{"version", "commit", "date"},
	)

	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refi_vault_operations_total",
			Help: "Total number of pool operations by outcome code",
		},
		[]string{"operation", "status"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refi_vault_operation_duration_seconds",
			Help:    "Duration of pool operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~4.1s
		},
		[]string{"operation"},
	)

	StreamedYieldLamports = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "refi_vault_streamed_yield_lamports_total",
			Help: "Cumulative lamports streamed to organization payout vaults",
		},
	)

	CrankFiringsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refi_vault_crank_firings_total",
			Help: "Total number of automated crank firings",
		},
		[]string{"status"},
	)
)

// Package metrics exposes Prometheus metrics for the cycling engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycler_cycles_total",
		Help: "Completed cycles by outcome (profit, forced_liquidation, rolled_back, no_basket, fatal).",
	}, []string{"outcome"})

	CycleStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cycler_cycle_state",
		Help: "Current cycle state as an enum value.",
	})

	LegsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycler_legs_total",
		Help: "Leg status transitions by venue, side and status.",
	}, []string{"venue", "side", "status"})

	CompensationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cycler_compensations_total",
		Help: "Saga compensations that completed cleanly.",
	})

	NetPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cycler_net_pnl",
		Help: "Net PnL of the open basket pair as of the last poll.",
	})

	RealizedCost = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cycler_realized_cost",
		Help: "Accumulated fees plus slippage for the current cycle.",
	})

	VenueUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cycler_venue_up",
		Help: "1 if the venue answered its last poll, 0 otherwise.",
	}, []string{"venue"})

	VenueEquity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cycler_venue_equity",
		Help: "Per-venue equity recorded at cycle boundaries.",
	}, []string{"venue"})

	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cycler_order_latency_seconds",
		Help:    "Market order round-trip latency by venue.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"venue"})

	PollLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cycler_poll_latency_seconds",
		Help:    "Duration of one full monitor tick across all venues.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycler_errors_total",
		Help: "Errors by type.",
	}, []string{"type"})

	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cycler_heartbeat_timestamp",
		Help: "Unix timestamp of the last completed monitor tick.",
	})
)

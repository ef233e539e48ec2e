// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_decisions_total",
		Help: "Decisions recorded, by final action, verdict and reason",
	}, []string{"action", "verdict", "reason"})

	Executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_executions_total",
		Help: "Execution results, by status",
	}, []string{"status", "emergency"})

	OrderRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trader_order_retries_total",
		Help: "Order submissions retried after a transport failure",
	})

	CyclesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_cycles_skipped_total",
		Help: "Decision cycles skipped before deciding",
	}, []string{"reason"})

	AdvisorFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_advisor_failures_total",
		Help: "Advisor calls that ended without a usable recommendation",
	}, []string{"kind"})

	PollFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trader_poll_failures_total",
		Help: "Market/account polls that failed",
	})

	Drawdown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_drawdown_ratio",
		Help: "Current drawdown from initial capital, clamped at 0",
	})

	TotalAsset = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_total_asset",
		Help: "Current total account value in quote currency",
	})

	CooldownActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_cooldown_active",
		Help: "1 while the post-sell cooldown blocks trading",
	})

	EmergencyState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_emergency_state",
		Help: "0=none, 1=pending, 2=liquidating",
	})

	ActiveMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trader_mode",
		Help: "1 for the active trading mode",
	}, []string{"mode"})
)

func init() {
	prometheus.MustRegister(
		Decisions, Executions, OrderRetries, CyclesSkipped, AdvisorFailures,
		PollFailures, Drawdown, TotalAsset, CooldownActive, EmergencyState, ActiveMode,
	)
}

func boolGauge(g prometheus.Gauge, on bool) {
	if on {
		g.Set(1)
		return
	}
	g.Set(0)
}

// SetCooldown flips the cooldown gauge.
func SetCooldown(on bool) { boolGauge(CooldownActive, on) }

// SetMode marks mode as the only active one.
func SetMode(mode string) {
	for _, m := range []string{"spot", "swap"} {
		boolGauge(ActiveMode.WithLabelValues(m), m == mode)
	}
}

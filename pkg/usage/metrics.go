package usage

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// providerUsage tracks current window consumption per provider.
	providerUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quotagate_provider_usage",
			Help: "Current call count for a provider window",
		},
		[]string{"provider", "window"},
	)

	// providerDailyPct tracks the fraction of daily quota consumed.
	providerDailyPct = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quotagate_provider_daily_pct",
			Help: "Fraction of the daily quota consumed per provider",
		},
		[]string{"provider"},
	)

	// callsTotal counts provider call outcomes.
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotagate_calls_total",
			Help: "Total provider calls by outcome category",
		},
		[]string{"provider", "category"},
	)

	// alertsTotal counts raised alerts.
	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotagate_alerts_total",
			Help: "Total alerts raised by type",
		},
		[]string{"provider", "type"},
	)

	// avgLatency tracks the rolling average call latency per provider.
	avgLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quotagate_avg_latency_ms",
			Help: "Rolling average provider call latency in milliseconds",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(providerUsage)
	prometheus.MustRegister(providerDailyPct)
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(alertsTotal)
	prometheus.MustRegister(avgLatency)
}

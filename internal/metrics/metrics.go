// Package metrics holds the Prometheus collectors for the bot engine.
// Labels are kept to bounded sets (operation names and outcomes); account ids
// are never used as label values.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PlatformCalls counts governed platform calls by operation and outcome
	// (ok, rate_limited, error).
	PlatformCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmbot_platform_calls_total",
			Help: "Platform calls made through the request governor.",
		},
		[]string{"op", "outcome"},
	)

	RateLimitSignals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmbot_rate_limit_signals_total",
			Help: "Rate-limit responses observed from the platform.",
		},
	)

	GovernorWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dmbot_governor_wait_seconds",
			Help:    "Time spent waiting on the request governor before a call.",
			Buckets: []float64{0.5, 1, 2, 5, 15, 30, 60, 120, 300},
		},
	)

	RepliesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmbot_replies_sent_total",
			Help: "Canned replies delivered to threads.",
		},
	)

	// PollCycles counts poll cycles by result (active, idle, error).
	PollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmbot_poll_cycles_total",
			Help: "Completed poll cycles.",
		},
		[]string{"result"},
	)

	// LoginAttempts counts logins by result (ok, verification, failed).
	LoginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmbot_login_attempts_total",
			Help: "Login attempts by result.",
		},
		[]string{"result"},
	)

	BotsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmbot_bots_running",
			Help: "Bot workers currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PlatformCalls, RateLimitSignals, GovernorWait,
		RepliesSent, PollCycles, LoginAttempts, BotsRunning,
	)
}

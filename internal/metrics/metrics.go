// Package metrics provides Prometheus instrumentation for the matching
// services. It exposes counters for pairing outcomes, a gauge for waiting
// requests, and a histogram for time-to-match.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WaitingRequests tracks the current number of unmatched records.
	WaitingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peermatch_waiting_requests",
		Help: "Current number of unmatched waiting records",
	})

	// MatchesFormed counts pairings proposed to both parties.
	MatchesFormed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peermatch_matches_formed_total",
		Help: "Total number of pairings proposed",
	})

	// SessionsCreated counts pairings where both sides confirmed.
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peermatch_sessions_created_total",
		Help: "Total number of double-confirmed sessions",
	})

	// MatchFailures counts terminated attempts, labeled by reason:
	// "timeout", "confirm_timeout", "declined", "disconnected",
	// "no_question".
	MatchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peermatch_match_failures_total",
		Help: "Total number of terminated matchmaking attempts",
	}, []string{"reason"})

	// TimeToMatch records the wait between record creation and pairing.
	TimeToMatch = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "peermatch_time_to_match_seconds",
		Help:    "Time from request intake to pairing",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 25, 30},
	})

	// ConnectionsTotal tracks active gateway WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peermatch_connections_total",
		Help: "Current number of active WebSocket connections",
	})
)

func init() {
	prometheus.MustRegister(
		WaitingRequests,
		MatchesFormed,
		SessionsCreated,
		MatchFailures,
		TimeToMatch,
		ConnectionsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

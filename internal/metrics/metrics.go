package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels shared by the counters below.
const (
	OutcomeRedirect    = "redirect"
	OutcomePassThrough = "pass_through"
	OutcomeNotFound    = "not_found"
	OutcomeSuccess     = "success"
	OutcomeRejected    = "rejected"
	OutcomeFailed      = "failed"
)

var (
	// RedirectDecisions counts resolver decisions by outcome.
	RedirectDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagelink_redirect_decisions_total",
		Help: "Handle resolution decisions made by the routing layer",
	}, []string{"outcome"})

	// CacheRebuilds counts redirect cache rebuilds by result.
	CacheRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagelink_redirect_cache_rebuilds_total",
		Help: "Redirect cache rebuilds from the history ledger",
	}, []string{"outcome"})

	// CacheRebuildDuration observes full rebuild latency.
	CacheRebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagelink_redirect_cache_rebuild_duration_seconds",
		Help:    "Duration of redirect cache rebuilds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// CacheEntries tracks the number of live aliases.
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pagelink_redirect_cache_entries",
		Help: "Number of vacated handles currently redirecting",
	})

	// UsernameChanges counts change attempts by outcome and reason.
	UsernameChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagelink_username_changes_total",
		Help: "Username change attempts",
	}, []string{"outcome", "reason"})
)

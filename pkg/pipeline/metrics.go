// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pipeline's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	CandidatesFetched *prometheus.CounterVec
	CandidatesScored  *prometheus.CounterVec
	CandidatesSkipped *prometheus.CounterVec
	WatchlistEntries  *prometheus.CounterVec
	RunFailures       prometheus.Counter
	RunDuration       prometheus.Histogram
	ScoreDuration     prometheus.Histogram
}

// NewMetrics builds and registers the pipeline collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CandidatesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phantomscan_candidates_fetched_total",
			Help: "Candidates fetched from registry sources.",
		}, []string{"ecosystem"}),
		CandidatesScored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phantomscan_candidates_scored_total",
			Help: "Candidates that completed scoring.",
		}, []string{"ecosystem"}),
		CandidatesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phantomscan_candidates_skipped_total",
			Help: "Candidates skipped due to scoring failures.",
		}, []string{"ecosystem"}),
		WatchlistEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phantomscan_watchlist_entries_total",
			Help: "Names routed to the watchlist under strict existence gating.",
		}, []string{"ecosystem"}),
		RunFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phantomscan_run_failures_total",
			Help: "Pipeline runs that failed before producing a feed.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "phantomscan_run_duration_seconds",
			Help:    "Wall time of full pipeline runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ScoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "phantomscan_score_duration_seconds",
			Help:    "Wall time of single-candidate scoring.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CandidatesFetched, m.CandidatesScored, m.CandidatesSkipped,
			m.WatchlistEntries, m.RunFailures, m.RunDuration, m.ScoreDuration,
		)
	}
	return m
}

func (m *Metrics) fetched(eco string, n int) {
	if m != nil {
		m.CandidatesFetched.WithLabelValues(eco).Add(float64(n))
	}
}

func (m *Metrics) scored(eco string) {
	if m != nil {
		m.CandidatesScored.WithLabelValues(eco).Inc()
	}
}

func (m *Metrics) skipped(eco string) {
	if m != nil {
		m.CandidatesSkipped.WithLabelValues(eco).Inc()
	}
}

func (m *Metrics) watchlisted(eco string) {
	if m != nil {
		m.WatchlistEntries.WithLabelValues(eco).Inc()
	}
}

func (m *Metrics) runFailed() {
	if m != nil {
		m.RunFailures.Inc()
	}
}

func (m *Metrics) observeRun(seconds float64) {
	if m != nil {
		m.RunDuration.Observe(seconds)
	}
}

func (m *Metrics) observeScore(seconds float64) {
	if m != nil {
		m.ScoreDuration.Observe(seconds)
	}
}

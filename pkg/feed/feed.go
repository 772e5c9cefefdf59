// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package feed ranks scored candidates into the daily feed and renders the
// feed and watchlist artifacts.
package feed

import (
	"sort"
	"time"

	"github.com/google/phantomscan/pkg/radar"
)

// Rank orders scored candidates for the feed: total descending, then larger
// newness subscore, then lexicographically smaller "ecosystem:name". Later
// duplicates of the same key are dropped.
func Rank(items []radar.ScoredCandidate) []radar.ScoredCandidate {
	seen := make(map[string]bool, len(items))
	ranked := make([]radar.ScoredCandidate, 0, len(items))
	for _, sc := range items {
		key := sc.Candidate.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		ranked = append(ranked, sc)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Breakdown.Newness != ranked[j].Breakdown.Newness {
			return ranked[i].Breakdown.Newness > ranked[j].Breakdown.Newness
		}
		return ranked[i].Candidate.Key() < ranked[j].Candidate.Key()
	})
	return ranked
}

// Select keeps ranked items at or above minScore, truncated to topN.
func Select(ranked []radar.ScoredCandidate, minScore float64, topN int) []radar.ScoredCandidate {
	var kept []radar.ScoredCandidate
	for _, sc := range ranked {
		if sc.Score < minScore {
			continue
		}
		kept = append(kept, sc)
	}
	if topN > 0 && len(kept) > topN {
		kept = kept[:topN]
	}
	return kept
}

// Build assembles the day's feed from all scored rows.
func Build(date string, items []radar.ScoredCandidate, minScore float64, topN int, now time.Time) radar.Feed {
	return radar.Feed{
		Date:        date,
		GeneratedAt: now.UTC(),
		Items:       Select(Rank(items), minScore, topN),
	}
}

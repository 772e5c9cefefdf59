// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package feed

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/phantomscan/pkg/radar"
	"github.com/pkg/errors"
)

var scoredColumns = []string{
	"ecosystem", "name", "version", "created_at", "score",
	"name_suspicion", "known_hallucination", "content_risk", "script_risk",
	"newness", "repo_missing", "maintainer_reputation", "docs_absence",
	"provenance_risk", "repo_asymmetry", "download_anomaly", "version_flip",
	"reasons",
}

// RenderJSON renders the feed document as indented JSON.
func RenderJSON(f radar.Feed) ([]byte, error) {
	data, err := json.MarshalIndent(f, "", "  ")
	return data, errors.Wrap(err, "encoding feed")
}

// ParseJSON is the inverse of RenderJSON.
func ParseJSON(data []byte) (radar.Feed, error) {
	var f radar.Feed
	if err := json.Unmarshal(data, &f); err != nil {
		return radar.Feed{}, errors.Wrap(err, "decoding feed")
	}
	return f, nil
}

// RenderCSV renders the feed items as CSV with one row per candidate.
func RenderCSV(items []radar.ScoredCandidate) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(scoredColumns); err != nil {
		return nil, errors.Wrap(err, "writing header")
	}
	for _, sc := range items {
		if err := w.Write(scoredRow(sc)); err != nil {
			return nil, errors.Wrapf(err, "writing %s", sc.Candidate.Key())
		}
	}
	w.Flush()
	return buf.Bytes(), errors.Wrap(w.Error(), "flushing csv")
}

func scoredRow(sc radar.ScoredCandidate) []string {
	c := sc.Candidate
	b := sc.Breakdown
	return []string{
		string(c.Ecosystem), c.Name, c.Version,
		c.CreatedAt.UTC().Format(time.RFC3339),
		formatScore(sc.Score),
		formatScore(b.NameSuspicion), formatScore(b.KnownHallucination),
		formatScore(b.ContentRisk), formatScore(b.ScriptRisk),
		formatScore(b.Newness), formatScore(b.RepoMissing),
		formatScore(b.MaintainerReputation), formatScore(b.DocsAbsence),
		formatScore(b.ProvenanceRisk), formatScore(b.RepoAsymmetry),
		formatScore(b.DownloadAnomaly), formatScore(b.VersionFlip),
		strings.Join(b.Reasons, "; "),
	}
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// RenderMarkdown renders the human-readable daily report.
func RenderMarkdown(f radar.Feed) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# PhantomScan Feed (%s)\n\n", f.Date)
	fmt.Fprintf(&sb, "Generated at %s. %d flagged packages.\n\n", f.GeneratedAt.UTC().Format(time.RFC3339), len(f.Items))
	if len(f.Items) == 0 {
		sb.WriteString("Nothing crossed the score threshold today.\n")
		return []byte(sb.String())
	}
	sb.WriteString("| # | Package | Ecosystem | Score | Top reasons |\n")
	sb.WriteString("|---|---------|-----------|-------|-------------|\n")
	for i, sc := range f.Items {
		reasons := sc.Breakdown.Reasons
		if len(reasons) > 3 {
			reasons = reasons[:3]
		}
		fmt.Fprintf(&sb, "| %d | `%s` | %s | %.3f | %s |\n",
			i+1, sc.Candidate.Name, sc.Candidate.Ecosystem, sc.Score,
			strings.ReplaceAll(strings.Join(reasons, "; "), "|", "\\|"))
	}
	return []byte(sb.String())
}

// RenderScoredJSONL renders all scored rows as one JSON document per line.
func RenderScoredJSONL(items []radar.ScoredCandidate) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, sc := range items {
		if err := enc.Encode(sc); err != nil {
			return nil, errors.Wrapf(err, "encoding %s", sc.Candidate.Key())
		}
	}
	return buf.Bytes(), nil
}

// RenderWatchlistJSON renders watchlist entries as indented JSON.
func RenderWatchlistJSON(entries []radar.WatchlistEntry) ([]byte, error) {
	data, err := json.MarshalIndent(entries, "", "  ")
	return data, errors.Wrap(err, "encoding watchlist")
}

// RenderWatchlistCSV renders watchlist entries as CSV.
func RenderWatchlistCSV(entries []radar.WatchlistEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"ecosystem", "name", "not_found_reason", "first_seen_at"}); err != nil {
		return nil, errors.Wrap(err, "writing header")
	}
	for _, e := range entries {
		row := []string{string(e.Ecosystem), e.Name, e.NotFoundReason, e.FirstSeenAt.UTC().Format(time.RFC3339)}
		if err := w.Write(row); err != nil {
			return nil, errors.Wrapf(err, "writing %s", e.Name)
		}
	}
	w.Flush()
	return buf.Bytes(), errors.Wrap(w.Error(), "flushing csv")
}

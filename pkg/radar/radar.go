// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package radar defines the core model for slopsquat detection: candidates
// observed during registry ingestion, their per-signal score breakdown, and
// the daily ranked feed derived from them.
package radar

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Ecosystem represents a package ecosystem.
type Ecosystem string

// Ecosystem constants. These are used to select an ecosystem, and used as prefixes in storage.
const (
	NPM  Ecosystem = "npm"
	PyPI Ecosystem = "pypi"
)

// ParseEcosystem converts a string into a known Ecosystem.
func ParseEcosystem(s string) (Ecosystem, error) {
	switch Ecosystem(strings.ToLower(strings.TrimSpace(s))) {
	case NPM:
		return NPM, nil
	case PyPI:
		return PyPI, nil
	default:
		return "", errors.Errorf("unknown ecosystem: %q", s)
	}
}

// Existence probe reasons, also used as watchlist not-found reasons.
const (
	ProbeOK       = "ok"
	ProbeNotFound = "404"
	ProbeTimeout  = "timeout"
	ProbeOffline  = "offline"
	ProbeError    = "error"
)

// PackageCandidate is a normalised view of one package observed during ingestion.
type PackageCandidate struct {
	Ecosystem   Ecosystem `json:"ecosystem"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Homepage    string    `json:"homepage,omitempty"`
	Repository  string    `json:"repository,omitempty"`
	Description string    `json:"description,omitempty"`
	// MaintainersCount is zero when the registry exposes no maintainer list.
	MaintainersCount  int  `json:"maintainers_count"`
	HasInstallScripts bool `json:"has_install_scripts"`
	DisposableEmail   bool `json:"disposable_email"`
	// MaintainersAgeHintDays is nil when no account-age signal is available.
	MaintainersAgeHintDays *int         `json:"maintainers_age_hint_days,omitempty"`
	RawMetadata            *RawMetadata `json:"raw_metadata,omitempty"`
}

// NewPackageCandidate constructs a candidate, normalising the name once and
// defaulting CreatedAt to the current time when the registry omitted it.
func NewPackageCandidate(eco Ecosystem, name, version string, createdAt time.Time) (PackageCandidate, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return PackageCandidate{}, errors.New("package name must be non-empty")
	}
	if eco != NPM && eco != PyPI {
		return PackageCandidate{}, errors.Errorf("unknown ecosystem: %q", eco)
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return PackageCandidate{
		Ecosystem: eco,
		Name:      name,
		Version:   version,
		CreatedAt: createdAt.UTC(),
	}, nil
}

// Key returns the "ecosystem:name" identity used for ordering and dedup.
func (c PackageCandidate) Key() string {
	return string(c.Ecosystem) + ":" + c.Name
}

// AgeDays returns the candidate's whole-day age relative to now, floored at zero.
func (c PackageCandidate) AgeDays(now time.Time) int {
	d := int(now.UTC().Sub(c.CreatedAt).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// Subscore names a single detection signal.
type Subscore string

// The twelve subscores, in scoring order.
const (
	NameSuspicion        Subscore = "name_suspicion"
	KnownHallucination   Subscore = "known_hallucination"
	ContentRisk          Subscore = "content_risk"
	ScriptRisk           Subscore = "script_risk"
	Newness              Subscore = "newness"
	RepoMissing          Subscore = "repo_missing"
	MaintainerReputation Subscore = "maintainer_reputation"
	DocsAbsence          Subscore = "docs_absence"
	ProvenanceRisk       Subscore = "provenance_risk"
	RepoAsymmetry        Subscore = "repo_asymmetry"
	DownloadAnomaly      Subscore = "download_anomaly"
	VersionFlip          Subscore = "version_flip"
)

// Subscores is the fixed evaluation order of all signals.
var Subscores = []Subscore{
	NameSuspicion,
	KnownHallucination,
	ContentRisk,
	ScriptRisk,
	Newness,
	RepoMissing,
	MaintainerReputation,
	DocsAbsence,
	ProvenanceRisk,
	RepoAsymmetry,
	DownloadAnomaly,
	VersionFlip,
}

// ScoreBreakdown holds every subscore plus the reasons they produced.
type ScoreBreakdown struct {
	NameSuspicion        float64 `json:"name_suspicion"`
	KnownHallucination   float64 `json:"known_hallucination"`
	ContentRisk          float64 `json:"content_risk"`
	ScriptRisk           float64 `json:"script_risk"`
	Newness              float64 `json:"newness"`
	RepoMissing          float64 `json:"repo_missing"`
	MaintainerReputation float64 `json:"maintainer_reputation"`
	DocsAbsence          float64 `json:"docs_absence"`
	ProvenanceRisk       float64 `json:"provenance_risk"`
	RepoAsymmetry        float64 `json:"repo_asymmetry"`
	DownloadAnomaly      float64 `json:"download_anomaly"`
	VersionFlip          float64 `json:"version_flip"`
	// Reasons is append-only during scoring; order reflects signal order.
	Reasons          []string `json:"reasons"`
	ExistsInRegistry *bool    `json:"exists_in_registry,omitempty"`
	NotFoundReason   string   `json:"not_found_reason,omitempty"`
}

// Get returns the named subscore value.
func (b *ScoreBreakdown) Get(s Subscore) float64 {
	switch s {
	case NameSuspicion:
		return b.NameSuspicion
	case KnownHallucination:
		return b.KnownHallucination
	case ContentRisk:
		return b.ContentRisk
	case ScriptRisk:
		return b.ScriptRisk
	case Newness:
		return b.Newness
	case RepoMissing:
		return b.RepoMissing
	case MaintainerReputation:
		return b.MaintainerReputation
	case DocsAbsence:
		return b.DocsAbsence
	case ProvenanceRisk:
		return b.ProvenanceRisk
	case RepoAsymmetry:
		return b.RepoAsymmetry
	case DownloadAnomaly:
		return b.DownloadAnomaly
	case VersionFlip:
		return b.VersionFlip
	default:
		return 0
	}
}

// Set assigns the named subscore, clamped to [0, 1].
func (b *ScoreBreakdown) Set(s Subscore, v float64) {
	v = Clamp01(v)
	switch s {
	case NameSuspicion:
		b.NameSuspicion = v
	case KnownHallucination:
		b.KnownHallucination = v
	case ContentRisk:
		b.ContentRisk = v
	case ScriptRisk:
		b.ScriptRisk = v
	case Newness:
		b.Newness = v
	case RepoMissing:
		b.RepoMissing = v
	case MaintainerReputation:
		b.MaintainerReputation = v
	case DocsAbsence:
		b.DocsAbsence = v
	case ProvenanceRisk:
		b.ProvenanceRisk = v
	case RepoAsymmetry:
		b.RepoAsymmetry = v
	case DownloadAnomaly:
		b.DownloadAnomaly = v
	case VersionFlip:
		b.VersionFlip = v
	}
}

// AddReasons appends reasons in the order they were produced.
func (b *ScoreBreakdown) AddReasons(reasons ...string) {
	b.Reasons = append(b.Reasons, reasons...)
}

// WeightedTotal folds the breakdown into a single score using the given
// per-subscore weights. Missing weights default to zero. The result is
// clamped to [0, 1].
func (b *ScoreBreakdown) WeightedTotal(weights map[Subscore]float64) float64 {
	var total float64
	for _, s := range Subscores {
		total += weights[s] * Clamp01(b.Get(s))
	}
	return Clamp01(total)
}

// ScoredCandidate is a candidate with its final score and breakdown.
type ScoredCandidate struct {
	Candidate PackageCandidate `json:"candidate"`
	Score     float64          `json:"score"`
	Breakdown ScoreBreakdown   `json:"breakdown"`
	ScoredAt  time.Time        `json:"scored_at"`
}

// WatchlistEntry records a name that did not resolve in its registry.
type WatchlistEntry struct {
	Ecosystem      Ecosystem `json:"ecosystem"`
	Name           string    `json:"name"`
	NotFoundReason string    `json:"not_found_reason"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
}

// Feed is one day's ranked output.
type Feed struct {
	Date        string            `json:"date"`
	GeneratedAt time.Time         `json:"generated_at"`
	Items       []ScoredCandidate `json:"items"`
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// DateOf formats t as the dated storage key.
func DateOf(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// ParseDate validates a dated storage key.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid date %q", s)
	}
	return t, nil
}

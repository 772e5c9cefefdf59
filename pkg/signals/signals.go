// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package signals implements the metadata-only heuristic subscores. Every
// signal is a pure function of the candidate plus policy and corpus: it
// returns a score in [0, 1] and the reasons that produced it, and never an
// error.
package signals

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/phantomscan/pkg/policy"
	"github.com/google/phantomscan/pkg/radar"
)

// Result is one signal's contribution.
type Result struct {
	Score   float64
	Reasons []string
}

func result(score float64, reasons ...string) Result {
	return Result{Score: radar.Clamp01(score), Reasons: reasons}
}

// NameSuspicion scores the candidate name against brand prefixes, trope
// suffixes, and similarity to canonical package names. The final score is
// the max of all hits.
func NameSuspicion(c radar.PackageCandidate, p *policy.Policy) Result {
	var score float64
	var reasons []string
	name := c.Name
	for _, prefix := range p.SuspiciousPrefixes {
		if strings.HasPrefix(name, prefix) {
			score = max(score, 0.8)
			reasons = append(reasons, fmt.Sprintf("Contains brand prefix '%s'", prefix))
		}
	}
	for _, suffix := range p.SuspiciousSuffixes {
		if strings.HasSuffix(name, suffix) {
			score = max(score, 0.6)
			reasons = append(reasons, fmt.Sprintf("Contains trope suffix '%s'", suffix))
		}
	}
	for _, canonical := range p.CanonicalNames[c.Ecosystem] {
		canonical = strings.ToLower(canonical)
		// Exact canonical matches are the package itself, not a squat.
		if name == canonical {
			continue
		}
		distance := 100 - Similarity(name, canonical)
		// Distance 0 means a containment match, not a near-miss; the prefix
		// and suffix rules cover those.
		if distance > 0 && distance <= p.FuzzyThreshold {
			similarityScore := (1 - float64(distance)/float64(p.FuzzyThreshold)) * 0.9
			score = max(score, similarityScore)
			reasons = append(reasons, fmt.Sprintf("Very similar to '%s' (distance: %d)", canonical, distance))
		}
	}
	return result(score, reasons...)
}

// KnownHallucination reports 1.0 iff the corpus lists the name.
func KnownHallucination(c radar.PackageCandidate, corpus *policy.Corpus) Result {
	if hit, reason := corpus.Match(c.Name); hit {
		return result(1.0, reason)
	}
	return result(0)
}

// Newness scores how recently the package first published.
func Newness(c radar.PackageCandidate, p *policy.Policy, now time.Time) Result {
	ageDays := c.AgeDays(now)
	switch {
	case ageDays == 0:
		return result(1.0, "Published today")
	case ageDays <= p.NewPackageDays:
		return result(1-float64(ageDays)/float64(p.NewPackageDays), fmt.Sprintf("Only %d days old", ageDays))
	default:
		return result(0)
	}
}

// RepoMissing scores missing repository and homepage links.
func RepoMissing(c radar.PackageCandidate) Result {
	switch {
	case c.Repository == "" && c.Homepage == "":
		return result(1.0, "No repository or homepage")
	case c.Repository == "":
		return result(0.5, "No repository URL")
	case c.Homepage == "":
		return result(0.5, "No homepage URL")
	default:
		return result(0)
	}
}

// MaintainerReputation scores maintainer count plus the disposable-email and
// account-age modifiers.
func MaintainerReputation(c radar.PackageCandidate, p *policy.Policy) Result {
	var score float64
	var reasons []string
	switch {
	case c.MaintainersCount <= 1:
		score = 1.0
		reasons = append(reasons, "Single maintainer")
	case c.MaintainersCount == 2:
		score = 0.5
		reasons = append(reasons, "Only 2 maintainers")
	}
	if c.DisposableEmail && c.MaintainersCount <= 1 {
		score = 1.0
		reasons = append(reasons, "Disposable email address detected")
	}
	if c.MaintainersAgeHintDays != nil && *c.MaintainersAgeHintDays < p.MaintainerAgeDays {
		score += 0.3
		reasons = append(reasons, fmt.Sprintf("Very young account (%d days)", *c.MaintainersAgeHintDays))
	}
	return result(score, reasons...)
}

// ScriptRisk scores npm install scripts. PyPI has no install-script concept.
func ScriptRisk(c radar.PackageCandidate) Result {
	if c.Ecosystem == radar.NPM && c.HasInstallScripts {
		return result(1.0, "Has install/preinstall/postinstall scripts")
	}
	return result(0)
}

// DocsAbsence scores missing documentation links. PyPI consults the
// project_urls documentation keys via the raw metadata; npm falls back to
// homepage and repository presence.
func DocsAbsence(c radar.PackageCandidate) Result {
	if project, ok := c.RawMetadata.PyPI(); ok && project.DocsURL() != "" {
		return result(0)
	}
	switch {
	case c.Homepage != "" && c.Repository != "":
		if c.Ecosystem == radar.PyPI {
			return result(0.5, "No documentation URL")
		}
		return result(0)
	case c.Homepage != "" || c.Repository != "":
		return result(0.5, "No documentation URL")
	default:
		return result(1.0, "No documentation, homepage, or repository links")
	}
}

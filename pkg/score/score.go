// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package score combines the heuristic signal bank and the enrichment
// providers into a single weighted score per candidate.
package score

import (
	"context"
	"log"
	"time"

	"github.com/google/phantomscan/pkg/analysis/npmscripts"
	"github.com/google/phantomscan/pkg/analysis/pypiartifacts"
	"github.com/google/phantomscan/pkg/enrich"
	"github.com/google/phantomscan/pkg/policy"
	"github.com/google/phantomscan/pkg/radar"
	"github.com/google/phantomscan/pkg/registry/npm"
	"github.com/google/phantomscan/pkg/signals"
	"github.com/pkg/errors"
)

// ErrTimeout is returned by ScorePackage when the overall deadline elapses.
var ErrTimeout = errors.New("scoring timed out")

// ErrScoringFailed is the opaque error for every non-timeout failure.
var ErrScoringFailed = errors.New("scoring failed")

// Scorer evaluates candidates. The signal bank always fires; each enrichment
// provider fires only when its policy toggle is on and its dependency is
// wired. Nil dependencies disable the corresponding provider.
type Scorer struct {
	Policy *policy.Policy
	Corpus *policy.Corpus

	NPM         npm.Registry
	Artifacts   *pypiartifacts.Analyzer
	RepoFacts   *enrich.RepoFactsProvider
	OSV         *enrich.OSVClient
	Dependents  *enrich.DependentsClient
	VersionFlip *enrich.PyPIVersionFlipAnalyzer

	// Now is overridable for tests; zero means time.Now.
	Now func() time.Time
}

func (s *Scorer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Score evaluates one candidate. It never fails: enrichment errors degrade
// to neutral subscores, and the result is deterministic given the same
// candidate, policy, corpus, and enrichment responses.
func (s *Scorer) Score(ctx context.Context, c radar.PackageCandidate) radar.ScoredCandidate {
	now := s.now()
	var b radar.ScoreBreakdown
	apply := func(sub radar.Subscore, r signals.Result) {
		b.Set(sub, r.Score)
		b.AddReasons(r.Reasons...)
	}
	apply(radar.NameSuspicion, signals.NameSuspicion(c, s.Policy))
	apply(radar.KnownHallucination, signals.KnownHallucination(c, s.Corpus))
	apply(radar.Newness, signals.Newness(c, s.Policy, now))
	apply(radar.RepoMissing, signals.RepoMissing(c))
	apply(radar.MaintainerReputation, signals.MaintainerReputation(c, s.Policy))
	apply(radar.ScriptRisk, signals.ScriptRisk(c))
	apply(radar.DocsAbsence, signals.DocsAbsence(c))

	s.enrich(ctx, c, &b, now)

	return radar.ScoredCandidate{
		Candidate: c,
		Score:     b.WeightedTotal(s.Policy.Weights),
		Breakdown: b,
		ScoredAt:  now.UTC(),
	}
}

// enrich fires the providers in fixed order: content risk, provenance, repo
// facts and asymmetry, downloads and anomaly, dependents adjustment, version
// flip, vulnerabilities. Offline short-circuits every provider to its
// neutral value.
func (s *Scorer) enrich(ctx context.Context, c radar.PackageCandidate, b *radar.ScoreBreakdown, now time.Time) {
	toggles := s.Policy.Enrichment
	offline := s.Policy.Offline

	if toggles.Artifacts && !offline {
		switch c.Ecosystem {
		case radar.NPM:
			if p, ok := c.RawMetadata.NPM(); ok {
				if latest, found := p.Latest(); found {
					risk, reasons := npmscripts.Lint(latest.Scripts)
					b.Set(radar.ContentRisk, risk)
					b.AddReasons(reasons...)
				}
			}
		case radar.PyPI:
			if project, ok := c.RawMetadata.PyPI(); ok && s.Artifacts != nil {
				callCtx, cancel := s.callCtx(ctx)
				risk, reasons := s.Artifacts.Analyze(callCtx, project)
				cancel()
				b.Set(radar.ContentRisk, risk)
				b.AddReasons(reasons...)
			}
		}
	}

	if toggles.Provenance {
		switch c.Ecosystem {
		case radar.NPM:
			if offline {
				b.Set(radar.ProvenanceRisk, 1.0)
			} else {
				p, _ := c.RawMetadata.NPM()
				risk, reasons := enrich.NPMProvenance(p)
				b.Set(radar.ProvenanceRisk, risk)
				b.AddReasons(reasons...)
			}
		case radar.PyPI:
			risk, reasons := enrich.PyPIProvenance()
			b.Set(radar.ProvenanceRisk, risk)
			b.AddReasons(reasons...)
		}
	}

	if toggles.RepoFacts && s.RepoFacts != nil && !offline {
		callCtx, cancel := s.callCtx(ctx)
		facts, reasons := s.RepoFacts.Fetch(callCtx, c.Repository)
		cancel()
		b.AddReasons(reasons...)
		risk, asymReasons := enrich.RepoAsymmetry(c.AgeDays(now), facts)
		b.Set(radar.RepoAsymmetry, risk)
		b.AddReasons(asymReasons...)
	}

	if toggles.Downloads && c.Ecosystem == radar.NPM && s.NPM != nil {
		callCtx, cancel := s.callCtx(ctx)
		count, known := enrich.WeeklyDownloads(callCtx, s.NPM, c.Name, offline)
		cancel()
		risk, reasons := enrich.DownloadAnomaly(count, known, c.AgeDays(now))
		b.Set(radar.DownloadAnomaly, risk)
		b.AddReasons(reasons...)
		if known {
			baseline := enrich.EstimateBaseline(c.AgeDays(now))
			if spiked, reason := enrich.DetectSpike(count, baseline, enrich.DefaultSpikeRatio); spiked {
				b.AddReasons(reason)
			}
		}
	}

	if toggles.Dependents && s.Dependents != nil && !offline {
		callCtx, cancel := s.callCtx(ctx)
		count, known := s.Dependents.Count(callCtx, c.Ecosystem, c.Name)
		cancel()
		mult, reasons := enrich.AdjustByDependents(count, known, s.Policy.DependentsLow, s.Policy.DependentsHigh)
		b.Set(radar.MaintainerReputation, b.MaintainerReputation*mult)
		b.AddReasons(reasons...)
	}

	if toggles.VersionFlip && !offline {
		switch c.Ecosystem {
		case radar.NPM:
			if p, ok := c.RawMetadata.NPM(); ok {
				risk, reasons := enrich.NPMVersionFlip(p, s.Policy.VersionFlipWindowDays)
				b.Set(radar.VersionFlip, risk)
				b.AddReasons(reasons...)
			}
		case radar.PyPI:
			if project, ok := c.RawMetadata.PyPI(); ok && s.VersionFlip != nil {
				callCtx, cancel := s.callCtx(ctx)
				risk, reasons := s.VersionFlip.Analyze(callCtx, project, s.Policy.VersionFlipWindowDays, s.Policy.VersionFlipDepIncrease)
				cancel()
				b.Set(radar.VersionFlip, risk)
				b.AddReasons(reasons...)
			}
		}
	}

	if toggles.OSV && s.OSV != nil && !offline {
		callCtx, cancel := s.callCtx(ctx)
		_, reasons := s.OSV.Query(callCtx, c.Ecosystem, c.Name)
		cancel()
		b.AddReasons(reasons...)
	}
}

func (s *Scorer) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Policy.EnrichTimeout())
}

// ScorePackage is the public synchronous entry point. It bounds the whole
// evaluation by the policy score timeout, reports overruns as ErrTimeout,
// and maps every other failure to the opaque ErrScoringFailed.
func (s *Scorer) ScorePackage(ctx context.Context, c radar.PackageCandidate) (radar.ScoredCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Policy.ScoreTimeout())
	defer cancel()

	done := make(chan radar.ScoredCandidate, 1)
	failed := make(chan struct{}, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("scoring %s: panic: %v", c.Key(), r)
				failed <- struct{}{}
			}
		}()
		done <- s.Score(ctx, c)
	}()

	select {
	case sc := <-done:
		return sc, nil
	case <-failed:
		return radar.ScoredCandidate{}, ErrScoringFailed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return radar.ScoredCandidate{}, ErrTimeout
		}
		return radar.ScoredCandidate{}, ErrScoringFailed
	}
}

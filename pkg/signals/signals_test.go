// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package signals

import (
	"strings"
	"testing"
	"time"

	"github.com/google/phantomscan/pkg/policy"
	"github.com/google/phantomscan/pkg/radar"
	"github.com/google/phantomscan/pkg/registry/pypi"
)

var now = time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)

func candidate(eco radar.Ecosystem, name string, ageDays int) radar.PackageCandidate {
	return radar.PackageCandidate{
		Ecosystem: eco,
		Name:      name,
		Version:   "1.0.0",
		CreatedAt: now.AddDate(0, 0, -ageDays),
	}
}

func hasReasonPrefix(reasons []string, prefix string) bool {
	for _, r := range reasons {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}

func TestNameSuspicion(t *testing.T) {
	p := policy.Default()
	testCases := []struct {
		name           string
		eco            radar.Ecosystem
		pkg            string
		minScore       float64
		maxScore       float64
		expectedReason string
	}{
		{
			name:           "brand prefix",
			eco:            radar.PyPI,
			pkg:            "openai-magic",
			minScore:       0.8,
			maxScore:       1.0,
			expectedReason: "Contains brand prefix 'openai-'",
		},
		{
			name:           "trope suffix",
			eco:            radar.NPM,
			pkg:            "widget-sdk",
			minScore:       0.6,
			maxScore:       0.79,
			expectedReason: "Contains trope suffix '-sdk'",
		},
		{
			name:           "fuzzy match against canonical pypi name",
			eco:            radar.PyPI,
			pkg:            "reqeusts",
			minScore:       0.1,
			maxScore:       0.9,
			expectedReason: "Very similar to 'requests'",
		},
		{
			name:           "fuzzy match against canonical npm name",
			eco:            radar.NPM,
			pkg:            "expresss",
			minScore:       0.1,
			maxScore:       0.9,
			expectedReason: "Very similar to 'express'",
		},
		{
			name:     "superstring of a canonical name is not a fuzzy hit",
			eco:      radar.PyPI,
			pkg:      "requests-extra-pack",
			minScore: 0,
			maxScore: 0,
		},
		{
			name:     "exact canonical name is not a squat",
			eco:      radar.PyPI,
			pkg:      "requests",
			minScore: 0,
			maxScore: 0,
		},
		{
			name:     "unremarkable name",
			eco:      radar.PyPI,
			pkg:      "steadyutilities",
			minScore: 0,
			maxScore: 0,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := NameSuspicion(candidate(tc.eco, tc.pkg, 1), p)
			if got.Score < tc.minScore || got.Score > tc.maxScore {
				t.Errorf("score %v outside [%v, %v]", got.Score, tc.minScore, tc.maxScore)
			}
			if tc.expectedReason != "" && !hasReasonPrefix(got.Reasons, tc.expectedReason) {
				t.Errorf("missing reason %q in %v", tc.expectedReason, got.Reasons)
			}
			if tc.expectedReason == "" && len(got.Reasons) != 0 {
				t.Errorf("unexpected reasons: %v", got.Reasons)
			}
		})
	}
}

func TestKnownHallucination(t *testing.T) {
	corpus := policy.DefaultCorpus()
	hit := KnownHallucination(candidate(radar.PyPI, "openai-python", 1), corpus)
	if hit.Score != 1.0 {
		t.Errorf("score: got %v, want 1.0", hit.Score)
	}
	if !hasReasonPrefix(hit.Reasons, "Known hallucinated package name") {
		t.Errorf("missing reason, got %v", hit.Reasons)
	}
	miss := KnownHallucination(candidate(radar.PyPI, "requests", 1), corpus)
	if miss.Score != 0 || len(miss.Reasons) != 0 {
		t.Errorf("miss: got (%v, %v), want (0, none)", miss.Score, miss.Reasons)
	}
}

func TestNewness(t *testing.T) {
	p := policy.Default()
	testCases := []struct {
		name           string
		ageDays        int
		expected       float64
		expectedReason string
	}{
		{"published today", 0, 1.0, "Published today"},
		{"ten days old", 10, 1 - 10.0/30.0, "Only 10 days old"},
		{"at window edge", 30, 0, "Only 30 days old"},
		{"old package", 40, 0, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Newness(candidate(radar.PyPI, "pkg", tc.ageDays), p, now)
			if diff := got.Score - tc.expected; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("score: got %v, want %v", got.Score, tc.expected)
			}
			if tc.expectedReason != "" && !hasReasonPrefix(got.Reasons, tc.expectedReason) {
				t.Errorf("missing reason %q in %v", tc.expectedReason, got.Reasons)
			}
		})
	}
	// Newness never increases with age.
	prev := 2.0
	for _, age := range []int{0, 1, 5, 15, 29, 30, 60} {
		score := Newness(candidate(radar.PyPI, "pkg", age), p, now).Score
		if score > prev {
			t.Errorf("newness increased at age %d: %v > %v", age, score, prev)
		}
		prev = score
	}
}

func TestRepoMissing(t *testing.T) {
	testCases := []struct {
		name     string
		homepage string
		repo     string
		expected float64
	}{
		{"both missing", "", "", 1.0},
		{"repo missing", "https://example.com", "", 0.5},
		{"homepage missing", "", "https://github.com/a/b", 0.5},
		{"both present", "https://example.com", "https://github.com/a/b", 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := candidate(radar.NPM, "pkg", 1)
			c.Homepage, c.Repository = tc.homepage, tc.repo
			if got := RepoMissing(c).Score; got != tc.expected {
				t.Errorf("score: got %v, want %v", got, tc.expected)
			}
		})
	}
}

func TestMaintainerReputation(t *testing.T) {
	p := policy.Default()
	young := 3
	testCases := []struct {
		name        string
		maintainers int
		disposable  bool
		ageHint     *int
		expected    float64
	}{
		{"single maintainer", 1, false, nil, 1.0},
		{"two maintainers", 2, false, nil, 0.5},
		{"three maintainers", 3, false, nil, 0},
		{"single with disposable email", 1, true, nil, 1.0},
		{"two with young account", 2, false, &young, 0.8},
		{"single with young account clamps", 1, false, &young, 1.0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := candidate(radar.NPM, "pkg", 1)
			c.MaintainersCount = tc.maintainers
			c.DisposableEmail = tc.disposable
			c.MaintainersAgeHintDays = tc.ageHint
			got := MaintainerReputation(c, p)
			if diff := got.Score - tc.expected; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("score: got %v, want %v", got.Score, tc.expected)
			}
		})
	}
}

func TestScriptRisk(t *testing.T) {
	c := candidate(radar.NPM, "pkg", 1)
	c.HasInstallScripts = true
	if got := ScriptRisk(c); got.Score != 1.0 {
		t.Errorf("npm with scripts: got %v, want 1.0", got.Score)
	}
	c.HasInstallScripts = false
	if got := ScriptRisk(c); got.Score != 0 {
		t.Errorf("npm without scripts: got %v, want 0", got.Score)
	}
	py := candidate(radar.PyPI, "pkg", 1)
	py.HasInstallScripts = true
	if got := ScriptRisk(py); got.Score != 0 {
		t.Errorf("pypi: got %v, want 0", got.Score)
	}
}

func TestDocsAbsence(t *testing.T) {
	t.Run("pypi with docs url", func(t *testing.T) {
		c := candidate(radar.PyPI, "pkg", 1)
		c.RawMetadata = radar.NewPyPIMetadata(&pypi.Project{
			Info: pypi.Info{ProjectURLs: map[string]string{"Documentation": "https://pkg.readthedocs.io"}},
		})
		if got := DocsAbsence(c); got.Score != 0 {
			t.Errorf("score: got %v, want 0", got.Score)
		}
	})
	t.Run("pypi with links but no docs", func(t *testing.T) {
		c := candidate(radar.PyPI, "pkg", 1)
		c.Homepage = "https://example.com"
		c.Repository = "https://github.com/a/b"
		got := DocsAbsence(c)
		if got.Score != 0.5 {
			t.Errorf("score: got %v, want 0.5", got.Score)
		}
	})
	t.Run("npm with both links", func(t *testing.T) {
		c := candidate(radar.NPM, "pkg", 1)
		c.Homepage = "https://example.com"
		c.Repository = "https://github.com/a/b"
		if got := DocsAbsence(c); got.Score != 0 {
			t.Errorf("score: got %v, want 0", got.Score)
		}
	})
	t.Run("one link only", func(t *testing.T) {
		c := candidate(radar.NPM, "pkg", 1)
		c.Homepage = "https://example.com"
		if got := DocsAbsence(c); got.Score != 0.5 {
			t.Errorf("score: got %v, want 0.5", got.Score)
		}
	})
	t.Run("no links at all", func(t *testing.T) {
		c := candidate(radar.NPM, "pkg", 1)
		if got := DocsAbsence(c); got.Score != 1.0 {
			t.Errorf("score: got %v, want 1.0", got.Score)
		}
	})
}

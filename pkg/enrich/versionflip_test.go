// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package enrich

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/phantomscan/pkg/registry/npm"
	"github.com/google/phantomscan/pkg/registry/pypi"
	"github.com/pkg/errors"
)

func TestNPMProvenance(t *testing.T) {
	packument := func(v npm.Version) *npm.Packument {
		return &npm.Packument{
			Name:     "pkg",
			DistTags: npm.DistTags{Latest: "1.0.0"},
			Versions: map[string]npm.Version{"1.0.0": v},
		}
	}
	testCases := []struct {
		name            string
		packument       *npm.Packument
		expected        float64
		expectedReasons []string
	}{
		{
			name:      "nil packument is max risk",
			packument: nil,
			expected:  1.0,
		},
		{
			name:      "attestations clear the risk",
			packument: packument(npm.Version{Dist: npm.Dist{Attestations: json.RawMessage(`{"url":"x"}`)}}),
			expected:  0,
		},
		{
			name:      "registry signature is weak evidence",
			packument: packument(npm.Version{Dist: npm.Dist{Signatures: []npm.Signature{{KeyID: "SHA256:abc"}}}}),
			expected:  0.2,
		},
		{
			name:      "provenance statement clears the risk",
			packument: packument(npm.Version{NPMProvenance: json.RawMessage(`{"predicateType":"x"}`)}),
			expected:  0,
		},
		{
			name:            "nothing at all",
			packument:       packument(npm.Version{}),
			expected:        1.0,
			expectedReasons: []string{"No provenance attestation"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			score, reasons := NPMProvenance(tc.packument)
			if score != tc.expected {
				t.Errorf("score: got %v, want %v", score, tc.expected)
			}
			if diff := cmp.Diff(reasons, tc.expectedReasons); diff != "" {
				t.Errorf("reasons mismatch: diff\n%v", diff)
			}
		})
	}
}

func TestPyPIProvenance(t *testing.T) {
	score, reasons := PyPIProvenance()
	if score != 1.0 || reasons != nil {
		t.Errorf("got (%v, %v), want (1.0, nil)", score, reasons)
	}
}

func TestNPMVersionFlip(t *testing.T) {
	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	flip := &npm.Packument{
		Name:     "pkg",
		DistTags: npm.DistTags{Latest: "1.1.0"},
		Versions: map[string]npm.Version{
			"1.0.0": {Version: "1.0.0"},
			"1.1.0": {Version: "1.1.0", Scripts: map[string]any{"postinstall": "node x.js"}},
		},
		Time: map[string]time.Time{
			"created": base,
			"1.0.0":   base,
			"1.1.0":   base.AddDate(0, 0, 10),
		},
	}
	score, reasons := NPMVersionFlip(flip, 30)
	if score != 0.7 {
		t.Errorf("score: got %v, want 0.7", score)
	}
	expected := []string{"Version flip: v1.0.0 had no install scripts, v1.1.0 added them"}
	if diff := cmp.Diff(reasons, expected); diff != "" {
		t.Errorf("reasons mismatch: diff\n%v", diff)
	}
}

func TestNPMVersionFlipNeutralCases(t *testing.T) {
	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	testCases := []struct {
		name      string
		packument *npm.Packument
	}{
		{"nil packument", nil},
		{
			name: "single version",
			packument: &npm.Packument{
				DistTags: npm.DistTags{Latest: "1.0.0"},
				Versions: map[string]npm.Version{"1.0.0": {Scripts: map[string]any{"postinstall": "x"}}},
				Time:     map[string]time.Time{"1.0.0": base},
			},
		},
		{
			name: "prior version outside window",
			packument: &npm.Packument{
				DistTags: npm.DistTags{Latest: "1.1.0"},
				Versions: map[string]npm.Version{
					"1.0.0": {},
					"1.1.0": {Scripts: map[string]any{"postinstall": "x"}},
				},
				Time: map[string]time.Time{
					"1.0.0": base.AddDate(0, 0, -90),
					"1.1.0": base,
				},
			},
		},
		{
			name: "both versions have scripts",
			packument: &npm.Packument{
				DistTags: npm.DistTags{Latest: "1.1.0"},
				Versions: map[string]npm.Version{
					"1.0.0": {Scripts: map[string]any{"install": "x"}},
					"1.1.0": {Scripts: map[string]any{"install": "x"}},
				},
				Time: map[string]time.Time{
					"1.0.0": base,
					"1.1.0": base.AddDate(0, 0, 5),
				},
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if score, reasons := NPMVersionFlip(tc.packument, 30); score != 0 || len(reasons) != 0 {
				t.Errorf("got (%v, %v), want neutral", score, reasons)
			}
		})
	}
}

type fakePyPIRegistry struct {
	releases map[string]*pypi.Release
}

func (f *fakePyPIRegistry) Project(ctx context.Context, pkg string) (*pypi.Project, error) {
	return nil, pypi.ErrNotFound
}

func (f *fakePyPIRegistry) Release(ctx context.Context, pkg, version string) (*pypi.Release, error) {
	r, ok := f.releases[version]
	if !ok {
		return nil, errors.Wrapf(pypi.ErrNotFound, "release %s %s", pkg, version)
	}
	return r, nil
}

func (f *fakePyPIRegistry) Artifact(ctx context.Context, artifactURL string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePyPIRegistry) RecentNames(ctx context.Context, limit int) ([]string, error) {
	return nil, errors.New("not implemented")
}

func pypiProject(cur, prev string, curAt, prevAt time.Time) *pypi.Project {
	return &pypi.Project{
		Info: pypi.Info{Name: "pkg", Version: cur},
		Releases: map[string][]pypi.Artifact{
			cur:  {{UploadTime: curAt}},
			prev: {{UploadTime: prevAt}},
		},
	}
}

func TestPyPIVersionFlip(t *testing.T) {
	now := time.Date(2025, 8, 20, 0, 0, 0, 0, time.UTC)
	t.Run("console scripts added", func(t *testing.T) {
		project := pypiProject("1.1.0", "1.0.0", now, now.AddDate(0, 0, -5))
		project.Info.EntryPoints = json.RawMessage(`"[console_scripts]\npkg = pkg.cli:main"`)
		analyzer := &PyPIVersionFlipAnalyzer{Registry: &fakePyPIRegistry{
			releases: map[string]*pypi.Release{
				"1.0.0": {Info: pypi.Info{Name: "pkg", Version: "1.0.0"}},
			},
		}}
		score, reasons := analyzer.Analyze(context.Background(), project, 30, 8)
		if score != 0.5 {
			t.Errorf("score: got %v, want 0.5", score)
		}
		if diff := cmp.Diff(reasons, []string{"New console_scripts added in v1.1.0"}); diff != "" {
			t.Errorf("reasons mismatch: diff\n%v", diff)
		}
	})
	t.Run("dependency explosion", func(t *testing.T) {
		project := pypiProject("1.1.0", "1.0.0", now, now.AddDate(0, 0, -5))
		for range 10 {
			project.Info.RequiresDist = append(project.Info.RequiresDist, "dep")
		}
		analyzer := &PyPIVersionFlipAnalyzer{Registry: &fakePyPIRegistry{
			releases: map[string]*pypi.Release{
				"1.0.0": {Info: pypi.Info{Name: "pkg", Version: "1.0.0", RequiresDist: []string{"requests"}}},
			},
		}}
		score, reasons := analyzer.Analyze(context.Background(), project, 30, 8)
		if score != 0.6 {
			t.Errorf("score: got %v, want 0.6", score)
		}
		if diff := cmp.Diff(reasons, []string{"Version flip: dependency increase of +9 in 1.1.0 vs 1.0.0"}); diff != "" {
			t.Errorf("reasons mismatch: diff\n%v", diff)
		}
	})
	t.Run("project urls removed", func(t *testing.T) {
		project := pypiProject("1.1.0", "1.0.0", now, now.AddDate(0, 0, -5))
		analyzer := &PyPIVersionFlipAnalyzer{Registry: &fakePyPIRegistry{
			releases: map[string]*pypi.Release{
				"1.0.0": {Info: pypi.Info{
					Name:    "pkg",
					Version: "1.0.0",
					ProjectURLs: map[string]string{
						"Homepage": "https://pkg.dev",
						"Source":   "https://github.com/a/pkg",
					},
				}},
			},
		}}
		score, reasons := analyzer.Analyze(context.Background(), project, 30, 8)
		if score != 0.3 {
			t.Errorf("score: got %v, want 0.3", score)
		}
		if diff := cmp.Diff(reasons, []string{"Project URLs removed in v1.1.0 (previously 2 entries)"}); diff != "" {
			t.Errorf("reasons mismatch: diff\n%v", diff)
		}
	})
	t.Run("risk caps at 0.7", func(t *testing.T) {
		project := pypiProject("1.1.0", "1.0.0", now, now.AddDate(0, 0, -5))
		project.Info.EntryPoints = json.RawMessage(`"[console_scripts]\npkg = pkg.cli:main"`)
		for range 10 {
			project.Info.RequiresDist = append(project.Info.RequiresDist, "dep")
		}
		analyzer := &PyPIVersionFlipAnalyzer{Registry: &fakePyPIRegistry{
			releases: map[string]*pypi.Release{
				"1.0.0": {Info: pypi.Info{
					Name:        "pkg",
					Version:     "1.0.0",
					ProjectURLs: map[string]string{"Homepage": "https://pkg.dev"},
				}},
			},
		}}
		score, _ := analyzer.Analyze(context.Background(), project, 30, 8)
		if score > 0.7 {
			t.Errorf("score: got %v, want at most 0.7", score)
		}
	})
	t.Run("fetch failure is neutral", func(t *testing.T) {
		project := pypiProject("1.1.0", "1.0.0", now, now.AddDate(0, 0, -5))
		analyzer := &PyPIVersionFlipAnalyzer{Registry: &fakePyPIRegistry{}}
		if score, reasons := analyzer.Analyze(context.Background(), project, 30, 8); score != 0 || len(reasons) != 0 {
			t.Errorf("got (%v, %v), want neutral", score, reasons)
		}
	})
	t.Run("offline is neutral", func(t *testing.T) {
		project := pypiProject("1.1.0", "1.0.0", now, now.AddDate(0, 0, -5))
		analyzer := &PyPIVersionFlipAnalyzer{Offline: true, Registry: &fakePyPIRegistry{}}
		if score, _ := analyzer.Analyze(context.Background(), project, 30, 8); score != 0 {
			t.Errorf("score: got %v, want 0", score)
		}
	})
	t.Run("no prior release in window", func(t *testing.T) {
		project := pypiProject("1.1.0", "1.0.0", now, now.AddDate(0, 0, -60))
		analyzer := &PyPIVersionFlipAnalyzer{Registry: &fakePyPIRegistry{
			releases: map[string]*pypi.Release{"1.0.0": {}},
		}}
		if score, _ := analyzer.Analyze(context.Background(), project, 30, 8); score != 0 {
			t.Errorf("score: got %v, want 0", score)
		}
	})
}

func TestPreviousReleaseTieBreak(t *testing.T) {
	now := time.Date(2025, 8, 20, 0, 0, 0, 0, time.UTC)
	at := now.AddDate(0, 0, -3)
	project := &pypi.Project{
		Info: pypi.Info{Name: "pkg", Version: "2.0.0"},
		Releases: map[string][]pypi.Artifact{
			"2.0.0":  {{UploadTime: now}},
			"1.9.0":  {{UploadTime: at}},
			"1.10.0": {{UploadTime: at}},
		},
	}
	prev, ok := previousRelease(project, "2.0.0", 30)
	if !ok || prev != "1.10.0" {
		t.Errorf("previousRelease: got (%q, %t), want (1.10.0, true)", prev, ok)
	}
}

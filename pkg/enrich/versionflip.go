// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package enrich

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/phantomscan/pkg/radar"
	"github.com/google/phantomscan/pkg/registry/npm"
	"github.com/google/phantomscan/pkg/registry/pypi"
)

// NPMVersionFlip detects install scripts appearing in the latest version when
// the most recent prior version inside the window had none. The check is
// packument-local and needs no extra fetch.
func NPMVersionFlip(p *npm.Packument, windowDays int) (float64, []string) {
	if p == nil || windowDays <= 0 {
		return 0, nil
	}
	latest := p.LatestVersion()
	if latest == "" {
		return 0, nil
	}
	latestAt, ok := p.VersionTime(latest)
	if !ok {
		return 0, nil
	}
	window := time.Duration(windowDays) * 24 * time.Hour
	var prev string
	for _, v := range p.VersionsByTime() {
		if v == latest {
			continue
		}
		at, ok := p.VersionTime(v)
		if !ok || at.After(latestAt) {
			continue
		}
		if latestAt.Sub(at) > window {
			continue
		}
		prev = v
	}
	if prev == "" {
		return 0, nil
	}
	if p.HasInstallScripts(latest) && !p.HasInstallScripts(prev) {
		return 0.7, []string{fmt.Sprintf("Version flip: v%s had no install scripts, v%s added them", prev, latest)}
	}
	return 0, nil
}

// PyPIVersionFlipAnalyzer compares the current release against the most
// recent prior release, looking for behavior changes a benign minor release
// would not make.
type PyPIVersionFlipAnalyzer struct {
	Registry pypi.Registry
	Offline  bool
}

// Analyze is best-effort: any fetch failure yields a neutral result.
func (a *PyPIVersionFlipAnalyzer) Analyze(ctx context.Context, project *pypi.Project, windowDays, depIncrease int) (float64, []string) {
	if a.Offline || a.Registry == nil || project == nil || windowDays <= 0 {
		return 0, nil
	}
	cur := project.Info.Version
	if cur == "" {
		return 0, nil
	}
	prev, ok := previousRelease(project, cur, windowDays)
	if !ok {
		return 0, nil
	}
	prevRelease, err := a.Registry.Release(ctx, project.Info.Name, prev)
	if err != nil {
		return 0, nil
	}

	var risk float64
	var reasons []string
	if project.Info.HasConsoleScripts() && !prevRelease.Info.HasConsoleScripts() {
		risk = 0.5
		reasons = append(reasons, fmt.Sprintf("New console_scripts added in v%s", cur))
	}
	if delta := len(project.Info.RequiresDist) - len(prevRelease.Info.RequiresDist); depIncrease > 0 && delta >= depIncrease {
		if risk < 0.6 {
			risk = 0.6
		}
		reasons = append(reasons, fmt.Sprintf("Version flip: dependency increase of +%d in %s vs %s", delta, cur, prev))
	}
	removed, added := diffURLKeys(prevRelease.Info.ProjectURLs, project.Info.ProjectURLs)
	if removed > 0 {
		if risk < 0.3 {
			risk = 0.3
		}
		reasons = append(reasons, fmt.Sprintf("Project URLs removed in v%s (previously %d entries)", cur, len(prevRelease.Info.ProjectURLs)))
	}
	if added > 0 {
		reasons = append(reasons, "New documentation/project URLs added in latest version")
	}
	if risk > 0.7 {
		risk = 0.7
	}
	return radar.Clamp01(risk), reasons
}

// previousRelease picks the most recent release published within the window
// before the current release. Uploads with equal timestamps break the tie on
// semver ordering.
func previousRelease(project *pypi.Project, current string, windowDays int) (string, bool) {
	currentAt, ok := releaseUploadTime(project, current)
	if !ok {
		return "", false
	}
	window := time.Duration(windowDays) * 24 * time.Hour
	type rel struct {
		version string
		at      time.Time
	}
	var candidates []rel
	for v := range project.Releases {
		if v == current {
			continue
		}
		at, ok := releaseUploadTime(project, v)
		if !ok || at.After(currentAt) {
			continue
		}
		if currentAt.Sub(at) > window {
			continue
		}
		candidates = append(candidates, rel{v, at})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].at.Before(candidates[j].at)
		}
		return semverLess(candidates[i].version, candidates[j].version)
	})
	return candidates[len(candidates)-1].version, true
}

// releaseUploadTime is the earliest artifact upload time of a release.
func releaseUploadTime(project *pypi.Project, version string) (time.Time, bool) {
	var earliest time.Time
	for _, a := range project.Releases[version] {
		if a.UploadTime.IsZero() {
			continue
		}
		if earliest.IsZero() || a.UploadTime.Before(earliest) {
			earliest = a.UploadTime
		}
	}
	return earliest, !earliest.IsZero()
}

func semverLess(a, b string) bool {
	va, erra := semver.NewVersion(a)
	vb, errb := semver.NewVersion(b)
	if erra != nil || errb != nil {
		return a < b
	}
	return va.LessThan(vb)
}

// diffURLKeys counts project_urls keys removed from and added to cur
// relative to prev.
func diffURLKeys(prev, cur map[string]string) (removed, added int) {
	for k := range prev {
		if _, ok := cur[k]; !ok {
			removed++
		}
	}
	for k := range cur {
		if _, ok := prev[k]; !ok {
			added++
		}
	}
	return removed, added
}

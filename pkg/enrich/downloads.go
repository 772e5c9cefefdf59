// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package enrich

import (
	"context"
	"fmt"

	"github.com/google/phantomscan/pkg/radar"
	"github.com/google/phantomscan/pkg/registry/npm"
	"github.com/pkg/errors"
)

// WeeklyDownloads resolves last week's npm download count. A 404 means zero
// downloads; any other failure leaves the count unknown.
func WeeklyDownloads(ctx context.Context, registry npm.Registry, name string, offline bool) (count int, known bool) {
	if offline || registry == nil {
		return 0, false
	}
	n, err := registry.WeeklyDownloads(ctx, name)
	if errors.Is(err, npm.ErrNotFound) {
		return 0, true
	}
	if err != nil {
		return 0, false
	}
	return n, true
}

// DownloadAnomaly scores implausible download volume for a package's age.
// A brand-new package pulling thousands of weekly downloads suggests bot
// inflation or dependency-confusion traffic.
func DownloadAnomaly(downloads int, known bool, ageDays int) (float64, []string) {
	if !known || downloads == 0 {
		return 0, nil
	}
	var score float64
	switch {
	case ageDays < 7 && downloads >= 1000:
		score = radar.Clamp01(float64(downloads) / 10000)
	case ageDays >= 7 && ageDays < 30 && downloads > 10000:
		score = radar.Clamp01(float64(downloads-10000) / 5000)
	default:
		return 0, nil
	}
	return score, []string{fmt.Sprintf("%d weekly downloads at %d days old", downloads, ageDays)}
}

// DefaultSpikeRatio is the multiple of baseline downloads that counts as a
// spike.
const DefaultSpikeRatio = 5.0

// EstimateBaseline brackets the expected weekly downloads for a package age.
func EstimateBaseline(ageDays int) int {
	switch {
	case ageDays < 7:
		return 100
	case ageDays < 30:
		return 500
	case ageDays < 90:
		return 2000
	case ageDays < 365:
		return 5000
	default:
		return 10000
	}
}

// DetectSpike reports whether current downloads exceed the baseline by the
// given ratio.
func DetectSpike(current, baseline int, ratio float64) (bool, string) {
	if current <= 0 {
		return false, ""
	}
	if baseline <= 0 {
		baseline = 1
	}
	r := float64(current) / float64(baseline)
	if r >= ratio {
		return true, fmt.Sprintf("Download spike: %.1fx baseline", r)
	}
	return false, ""
}

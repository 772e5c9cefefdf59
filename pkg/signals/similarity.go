// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package signals

import (
	"math"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

var (
	jaroWinkler = metrics.NewJaroWinkler()
	smithWG     = metrics.NewSmithWatermanGotoh()
)

// Similarity returns a normalised name-similarity ratio in [0, 100]. It is
// the max of Jaro-Winkler and Smith-Waterman-Gotoh similarity, which favours
// matching prefixes and embedded matches over plain edit distance.
func Similarity(a, b string) int {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return 100
	}
	if a == "" || b == "" {
		return 0
	}
	sim := strutil.Similarity(a, b, jaroWinkler)
	if swg := strutil.Similarity(a, b, smithWG); swg > sim {
		sim = swg
	}
	return int(math.Round(sim * 100))
}

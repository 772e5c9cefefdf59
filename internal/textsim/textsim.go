// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package textsim implements character n-gram Jaccard similarity, used to
// detect README text lifted from an established package.
package textsim

import "strings"

// DefaultN is the shingle width used for README comparison.
const DefaultN = 5

// Jaccard returns the n-gram set overlap of a and b in [0, 1]. Whitespace
// runs collapse to single spaces and comparison is case-insensitive. Either
// text shorter than n yields 0.
func Jaccard(a, b string, n int) float64 {
	if n <= 0 {
		n = DefaultN
	}
	sa := shingles(normalize(a), n)
	sb := shingles(normalize(b), n)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	var intersection int
	for g := range sa {
		if sb[g] {
			intersection++
		}
	}
	union := len(sa) + len(sb) - intersection
	return float64(intersection) / float64(union)
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func shingles(s string, n int) map[string]bool {
	if len(s) < n {
		return nil
	}
	grams := make(map[string]bool, len(s)-n+1)
	for i := 0; i+n <= len(s); i++ {
		grams[s[i:i+n]] = true
	}
	return grams
}

// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package textsim

import "testing"

func TestJaccard(t *testing.T) {
	testCases := []struct {
		name     string
		a, b     string
		n        int
		expected float64
	}{
		{"identical", "the quick brown fox", "the quick brown fox", 5, 1.0},
		{"case insensitive", "The Quick Brown Fox", "the quick brown fox", 5, 1.0},
		{"whitespace collapses", "the  quick\n\tbrown fox", "the quick brown fox", 5, 1.0},
		{"disjoint", "aaaaaaaaaa", "bbbbbbbbbb", 5, 0},
		{"both empty", "", "", 5, 0},
		{"one side empty", "the quick brown fox", "", 5, 0},
		{"shorter than n", "abc", "abc", 5, 0},
		{"zero n falls back to default", "abcdef", "abcdef", 0, 1.0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Jaccard(tc.a, tc.b, tc.n); got != tc.expected {
				t.Errorf("Jaccard: got %v, want %v", got, tc.expected)
			}
		})
	}
}

func TestJaccardPartialOverlap(t *testing.T) {
	a := "fast json parser for python with zero dependencies"
	b := "fast json parser for python with native extensions"
	sim := Jaccard(a, b, DefaultN)
	if sim <= 0.4 || sim >= 1.0 {
		t.Errorf("shared prefix should land in the middle: got %v", sim)
	}
	unrelated := Jaccard(a, "minimal terminal spinner widget library", DefaultN)
	if unrelated >= sim {
		t.Errorf("unrelated text (%v) must score below related text (%v)", unrelated, sim)
	}
}

func TestJaccardSymmetry(t *testing.T) {
	a, b := "package for reading yaml configs", "yaml config reader package"
	if Jaccard(a, b, DefaultN) != Jaccard(b, a, DefaultN) {
		t.Error("similarity must be symmetric")
	}
}

func TestJaccardExactNgramMath(t *testing.T) {
	// "abcdef" has bigrams {ab,bc,cd,de,ef}; "abcxef" has {ab,bc,cx,xe,ef}.
	// Intersection 3, union 7.
	got := Jaccard("abcdef", "abcxef", 2)
	want := 3.0 / 7.0
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
}

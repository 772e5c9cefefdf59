// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package signals

import "testing"

func TestSimilarity(t *testing.T) {
	testCases := []struct {
		name string
		a    string
		b    string
		min  int
		max  int
	}{
		{"identical", "requests", "requests", 100, 100},
		{"case-insensitive", "Requests", "requests", 100, 100},
		{"empty left", "", "requests", 0, 0},
		{"empty right", "requests", "", 0, 0},
		{"doubled trailing letter", "expresss", "express", 100, 100},
		{"transposition", "reqeusts", "requests", 92, 99},
		{"doubled letter", "numpyy", "numpy", 100, 100},
		{"unrelated", "requests", "lodash", 0, 60},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Similarity(tc.a, tc.b)
			if got < tc.min || got > tc.max {
				t.Errorf("Similarity(%q, %q) = %d, want within [%d, %d]", tc.a, tc.b, got, tc.min, tc.max)
			}
			if sym := Similarity(tc.b, tc.a); sym != got {
				t.Errorf("Similarity not symmetric: %d vs %d", got, sym)
			}
		})
	}
}

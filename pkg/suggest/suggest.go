// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package suggest proposes canonical packages a suspicious name may be
// squatting on.
package suggest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/phantomscan/pkg/policy"
	"github.com/google/phantomscan/pkg/radar"
	"github.com/google/phantomscan/pkg/signals"
)

// maxSuggestions bounds the returned list.
const maxSuggestions = 5

// Suggestion pairs a canonical name with its similarity to the query.
type Suggestion struct {
	Name       string `json:"name"`
	Similarity int    `json:"similarity"`
}

// SuggestAlternatives ranks the ecosystem's canonical names by similarity to
// name. The exact name itself is excluded, matches below the policy floor
// are dropped, and at most five suggestions return, most similar first.
func SuggestAlternatives(eco radar.Ecosystem, name string, p *policy.Policy) []Suggestion {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil
	}
	floor := p.SuggestFloor()
	var out []Suggestion
	for _, canonical := range p.CanonicalNames[eco] {
		canonical = strings.ToLower(canonical)
		if canonical == name {
			continue
		}
		if sim := signals.Similarity(name, canonical); sim >= floor {
			out = append(out, Suggestion{Name: canonical, Similarity: sim})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}

// DescribeSimilarity buckets a similarity percentage for human output.
func DescribeSimilarity(sim int) string {
	switch {
	case sim >= 95:
		return "very similar"
	case sim >= 90:
		return "similar"
	case sim >= 85:
		return "somewhat similar"
	default:
		return "moderately similar"
	}
}

// FormatSuggestions renders the "Did you mean" block, or an empty string
// when there is nothing to suggest.
func FormatSuggestions(suggestions []Suggestion) string {
	if len(suggestions) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Did you mean:\n")
	for _, s := range suggestions {
		fmt.Fprintf(&sb, "  • %s (%d%% similar)\n", s.Name, s.Similarity)
	}
	return sb.String()
}

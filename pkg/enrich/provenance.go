// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package enrich

import (
	"github.com/google/phantomscan/pkg/registry/npm"
)

// NPMProvenance scores the absence of provenance on the latest version.
// Attestations mean the package was built and signed through a trusted
// publisher; signatures alone are weaker evidence.
func NPMProvenance(p *npm.Packument) (float64, []string) {
	if p == nil {
		return 1.0, nil
	}
	latest, ok := p.Latest()
	if !ok {
		return 1.0, nil
	}
	if len(latest.Dist.Attestations) > 0 {
		return 0, nil
	}
	for _, sig := range latest.Dist.Signatures {
		if sig.KeyID != "" {
			return 0.2, nil
		}
	}
	if len(latest.NPMProvenance) > 0 {
		return 0, nil
	}
	return 1.0, []string{"No provenance attestation"}
}

// PyPIProvenance is intentionally neutral: PEP 740 attestations are not yet
// adopted widely enough to penalise their absence. The hook stays so the
// subscore keeps its slot.
func PyPIProvenance() (float64, []string) {
	return 1.0, nil
}

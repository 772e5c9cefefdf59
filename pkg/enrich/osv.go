// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/phantomscan/internal/httpx"
	"github.com/google/phantomscan/pkg/radar"
)

// DefaultOSVURL is the public OSV query endpoint.
const DefaultOSVURL = "https://api.osv.dev/v1/query"

// VulnFacts report whether any known vulnerabilities are filed against the
// package.
type VulnFacts struct {
	Flagged bool
	IDs     []string
}

// OSVClient queries the OSV vulnerability database.
type OSVClient struct {
	Client  httpx.BasicClient
	URL     string
	Offline bool
}

type osvQuery struct {
	Package osvPackage `json:"package"`
}

type osvPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type osvResponse struct {
	Vulns []struct {
		ID string `json:"id"`
	} `json:"vulns"`
}

// osvEcosystem maps the internal ecosystem to OSV's naming.
func osvEcosystem(eco radar.Ecosystem) string {
	if eco == radar.PyPI {
		return "PyPI"
	}
	return "npm"
}

// Query is best-effort: any failure yields unflagged facts with no reasons.
func (c *OSVClient) Query(ctx context.Context, eco radar.Ecosystem, name string) (VulnFacts, []string) {
	if c.Offline {
		return VulnFacts{}, []string{"Offline: vulnerability lookup skipped"}
	}
	u := c.URL
	if u == "" {
		u = DefaultOSVURL
	}
	body, err := json.Marshal(osvQuery{Package: osvPackage{Name: name, Ecosystem: osvEcosystem(eco)}})
	if err != nil {
		return VulnFacts{}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return VulnFacts{}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return VulnFacts{}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return VulnFacts{}, nil
	}
	var parsed osvResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return VulnFacts{}, nil
	}
	if len(parsed.Vulns) == 0 {
		return VulnFacts{}, nil
	}
	facts := VulnFacts{Flagged: true}
	for _, v := range parsed.Vulns {
		facts.IDs = append(facts.IDs, v.ID)
	}
	shown := facts.IDs
	if len(shown) > 3 {
		shown = shown[:3]
	}
	reason := fmt.Sprintf("%d known vulnerabilities filed (%s)", len(facts.IDs), strings.Join(shown, ", "))
	return facts, []string{reason}
}

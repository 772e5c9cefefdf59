// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/google/phantomscan/internal/httpx"
	"github.com/google/phantomscan/pkg/radar"
)

// LibrariesIOKeyEnv supplies the libraries.io API key. Without it the
// dependents hint is skipped entirely.
const LibrariesIOKeyEnv = "LIBRARIES_IO_KEY"

// DefaultLibrariesIOURL is the public libraries.io API base.
const DefaultLibrariesIOURL = "https://libraries.io/api"

// DependentsClient resolves how many packages depend on a candidate.
type DependentsClient struct {
	Client  httpx.BasicClient
	BaseURL string
	// APIKey overrides the environment key, for tests.
	APIKey  string
	Offline bool
}

func (c *DependentsClient) apiKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	return os.Getenv(LibrariesIOKeyEnv)
}

// platform maps the internal ecosystem to libraries.io platform naming.
func platform(eco radar.Ecosystem) string {
	if eco == radar.PyPI {
		return "Pypi"
	}
	return "NPM"
}

// Count returns the dependents count, or unknown=false when the hint is
// unavailable (no key, offline, transport failure, unexpected status).
func (c *DependentsClient) Count(ctx context.Context, eco radar.Ecosystem, name string) (count int, known bool) {
	key := c.apiKey()
	if key == "" || c.Offline {
		return 0, false
	}
	base := c.BaseURL
	if base == "" {
		base = DefaultLibrariesIOURL
	}
	q := url.Values{}
	q.Set("api_key", key)
	q.Set("per_page", "1")
	u := fmt.Sprintf("%s/%s/%s/dependents?%s", base, platform(eco), url.PathEscape(name), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, false
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, true
	default:
		return 0, false
	}
	if total := resp.Header.Get("X-Total"); total != "" {
		if n, err := strconv.Atoi(total); err == nil {
			return n, true
		}
	}
	var list []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return 0, false
	}
	return len(list), true
}

// AdjustByDependents returns the multiplier applied to the
// maintainer-reputation subscore. No dependents keeps the subscore as-is;
// an established dependent base reduces suspicion.
func AdjustByDependents(count int, known bool, low, high int) (float64, []string) {
	if !known {
		return 1.0, nil
	}
	switch {
	case count <= low:
		return 1.0, []string{"No known dependents (libraries.io)"}
	case count >= high:
		return 0.7, []string{fmt.Sprintf("Established package with %d+ dependents", count)}
	default:
		return 0.85, []string{fmt.Sprintf("Package has %d dependents", count)}
	}
}

// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package exists probes whether a package name currently resolves in its
// registry.
package exists

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/google/phantomscan/internal/httpx"
	"github.com/google/phantomscan/internal/urlx"
	"github.com/google/phantomscan/pkg/radar"
)

var (
	npmRegistryURL  = urlx.MustParse("https://registry.npmjs.org")
	pypiRegistryURL = urlx.MustParse("https://pypi.org")
)

// Prober decides whether a name resolves in its registry. It never returns
// an error: every failure mode maps to a (false, reason) decision suitable
// for the watchlist.
type Prober struct {
	Client          httpx.BasicClient
	NPMRegistryURL  *url.URL
	PyPIRegistryURL *url.URL
	// Timeout bounds each probe. Zero means 10 seconds.
	Timeout time.Duration
	Offline bool
}

func (p *Prober) npmURL() *url.URL {
	if p.NPMRegistryURL != nil {
		return p.NPMRegistryURL
	}
	return npmRegistryURL
}

func (p *Prober) pypiURL() *url.URL {
	if p.PyPIRegistryURL != nil {
		return p.PyPIRegistryURL
	}
	return pypiRegistryURL
}

func (p *Prober) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 10 * time.Second
}

// ExistsInRegistry reports whether the name currently resolves, plus a
// reason drawn from the probe constants in pkg/radar.
func (p *Prober) ExistsInRegistry(ctx context.Context, eco radar.Ecosystem, name string) (bool, string) {
	if p.Offline {
		return false, radar.ProbeOffline
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()
	switch eco {
	case radar.NPM:
		return p.probeNPM(ctx, name)
	case radar.PyPI:
		return p.probePyPI(ctx, name)
	default:
		return false, radar.ProbeError
	}
}

// probeNPM issues a HEAD against the packument URL, retrying once with GET
// when the server rejects the method.
func (p *Prober) probeNPM(ctx context.Context, name string) (bool, string) {
	u := urlx.Join(p.npmURL(), path.Join("/", name))
	status, reason := p.probe(ctx, http.MethodHead, u.String())
	if reason != radar.ProbeOK {
		return false, reason
	}
	switch status {
	case http.StatusOK:
		return true, radar.ProbeOK
	case http.StatusNotFound:
		return false, radar.ProbeNotFound
	}
	status, reason = p.probe(ctx, http.MethodGet, u.String())
	if reason != radar.ProbeOK {
		return false, reason
	}
	switch status {
	case http.StatusOK:
		return true, radar.ProbeOK
	case http.StatusNotFound:
		return false, radar.ProbeNotFound
	default:
		return false, radar.ProbeError
	}
}

func (p *Prober) probePyPI(ctx context.Context, name string) (bool, string) {
	u := urlx.Join(p.pypiURL(), "pypi", name, "json")
	status, reason := p.probe(ctx, http.MethodGet, u.String())
	if reason != radar.ProbeOK {
		return false, reason
	}
	switch status {
	case http.StatusOK:
		return true, radar.ProbeOK
	case http.StatusNotFound:
		return false, radar.ProbeNotFound
	default:
		return false, radar.ProbeError
	}
}

// probe returns the response status and a transport-level reason. The reason
// is ProbeOK whenever a response was received at all.
func (p *Prober) probe(ctx context.Context, method, u string) (int, string) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return 0, radar.ProbeError
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return 0, radar.ProbeTimeout
		}
		return 0, radar.ProbeError
	}
	defer resp.Body.Close()
	return resp.StatusCode, radar.ProbeOK
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

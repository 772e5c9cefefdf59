// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/phantomscan/pkg/policy"
	"github.com/google/phantomscan/pkg/radar"
	"github.com/google/phantomscan/pkg/registry/npm"
)

// maxPackumentFetches bounds per-change packument fetches per run. The
// changes feed can return far more rows than a daily scan should hydrate.
const maxPackumentFetches = 50

// NPMSource discovers recent npm packages via the replication changes feed
// and fetches the full packument for each.
type NPMSource struct {
	Registry npm.Registry
	Policy   *policy.Policy
}

func (s *NPMSource) Ecosystem() radar.Ecosystem {
	return radar.NPM
}

// FetchRecent returns up to limit normalised candidates, newest first.
func (s *NPMSource) FetchRecent(ctx context.Context, limit int) ([]radar.PackageCandidate, error) {
	if s.Policy.Offline {
		return LoadSeeds(SeedPath(s.Policy.DataDir, radar.NPM), radar.NPM, limit)
	}
	changes, err := s.Registry.Changes(ctx, limit)
	if err != nil {
		log.Printf("npm discovery failed: %v", err)
		return nil, nil
	}
	fetches := limit
	if fetches > maxPackumentFetches {
		fetches = maxPackumentFetches
	}
	var candidates []radar.PackageCandidate
	for _, change := range changes {
		if len(candidates) >= fetches {
			break
		}
		packument, err := s.Registry.Package(ctx, change.ID)
		if err != nil {
			log.Printf("skipping npm package %s: %v", change.ID, err)
			continue
		}
		c, err := CandidateFromPackument(packument, s.Policy.DisposableEmailDomains, time.Now().UTC())
		if err != nil {
			log.Printf("skipping npm package %s: %v", change.ID, err)
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// CandidateFromPackument normalises an npm packument into a candidate.
func CandidateFromPackument(p *npm.Packument, disposableDomains []string, now time.Time) (radar.PackageCandidate, error) {
	version := p.LatestVersion()
	if version == "" {
		version = "0.0.0"
	}
	created, _ := p.CreatedAt()
	c, err := radar.NewPackageCandidate(radar.NPM, p.Name, version, created)
	if err != nil {
		return radar.PackageCandidate{}, err
	}
	c.Homepage = p.Homepage
	c.Repository = p.RepositoryURL()
	c.Description = p.Description
	c.MaintainersCount = len(p.Maintainers)
	c.HasInstallScripts = p.HasInstallScripts(version)
	c.DisposableEmail = anyDisposableEmail(p.Maintainers, disposableDomains)
	if !created.IsZero() {
		age := int(now.Sub(c.CreatedAt).Hours() / 24)
		if age >= 0 {
			c.MaintainersAgeHintDays = &age
		}
	}
	c.RawMetadata = radar.NewNPMMetadata(p)
	return c, nil
}

func anyDisposableEmail(maintainers []npm.Maintainer, domains []string) bool {
	for _, m := range maintainers {
		_, domain, ok := strings.Cut(m.Email, "@")
		if !ok {
			continue
		}
		domain = strings.ToLower(domain)
		for _, d := range domains {
			if strings.Contains(domain, strings.ToLower(d)) {
				return true
			}
		}
	}
	return false
}

var _ Source = &NPMSource{}

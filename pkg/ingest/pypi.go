// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"log"

	"github.com/google/phantomscan/pkg/policy"
	"github.com/google/phantomscan/pkg/radar"
	"github.com/google/phantomscan/pkg/registry/pypi"
)

// PyPISource discovers recent PyPI packages via the registry RSS feeds and
// fetches the per-project JSON for each.
type PyPISource struct {
	Registry pypi.Registry
	Policy   *policy.Policy
}

func (s *PyPISource) Ecosystem() radar.Ecosystem {
	return radar.PyPI
}

// FetchRecent returns up to limit normalised candidates. Transport failure
// on the discovery call yields an empty sequence; per-project failures skip
// the one project.
func (s *PyPISource) FetchRecent(ctx context.Context, limit int) ([]radar.PackageCandidate, error) {
	if s.Policy.Offline {
		return LoadSeeds(SeedPath(s.Policy.DataDir, radar.PyPI), radar.PyPI, limit)
	}
	names, err := s.Registry.RecentNames(ctx, limit)
	if err != nil {
		log.Printf("pypi discovery failed: %v", err)
		return nil, nil
	}
	var candidates []radar.PackageCandidate
	for _, name := range names {
		if len(candidates) >= limit {
			break
		}
		project, err := s.Registry.Project(ctx, name)
		if err != nil {
			log.Printf("skipping pypi project %s: %v", name, err)
			continue
		}
		c, err := CandidateFromProject(project)
		if err != nil {
			log.Printf("skipping pypi project %s: %v", name, err)
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// CandidateFromProject normalises a PyPI project document into a candidate.
// The JSON API exposes no maintainer list, so MaintainersCount is fixed at 1.
func CandidateFromProject(project *pypi.Project) (radar.PackageCandidate, error) {
	created, _ := project.EarliestUpload()
	c, err := radar.NewPackageCandidate(radar.PyPI, project.Name, project.Info.Version, created)
	if err != nil {
		return radar.PackageCandidate{}, err
	}
	c.Homepage = project.HomepageURL()
	c.Repository = project.RepositoryURL()
	c.Description = project.Summary
	c.MaintainersCount = 1
	c.RawMetadata = radar.NewPyPIMetadata(project)
	return c, nil
}

var _ Source = &PyPISource{}

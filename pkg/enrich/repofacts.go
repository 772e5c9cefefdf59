// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package enrich implements the network-backed, best-effort subscore
// providers. Every provider is time-bounded and returns a neutral value with
// no reasons on any failure; no failure ever aborts scoring.
package enrich

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/google/phantomscan/pkg/radar"
	"golang.org/x/oauth2"
)

// GitHubTokenEnv supplies the optional bearer token for the repos API.
const GitHubTokenEnv = "GITHUB_TOKEN"

// RepoFacts are the repository-level facts derived from the hosting API.
type RepoFacts struct {
	// AgeDays is nil when the repository age could not be determined.
	AgeDays        *int
	HasTopics      bool
	RecentActivity bool
}

// RepoFactsProvider resolves repository facts for GitHub-hosted projects.
type RepoFactsProvider struct {
	Client  *github.Client
	Offline bool
	// Now is overridable for tests; zero means time.Now.
	Now func() time.Time
}

// NewGitHubClient builds a repos API client, authenticated when a token is
// present in the environment.
func NewGitHubClient(ctx context.Context) *github.Client {
	if token := os.Getenv(GitHubTokenEnv); token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		return github.NewClient(oauth2.NewClient(ctx, ts))
	}
	return github.NewClient(nil)
}

func (p *RepoFactsProvider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// Fetch derives repository facts from the repository URL. Non-GitHub hosts
// and lookup failures yield neutral facts.
func (p *RepoFactsProvider) Fetch(ctx context.Context, repoURL string) (RepoFacts, []string) {
	if repoURL == "" || p.Offline || p.Client == nil {
		return RepoFacts{}, nil
	}
	owner, name, ok := ParseGitHubRepo(repoURL)
	if !ok {
		return RepoFacts{}, []string{fmt.Sprintf("Not a GitHub repository: %s", repoURL)}
	}
	repo, _, err := p.Client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return RepoFacts{}, nil
	}
	var facts RepoFacts
	if created := repo.GetCreatedAt(); !created.IsZero() {
		age := int(p.now().Sub(created.Time).Hours() / 24)
		if age < 0 {
			age = 0
		}
		facts.AgeDays = &age
	}
	facts.HasTopics = len(repo.Topics) > 0
	if pushed := repo.GetPushedAt(); !pushed.IsZero() {
		facts.RecentActivity = p.now().Sub(pushed.Time) < 90*24*time.Hour
	}
	return facts, nil
}

// RepoAsymmetry scores the difference between the package age and the
// repository age. A package much older (or newer) than its repository is
// suspicious. Unknown repository age is neutral.
func RepoAsymmetry(pkgAgeDays int, facts RepoFacts) (float64, []string) {
	if facts.AgeDays == nil {
		return 0, nil
	}
	diff := math.Abs(float64(pkgAgeDays - *facts.AgeDays))
	if diff == 0 {
		return 0, nil
	}
	score := radar.Clamp01(diff / 30)
	return score, []string{fmt.Sprintf("Package age (%d days) diverges from repository age (%d days)", pkgAgeDays, *facts.AgeDays)}
}

// ParseGitHubRepo extracts the owner and repository from any of the URL
// forms registries carry (https, git+https, git, ssh, scp-like).
func ParseGitHubRepo(repoURL string) (owner, name string, ok bool) {
	s := strings.TrimPrefix(repoURL, "git+")
	if rest, found := strings.CutPrefix(s, "git@github.com:"); found {
		s = "https://github.com/" + rest
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", "", false
	}
	if !strings.EqualFold(u.Hostname(), "github.com") {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), true
}

// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package policy loads the scoring policy and the known-hallucination corpus.
// Both are loaded once at start-up and treated as immutable for the run.
package policy

import (
	"os"
	"strconv"
	"time"

	"github.com/google/phantomscan/pkg/radar"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// OfflineEnv is the environment switch that suppresses all outbound HTTP.
const OfflineEnv = "PHANTOMSCAN_OFFLINE"

// Endpoints are the outbound service URLs. Tests override them to point at
// local servers.
type Endpoints struct {
	PyPI            string `yaml:"pypi"`
	PyPIRSSPackages string `yaml:"pypi_rss_packages"`
	PyPIRSSUpdates  string `yaml:"pypi_rss_updates"`
	NPMRegistry     string `yaml:"npm_registry"`
	NPMChanges      string `yaml:"npm_changes"`
	NPMDownloads    string `yaml:"npm_downloads"`
	OSV             string `yaml:"osv"`
	LibrariesIO     string `yaml:"libraries_io"`
}

// Enrichment toggles each best-effort provider individually.
type Enrichment struct {
	RepoFacts   bool `yaml:"repo_facts"`
	OSV         bool `yaml:"osv"`
	Dependents  bool `yaml:"dependents"`
	Downloads   bool `yaml:"downloads"`
	Provenance  bool `yaml:"provenance"`
	VersionFlip bool `yaml:"version_flip"`
	Artifacts   bool `yaml:"artifacts"`
}

// Concurrency bounds the pipeline's worker pools.
type Concurrency struct {
	Fetch int `yaml:"fetch"`
	Score int `yaml:"score"`
}

// Policy holds the weights, thresholds, and lists that drive scoring.
type Policy struct {
	Weights map[radar.Subscore]float64 `yaml:"weights"`

	NewPackageDays         int     `yaml:"new_package_days"`
	FuzzyThreshold         int     `yaml:"fuzzy_threshold"`
	MaintainerAgeDays      int     `yaml:"maintainer_age_days"`
	VersionFlipWindowDays  int     `yaml:"version_flip_window_days"`
	VersionFlipDepIncrease int     `yaml:"version_flip_dep_increase"`
	DependentsLow          int     `yaml:"dependents_low"`
	DependentsHigh         int     `yaml:"dependents_high"`
	MinScore               float64 `yaml:"min_score"`
	TopN                   int     `yaml:"top_n"`
	// SimilarityFloor is the minimum similarity for suggestions. Zero derives
	// it as 100 - FuzzyThreshold.
	SimilarityFloor int `yaml:"similarity_floor"`

	SuspiciousPrefixes     []string                     `yaml:"suspicious_prefixes"`
	SuspiciousSuffixes     []string                     `yaml:"suspicious_suffixes"`
	DisposableEmailDomains []string                     `yaml:"disposable_email_domains"`
	CanonicalNames         map[radar.Ecosystem][]string `yaml:"canonical_names"`

	StrictExistence bool       `yaml:"strict_existence"`
	Enrichment      Enrichment `yaml:"enrichment"`

	HTTPTimeoutSeconds   int         `yaml:"http_timeout_seconds"`
	EnrichTimeoutSeconds int         `yaml:"enrich_timeout_seconds"`
	ScoreTimeoutSeconds  int         `yaml:"score_timeout_seconds"`
	Concurrency          Concurrency `yaml:"concurrency"`
	RetentionDays        int         `yaml:"retention_days"`
	UserAgent            string      `yaml:"user_agent"`

	DataDir   string    `yaml:"data_dir"`
	DBPath    string    `yaml:"db_path"`
	Endpoints Endpoints `yaml:"endpoints"`

	// Offline is sourced from the environment, not the file.
	Offline bool `yaml:"-"`
}

// Default returns the compiled-in policy used when no file is present.
func Default() *Policy {
	return &Policy{
		Weights: map[radar.Subscore]float64{
			radar.NameSuspicion:        0.30,
			radar.KnownHallucination:   0.25,
			radar.Newness:              0.15,
			radar.RepoMissing:          0.15,
			radar.ContentRisk:          0.15,
			radar.MaintainerReputation: 0.10,
			radar.ScriptRisk:           0.10,
			radar.DocsAbsence:          0.05,
			radar.ProvenanceRisk:       0.05,
			radar.RepoAsymmetry:        0.05,
			radar.DownloadAnomaly:      0.05,
			radar.VersionFlip:          0.05,
		},
		NewPackageDays:         30,
		FuzzyThreshold:         8,
		MaintainerAgeDays:      14,
		VersionFlipWindowDays:  30,
		VersionFlipDepIncrease: 8,
		DependentsLow:          0,
		DependentsHigh:         50,
		MinScore:               0.3,
		TopN:                   25,
		SuspiciousPrefixes: []string{
			"openai-", "chatgpt-", "gpt-", "anthropic-", "claude-", "gemini-",
			"copilot-", "langchain-", "llm-", "ai-",
		},
		SuspiciousSuffixes: []string{
			"-sdk", "-api", "-client", "-wrapper", "-helper", "-toolkit",
			"-tools", "-utils", "-lib", "-plus", "-pro", "-dev",
		},
		DisposableEmailDomains: []string{
			"mailinator.com", "guerrillamail.com", "10minutemail.com",
			"tempmail.com", "throwaway.email", "sharklasers.com",
		},
		CanonicalNames: map[radar.Ecosystem][]string{
			radar.PyPI: {
				"requests", "numpy", "pandas", "scipy", "django", "flask",
				"pytest", "boto3", "urllib3", "setuptools", "pillow",
				"cryptography", "pydantic", "sqlalchemy", "matplotlib",
				"beautifulsoup4", "openai", "langchain", "transformers",
				"fastapi", "httpx", "rich", "click", "tqdm",
			},
			radar.NPM: {
				"express", "lodash", "react", "axios", "chalk", "commander",
				"webpack", "typescript", "eslint", "prettier", "vue", "next",
				"moment", "uuid", "dotenv", "jest", "openai", "langchain",
				"zod", "vite",
			},
		},
		StrictExistence: true,
		Enrichment: Enrichment{
			RepoFacts:   true,
			OSV:         true,
			Dependents:  true,
			Downloads:   true,
			Provenance:  true,
			VersionFlip: true,
			Artifacts:   true,
		},
		HTTPTimeoutSeconds:   10,
		EnrichTimeoutSeconds: 5,
		ScoreTimeoutSeconds:  8,
		Concurrency:          Concurrency{Fetch: 4, Score: 8},
		RetentionDays:        90,
		UserAgent:            "phantomscan/1.0 (+https://github.com/google/phantomscan)",
		DataDir:              "data",
		DBPath:               "phantomscan.db",
		Endpoints: Endpoints{
			PyPI:            "https://pypi.org",
			PyPIRSSPackages: "https://pypi.org/rss/packages.xml",
			PyPIRSSUpdates:  "https://pypi.org/rss/updates.xml",
			NPMRegistry:     "https://registry.npmjs.org",
			NPMChanges:      "https://replicate.npmjs.com/_changes",
			NPMDownloads:    "https://api.npmjs.org",
			OSV:             "https://api.osv.dev/v1/query",
			LibrariesIO:     "https://libraries.io/api",
		},
	}
}

// Load reads the policy file at path, layering it over the defaults. A
// missing file yields the defaults unchanged. The offline switch is read
// from the environment in both cases.
func Load(path string) (*Policy, error) {
	p := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		p.Offline = OfflineFromEnv()
		return p, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading policy")
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "parsing policy")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.Offline = OfflineFromEnv()
	return p, nil
}

// Validate rejects policies that would make scoring meaningless.
func (p *Policy) Validate() error {
	for s, w := range p.Weights {
		if w < 0 {
			return errors.Errorf("weight for %s must be non-negative, got %v", s, w)
		}
	}
	if p.NewPackageDays <= 0 {
		return errors.New("new_package_days must be positive")
	}
	if p.FuzzyThreshold <= 0 || p.FuzzyThreshold > 100 {
		return errors.Errorf("fuzzy_threshold must be in (0, 100], got %d", p.FuzzyThreshold)
	}
	if p.MinScore < 0 || p.MinScore > 1 {
		return errors.Errorf("min_score must be in [0, 1], got %v", p.MinScore)
	}
	if p.TopN <= 0 {
		return errors.New("top_n must be positive")
	}
	return nil
}

// HTTPTimeout is the per-call timeout for registry requests.
func (p *Policy) HTTPTimeout() time.Duration {
	return seconds(p.HTTPTimeoutSeconds, 10*time.Second)
}

// EnrichTimeout is the per-call timeout for enrichment providers.
func (p *Policy) EnrichTimeout() time.Duration {
	return seconds(p.EnrichTimeoutSeconds, 5*time.Second)
}

// ScoreTimeout bounds a single ScorePackage call.
func (p *Policy) ScoreTimeout() time.Duration {
	return seconds(p.ScoreTimeoutSeconds, 8*time.Second)
}

// SuggestFloor is the minimum similarity for alternative suggestions.
func (p *Policy) SuggestFloor() int {
	if p.SimilarityFloor > 0 {
		return p.SimilarityFloor
	}
	return 100 - p.FuzzyThreshold
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// OfflineFromEnv reports whether the offline switch is set.
func OfflineFromEnv() bool {
	v := os.Getenv(OfflineEnv)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

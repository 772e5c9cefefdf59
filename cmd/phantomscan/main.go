// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Command phantomscan runs the daily slopsquat detection pipeline and its
// individual stages.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/fatih/color"
	"github.com/google/phantomscan/internal/cache"
	"github.com/google/phantomscan/internal/httpx"
	"github.com/google/phantomscan/internal/textsim"
	"github.com/google/phantomscan/pkg/analysis/pypiartifacts"
	"github.com/google/phantomscan/pkg/enrich"
	"github.com/google/phantomscan/pkg/ingest"
	"github.com/google/phantomscan/pkg/pipeline"
	"github.com/google/phantomscan/pkg/policy"
	"github.com/google/phantomscan/pkg/radar"
	"github.com/google/phantomscan/pkg/registry/exists"
	"github.com/google/phantomscan/pkg/registry/npm"
	"github.com/google/phantomscan/pkg/registry/pypi"
	"github.com/google/phantomscan/pkg/score"
	"github.com/google/phantomscan/pkg/storage"
	"github.com/google/phantomscan/pkg/suggest"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var (
	configPath   = flag.String("config", "config/policy.yml", "Path to the policy file")
	corpusPath   = flag.String("corpus", "config/hallucinations.yml", "Path to the hallucination corpus")
	ecosystems   = flag.String("ecosystems", "pypi,npm", "Comma-separated ecosystems to scan")
	limit        = flag.Int("limit", 400, "Maximum packages to fetch per ecosystem")
	date         = flag.String("date", "", "Date to operate on (YYYY-MM-DD, default today)")
	top          = flag.Int("top", 0, "Feed size (default from policy)")
	ecosystem    = flag.String("ecosystem", "pypi", "Ecosystem of the package to analyze")
	name         = flag.String("name", "", "Package name to analyze")
	alternatives = flag.Bool("alternatives", false, "Suggest canonical packages the name may be squatting on")
	readmePath   = flag.String("readme", "", "Path to a repository README to compare against the package text")
	cronSpec     = flag.String("cron", "0 6 * * *", "Cron expression for scheduled runs")
	metricsAddr  = flag.String("metrics-addr", "", "Listen address for Prometheus metrics (schedule only)")
	days         = flag.Int("days", 0, "Retention in days (default from policy)")
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

// app bundles everything a verb needs, built once per invocation.
type app struct {
	policy    *policy.Policy
	corpus    *policy.Corpus
	pipeline  *pipeline.Pipeline
	db        *storage.DB
	httpCache *cache.CoalescingMemoryCache
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

func newApp(ctx context.Context) (*app, error) {
	pol, err := policy.Load(*configPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading policy")
	}
	corpus, err := policy.LoadCorpus(*corpusPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading corpus")
	}

	var base httpx.BasicClient = &http.Client{Timeout: pol.HTTPTimeout()}
	base = &httpx.WithUserAgent{BasicClient: base, UserAgent: pol.UserAgent}
	base = &httpx.RetryClient{BasicClient: base}
	// Registry metadata and probe results repeat across stages within one
	// run; cache GET and HEAD responses so each URL is fetched once.
	httpCache := &cache.CoalescingMemoryCache{}
	client := httpx.NewCachedClient(base, httpCache)

	pypiReg, npmReg, err := registries(client, pol)
	if err != nil {
		return nil, err
	}
	// Probes hit the registries once per candidate; pace the misses and let
	// the shared cache absorb repeats.
	proberClient := httpx.NewCachedClient(&httpx.RateLimitedClient{
		BasicClient: base,
		Ticker:      time.NewTicker(100 * time.Millisecond),
	}, httpCache)
	prober := &exists.Prober{
		Client:          proberClient,
		NPMRegistryURL:  mustEndpoint(pol.Endpoints.NPMRegistry),
		PyPIRegistryURL: mustEndpoint(pol.Endpoints.PyPI),
		Timeout:         pol.HTTPTimeout(),
		Offline:         pol.Offline,
	}
	scorer := &score.Scorer{
		Policy:      pol,
		Corpus:      corpus,
		NPM:         npmReg,
		Artifacts:   &pypiartifacts.Analyzer{Registry: pypiReg},
		RepoFacts:   &enrich.RepoFactsProvider{Client: enrich.NewGitHubClient(ctx), Offline: pol.Offline},
		OSV:         &enrich.OSVClient{Client: client, URL: pol.Endpoints.OSV, Offline: pol.Offline},
		Dependents:  &enrich.DependentsClient{Client: client, BaseURL: pol.Endpoints.LibrariesIO, Offline: pol.Offline},
		VersionFlip: &enrich.PyPIVersionFlipAnalyzer{Registry: pypiReg, Offline: pol.Offline},
	}
	db, err := storage.Open(pol.DBPath)
	if err != nil {
		return nil, err
	}
	a := &app{
		policy:    pol,
		corpus:    corpus,
		db:        db,
		httpCache: httpCache,
		pipeline: &pipeline.Pipeline{
			Policy: pol,
			Sources: map[radar.Ecosystem]ingest.Source{
				radar.PyPI: &ingest.PyPISource{Registry: pypiReg, Policy: pol},
				radar.NPM:  &ingest.NPMSource{Registry: npmReg, Policy: pol},
			},
			Prober:  prober,
			Scorer:  scorer,
			DB:      db,
			Files:   &storage.FileStore{Root: pol.DataDir},
			Metrics: pipeline.NewMetrics(prometheus.DefaultRegisterer),
		},
	}
	a.pipeline.Progress = progressBar()
	return a, nil
}

func registries(client httpx.BasicClient, pol *policy.Policy) (pypi.HTTPRegistry, npm.HTTPRegistry, error) {
	for _, ep := range []string{
		pol.Endpoints.PyPI, pol.Endpoints.PyPIRSSPackages, pol.Endpoints.PyPIRSSUpdates,
		pol.Endpoints.NPMRegistry, pol.Endpoints.NPMChanges, pol.Endpoints.NPMDownloads,
	} {
		if _, err := url.Parse(ep); err != nil {
			return pypi.HTTPRegistry{}, npm.HTTPRegistry{}, errors.Wrapf(err, "invalid endpoint %q", ep)
		}
	}
	pypiReg := pypi.HTTPRegistry{
		Client:         client,
		RegistryURL:    mustEndpoint(pol.Endpoints.PyPI),
		RSSPackagesURL: mustEndpoint(pol.Endpoints.PyPIRSSPackages),
		RSSUpdatesURL:  mustEndpoint(pol.Endpoints.PyPIRSSUpdates),
	}
	npmReg := npm.HTTPRegistry{
		Client:       client,
		RegistryURL:  mustEndpoint(pol.Endpoints.NPMRegistry),
		ChangesURL:   mustEndpoint(pol.Endpoints.NPMChanges),
		DownloadsURL: mustEndpoint(pol.Endpoints.NPMDownloads),
	}
	return pypiReg, npmReg, nil
}

// mustEndpoint parses a policy endpoint, returning nil (use the built-in
// default) when empty or unparseable. Endpoints were validated beforehand.
func mustEndpoint(s string) *url.URL {
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil
	}
	return u
}

// progressBar renders scoring progress on a terminal and stays silent
// elsewhere.
func progressBar() func(done, total int) {
	if fi, err := os.Stderr.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return nil
	}
	var bar *pb.ProgressBar
	return func(done, total int) {
		if bar == nil {
			bar = pb.New(total)
			bar.Output = os.Stderr
			bar.Start()
		}
		bar.Set(done)
		if done >= total {
			bar.Finish()
		}
	}
}

func parseEcosystems(s string) ([]radar.Ecosystem, error) {
	var out []radar.Ecosystem
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		eco, err := radar.ParseEcosystem(part)
		if err != nil {
			return nil, err
		}
		out = append(out, eco)
	}
	if len(out) == 0 {
		return nil, errors.New("no ecosystems selected")
	}
	return out, nil
}

func runDate() string {
	if *date != "" {
		return *date
	}
	return radar.DateOf(time.Now())
}

var rootCmd = &cobra.Command{
	Use:   "phantomscan [subcommand]",
	Short: "Daily threat-intel feed of probable slopsquat packages on PyPI and npm",
}

var fetchCmd = &cobra.Command{
	Use:           "fetch",
	Short:         "Fetch recent package candidates and store the raw streams.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ecos, err := parseEcosystems(*ecosystems)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		candidates, err := a.pipeline.Fetch(cmd.Context(), ecos, *limit, runDate())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), green(fmt.Sprintf("Fetched %d candidates", len(candidates))))
		return nil
	},
}

var scoreCmd = &cobra.Command{
	Use:           "score",
	Short:         "Existence-gate and score the day's raw candidates.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		res, err := a.pipeline.Score(cmd.Context(), runDate())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), green(fmt.Sprintf("Scored %d candidates, %d on watchlist", len(res.Scored), len(res.Watchlist))))
		return nil
	},
}

var feedCmd = &cobra.Command{
	Use:           "feed",
	Short:         "Rank the day's scored candidates and write the feed files.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		f, err := a.pipeline.BuildFeed(cmd.Context(), runDate(), *top)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), green(fmt.Sprintf("Generated feed with %d candidates", len(f.Items))))
		return nil
	},
}

var runAllCmd = &cobra.Command{
	Use:           "run-all",
	Short:         "Run the full pipeline: fetch, score, and feed.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ecos, err := parseEcosystems(*ecosystems)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		f, err := a.pipeline.RunAll(cmd.Context(), ecos, *limit, runDate(), *top)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), green(fmt.Sprintf("Feed for %s: %d candidates", f.Date, len(f.Items))))
		return nil
	},
}

var analyzeCmd = &cobra.Command{
	Use:           "analyze --ecosystem <eco> --name <name> [--alternatives]",
	Short:         "Score a single package and print its breakdown.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if *name == "" {
			return errors.New("--name is required")
		}
		eco, err := radar.ParseEcosystem(*ecosystem)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		a.pipeline.Progress = nil

		candidate, err := liveCandidate(cmd.Context(), a, eco, *name)
		if err != nil {
			return err
		}
		sc, err := a.pipeline.Scorer.ScorePackage(cmd.Context(), candidate)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cyan(fmt.Sprintf("%s (%s): score %.3f", sc.Candidate.Name, sc.Candidate.Ecosystem, sc.Score)))
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(sc.Breakdown); err != nil {
			return errors.Wrap(err, "encoding breakdown")
		}
		if *alternatives {
			suggestions := suggest.SuggestAlternatives(eco, *name, a.policy)
			if block := suggest.FormatSuggestions(suggestions); block != "" {
				fmt.Fprint(cmd.OutOrStdout(), yellow(block))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "No similar canonical packages found.")
			}
		}
		if *readmePath != "" {
			text, err := os.ReadFile(*readmePath)
			if err != nil {
				return errors.Wrap(err, "reading readme")
			}
			sim := textsim.Jaccard(string(text), candidate.ReadmeText(), textsim.DefaultN)
			fmt.Fprintln(cmd.OutOrStdout(), cyan(fmt.Sprintf("README similarity: %.2f", sim)))
			if sim >= 0.8 {
				fmt.Fprintln(cmd.OutOrStdout(), yellow("Package text closely copies the supplied README."))
			}
		}
		return nil
	},
}

// liveCandidate fetches one candidate from its registry, or builds a minimal
// synthetic one offline so analyze still demonstrates the metadata signals.
func liveCandidate(ctx context.Context, a *app, eco radar.Ecosystem, pkg string) (radar.PackageCandidate, error) {
	if a.policy.Offline {
		return radar.NewPackageCandidate(eco, pkg, "0.0.0", time.Now().UTC())
	}
	switch eco {
	case radar.PyPI:
		src := a.pipeline.Sources[radar.PyPI].(*ingest.PyPISource)
		project, err := src.Registry.Project(ctx, pkg)
		if err != nil {
			if errors.Is(err, pypi.ErrNotFound) {
				return radar.NewPackageCandidate(eco, pkg, "0.0.0", time.Now().UTC())
			}
			return radar.PackageCandidate{}, err
		}
		return ingest.CandidateFromProject(project)
	case radar.NPM:
		src := a.pipeline.Sources[radar.NPM].(*ingest.NPMSource)
		packument, err := src.Registry.Package(ctx, pkg)
		if err != nil {
			if errors.Is(err, npm.ErrNotFound) {
				return radar.NewPackageCandidate(eco, pkg, "0.0.0", time.Now().UTC())
			}
			return radar.PackageCandidate{}, err
		}
		return ingest.CandidateFromPackument(packument, a.policy.DisposableEmailDomains, time.Now().UTC())
	default:
		return radar.PackageCandidate{}, errors.Errorf("unknown ecosystem %q", eco)
	}
}

var scheduleCmd = &cobra.Command{
	Use:           "schedule [--cron <spec>] [--metrics-addr <addr>]",
	Short:         "Run the full pipeline on a cron schedule.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ecos, err := parseEcosystems(*ecosystems)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		a.pipeline.Progress = nil

		if *metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: *metricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					fmt.Fprintln(cmd.ErrOrStderr(), yellow(fmt.Sprintf("metrics server: %v", err)))
				}
			}()
			defer srv.Close()
			fmt.Fprintln(cmd.OutOrStdout(), cyan("Serving metrics on "+*metricsAddr))
		}

		c := cron.New()
		_, err = c.AddFunc(*cronSpec, func() {
			// Cached registry responses from the previous day are stale.
			a.httpCache.Clear()
			runDay := radar.DateOf(time.Now())
			if _, err := a.pipeline.RunAll(cmd.Context(), ecos, *limit, runDay, *top); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), yellow(fmt.Sprintf("scheduled run failed: %v", err)))
			}
		})
		if err != nil {
			return errors.Wrapf(err, "invalid cron expression %q", *cronSpec)
		}
		c.Start()
		fmt.Fprintln(cmd.OutOrStdout(), green(fmt.Sprintf("Scheduled %q; waiting (Ctrl-C to stop)", *cronSpec)))
		<-cmd.Context().Done()
		<-c.Stop().Done()
		return cmd.Context().Err()
	},
}

var cleanupCmd = &cobra.Command{
	Use:           "cleanup [--days <n>]",
	Short:         "Delete stored results older than the retention window.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		rows, dirs, err := a.pipeline.Cleanup(cmd.Context(), *days)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), green(fmt.Sprintf("Removed %d rows and %d dated directories", rows, dirs)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().AddGoFlag(flag.Lookup("config"))
	fetchCmd.Flags().AddGoFlag(flag.Lookup("corpus"))
	fetchCmd.Flags().AddGoFlag(flag.Lookup("ecosystems"))
	fetchCmd.Flags().AddGoFlag(flag.Lookup("limit"))
	fetchCmd.Flags().AddGoFlag(flag.Lookup("date"))

	rootCmd.AddCommand(scoreCmd)
	scoreCmd.Flags().AddGoFlag(flag.Lookup("config"))
	scoreCmd.Flags().AddGoFlag(flag.Lookup("corpus"))
	scoreCmd.Flags().AddGoFlag(flag.Lookup("date"))

	rootCmd.AddCommand(feedCmd)
	feedCmd.Flags().AddGoFlag(flag.Lookup("config"))
	feedCmd.Flags().AddGoFlag(flag.Lookup("corpus"))
	feedCmd.Flags().AddGoFlag(flag.Lookup("date"))
	feedCmd.Flags().AddGoFlag(flag.Lookup("top"))

	rootCmd.AddCommand(runAllCmd)
	runAllCmd.Flags().AddGoFlag(flag.Lookup("config"))
	runAllCmd.Flags().AddGoFlag(flag.Lookup("corpus"))
	runAllCmd.Flags().AddGoFlag(flag.Lookup("ecosystems"))
	runAllCmd.Flags().AddGoFlag(flag.Lookup("limit"))
	runAllCmd.Flags().AddGoFlag(flag.Lookup("date"))
	runAllCmd.Flags().AddGoFlag(flag.Lookup("top"))

	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().AddGoFlag(flag.Lookup("config"))
	analyzeCmd.Flags().AddGoFlag(flag.Lookup("corpus"))
	analyzeCmd.Flags().AddGoFlag(flag.Lookup("ecosystem"))
	analyzeCmd.Flags().AddGoFlag(flag.Lookup("name"))
	analyzeCmd.Flags().AddGoFlag(flag.Lookup("alternatives"))
	analyzeCmd.Flags().AddGoFlag(flag.Lookup("readme"))

	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.Flags().AddGoFlag(flag.Lookup("config"))
	scheduleCmd.Flags().AddGoFlag(flag.Lookup("corpus"))
	scheduleCmd.Flags().AddGoFlag(flag.Lookup("ecosystems"))
	scheduleCmd.Flags().AddGoFlag(flag.Lookup("limit"))
	scheduleCmd.Flags().AddGoFlag(flag.Lookup("top"))
	scheduleCmd.Flags().AddGoFlag(flag.Lookup("cron"))
	scheduleCmd.Flags().AddGoFlag(flag.Lookup("metrics-addr"))

	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().AddGoFlag(flag.Lookup("config"))
	cleanupCmd.Flags().AddGoFlag(flag.Lookup("corpus"))
	cleanupCmd.Flags().AddGoFlag(flag.Lookup("days"))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprintf("Error: %v", err))
		os.Exit(1)
	}
}

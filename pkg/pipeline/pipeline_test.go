// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/phantomscan/pkg/ingest"
	"github.com/google/phantomscan/pkg/policy"
	"github.com/google/phantomscan/pkg/radar"
	"github.com/google/phantomscan/pkg/registry/exists"
	"github.com/google/phantomscan/pkg/score"
	"github.com/google/phantomscan/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var pipelineNow = time.Date(2025, 8, 25, 6, 0, 0, 0, time.UTC)

type fakeHTTPClient struct {
	DoFunc func(*http.Request) (*http.Response, error)
}

func (c *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return c.DoFunc(req)
}

type fakeSource struct {
	eco        radar.Ecosystem
	candidates []radar.PackageCandidate
	err        error
}

func (s *fakeSource) Ecosystem() radar.Ecosystem { return s.eco }

func (s *fakeSource) FetchRecent(ctx context.Context, limit int) ([]radar.PackageCandidate, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.candidates, nil
}

// ghostProber responds 404 for names containing "ghost" and 200 otherwise.
func ghostProber() *exists.Prober {
	return &exists.Prober{Client: &fakeHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			status := http.StatusOK
			if strings.Contains(req.URL.Path, "ghost") {
				status = http.StatusNotFound
			}
			return &http.Response{
				StatusCode: status,
				Header:     http.Header{},
				Body:       io.NopCloser(strings.NewReader("")),
			}, nil
		},
	}}
}

func pipelineCandidate(eco radar.Ecosystem, name string) radar.PackageCandidate {
	return radar.PackageCandidate{
		Ecosystem:        eco,
		Name:             name,
		Version:          "1.0.0",
		CreatedAt:        pipelineNow.AddDate(0, 0, -1),
		MaintainersCount: 1,
	}
}

func newTestPipeline(t *testing.T, sources map[radar.Ecosystem]ingest.Source) *Pipeline {
	t.Helper()
	p := policy.Default()
	p.Offline = true
	p.StrictExistence = true
	p.MinScore = 0.1
	p.DataDir = filepath.Join(t.TempDir(), "data")
	db, err := storage.Open(filepath.Join(p.DataDir, "phantomscan.db"))
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Pipeline{
		Policy:  p,
		Sources: sources,
		Prober:  ghostProber(),
		Scorer: &score.Scorer{
			Policy: p,
			Corpus: policy.DefaultCorpus(),
			Now:    func() time.Time { return pipelineNow },
		},
		DB:      db,
		Files:   &storage.FileStore{Root: p.DataDir},
		Metrics: NewMetrics(prometheus.NewRegistry()),
		Now:     func() time.Time { return pipelineNow },
	}
}

func TestScoreStrictSplitsWatchlist(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, map[radar.Ecosystem]ingest.Source{
		radar.PyPI: &fakeSource{eco: radar.PyPI, candidates: []radar.PackageCandidate{
			pipelineCandidate(radar.PyPI, "openai-chat-sdk"),
			pipelineCandidate(radar.PyPI, "ghost-pkg"),
		}},
	})
	if _, err := p.Fetch(ctx, []radar.Ecosystem{radar.PyPI}, 10, "2025-08-25"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	res, err := p.Score(ctx, "2025-08-25")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(res.Scored) != 1 || res.Scored[0].Candidate.Name != "openai-chat-sdk" {
		t.Errorf("scored: got %+v, want only openai-chat-sdk", res.Scored)
	}
	want := []radar.WatchlistEntry{{
		Ecosystem:      radar.PyPI,
		Name:           "ghost-pkg",
		NotFoundReason: radar.ProbeNotFound,
		FirstSeenAt:    pipelineNow,
	}}
	if diff := cmp.Diff(res.Watchlist, want); diff != "" {
		t.Errorf("watchlist mismatch: diff\n%v", diff)
	}
	if got := res.Scored[0].Breakdown.ExistsInRegistry; got == nil || !*got {
		t.Error("scored row must record a positive existence probe")
	}

	// Scored rows land in both stores, the watchlist in the feed tree.
	rows, err := p.DB.ScoredForDate(ctx, "2025-08-25")
	if err != nil {
		t.Fatalf("ScoredForDate: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("db rows: got %d, want 1", len(rows))
	}
	for _, path := range []string{
		p.Files.ProcessedPath("2025-08-25", "scored.jsonl"),
		p.Files.ProcessedPath("2025-08-25", "scored.csv"),
		p.Files.FeedPath("2025-08-25", "watchlist.json"),
		p.Files.FeedPath("2025-08-25", "watchlist.csv"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing artifact %s: %v", path, err)
		}
	}
	if got := testutil.ToFloat64(p.Metrics.CandidatesScored.WithLabelValues("pypi")); got != 1 {
		t.Errorf("scored counter: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.Metrics.WatchlistEntries.WithLabelValues("pypi")); got != 1 {
		t.Errorf("watchlist counter: got %v, want 1", got)
	}
}

func TestScoreNonStrictKeepsUnresolvedNames(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, map[radar.Ecosystem]ingest.Source{
		radar.NPM: &fakeSource{eco: radar.NPM, candidates: []radar.PackageCandidate{
			pipelineCandidate(radar.NPM, "ghost-pkg"),
		}},
	})
	p.Policy.StrictExistence = false
	if _, err := p.Fetch(ctx, []radar.Ecosystem{radar.NPM}, 10, "2025-08-25"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	res, err := p.Score(ctx, "2025-08-25")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(res.Watchlist) != 0 {
		t.Errorf("watchlist must stay empty in non-strict mode: %+v", res.Watchlist)
	}
	if len(res.Scored) != 1 {
		t.Fatalf("scored: got %d, want 1", len(res.Scored))
	}
	sc := res.Scored[0]
	if got := sc.Breakdown.ExistsInRegistry; got == nil || *got {
		t.Error("scored row must record the failed probe")
	}
	if sc.Breakdown.NotFoundReason != radar.ProbeNotFound {
		t.Errorf("not found reason: got %q, want %q", sc.Breakdown.NotFoundReason, radar.ProbeNotFound)
	}
	var found bool
	for _, r := range sc.Breakdown.Reasons {
		if r == "Package not found in registry (404)" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing not-found reason in %v", sc.Breakdown.Reasons)
	}
}

func TestScoreEmptyDate(t *testing.T) {
	p := newTestPipeline(t, nil)
	res, err := p.Score(context.Background(), "2025-08-25")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(res.Scored) != 0 || len(res.Watchlist) != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestScoreReportsProgress(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, map[radar.Ecosystem]ingest.Source{
		radar.PyPI: &fakeSource{eco: radar.PyPI, candidates: []radar.PackageCandidate{
			pipelineCandidate(radar.PyPI, "pkg-one"),
			pipelineCandidate(radar.PyPI, "pkg-two"),
		}},
	})
	var last, total int
	p.Progress = func(done, n int) { last, total = done, n }
	if _, err := p.Fetch(ctx, []radar.Ecosystem{radar.PyPI}, 10, "2025-08-25"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, err := p.Score(ctx, "2025-08-25"); err != nil {
		t.Fatalf("Score: %v", err)
	}
	if last != 2 || total != 2 {
		t.Errorf("progress: got (%d, %d), want (2, 2)", last, total)
	}
}

func TestFetchFallsBackToSeeds(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, map[radar.Ecosystem]ingest.Source{
		radar.PyPI: &fakeSource{eco: radar.PyPI, err: errors.New("network down")},
	})
	seed := pipelineCandidate(radar.PyPI, "seeded-pkg")
	var buf bytes.Buffer
	if err := ingest.EncodeCandidates(&buf, []radar.PackageCandidate{seed}); err != nil {
		t.Fatal(err)
	}
	seedPath := ingest.SeedPath(p.Policy.DataDir, radar.PyPI)
	if err := os.MkdirAll(filepath.Dir(seedPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(seedPath, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := p.Fetch(ctx, []radar.Ecosystem{radar.PyPI}, 10, "2025-08-25")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || got[0].Name != "seeded-pkg" {
		t.Errorf("candidates: got %+v, want the seed entry", got)
	}
	if _, err := os.Stat(p.Files.RawPath("2025-08-25", radar.PyPI)); err != nil {
		t.Errorf("raw stream not persisted: %v", err)
	}
}

func TestFetchFailsWithoutSeeds(t *testing.T) {
	p := newTestPipeline(t, map[radar.Ecosystem]ingest.Source{
		radar.PyPI: &fakeSource{eco: radar.PyPI, err: errors.New("network down")},
	})
	if _, err := p.Fetch(context.Background(), []radar.Ecosystem{radar.PyPI}, 10, "2025-08-25"); err == nil {
		t.Error("expected error when discovery and seeds both fail")
	}
}

func TestFetchUnknownEcosystem(t *testing.T) {
	p := newTestPipeline(t, nil)
	if _, err := p.Fetch(context.Background(), []radar.Ecosystem{radar.NPM}, 10, "2025-08-25"); err == nil {
		t.Error("expected error for ecosystem without a source")
	}
}

func TestBuildFeedAndGetFeed(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, map[radar.Ecosystem]ingest.Source{
		radar.PyPI: &fakeSource{eco: radar.PyPI, candidates: []radar.PackageCandidate{
			pipelineCandidate(radar.PyPI, "openai-chat-sdk"),
		}},
	})
	if _, err := p.Fetch(ctx, []radar.Ecosystem{radar.PyPI}, 10, "2025-08-25"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, err := p.Score(ctx, "2025-08-25"); err != nil {
		t.Fatalf("Score: %v", err)
	}
	f, err := p.BuildFeed(ctx, "2025-08-25", 0)
	if err != nil {
		t.Fatalf("BuildFeed: %v", err)
	}
	if len(f.Items) != 1 || f.Items[0].Candidate.Name != "openai-chat-sdk" {
		t.Fatalf("feed items: got %+v", f.Items)
	}
	for _, name := range []string{"topN.json", "topN.csv", "feed.md"} {
		if _, err := os.Stat(p.Files.FeedPath("2025-08-25", name)); err != nil {
			t.Errorf("missing feed artifact %s: %v", name, err)
		}
	}
	loaded, err := p.GetFeed("2025-08-25")
	if err != nil {
		t.Fatalf("GetFeed: %v", err)
	}
	if diff := cmp.Diff(loaded, f); diff != "" {
		t.Errorf("reloaded feed mismatch: diff\n%v", diff)
	}
	latest, err := p.GetLatestFeed()
	if err != nil {
		t.Fatalf("GetLatestFeed: %v", err)
	}
	if latest.Date != "2025-08-25" {
		t.Errorf("latest feed date: got %q", latest.Date)
	}
}

func TestGetLatestFeedEmpty(t *testing.T) {
	p := newTestPipeline(t, nil)
	if _, err := p.GetLatestFeed(); err == nil {
		t.Error("expected error with no generated feeds")
	}
}

func TestRunAll(t *testing.T) {
	p := newTestPipeline(t, map[radar.Ecosystem]ingest.Source{
		radar.PyPI: &fakeSource{eco: radar.PyPI, candidates: []radar.PackageCandidate{
			pipelineCandidate(radar.PyPI, "openai-chat-sdk"),
		}},
	})
	f, err := p.RunAll(context.Background(), []radar.Ecosystem{radar.PyPI}, 10, "2025-08-25", 25)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(f.Items) != 1 {
		t.Errorf("feed items: got %d, want 1", len(f.Items))
	}
}

// flakySource fails its first fetch and succeeds afterwards.
type flakySource struct {
	eco        radar.Ecosystem
	candidates []radar.PackageCandidate
	calls      int
}

func (s *flakySource) Ecosystem() radar.Ecosystem { return s.eco }

func (s *flakySource) FetchRecent(ctx context.Context, limit int) ([]radar.PackageCandidate, error) {
	s.calls++
	if s.calls == 1 {
		return nil, errors.New("network down")
	}
	return s.candidates, nil
}

func TestRunAllRetriesOffline(t *testing.T) {
	p := newTestPipeline(t, map[radar.Ecosystem]ingest.Source{
		radar.PyPI: &flakySource{eco: radar.PyPI, candidates: []radar.PackageCandidate{
			pipelineCandidate(radar.PyPI, "openai-chat-sdk"),
		}},
	})
	p.Policy.Offline = false
	// Non-strict mode keeps the offline rerun's unresolvable probes scoreable.
	p.Policy.StrictExistence = false
	f, err := p.RunAll(context.Background(), []radar.Ecosystem{radar.PyPI}, 10, "2025-08-25", 25)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if !p.Policy.Offline || !p.Prober.Offline {
		t.Error("pipeline must flip to offline for the rerun")
	}
	if len(f.Items) == 0 {
		t.Error("offline rerun produced no feed items")
	}
}

func TestRunAllReportsOriginalError(t *testing.T) {
	p := newTestPipeline(t, map[radar.Ecosystem]ingest.Source{
		radar.PyPI: &fakeSource{eco: radar.PyPI, err: errors.New("network down")},
	})
	p.Policy.Offline = false
	if _, err := p.RunAll(context.Background(), []radar.Ecosystem{radar.PyPI}, 10, "2025-08-25", 25); err == nil {
		t.Error("expected error when both attempts fail")
	}
	if got := testutil.ToFloat64(p.Metrics.RunFailures); got != 2 {
		t.Errorf("failure counter: got %v, want 2", got)
	}
}

func TestPipelineCleanup(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, nil)
	stale := []radar.ScoredCandidate{{
		Candidate: pipelineCandidate(radar.PyPI, "old-pkg"),
		Score:     0.5,
		Breakdown: radar.ScoreBreakdown{Reasons: []string{"old"}},
		ScoredAt:  pipelineNow.AddDate(0, 0, -120),
	}}
	if err := p.DB.ReplaceDate(ctx, "2025-04-01", stale); err != nil {
		t.Fatalf("ReplaceDate: %v", err)
	}
	if err := p.Files.Write(p.Files.FeedPath("2025-04-01", "feed.md"), []byte("x")); err != nil {
		t.Fatal(err)
	}
	rows, dirs, err := p.Cleanup(ctx, 0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if rows != 1 || dirs != 1 {
		t.Errorf("cleanup: got (%d, %d), want (1, 1)", rows, dirs)
	}
}

// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package pipeline orchestrates the daily scan: fetch candidates per
// ecosystem, gate them on registry existence, score the survivors on a
// bounded pool, and emit the ranked feed and watchlist.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/phantomscan/internal/pipe"
	"github.com/google/phantomscan/pkg/feed"
	"github.com/google/phantomscan/pkg/ingest"
	"github.com/google/phantomscan/pkg/policy"
	"github.com/google/phantomscan/pkg/radar"
	"github.com/google/phantomscan/pkg/registry/exists"
	"github.com/google/phantomscan/pkg/score"
	"github.com/google/phantomscan/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pipeline wires the stages together. All fields are set at construction and
// immutable during a run.
type Pipeline struct {
	Policy  *policy.Policy
	Sources map[radar.Ecosystem]ingest.Source
	Prober  *exists.Prober
	Scorer  *score.Scorer
	DB      *storage.DB
	Files   *storage.FileStore
	Metrics *Metrics
	// Progress, when set, receives completed and total counts while scoring.
	Progress func(done, total int)
	// Now is overridable for tests; zero means time.Now.
	Now func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// Fetch drives every requested source concurrently, persists the raw
// candidate streams under raw/{date}/{eco}.jsonl, and returns the combined
// candidates. A source whose discovery fails entirely falls back to the
// offline seed file.
func (p *Pipeline) Fetch(ctx context.Context, ecosystems []radar.Ecosystem, limit int, date string) ([]radar.PackageCandidate, error) {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var all []radar.PackageCandidate
	for _, eco := range ecosystems {
		src, ok := p.Sources[eco]
		if !ok {
			return nil, errors.Errorf("no source for ecosystem %q", eco)
		}
		g.Go(func() error {
			candidates, err := src.FetchRecent(gctx, limit)
			if err != nil {
				log.Printf("[%s] fetch failed, falling back to seeds: %v", eco, err)
				candidates, err = ingest.LoadSeeds(ingest.SeedPath(p.Policy.DataDir, eco), eco, limit)
				if err != nil {
					return errors.Wrapf(err, "fetching %s", eco)
				}
			}
			var buf bytes.Buffer
			if err := ingest.EncodeCandidates(&buf, candidates); err != nil {
				return errors.Wrapf(err, "encoding %s candidates", eco)
			}
			if err := p.Files.Write(p.Files.RawPath(date, eco), buf.Bytes()); err != nil {
				return errors.Wrapf(err, "persisting %s candidates", eco)
			}
			p.Metrics.fetched(string(eco), len(candidates))
			log.Printf("[%s] fetched %d candidates", eco, len(candidates))
			mu.Lock()
			all = append(all, candidates...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

// ScoreResult is the outcome of the scoring stage for one date.
type ScoreResult struct {
	Scored    []radar.ScoredCandidate
	Watchlist []radar.WatchlistEntry
}

// outcome carries one candidate's result through the scoring pipe. At most
// one field is set; both nil means the candidate was skipped.
type outcome struct {
	scored *radar.ScoredCandidate
	watch  *radar.WatchlistEntry
}

// Score reads the raw candidate streams for a date, existence-gates them,
// scores the survivors on a bounded pool, and persists scored rows plus the
// watchlist.
func (p *Pipeline) Score(ctx context.Context, date string) (*ScoreResult, error) {
	candidates, err := p.loadRaw(date)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		log.Printf("no candidates found for %s", date)
		return &ScoreResult{}, nil
	}

	res := p.scoreAll(ctx, candidates)

	// Ranking happens at feed time; store rows sorted for reproducible reads.
	sort.Slice(res.Scored, func(i, j int) bool {
		if res.Scored[i].Score != res.Scored[j].Score {
			return res.Scored[i].Score > res.Scored[j].Score
		}
		return res.Scored[i].Candidate.Key() < res.Scored[j].Candidate.Key()
	})
	sort.Slice(res.Watchlist, func(i, j int) bool {
		ki := string(res.Watchlist[i].Ecosystem) + ":" + res.Watchlist[i].Name
		kj := string(res.Watchlist[j].Ecosystem) + ":" + res.Watchlist[j].Name
		return ki < kj
	})

	if err := p.persistScored(ctx, date, res); err != nil {
		return nil, err
	}
	log.Printf("scored %d candidates, %d on watchlist", len(res.Scored), len(res.Watchlist))
	return res, nil
}

func (p *Pipeline) loadRaw(date string) ([]radar.PackageCandidate, error) {
	var all []radar.PackageCandidate
	for _, eco := range []radar.Ecosystem{radar.PyPI, radar.NPM} {
		data, err := p.Files.Read(p.Files.RawPath(date, eco))
		if err != nil {
			continue
		}
		candidates, err := ingest.DecodeCandidates(bytes.NewReader(data), 0)
		if err != nil {
			return nil, errors.Wrapf(err, "reading raw %s candidates", eco)
		}
		all = append(all, candidates...)
	}
	return all, nil
}

// scoreAll runs existence gating and scoring over a bounded worker pool. The
// semaphore caps concurrent scoring across the whole run.
func (p *Pipeline) scoreAll(ctx context.Context, candidates []radar.PackageCandidate) *ScoreResult {
	workers := p.Policy.Concurrency.Score
	if workers <= 0 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))

	in := make(chan radar.PackageCandidate, len(candidates))
	for _, c := range candidates {
		in <- c
	}
	close(in)

	results := pipe.ParInto(pipe.From(in), workers, func(c radar.PackageCandidate, out chan<- outcome) {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer sem.Release(1)
		out <- p.evaluate(ctx, c)
	})

	res := &ScoreResult{}
	done, total := 0, len(candidates)
	for o := range results.Out() {
		done++
		if p.Progress != nil {
			p.Progress(done, total)
		}
		switch {
		case o.scored != nil:
			res.Scored = append(res.Scored, *o.scored)
		case o.watch != nil:
			res.Watchlist = append(res.Watchlist, *o.watch)
		}
	}
	return res
}

func (p *Pipeline) evaluate(ctx context.Context, c radar.PackageCandidate) outcome {
	found, reason := p.Prober.ExistsInRegistry(ctx, c.Ecosystem, c.Name)
	if !found && p.Policy.StrictExistence {
		p.Metrics.watchlisted(string(c.Ecosystem))
		return outcome{watch: &radar.WatchlistEntry{
			Ecosystem:      c.Ecosystem,
			Name:           c.Name,
			NotFoundReason: reason,
			FirstSeenAt:    p.now(),
		}}
	}

	start := time.Now()
	sc, err := p.Scorer.ScorePackage(ctx, c)
	p.Metrics.observeScore(time.Since(start).Seconds())
	if err != nil {
		log.Printf("skipping %s: %v", c.Key(), err)
		p.Metrics.skipped(string(c.Ecosystem))
		return outcome{}
	}
	sc.Breakdown.ExistsInRegistry = &found
	if !found {
		sc.Breakdown.NotFoundReason = reason
		sc.Breakdown.AddReasons(fmt.Sprintf("Package not found in registry (%s)", reason))
	}
	p.Metrics.scored(string(c.Ecosystem))
	return outcome{scored: &sc}
}

func (p *Pipeline) persistScored(ctx context.Context, date string, res *ScoreResult) error {
	if err := p.DB.ReplaceDate(ctx, date, res.Scored); err != nil {
		return errors.Wrap(err, "storing scored rows")
	}
	jsonl, err := feed.RenderScoredJSONL(res.Scored)
	if err != nil {
		return err
	}
	if err := p.Files.Write(p.Files.ProcessedPath(date, "scored.jsonl"), jsonl); err != nil {
		return errors.Wrap(err, "writing scored jsonl")
	}
	csvData, err := feed.RenderCSV(res.Scored)
	if err != nil {
		return err
	}
	if err := p.Files.Write(p.Files.ProcessedPath(date, "scored.csv"), csvData); err != nil {
		return errors.Wrap(err, "writing scored csv")
	}
	if len(res.Watchlist) > 0 {
		wj, err := feed.RenderWatchlistJSON(res.Watchlist)
		if err != nil {
			return err
		}
		if err := p.Files.Write(p.Files.FeedPath(date, "watchlist.json"), wj); err != nil {
			return errors.Wrap(err, "writing watchlist json")
		}
		wc, err := feed.RenderWatchlistCSV(res.Watchlist)
		if err != nil {
			return err
		}
		if err := p.Files.Write(p.Files.FeedPath(date, "watchlist.csv"), wc); err != nil {
			return errors.Wrap(err, "writing watchlist csv")
		}
	}
	return nil
}

// BuildFeed reads the date's scored rows from the tabular store, ranks and
// filters them, and writes the feed artifacts.
func (p *Pipeline) BuildFeed(ctx context.Context, date string, topN int) (radar.Feed, error) {
	if topN <= 0 {
		topN = p.Policy.TopN
	}
	rows, err := p.DB.ScoredForDate(ctx, date)
	if err != nil {
		return radar.Feed{}, err
	}
	f := feed.Build(date, rows, p.Policy.MinScore, topN, p.now())

	data, err := feed.RenderJSON(f)
	if err != nil {
		return radar.Feed{}, err
	}
	if err := p.Files.Write(p.Files.FeedPath(date, "topN.json"), data); err != nil {
		return radar.Feed{}, errors.Wrap(err, "writing feed json")
	}
	csvData, err := feed.RenderCSV(f.Items)
	if err != nil {
		return radar.Feed{}, err
	}
	if err := p.Files.Write(p.Files.FeedPath(date, "topN.csv"), csvData); err != nil {
		return radar.Feed{}, errors.Wrap(err, "writing feed csv")
	}
	if err := p.Files.Write(p.Files.FeedPath(date, "feed.md"), feed.RenderMarkdown(f)); err != nil {
		return radar.Feed{}, errors.Wrap(err, "writing feed markdown")
	}
	log.Printf("generated feed with %d candidates", len(f.Items))
	return f, nil
}

// GetFeed loads a previously generated feed for a date.
func (p *Pipeline) GetFeed(date string) (radar.Feed, error) {
	data, err := p.Files.Read(p.Files.FeedPath(date, "topN.json"))
	if err != nil {
		return radar.Feed{}, err
	}
	return feed.ParseJSON(data)
}

// GetLatestFeed loads the most recent generated feed.
func (p *Pipeline) GetLatestFeed() (radar.Feed, error) {
	date, err := p.Files.LatestDate()
	if err != nil {
		return radar.Feed{}, err
	}
	if date == "" {
		return radar.Feed{}, errors.New("no feeds generated yet")
	}
	return p.GetFeed(date)
}

// RunAll executes fetch, score, and feed for one date. On failure in online
// mode it flips to offline and retries once so that a broken network still
// produces output; the original error is reported if the rerun also fails.
func (p *Pipeline) RunAll(ctx context.Context, ecosystems []radar.Ecosystem, limit int, date string, topN int) (radar.Feed, error) {
	runID := uuid.NewString()
	start := time.Now()
	log.Printf("[run %s] starting: ecosystems=%v limit=%d date=%s", runID, ecosystems, limit, date)

	f, err := p.runOnce(ctx, ecosystems, limit, date, topN)
	if err != nil && !p.Policy.Offline {
		p.Metrics.runFailed()
		log.Printf("[run %s] failed (%v), retrying offline", runID, err)
		p.setOffline()
		var retryErr error
		f, retryErr = p.runOnce(ctx, ecosystems, limit, date, topN)
		if retryErr != nil {
			p.Metrics.runFailed()
			return radar.Feed{}, errors.Wrap(err, "pipeline run")
		}
		err = nil
	} else if err != nil {
		p.Metrics.runFailed()
		return radar.Feed{}, errors.Wrap(err, "pipeline run")
	}
	p.Metrics.observeRun(time.Since(start).Seconds())
	log.Printf("[run %s] finished in %s with %d feed items", runID, time.Since(start).Round(time.Millisecond), len(f.Items))
	return f, nil
}

func (p *Pipeline) runOnce(ctx context.Context, ecosystems []radar.Ecosystem, limit int, date string, topN int) (radar.Feed, error) {
	if _, err := p.Fetch(ctx, ecosystems, limit, date); err != nil {
		return radar.Feed{}, err
	}
	if _, err := p.Score(ctx, date); err != nil {
		return radar.Feed{}, err
	}
	return p.BuildFeed(ctx, date, topN)
}

// setOffline flips every networked stage into offline mode for the fallback
// rerun.
func (p *Pipeline) setOffline() {
	p.Policy.Offline = true
	p.Prober.Offline = true
}

// Cleanup applies the retention policy to both stores and returns the number
// of tabular rows and dated directories removed.
func (p *Pipeline) Cleanup(ctx context.Context, retentionDays int) (int64, int, error) {
	if retentionDays <= 0 {
		retentionDays = p.Policy.RetentionDays
	}
	now := p.now()
	rows, err := p.DB.Cleanup(ctx, retentionDays, now)
	if err != nil {
		return 0, 0, err
	}
	dirs, err := p.Files.Cleanup(retentionDays, now)
	return rows, dirs, err
}

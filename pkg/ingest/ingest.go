// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package ingest turns registry-specific recent-package views into a
// normalised candidate stream.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/phantomscan/pkg/radar"
	"github.com/pkg/errors"
)

// Source yields recently observed candidates for one ecosystem. Sources are
// finite and not restartable across invocations; exhaustion is normal. A
// failure to parse one candidate is logged and skipped, never fatal.
type Source interface {
	Ecosystem() radar.Ecosystem
	FetchRecent(ctx context.Context, limit int) ([]radar.PackageCandidate, error)
}

// SeedPath returns the canned seed file used when the offline switch is on.
func SeedPath(dataDir string, eco radar.Ecosystem) string {
	return filepath.Join(dataDir, "seeds", string(eco)+".jsonl")
}

// LoadSeeds reads newline-delimited candidate records from the seed file.
// Malformed lines are skipped with a log line, matching the live parsers'
// failure semantics.
func LoadSeeds(path string, eco radar.Ecosystem, limit int) ([]radar.PackageCandidate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening seed file %s", path)
	}
	defer f.Close()
	candidates, err := DecodeCandidates(f, limit)
	if err != nil {
		return nil, err
	}
	filtered := candidates[:0]
	for _, c := range candidates {
		if c.Ecosystem == eco {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// DecodeCandidates reads up to limit JSONL candidate records. Candidate
// names are re-normalised on read so seed files and raw dumps cannot bypass
// construction-time invariants.
func DecodeCandidates(r io.Reader, limit int) ([]radar.PackageCandidate, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<24)
	var candidates []radar.PackageCandidate
	for scanner.Scan() {
		if limit > 0 && len(candidates) >= limit {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c radar.PackageCandidate
		if err := json.Unmarshal(line, &c); err != nil {
			log.Printf("skipping malformed candidate record: %v", err)
			continue
		}
		normalised, err := radar.NewPackageCandidate(c.Ecosystem, c.Name, c.Version, c.CreatedAt)
		if err != nil {
			log.Printf("skipping invalid candidate record: %v", err)
			continue
		}
		normalised.Homepage = c.Homepage
		normalised.Repository = c.Repository
		normalised.Description = c.Description
		normalised.MaintainersCount = c.MaintainersCount
		normalised.HasInstallScripts = c.HasInstallScripts
		normalised.DisposableEmail = c.DisposableEmail
		normalised.MaintainersAgeHintDays = c.MaintainersAgeHintDays
		normalised.RawMetadata = c.RawMetadata
		candidates = append(candidates, normalised)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading candidate records")
	}
	return candidates, nil
}

// EncodeCandidates writes candidates as one JSON record per line.
func EncodeCandidates(w io.Writer, candidates []radar.PackageCandidate) error {
	enc := json.NewEncoder(w)
	for _, c := range candidates {
		if err := enc.Encode(c); err != nil {
			return errors.Wrap(err, "encoding candidate")
		}
	}
	return nil
}

// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/phantomscan/pkg/radar"
	"github.com/pkg/errors"
)

// FileStore is the dated on-disk tree under the data directory:
//
//	feeds/{date}/topN.json|topN.csv|feed.md|watchlist.json|watchlist.csv
//	raw/{date}/{ecosystem}.jsonl
//	processed/{date}/scored.jsonl|scored.csv
type FileStore struct {
	Root string
}

// dated subtrees, used by path helpers and retention.
var datedDirs = []string{"feeds", "raw", "processed"}

// FeedPath returns the path of a feed artifact for a date.
func (s *FileStore) FeedPath(date, name string) string {
	return filepath.Join(s.Root, "feeds", date, name)
}

// RawPath returns the raw candidate stream path for a date and ecosystem.
func (s *FileStore) RawPath(date string, eco radar.Ecosystem) string {
	return filepath.Join(s.Root, "raw", date, string(eco)+".jsonl")
}

// ProcessedPath returns the scored output path for a date.
func (s *FileStore) ProcessedPath(date, name string) string {
	return filepath.Join(s.Root, "processed", date, name)
}

// Write stores data at path atomically: the bytes land in a temp file in the
// target directory which is then renamed over the destination, so readers
// never observe a partial file.
func (s *FileStore) Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating directory")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "renaming into place")
}

// Read loads a file previously stored by Write.
func (s *FileStore) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	return data, errors.Wrapf(err, "reading %s", path)
}

// Dates lists every date directory present in any dated subtree, newest
// first.
func (s *FileStore) Dates() ([]string, error) {
	seen := make(map[string]bool)
	for _, sub := range datedDirs {
		entries, err := os.ReadDir(filepath.Join(s.Root, sub))
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return nil, errors.Wrapf(err, "listing %s", sub)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if _, err := radar.ParseDate(e.Name()); err != nil {
				continue
			}
			seen[e.Name()] = true
		}
	}
	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	// Dates are ISO-formatted, so lexical order is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// LatestDate returns the most recent stored date, or "" when empty.
func (s *FileStore) LatestDate() (string, error) {
	dates, err := s.Dates()
	if err != nil || len(dates) == 0 {
		return "", err
	}
	return dates[0], nil
}

// Cleanup removes dated directories older than retentionDays before now.
func (s *FileStore) Cleanup(retentionDays int, now time.Time) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := radar.DateOf(now.AddDate(0, 0, -retentionDays))
	var removed int
	for _, sub := range datedDirs {
		entries, err := os.ReadDir(filepath.Join(s.Root, sub))
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return removed, errors.Wrapf(err, "listing %s", sub)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if _, err := radar.ParseDate(e.Name()); err != nil {
				continue
			}
			if e.Name() >= cutoff {
				continue
			}
			if err := os.RemoveAll(filepath.Join(s.Root, sub, e.Name())); err != nil {
				return removed, errors.Wrapf(err, "removing %s/%s", sub, e.Name())
			}
			removed++
		}
	}
	return removed, nil
}

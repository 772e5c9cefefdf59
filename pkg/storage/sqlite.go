// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package storage persists scored candidates twice: a SQLite table for
// queries across dates, and a dated file tree for feeds and raw streams.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/sqlite3"
	"github.com/google/phantomscan/pkg/radar"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const scoredTable = "scored_candidates"

const schema = `
CREATE TABLE IF NOT EXISTS scored_candidates (
	date TEXT NOT NULL,
	ecosystem TEXT NOT NULL,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	created_at TEXT NOT NULL,
	score REAL NOT NULL,
	name_suspicion REAL NOT NULL,
	known_hallucination REAL NOT NULL,
	content_risk REAL NOT NULL,
	script_risk REAL NOT NULL,
	newness REAL NOT NULL,
	repo_missing REAL NOT NULL,
	maintainer_reputation REAL NOT NULL,
	docs_absence REAL NOT NULL,
	provenance_risk REAL NOT NULL,
	repo_asymmetry REAL NOT NULL,
	download_anomaly REAL NOT NULL,
	version_flip REAL NOT NULL,
	exists_in_registry INTEGER,
	not_found_reason TEXT NOT NULL DEFAULT '',
	homepage TEXT NOT NULL DEFAULT '',
	repository TEXT NOT NULL DEFAULT '',
	maintainers_count INTEGER NOT NULL DEFAULT 0,
	has_install_scripts INTEGER NOT NULL DEFAULT 0,
	reasons TEXT NOT NULL DEFAULT '[]',
	scored_at TEXT NOT NULL,
	PRIMARY KEY (date, ecosystem, name)
);
CREATE INDEX IF NOT EXISTS idx_scored_date_score ON scored_candidates (date, score DESC);
`

var dialect = goqu.Dialect("sqlite3")

// DB is the tabular scored-candidate store.
type DB struct {
	conn *sql.DB
}

// Open opens (and initialises) the store at path, creating parent
// directories as needed.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "creating database directory")
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// SQLite serialises writers; a single connection avoids lock errors.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "initialising schema")
	}
	return &DB{conn: conn}, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// ReplaceDate idempotently stores the full scored set for one date: a single
// transaction deletes the date's rows and inserts the new set.
func (db *DB) ReplaceDate(ctx context.Context, date string, rows []radar.ScoredCandidate) error {
	if _, err := radar.ParseDate(date); err != nil {
		return err
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	delSQL, delArgs, err := dialect.Delete(scoredTable).Where(goqu.C("date").Eq(date)).Prepared(true).ToSQL()
	if err != nil {
		return errors.Wrap(err, "building delete")
	}
	if _, err := tx.ExecContext(ctx, delSQL, delArgs...); err != nil {
		return errors.Wrap(err, "deleting existing rows")
	}
	for _, sc := range rows {
		record, err := scoredRecord(date, sc)
		if err != nil {
			return err
		}
		insSQL, insArgs, err := dialect.Insert(scoredTable).Rows(record).Prepared(true).ToSQL()
		if err != nil {
			return errors.Wrap(err, "building insert")
		}
		if _, err := tx.ExecContext(ctx, insSQL, insArgs...); err != nil {
			return errors.Wrapf(err, "inserting %s", sc.Candidate.Key())
		}
	}
	return errors.Wrap(tx.Commit(), "committing")
}

func scoredRecord(date string, sc radar.ScoredCandidate) (goqu.Record, error) {
	reasons, err := json.Marshal(sc.Breakdown.Reasons)
	if err != nil {
		return nil, errors.Wrap(err, "encoding reasons")
	}
	c := sc.Candidate
	b := sc.Breakdown
	// NULL marks candidates whose existence was never probed.
	var existsVal any
	if b.ExistsInRegistry != nil {
		existsVal = *b.ExistsInRegistry
	}
	return goqu.Record{
		"date":                  date,
		"ecosystem":             string(c.Ecosystem),
		"name":                  c.Name,
		"version":               c.Version,
		"created_at":            c.CreatedAt.UTC().Format(time.RFC3339),
		"score":                 sc.Score,
		"name_suspicion":        b.NameSuspicion,
		"known_hallucination":   b.KnownHallucination,
		"content_risk":          b.ContentRisk,
		"script_risk":           b.ScriptRisk,
		"newness":               b.Newness,
		"repo_missing":          b.RepoMissing,
		"maintainer_reputation": b.MaintainerReputation,
		"docs_absence":          b.DocsAbsence,
		"provenance_risk":       b.ProvenanceRisk,
		"repo_asymmetry":        b.RepoAsymmetry,
		"download_anomaly":      b.DownloadAnomaly,
		"version_flip":          b.VersionFlip,
		"exists_in_registry":    existsVal,
		"not_found_reason":      b.NotFoundReason,
		"homepage":              c.Homepage,
		"repository":            c.Repository,
		"maintainers_count":     c.MaintainersCount,
		"has_install_scripts":   c.HasInstallScripts,
		"reasons":               string(reasons),
		"scored_at":             sc.ScoredAt.UTC().Format(time.RFC3339),
	}, nil
}

// ScoredForDate returns all scored rows for a date, highest score first with
// an ascending name tie-break.
func (db *DB) ScoredForDate(ctx context.Context, date string) ([]radar.ScoredCandidate, error) {
	query, args, err := dialect.From(scoredTable).
		Where(goqu.C("date").Eq(date)).
		Order(goqu.C("score").Desc(), goqu.C("name").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.Wrap(err, "building select")
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying scored rows")
	}
	defer rows.Close()

	var out []radar.ScoredCandidate
	for rows.Next() {
		sc, err := scanScored(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, errors.Wrap(rows.Err(), "iterating scored rows")
}

func scanScored(rows *sql.Rows) (radar.ScoredCandidate, error) {
	var (
		sc                  radar.ScoredCandidate
		date                string
		eco                 string
		createdAt, scoredAt string
		hasInstall          bool
		existsIn            sql.NullBool
		reasons             string
	)
	c := &sc.Candidate
	b := &sc.Breakdown
	if err := rows.Scan(
		&date, &eco, &c.Name, &c.Version, &createdAt, &sc.Score,
		&b.NameSuspicion, &b.KnownHallucination, &b.ContentRisk, &b.ScriptRisk,
		&b.Newness, &b.RepoMissing, &b.MaintainerReputation, &b.DocsAbsence,
		&b.ProvenanceRisk, &b.RepoAsymmetry, &b.DownloadAnomaly, &b.VersionFlip,
		&existsIn, &b.NotFoundReason,
		&c.Homepage, &c.Repository, &c.MaintainersCount, &hasInstall,
		&reasons, &scoredAt,
	); err != nil {
		return sc, errors.Wrap(err, "scanning scored row")
	}
	c.Ecosystem = radar.Ecosystem(eco)
	c.HasInstallScripts = hasInstall
	if existsIn.Valid {
		v := existsIn.Bool
		b.ExistsInRegistry = &v
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		c.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, scoredAt); err == nil {
		sc.ScoredAt = t
	}
	if err := json.Unmarshal([]byte(reasons), &b.Reasons); err != nil {
		return sc, errors.Wrap(err, "decoding reasons")
	}
	return sc, nil
}

// Dates returns every stored date, newest first.
func (db *DB) Dates(ctx context.Context) ([]string, error) {
	query, args, err := dialect.From(scoredTable).
		Select(goqu.C("date")).Distinct().
		Order(goqu.C("date").Desc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.Wrap(err, "building select")
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying dates")
	}
	defer rows.Close()
	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, errors.Wrap(err, "scanning date")
		}
		dates = append(dates, d)
	}
	return dates, errors.Wrap(rows.Err(), "iterating dates")
}

// Cleanup deletes rows older than retentionDays before now and returns how
// many were removed.
func (db *DB) Cleanup(ctx context.Context, retentionDays int, now time.Time) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := radar.DateOf(now.AddDate(0, 0, -retentionDays))
	query, args, err := dialect.Delete(scoredTable).Where(goqu.C("date").Lt(cutoff)).Prepared(true).ToSQL()
	if err != nil {
		return 0, errors.Wrap(err, "building delete")
	}
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "deleting old rows")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

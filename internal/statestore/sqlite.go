// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"districter.dev/coordinator/internal/config"
)

var sqliteLogger = logrus.WithFields(logrus.Fields{
	"app":       "districter",
	"component": "statestore.sqlite",
})

const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	path        TEXT NOT NULL UNIQUE,
	config_name TEXT NOT NULL,
	meta        TEXT NOT NULL DEFAULT '',
	ingest_time INTEGER NOT NULL,
	kmpp        REAL,
	spread      INTEGER,
	stat_sum    TEXT NOT NULL DEFAULT '',
	retries     INTEGER NOT NULL DEFAULT 0,
	CHECK ((kmpp IS NULL) = (spread IS NULL))
);
CREATE INDEX IF NOT EXISTS idx_submissions_config ON submissions(config_name);
`

type sqliteBackend struct {
	db *sql.DB
}

// newSQLite opens (or creates) the submission database. An empty or
// ":memory:" path yields an in-memory database, used by tests.
func newSQLite(cfg config.View) (*sqliteBackend, error) {
	path := cfg.GetString("store.path")
	dsn := "file::memory:"
	if path != "" && path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	// The modernc driver gives each connection its own view of an in-memory
	// database, and the coordinator's writes are serialized anyway.
	db.SetMaxOpenConns(1)

	// Another coordinator holding the file lock is transient; back off rather
	// than fail the run.
	connect := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	err = backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	}, connect)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite %q: %w", dsn, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	sqliteLogger.WithFields(logrus.Fields{
		"path": path,
	}).Debug("submission store opened")
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}

func (b *sqliteBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *sqliteBackend) Lookup(ctx context.Context, path string) (*Submission, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT id, path, config_name, meta, ingest_time, kmpp, spread, stat_sum, retries
		 FROM submissions WHERE path = ?`, path)
	s, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup submission: %w", err)
	}
	return s, nil
}

func (b *sqliteBackend) Insert(ctx context.Context, s *Submission) (int64, error) {
	if err := s.validate(); err != nil {
		return 0, err
	}

	var kmpp sql.NullFloat64
	var spread sql.NullInt64
	if s.Kmpp != nil {
		kmpp = sql.NullFloat64{Float64: *s.Kmpp, Valid: true}
		spread = sql.NullInt64{Int64: *s.Spread, Valid: true}
	}

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO submissions(path, config_name, meta, ingest_time, kmpp, spread, stat_sum, retries)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Path, s.Config, encodeMeta(s.Meta), s.IngestTime.Unix(), kmpp, spread, s.StatSum, s.Retries)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicatePath
		}
		return 0, fmt.Errorf("insert submission: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

func (b *sqliteBackend) UpdateScore(ctx context.Context, id int64, kmpp float64, spread int64) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE submissions SET kmpp = ?, spread = ? WHERE id = ?`, kmpp, spread, id)
	if err != nil {
		return fmt.Errorf("update score: %w", err)
	}
	return nil
}

func (b *sqliteBackend) BumpRetries(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE submissions SET retries = retries + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("bump retries: %w", err)
	}
	return nil
}

func (b *sqliteBackend) BestFor(ctx context.Context, configName string) (*Submission, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT id, path, config_name, meta, ingest_time, kmpp, spread, stat_sum, retries
		 FROM submissions
		 WHERE config_name = ? AND kmpp IS NOT NULL
		 ORDER BY kmpp ASC, ingest_time ASC, id ASC
		 LIMIT 1`, configName)
	s, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("best submission: %w", err)
	}
	return s, nil
}

func (b *sqliteBackend) CountFor(ctx context.Context, configName string) (int64, int64, error) {
	var total, unscored int64
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN kmpp IS NULL THEN 1 ELSE 0 END), 0)
		 FROM submissions WHERE config_name = ?`, configName).Scan(&total, &unscored)
	if err != nil {
		return 0, 0, fmt.Errorf("count submissions: %w", err)
	}
	return total, unscored, nil
}

func (b *sqliteBackend) TopKCosts(ctx context.Context, configName string, k int) ([]float64, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT kmpp FROM submissions
		 WHERE config_name = ? AND kmpp IS NOT NULL
		 ORDER BY kmpp ASC
		 LIMIT ?`, configName, k)
	if err != nil {
		return nil, fmt.Errorf("top costs: %w", err)
	}
	defer rows.Close()

	var costs []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan cost: %w", err)
		}
		costs = append(costs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("top costs: %w", err)
	}
	return costs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(r rowScanner) (*Submission, error) {
	var s Submission
	var meta string
	var ingestUnix int64
	var kmpp sql.NullFloat64
	var spread sql.NullInt64
	err := r.Scan(&s.ID, &s.Path, &s.Config, &meta, &ingestUnix, &kmpp, &spread, &s.StatSum, &s.Retries)
	if err != nil {
		return nil, err
	}
	s.IngestTime = time.Unix(ingestUnix, 0).UTC()
	if kmpp.Valid {
		s.Kmpp = &kmpp.Float64
		s.Spread = &spread.Int64
	}
	s.Meta, err = decodeMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &s, nil
}

func isUniqueViolation(err error) bool {
	// The modernc driver does not export a sentinel for constraint
	// violations; match on the stable SQLite error text.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

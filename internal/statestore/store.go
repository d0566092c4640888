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

// Package statestore persists every ingested submission and answers the
// tournament queries over them.
package statestore

import (
	"context"
	"errors"
	"net/url"
	"time"

	"districter.dev/coordinator/internal/config"
	"districter.dev/coordinator/internal/telemetry"
)

var (
	// ErrDuplicatePath is returned by Insert when a submission with the same
	// archive path already exists. Concurrent sweep workers treat it as a
	// benign lost race.
	ErrDuplicatePath = errors.New("statestore: a submission with this path already exists")

	// ErrScorePairing is returned when a submission carries only one of the
	// two score fields. They are produced together or not at all.
	ErrScorePairing = errors.New("statestore: kmpp and spread must both be set or both be absent")
)

// Submission is one client-reported attempt for a configuration. Rows are
// created once at ingestion; only the score fields and the retry counter are
// ever updated, and only by the bounded rescan of failed evaluations.
type Submission struct {
	ID     int64
	Path   string
	Config string

	// Meta is the client-supplied metadata, untrusted and schema-less.
	Meta map[string]string

	// IngestTime is the archive's modification time, not the wall clock at
	// ingestion.
	IngestTime time.Time

	// Kmpp is the cost metric and Spread the population balance metric.
	// Either both are set or both are nil.
	Kmpp   *float64
	Spread *int64

	// StatSum is the client's final-statistics summary, verbatim. Empty when
	// the archive carried none.
	StatSum string

	// Retries counts failed evaluator invocations for this row.
	Retries int
}

// Scored reports whether the submission has a usable score.
func (s *Submission) Scored() bool {
	return s != nil && s.Kmpp != nil
}

func (s *Submission) validate() error {
	if (s.Kmpp == nil) != (s.Spread == nil) {
		return ErrScorePairing
	}
	return nil
}

// encodeMeta renders the metadata in its wire form (URL-encoded pairs).
func encodeMeta(m map[string]string) string {
	v := url.Values{}
	for k, val := range m {
		v.Set(k, val)
	}
	return v.Encode()
}

func decodeMeta(s string) (map[string]string, error) {
	v, err := url.ParseQuery(s)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(v))
	for k := range v {
		m[k] = v.Get(k)
	}
	return m, nil
}

// Service is a generic interface for talking to the submission storage backend.
type Service interface {
	// HealthCheck indicates if the database is reachable.
	HealthCheck(ctx context.Context) error

	// Lookup returns the submission with the given archive path, or nil if
	// none exists. Ingestion uses it to skip already-processed archives.
	Lookup(ctx context.Context, path string) (*Submission, error)

	// Insert creates a new submission row. It fails with ErrDuplicatePath if
	// the path is already present; the store is the authority on idempotence.
	Insert(ctx context.Context, s *Submission) (int64, error)

	// UpdateScore backfills the score of a previously failed evaluation.
	// Only the bounded rescan path calls this.
	UpdateScore(ctx context.Context, id int64, kmpp float64, spread int64) error

	// BumpRetries increments the failed-evaluation counter for a row.
	BumpRetries(ctx context.Context, id int64) error

	// BestFor returns the submission with the lowest cost metric among scored
	// rows for the configuration, or nil if none are scored. Ties break by
	// earliest ingest time, then lowest id.
	BestFor(ctx context.Context, configName string) (*Submission, error)

	// CountFor returns the total number of submissions for the configuration
	// and how many of them are still unscored.
	CountFor(ctx context.Context, configName string) (total, unscored int64, err error)

	// TopKCosts returns the k lowest cost metrics among scored rows for the
	// configuration, sorted ascending, ties included in order.
	TopKCosts(ctx context.Context, configName string, k int) ([]float64, error)

	// Close closes the connection to the underlying storage.
	Close() error
}

// New creates a Service based on the configuration.
func New(cfg config.View) (Service, error) {
	s, err := newSQLite(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.GetBool(telemetry.ConfigNameEnableMetrics) {
		return &instrumentedService{
			s: s,
		}, nil
	}
	return s, nil
}

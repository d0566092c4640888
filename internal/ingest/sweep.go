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

package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"districter.dev/coordinator/internal/config"
	"districter.dev/coordinator/internal/evaluator"
	"districter.dev/coordinator/internal/registry"
	"districter.dev/coordinator/internal/statestore"
	"districter.dev/coordinator/internal/telemetry"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "districter",
		"component": "ingest",
	})

	mSweeps     = telemetry.Counter("ingest/sweeps", "completed ingestion sweeps")
	mFound      = telemetry.Gauge("ingest/found", "archives present in the submissions directory")
	mScored     = telemetry.Counter("ingest/scored", "archives scored and recorded")
	mLogOnly    = telemetry.Counter("ingest/logonly", "archives recorded without a solution to score")
	mFailed     = telemetry.Counter("ingest/failed", "archives recorded with a failed evaluation")
	mCorrupt    = telemetry.Counter("ingest/corrupt", "unreadable archives")
	mUnresolved = telemetry.Counter("ingest/unresolved", "archives matching no known configuration")
	mSkipped    = telemetry.Counter("ingest/skipped", "archives skipped as already ingested")
)

const archiveSuffix = ".tar.gz"

// Summary is the outcome of one sweep over the submissions directory.
type Summary struct {
	// SweepID tags every log line of the sweep for correlation.
	SweepID string

	Found      int
	Scored     int
	Rescored   int
	LogOnly    int
	Failed     int
	Corrupt    int
	Unresolved int
	Skipped    int
}

// Sweeper scans the submissions directory and drives each new archive
// through extraction, configuration resolution, scoring and storage.
type Sweeper struct {
	store statestore.Service
	reg   *registry.Registry
	eval  evaluator.Evaluator

	// OnFailure, when set, receives the archive path and trajectory log of
	// every failed evaluation, for diagnostic plotting. It must not block.
	OnFailure func(path string, statlog []byte)

	root        string
	strict      bool
	parallelism int
	maxRescans  int
}

// New builds a Sweeper from the config. ingest.root is the submissions
// directory; ingest.strict stops a sweep at the first failure instead of
// logging and continuing.
func New(cfg config.View, store statestore.Service, reg *registry.Registry, eval evaluator.Evaluator) *Sweeper {
	parallelism := cfg.GetInt("ingest.parallelism")
	if parallelism < 1 {
		parallelism = 1
	}
	maxRescans := 3
	if cfg.IsSet("ingest.maxRescans") {
		maxRescans = cfg.GetInt("ingest.maxRescans")
	}
	return &Sweeper{
		store:       store,
		reg:         reg,
		eval:        eval,
		root:        cfg.GetString("ingest.root"),
		strict:      cfg.GetBool("ingest.strict"),
		parallelism: parallelism,
		maxRescans:  maxRescans,
	}
}

// Run performs one full sweep. Archives already in the store are skipped,
// unless their evaluation failed and the rescan budget is not yet spent. The
// sweep is idempotent: running it twice over the same directory changes
// nothing the second time.
func (sw *Sweeper) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{SweepID: xid.New().String()}
	log := logger.WithField("sweep", sum.SweepID)

	var archives []string
	err := filepath.WalkDir(sw.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), archiveSuffix) {
			return nil
		}
		archives = append(archives, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sum.Found = len(archives)
	telemetry.SetGauge(ctx, mFound, int64(sum.Found))
	log.WithField("archives", sum.Found).Info("sweep started")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sw.parallelism)
	for _, path := range archives {
		path := path
		g.Go(func() error {
			outcome, err := sw.processOne(gctx, log, path)
			if err != nil {
				if sw.strict || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				log.WithFields(logrus.Fields{
					"archive": path,
					"error":   err.Error(),
				}).Warning("archive failed, continuing")
			}
			mu.Lock()
			outcome.addTo(sum)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}

	telemetry.RecordUnitMeasurement(ctx, mSweeps)
	log.WithFields(logrus.Fields{
		"scored":     sum.Scored,
		"rescored":   sum.Rescored,
		"failed":     sum.Failed,
		"corrupt":    sum.Corrupt,
		"unresolved": sum.Unresolved,
		"skipped":    sum.Skipped,
	}).Info("sweep finished")
	return sum, nil
}

// outcome is the per-archive tally merged into the sweep Summary.
type outcome struct {
	scored, rescored, logOnly, failed, corrupt, unresolved, skipped int
}

func (o outcome) addTo(s *Summary) {
	s.Scored += o.scored
	s.Rescored += o.rescored
	s.LogOnly += o.logOnly
	s.Failed += o.failed
	s.Corrupt += o.corrupt
	s.Unresolved += o.unresolved
	s.Skipped += o.skipped
}

func (sw *Sweeper) processOne(ctx context.Context, log *logrus.Entry, path string) (outcome, error) {
	rel, err := filepath.Rel(sw.root, path)
	if err != nil {
		rel = path
	}

	existing, err := sw.store.Lookup(ctx, rel)
	if err != nil {
		return outcome{}, err
	}
	if existing != nil {
		if existing.Scored() || existing.Retries >= sw.maxRescans {
			telemetry.RecordUnitMeasurement(ctx, mSkipped)
			return outcome{skipped: 1}, nil
		}
		return sw.rescan(ctx, log, path, existing)
	}

	bundle, err := ReadBundle(path)
	if err != nil {
		if errors.Is(err, ErrArchiveCorrupt) {
			// No row for corrupt archives: a re-uploaded fix under the same
			// path must be ingested fresh.
			telemetry.RecordUnitMeasurement(ctx, mCorrupt)
			return outcome{corrupt: 1}, err
		}
		return outcome{}, err
	}

	cfg := sw.reg.Resolve(bundle.Meta)
	if cfg == nil {
		telemetry.RecordUnitMeasurement(ctx, mUnresolved)
		log.WithField("archive", rel).Warning("no configuration matches the archive metadata")
		return outcome{unresolved: 1}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return outcome{}, err
	}
	sub := &statestore.Submission{
		Path:       rel,
		Config:     cfg.Name,
		Meta:       bundle.Meta,
		IngestTime: info.ModTime(),
		StatSum:    string(bundle.StatSum),
	}

	if bundle.LogOnly() {
		// Metadata without a solution is a valid submission: record it
		// unscored without touching the evaluator. It counts toward the
		// configuration's totals and is never retried.
		if _, err := sw.store.Insert(ctx, sub); err != nil {
			if errors.Is(err, statestore.ErrDuplicatePath) {
				telemetry.RecordUnitMeasurement(ctx, mSkipped)
				return outcome{skipped: 1}, nil
			}
			return outcome{}, err
		}
		telemetry.RecordUnitMeasurement(ctx, mLogOnly)
		log.WithFields(logrus.Fields{
			"archive": rel,
			"config":  cfg.Name,
		}).Info("log-only archive recorded")
		return outcome{logOnly: 1}, nil
	}

	score, evalErr := sw.eval.Evaluate(ctx, cfg, bundle.Solution)
	if evalErr != nil && !errors.Is(evalErr, evaluator.ErrEvaluation) {
		return outcome{}, evalErr
	}
	if evalErr == nil {
		sub.Kmpp = &score.Kmpp
		sub.Spread = &score.Spread
	}

	if _, err := sw.store.Insert(ctx, sub); err != nil {
		if errors.Is(err, statestore.ErrDuplicatePath) {
			// Another worker won the race; the store already holds the row.
			telemetry.RecordUnitMeasurement(ctx, mSkipped)
			return outcome{skipped: 1}, nil
		}
		return outcome{}, err
	}

	if evalErr != nil {
		telemetry.RecordUnitMeasurement(ctx, mFailed)
		if sw.OnFailure != nil {
			sw.OnFailure(rel, bundle.StatLog)
		}
		return outcome{failed: 1}, evalErr
	}
	telemetry.RecordUnitMeasurement(ctx, mScored)
	log.WithFields(logrus.Fields{
		"archive": rel,
		"config":  cfg.Name,
		"kmpp":    score.Kmpp,
		"spread":  score.Spread,
	}).Info("archive scored")
	return outcome{scored: 1}, nil
}

// rescan retries the evaluation of a row whose score is still missing. The
// row is never rewritten; only the score is backfilled or the retry counter
// bumped.
func (sw *Sweeper) rescan(ctx context.Context, log *logrus.Entry, path string, sub *statestore.Submission) (outcome, error) {
	cfg := sw.reg.Get(sub.Config)
	if cfg == nil {
		telemetry.RecordUnitMeasurement(ctx, mSkipped)
		return outcome{skipped: 1}, nil
	}
	bundle, err := ReadBundle(path)
	if err != nil {
		telemetry.RecordUnitMeasurement(ctx, mCorrupt)
		return outcome{corrupt: 1}, err
	}
	if bundle.LogOnly() {
		// Log-only rows stay unscored; they are not evaluation failures.
		telemetry.RecordUnitMeasurement(ctx, mSkipped)
		return outcome{skipped: 1}, nil
	}

	score, err := sw.eval.Evaluate(ctx, cfg, bundle.Solution)
	if err != nil {
		if !errors.Is(err, evaluator.ErrEvaluation) {
			return outcome{}, err
		}
		if berr := sw.store.BumpRetries(ctx, sub.ID); berr != nil {
			return outcome{}, berr
		}
		telemetry.RecordUnitMeasurement(ctx, mFailed)
		if sw.OnFailure != nil {
			sw.OnFailure(sub.Path, bundle.StatLog)
		}
		return outcome{failed: 1}, err
	}

	if err := sw.store.UpdateScore(ctx, sub.ID, score.Kmpp, score.Spread); err != nil {
		return outcome{}, err
	}
	telemetry.RecordUnitMeasurement(ctx, mScored)
	log.WithFields(logrus.Fields{
		"archive": sub.Path,
		"config":  sub.Config,
		"retries": sub.Retries,
	}).Info("failed evaluation backfilled")
	return outcome{rescored: 1}, nil
}

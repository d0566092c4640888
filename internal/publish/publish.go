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

package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"districter.dev/coordinator/internal/config"
	"districter.dev/coordinator/internal/ingest"
	"districter.dev/coordinator/internal/registry"
	"districter.dev/coordinator/internal/telemetry"
	"districter.dev/coordinator/internal/tournament"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "districter",
		"component": "publish",
	})

	mArtifacts = telemetry.Counter("publish/artifacts", "artifacts published")
	mFailures  = telemetry.Counter("publish/failures", "artifact publish failures")
)

const (
	archiveArtifact = "best.tar.gz"
	reportArtifact  = "report.txt"
	mapArtifact     = "map.png"
)

// Publisher exports each configuration's current winner: the winning archive,
// a short text report, and (when a renderer is configured) a rendered map.
type Publisher struct {
	renderer Renderer

	out        string
	ingestRoot string
	force      bool
}

// New builds a Publisher from the config. publish.out is the public artifact
// root; publish.force redraws every map regardless of staleness. A nil
// renderer disables the map artifact.
func New(cfg config.View, renderer Renderer) *Publisher {
	return &Publisher{
		renderer:   renderer,
		out:        cfg.GetString("publish.out"),
		ingestRoot: cfg.GetString("ingest.root"),
		force:      cfg.GetBool("publish.force"),
	}
}

// Run publishes artifacts for every configuration with a winner. Publish
// failures are isolated per artifact: the next sweep's staleness check
// retries them, so one bad artifact never blocks the rest of the cycle.
func (p *Publisher) Run(ctx context.Context, reg *registry.Registry, results []tournament.Result) error {
	var errs []error
	for _, r := range results {
		if r.Best == nil {
			continue
		}
		cfg := reg.Get(r.Config)
		if cfg == nil {
			continue
		}
		if err := p.publishOne(ctx, cfg, &r); err != nil {
			telemetry.RecordUnitMeasurement(ctx, mFailures)
			logger.WithFields(logrus.Fields{
				"config": r.Config,
				"error":  err.Error(),
			}).Warning("artifact publish failed, will retry next cycle")
			errs = append(errs, fmt.Errorf("publish %s: %w", r.Config, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) publishOne(ctx context.Context, cfg *registry.Configuration, r *tournament.Result) error {
	dir := filepath.Join(p.out, cfg.Name)
	src := filepath.Join(p.ingestRoot, r.Best.Path)

	if err := LinkOrCopyAtomic(src, filepath.Join(dir, archiveArtifact)); err != nil {
		return err
	}

	if err := p.writeReport(dir, r); err != nil {
		return err
	}

	if p.renderer != nil {
		if err := p.renderMap(ctx, cfg, src, dir); err != nil {
			return err
		}
	}

	telemetry.RecordUnitMeasurement(ctx, mArtifacts)
	return nil
}

// writeReport rewrites the report only when its content changed, keeping the
// artifact's mtime meaningful for staleness checks elsewhere.
func (p *Publisher) writeReport(dir string, r *tournament.Result) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "config: %s\n", r.Config)
	fmt.Fprintf(&b, "winner: %s\n", r.Best.Path)
	fmt.Fprintf(&b, "kmpp: %g\n", *r.Best.Kmpp)
	fmt.Fprintf(&b, "spread: %d\n", *r.Best.Spread)
	fmt.Fprintf(&b, "submitted: %s\n", r.Best.IngestTime.UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(&b, "submissions: %d (%d unscored)\n", r.Total, r.Unscored)
	for _, k := range []string{"user", "host"} {
		if v := r.Best.Meta[k]; v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}

	path := filepath.Join(dir, reportArtifact)
	if old, err := os.ReadFile(path); err == nil && bytes.Equal(old, b.Bytes()) {
		return nil
	}
	return WriteFileAtomic(path, b.Bytes(), 0o644)
}

func (p *Publisher) renderMap(ctx context.Context, cfg *registry.Configuration, src, dir string) error {
	out := filepath.Join(dir, mapArtifact)
	if !p.force && !Stale(out, cfg.DataPath, src) {
		return nil
	}

	bundle, err := ingest.ReadBundle(src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	staging := filepath.Join(dir, ".staging-"+mapArtifact)
	defer os.Remove(staging)
	if err := p.renderer.Render(ctx, cfg, bundle.Solution, staging); err != nil {
		return err
	}
	if err := os.Rename(staging, out); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"config": cfg.Name,
		"map":    out,
	}).Info("map rendered")
	return nil
}

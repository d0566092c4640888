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

// Package coordinator wires the full submission pipeline: ingestion sweep,
// tournament snapshot, work-weight directives and artifact publication.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"districter.dev/coordinator/internal/appmain"
	"districter.dev/coordinator/internal/config"
	"districter.dev/coordinator/internal/diag"
	"districter.dev/coordinator/internal/evaluator"
	"districter.dev/coordinator/internal/ingest"
	"districter.dev/coordinator/internal/publish"
	"districter.dev/coordinator/internal/registry"
	"districter.dev/coordinator/internal/serve"
	"districter.dev/coordinator/internal/statestore"
	"districter.dev/coordinator/internal/tournament"
	"districter.dev/coordinator/internal/weights"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "districter",
	"component": "app.coordinator",
})

// Coordinator runs the sweep pipeline over one registry and one store.
type Coordinator struct {
	store  statestore.Service
	cacher *config.Cacher

	eval     evaluator.Evaluator
	renderer publish.Renderer
}

// pipeline is everything derived from the config. It is cached across sweeps
// and rebuilt only when a config value it reads changes, so a long-running
// daemon picks up registry or output-path edits between sweeps.
type pipeline struct {
	reg       *registry.Registry
	sweeper   *ingest.Sweeper
	weights   *weights.Publisher
	publisher *publish.Publisher
	strict    bool
}

// New builds a Coordinator from the config, with the external evaluator and
// renderer subprocesses.
func New(cfg config.View) (*Coordinator, error) {
	eval, err := evaluator.NewCmd(cfg)
	if err != nil {
		return nil, err
	}
	return NewWith(cfg, eval, publish.NewCmdRenderer(cfg))
}

// NewWith builds a Coordinator around an injected evaluator and renderer, so
// the pipeline can run without spawning subprocesses.
func NewWith(cfg config.View, eval evaluator.Evaluator, renderer publish.Renderer) (*Coordinator, error) {
	store, err := statestore.New(cfg)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		store:    store,
		cacher:   config.NewCacher(cfg),
		eval:     eval,
		renderer: renderer,
	}
	if _, err := c.pipeline(); err != nil {
		store.Close()
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) pipeline() (*pipeline, error) {
	v, err := c.cacher.Get(func(cfg config.View) (interface{}, error) {
		reg, err := registry.Load(cfg.GetString("registry.root"), cfg.GetStringSlice("registry.only"))
		if err != nil {
			return nil, err
		}

		sweeper := ingest.New(cfg, c.store, reg, c.eval)
		if r := diag.NewReporter(cfg); r != nil {
			sweeper.OnFailure = r.Report
		}

		return &pipeline{
			reg:       reg,
			sweeper:   sweeper,
			weights:   weights.New(cfg, c.store),
			publisher: publish.New(cfg, c.renderer),
			strict:    cfg.GetBool("ingest.strict"),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pipeline), nil
}

// Close releases the store.
func (c *Coordinator) Close() error {
	return c.store.Close()
}

// Sweep runs one full cycle: ingest new archives, recompute standings,
// publish directives and artifacts. Publish failures are fatal only in
// strict mode; the next cycle's staleness check retries them.
func (c *Coordinator) Sweep(ctx context.Context) error {
	p, err := c.pipeline()
	if err != nil {
		return err
	}

	if _, err := p.sweeper.Run(ctx); err != nil {
		return err
	}

	results, err := tournament.Snapshot(ctx, c.store, p.reg)
	if err != nil {
		return err
	}

	if err := p.weights.Publish(ctx, results); err != nil {
		return err
	}

	if err := p.publisher.Run(ctx, p.reg, results); err != nil {
		if p.strict {
			return err
		}
		logger.WithError(err).Warning("artifact publication incomplete")
	}
	return nil
}

// BindService runs the coordinator as a daemon: periodic sweeps plus the
// polling endpoints.
func BindService(p *appmain.Params, b *appmain.Bindings) error {
	cfg := p.Config()

	c, err := New(cfg)
	if err != nil {
		return err
	}
	b.AddCloserErr(c.Close)
	b.AddHealthCheckFunc(c.store.HealthCheck)

	// The registry the endpoints report over is the one loaded at startup;
	// registry edits apply to sweeps on the next cache rebuild.
	pl, err := c.pipeline()
	if err != nil {
		return err
	}
	b.Handle("/", serve.New(cfg, c.store, pl.reg).Routes())

	interval := cfg.GetDuration("sweep.interval")
	if interval <= 0 {
		interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("sweep failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	b.AddCloser(func() {
		cancel()
		wg.Wait()
	})
	return nil
}

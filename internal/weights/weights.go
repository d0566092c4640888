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

// Package weights turns tournament standings into the work-weight directive
// file clients poll to bias their effort across configurations.
package weights

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"districter.dev/coordinator/internal/config"
	"districter.dev/coordinator/internal/publish"
	"districter.dev/coordinator/internal/statestore"
	"districter.dev/coordinator/internal/tournament"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "districter",
	"component": "weights",
})

const (
	defaultMaxWeight = 10.0

	// thresholdRank is how many scored submissions a configuration needs
	// before an acceptance threshold is published; the threshold is the
	// cost at this rank.
	thresholdRank = 10
)

// Publisher computes and atomically publishes the directive file.
type Publisher struct {
	store statestore.Service

	maxWeight float64
	overrides string
	out       string
}

// New builds a Publisher from the config. weights.out is the published file
// path; weights.overrides optionally names an operator-curated file appended
// verbatim after the computed directives.
func New(cfg config.View, store statestore.Service) *Publisher {
	maxWeight := cfg.GetFloat64("weights.maxWeight")
	if maxWeight < 1 {
		maxWeight = defaultMaxWeight
	}
	return &Publisher{
		store:     store,
		maxWeight: maxWeight,
		overrides: cfg.GetString("weights.overrides"),
		out:       cfg.GetString("weights.out"),
	}
}

// Render produces the directive text for one cycle's standings.
// Configurations without a scored winner are flagged sendAnything at maximum
// weight; the rest get an inverse-linear weight over the observed submission
// counts. A configuration with enough scored submissions also gets an
// acceptance threshold so clients can discard hopeless solutions locally.
func (p *Publisher) Render(ctx context.Context, results []tournament.Result) (string, error) {
	// Normalize over the configurations competing this cycle only.
	minCount, maxCount := int64(-1), int64(-1)
	for _, r := range results {
		if r.Best == nil {
			continue
		}
		if minCount == -1 || r.Total < minCount {
			minCount = r.Total
		}
		if r.Total > maxCount {
			maxCount = r.Total
		}
	}

	sorted := make([]tournament.Result, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Config < sorted[j].Config })

	var b strings.Builder
	for _, r := range sorted {
		if r.Best == nil {
			fmt.Fprintf(&b, "%s:sendAnything\n", r.Config)
			fmt.Fprintf(&b, "%s:weight:%g\n", r.Config, p.maxWeight)
			continue
		}

		fmt.Fprintf(&b, "%s:weight:%g\n", r.Config, p.weight(r.Total, minCount, maxCount))

		scored := r.Total - r.Unscored
		if scored >= thresholdRank {
			costs, err := p.store.TopKCosts(ctx, r.Config, thresholdRank)
			if err != nil {
				return "", err
			}
			if len(costs) == thresholdRank {
				fmt.Fprintf(&b, "%s:kmppSendThreshold:%g\n", r.Config, costs[thresholdRank-1])
			}
		}
	}

	if p.overrides != "" {
		raw, err := os.ReadFile(p.overrides)
		switch {
		case os.IsNotExist(err):
			// Optional file; nothing to append.
		case err != nil:
			return "", err
		default:
			b.Write(raw)
			if len(raw) > 0 && raw[len(raw)-1] != '\n' {
				b.WriteByte('\n')
			}
		}
	}
	return b.String(), nil
}

// weight maps a submission count onto [1, maxWeight], inverse-linearly: the
// configuration with the fewest submissions gets maxWeight, the one with the
// most gets 1. Equal counts, including the single-configuration case,
// collapse to 1; weights only steer work relative to other configurations.
func (p *Publisher) weight(count, minCount, maxCount int64) float64 {
	if maxCount <= minCount {
		return 1
	}
	w := 1 + (p.maxWeight-1)*float64(maxCount-count)/float64(maxCount-minCount)
	if w < 1 {
		return 1
	}
	if w > p.maxWeight {
		return p.maxWeight
	}
	return w
}

// Publish renders the directives and swaps them into place atomically, so a
// polling client never reads a half-written file.
func (p *Publisher) Publish(ctx context.Context, results []tournament.Result) error {
	text, err := p.Render(ctx, results)
	if err != nil {
		return err
	}
	if err := publish.WriteFileAtomic(p.out, []byte(text), 0o644); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"path":    p.out,
		"configs": len(results),
	}).Info("work-weight directives published")
	return nil
}

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

// Package tournament derives the per-configuration standings from the
// submission store. It holds no state of its own; every snapshot is computed
// from the store so two coordinators over the same database agree.
package tournament

import (
	"context"

	"github.com/sirupsen/logrus"

	"districter.dev/coordinator/internal/registry"
	"districter.dev/coordinator/internal/statestore"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "districter",
	"component": "tournament",
})

// Result is the standing of one configuration: its current winner (nil while
// no submission is scored) and the submission counts behind it.
type Result struct {
	Config   string
	Best     *statestore.Submission
	Total    int64
	Unscored int64
}

// Snapshot computes the standings for every registered configuration,
// ordered by configuration name. Configurations without submissions are
// included with a nil winner so downstream consumers see the full roster.
func Snapshot(ctx context.Context, store statestore.Service, reg *registry.Registry) ([]Result, error) {
	results := make([]Result, 0, reg.Len())
	for _, name := range reg.Names() {
		best, err := store.BestFor(ctx, name)
		if err != nil {
			return nil, err
		}
		total, unscored, err := store.CountFor(ctx, name)
		if err != nil {
			return nil, err
		}
		r := Result{
			Config:   name,
			Best:     best,
			Total:    total,
			Unscored: unscored,
		}
		results = append(results, r)

		fields := logrus.Fields{
			"config":   name,
			"total":    total,
			"unscored": unscored,
		}
		if best != nil {
			fields["winner"] = best.Path
			fields["kmpp"] = *best.Kmpp
			fields["spread"] = *best.Spread
		}
		logger.WithFields(fields).Debug("standings computed")
	}
	return results, nil
}

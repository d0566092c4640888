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

	"districter.dev/coordinator/internal/telemetry"
)

var (
	mStoreLookupCount      = telemetry.Counter("statestore/lookupcount", "submission point lookups")
	mStoreInsertCount      = telemetry.Counter("statestore/insertcount", "submissions inserted")
	mStoreUpdateScoreCount = telemetry.Counter("statestore/updatescorecount", "submission scores backfilled")
	mStoreBestForCount     = telemetry.Counter("statestore/bestforcount", "best-submission queries")
	mStoreTopKCount        = telemetry.Counter("statestore/topkcount", "top-k cost queries")
)

// instrumentedService is a wrapper for the submission store that provides
// instrumentation of the database.
type instrumentedService struct {
	s Service
}

// Close the connection to the database.
func (is *instrumentedService) Close() error {
	return is.s.Close()
}

// HealthCheck indicates if the database is reachable.
func (is *instrumentedService) HealthCheck(ctx context.Context) error {
	return is.s.HealthCheck(ctx)
}

func (is *instrumentedService) Lookup(ctx context.Context, path string) (*Submission, error) {
	defer telemetry.RecordUnitMeasurement(ctx, mStoreLookupCount)
	return is.s.Lookup(ctx, path)
}

func (is *instrumentedService) Insert(ctx context.Context, s *Submission) (int64, error) {
	defer telemetry.RecordUnitMeasurement(ctx, mStoreInsertCount)
	return is.s.Insert(ctx, s)
}

func (is *instrumentedService) UpdateScore(ctx context.Context, id int64, kmpp float64, spread int64) error {
	defer telemetry.RecordUnitMeasurement(ctx, mStoreUpdateScoreCount)
	return is.s.UpdateScore(ctx, id, kmpp, spread)
}

func (is *instrumentedService) BumpRetries(ctx context.Context, id int64) error {
	return is.s.BumpRetries(ctx, id)
}

func (is *instrumentedService) BestFor(ctx context.Context, configName string) (*Submission, error) {
	defer telemetry.RecordUnitMeasurement(ctx, mStoreBestForCount)
	return is.s.BestFor(ctx, configName)
}

func (is *instrumentedService) CountFor(ctx context.Context, configName string) (int64, int64, error) {
	return is.s.CountFor(ctx, configName)
}

func (is *instrumentedService) TopKCosts(ctx context.Context, configName string, k int) ([]float64, error) {
	defer telemetry.RecordUnitMeasurement(ctx, mStoreTopKCount)
	return is.s.TopKCosts(ctx, configName, k)
}

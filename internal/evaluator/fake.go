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

package evaluator

import (
	"context"
	"sync"

	"districter.dev/coordinator/internal/registry"
)

// Fake is an in-process Evaluator for tests. ScoreFunc decides the outcome
// per call; when nil every call fails with ErrEvaluation.
type Fake struct {
	ScoreFunc func(cfg *registry.Configuration, solution []byte) (Score, error)

	mu    sync.Mutex
	calls int
}

func (f *Fake) Evaluate(ctx context.Context, cfg *registry.Configuration, solution []byte) (Score, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Score{}, err
	}
	if f.ScoreFunc == nil {
		return Score{}, ErrEvaluation
	}
	return f.ScoreFunc(cfg, solution)
}

// Calls reports how many times Evaluate ran, across goroutines.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

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

// Package evaluator scores candidate solutions through the external
// deterministic evaluator binary. The coordinator never trusts
// client-reported scores; everything is recomputed here.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"districter.dev/coordinator/internal/registry"
)

// ErrEvaluation marks any failed evaluator invocation: non-zero exit,
// timeout, or output that does not match the report contract. Callers record
// a null score and move on; the archive itself was readable.
var ErrEvaluation = errors.New("evaluator: scoring failed")

// Score is the pair of metrics the tournament runs on. Kmpp is the cost
// metric being minimized; Spread is the max-minus-min district population.
type Score struct {
	Kmpp   float64
	Spread int64
}

// Evaluator scores a candidate solution for a configuration. Implementations
// must treat the solution bytes as untrusted and bound their own run time
// through ctx.
type Evaluator interface {
	Evaluate(ctx context.Context, cfg *registry.Configuration, solution []byte) (Score, error)
}

// The output format, not the exit code, is the load-bearing contract with
// the evaluator binary: a cost figure tagged Km/person and a population line
// with max= and min= fields.
var (
	kmppPattern = regexp.MustCompile(`([0-9]+\.?[0-9]*)\s*Km/person`)
	popPattern  = regexp.MustCompile(`max=([0-9]+)[^\n]*min=([0-9]+)`)
)

// ParseReport extracts a Score from the evaluator's textual report. A
// missing match is an evaluation failure even when the process exited zero.
func ParseReport(out []byte) (Score, error) {
	km := kmppPattern.FindSubmatch(out)
	if km == nil {
		return Score{}, fmt.Errorf("%w: no Km/person figure in report", ErrEvaluation)
	}
	kmpp, err := strconv.ParseFloat(string(km[1]), 64)
	if err != nil {
		return Score{}, fmt.Errorf("%w: bad Km/person figure %q", ErrEvaluation, km[1])
	}

	pop := popPattern.FindSubmatch(out)
	if pop == nil {
		return Score{}, fmt.Errorf("%w: no max=/min= population line in report", ErrEvaluation)
	}
	max, err := strconv.ParseInt(string(pop[1]), 10, 64)
	if err != nil {
		return Score{}, fmt.Errorf("%w: bad max population %q", ErrEvaluation, pop[1])
	}
	min, err := strconv.ParseInt(string(pop[2]), 10, 64)
	if err != nil {
		return Score{}, fmt.Errorf("%w: bad min population %q", ErrEvaluation, pop[2])
	}

	return Score{Kmpp: kmpp, Spread: max - min}, nil
}

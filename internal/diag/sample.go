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

// Package diag plots the solver trajectory of submissions whose evaluation
// failed, so operators can see why a client's run never converged. Nothing
// here touches tournament state.
package diag

import (
	"bufio"
	"bytes"
	"math/rand"
	"regexp"
	"strconv"
)

// Point is one recorded trajectory step: the cost metric and the population
// spread at that step.
type Point struct {
	Kmpp   float64
	Spread int64
}

// The trajectory log uses the same line format as the evaluator's report, one
// status line per recorded step.
var (
	kmppPattern = regexp.MustCompile(`([0-9]+\.?[0-9]*)\s*Km/person`)
	popPattern  = regexp.MustCompile(`max=([0-9]+)[^\n]*min=([0-9]+)`)
)

// ParseTrajectory extracts the (cost, spread) points from a trajectory log.
// Lines that do not carry both figures are ignored; clients interleave free
// text with status lines.
func ParseTrajectory(log []byte) []Point {
	var points []Point
	sc := bufio.NewScanner(bytes.NewReader(log))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		km := kmppPattern.FindSubmatch(line)
		pop := popPattern.FindSubmatch(line)
		if km == nil || pop == nil {
			continue
		}
		kmpp, err := strconv.ParseFloat(string(km[1]), 64)
		if err != nil {
			continue
		}
		max, err1 := strconv.ParseInt(string(pop[1]), 10, 64)
		min, err2 := strconv.ParseInt(string(pop[2]), 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		points = append(points, Point{Kmpp: kmpp, Spread: max - min})
	}
	return points
}

// sampleSize is the number of uniform random points drawn per trajectory.
const sampleSize = 10

// Sample picks representative points from a trajectory: the second half only
// (early steps are noise), and from it a fixed random sample drawn without
// replacement plus the single best-balance point. Trajectories with fewer
// than sampleSize usable points are too noisy to be informative and yield nil.
func Sample(points []Point, rnd *rand.Rand) []Point {
	half := points[len(points)/2:]
	if len(half) < sampleSize {
		return nil
	}

	best := half[0]
	for _, p := range half[1:] {
		if p.Spread < best.Spread {
			best = p
		}
	}

	out := make([]Point, 0, sampleSize+1)
	for _, n := range rnd.Perm(len(half))[:sampleSize] {
		out = append(out, half[n])
	}
	return append(out, best)
}

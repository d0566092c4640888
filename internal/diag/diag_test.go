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

package diag

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trajectory(n int) []byte {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "step %d: %d.5 Km/person max=%d min=%d\n", i, 100-i, 10000+i, 10000-i)
	}
	return []byte(b.String())
}

func TestParseTrajectory(t *testing.T) {
	log := []byte(strings.Join([]string{
		"starting solver",
		"step 1: 20.5 Km/person max=10100 min=9900",
		"checkpoint written",
		"step 2: 18 Km/person max=10050 min=9950",
		"malformed min=? max=?",
	}, "\n"))

	points := ParseTrajectory(log)
	require.Len(t, points, 2)
	assert.Equal(t, Point{Kmpp: 20.5, Spread: 200}, points[0])
	assert.Equal(t, Point{Kmpp: 18, Spread: 100}, points[1])
}

func TestParseTrajectoryEmpty(t *testing.T) {
	assert.Nil(t, ParseTrajectory(nil))
	assert.Nil(t, ParseTrajectory([]byte("no status lines here\n")))
}

func TestSample(t *testing.T) {
	points := ParseTrajectory(trajectory(40))
	require.Len(t, points, 40)

	rnd := rand.New(rand.NewSource(1))
	sample := Sample(points, rnd)
	require.Len(t, sample, sampleSize+1)

	// Only second-half points are eligible.
	for _, p := range sample {
		assert.GreaterOrEqual(t, 80.5, p.Kmpp)
	}

	// The last point is the best-balance one, which for this trajectory is
	// the final step.
	best := sample[len(sample)-1]
	for _, p := range points[len(points)/2:] {
		assert.LessOrEqual(t, best.Spread, p.Spread)
	}
}

func TestSampleWithoutReplacement(t *testing.T) {
	// Every trajectory point is distinct, so a sample drawn without
	// replacement must contain no duplicates.
	points := ParseTrajectory(trajectory(40))
	sample := Sample(points, rand.New(rand.NewSource(7)))
	require.Len(t, sample, sampleSize+1)

	seen := map[Point]bool{}
	for _, p := range sample[:sampleSize] {
		assert.False(t, seen[p], "point sampled twice: %+v", p)
		seen[p] = true
	}
}

func TestSampleTooShort(t *testing.T) {
	points := ParseTrajectory(trajectory(18))
	require.Len(t, points, 18)
	// The second half has fewer than ten points.
	assert.Nil(t, Sample(points, rand.New(rand.NewSource(1))))
}

func TestPlot(t *testing.T) {
	points := Sample(ParseTrajectory(trajectory(40)), rand.New(rand.NewSource(1)))
	require.NotNil(t, points)

	var buf bytes.Buffer
	require.NoError(t, Plot(points, &buf))
	assert.Equal(t, []byte("\x89PNG"), buf.Bytes()[:4])
}

func TestReporter(t *testing.T) {
	out := t.TempDir()
	cfg := viper.New()
	cfg.Set("diag.out", out)
	r := NewReporter(cfg)
	require.NotNil(t, r)

	r.Report("alice/run7.tar.gz", trajectory(40))
	plot, err := os.ReadFile(filepath.Join(out, "run7.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), plot[:4])

	// Short trajectories are skipped without an artifact.
	r.Report("alice/run8.tar.gz", trajectory(5))
	_, err = os.Stat(filepath.Join(out, "run8.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestReporterConcurrent(t *testing.T) {
	// Sweep workers report failures concurrently; the shared sampling
	// source must tolerate that.
	out := t.TempDir()
	cfg := viper.New()
	cfg.Set("diag.out", out)
	r := NewReporter(cfg)
	require.NotNil(t, r)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Report(fmt.Sprintf("worker/run%d.tar.gz", i), trajectory(40))
		}()
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		plot, err := os.ReadFile(filepath.Join(out, fmt.Sprintf("run%d.png", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte("\x89PNG"), plot[:4])
	}
}

func TestReporterDisabled(t *testing.T) {
	assert.Nil(t, NewReporter(viper.New()))
}

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
	"io"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wcharczuk/go-chart/v2"

	"districter.dev/coordinator/internal/config"
	"districter.dev/coordinator/internal/publish"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "districter",
	"component": "diag",
})

// Plot renders sampled trajectory points as a spread-versus-cost scatter.
func Plot(points []Point, w io.Writer) error {
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for n, p := range points {
		xs[n] = float64(p.Spread)
		ys[n] = p.Kmpp
	}

	graph := chart.Chart{
		Width:  800,
		Height: 600,
		XAxis:  chart.XAxis{Name: "population spread"},
		YAxis:  chart.YAxis{Name: "Km/person"},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Style: chart.Style{
					StrokeWidth: chart.Disabled,
					DotWidth:    4,
				},
				XValues: xs,
				YValues: ys,
			},
		},
	}
	return graph.Render(chart.PNG, w)
}

// Reporter writes one trajectory plot per failed submission under the
// diagnostics directory. Report is safe to call from concurrent sweep
// workers; the sampling source is guarded by mu.
type Reporter struct {
	out string

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewReporter builds a Reporter from the config. An empty diag.out disables
// diagnostics.
func NewReporter(cfg config.View) *Reporter {
	out := cfg.GetString("diag.out")
	if out == "" {
		return nil
	}
	return &Reporter{out: out, rnd: rand.New(rand.NewSource(rand.Int63()))}
}

// Report samples and plots the trajectory of one failed submission. Short or
// absent trajectories are skipped silently; diagnostics never fail a sweep.
func (r *Reporter) Report(archivePath string, statlog []byte) {
	if len(statlog) == 0 {
		return
	}
	traj := ParseTrajectory(statlog)
	r.mu.Lock()
	points := Sample(traj, r.rnd)
	r.mu.Unlock()
	if points == nil {
		return
	}

	name := strings.TrimSuffix(filepath.Base(archivePath), ".tar.gz") + ".png"
	out := filepath.Join(r.out, name)

	var buf bytes.Buffer
	if err := Plot(points, &buf); err != nil {
		logger.WithFields(logrus.Fields{
			"archive": archivePath,
			"error":   err.Error(),
		}).Warning("trajectory plot failed")
		return
	}
	if err := publish.WriteFileAtomic(out, buf.Bytes(), 0o644); err != nil {
		logger.WithFields(logrus.Fields{
			"archive": archivePath,
			"error":   err.Error(),
		}).Warning("trajectory plot write failed")
		return
	}
	logger.WithFields(logrus.Fields{
		"archive": archivePath,
		"plot":    out,
		"points":  len(points),
	}).Info("trajectory plotted")
}

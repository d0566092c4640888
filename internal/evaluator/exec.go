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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"districter.dev/coordinator/internal/config"
	"districter.dev/coordinator/internal/registry"
	"districter.dev/coordinator/internal/telemetry"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "districter",
		"component": "evaluator",
	})

	mEvaluateLatencyMs = telemetry.HistogramWithBounds("evaluator/latency", "evaluator run time", "ms", telemetry.HistogramBounds)
	mEvaluateFailures  = telemetry.Counter("evaluator/failures", "failed evaluator invocations")
)

const defaultTimeout = 2 * time.Minute

// cmdEvaluator runs the external evaluator binary once per solution,
// streaming the solution on stdin so no temp file can race with a
// concurrent sweep.
type cmdEvaluator struct {
	command string
	timeout time.Duration
}

// NewCmd builds the subprocess-backed Evaluator from the config:
// evaluator.command is the binary, evaluator.timeout bounds each run.
func NewCmd(cfg config.View) (Evaluator, error) {
	command := cfg.GetString("evaluator.command")
	if command == "" {
		return nil, fmt.Errorf("evaluator.command is not configured")
	}
	timeout := cfg.GetDuration("evaluator.timeout")
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &cmdEvaluator{command: command, timeout: timeout}, nil
}

func (e *cmdEvaluator) Evaluate(ctx context.Context, cfg *registry.Configuration, solution []byte) (Score, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.command,
		"-P", cfg.DataPath,
		"-d", strconv.Itoa(cfg.Districts),
		"--loadSolution", "-")
	cmd.Stdin = bytes.NewReader(solution)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	telemetry.RecordNUnitMeasurement(ctx, mEvaluateLatencyMs, time.Since(start).Milliseconds())

	if err != nil {
		telemetry.RecordUnitMeasurement(ctx, mEvaluateFailures)
		logger.WithFields(logrus.Fields{
			"config": cfg.Name,
			"error":  err.Error(),
			"stderr": truncate(stderr.String(), 512),
		}).Warning("evaluator invocation failed")
		if ctx.Err() != nil {
			return Score{}, fmt.Errorf("%w: timed out after %v", ErrEvaluation, e.timeout)
		}
		return Score{}, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}

	score, err := ParseReport(stdout.Bytes())
	if err != nil {
		telemetry.RecordUnitMeasurement(ctx, mEvaluateFailures)
		logger.WithFields(logrus.Fields{
			"config": cfg.Name,
			"stdout": truncate(stdout.String(), 512),
		}).Warning("evaluator output did not match the report contract")
		return Score{}, err
	}
	return score, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

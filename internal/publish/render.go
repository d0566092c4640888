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

package publish

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"districter.dev/coordinator/internal/config"
	"districter.dev/coordinator/internal/registry"
)

// Renderer draws a winning solution into an image file at out. Implementations
// must bound their own run time through ctx.
type Renderer interface {
	Render(ctx context.Context, cfg *registry.Configuration, solution []byte, out string) error
}

const defaultRenderTimeout = 5 * time.Minute

// cmdRenderer shells out to the external render binary, mirroring the
// evaluator contract: solution on stdin, static data and district count as
// flags.
type cmdRenderer struct {
	command string
	timeout time.Duration
}

// NewCmdRenderer builds the subprocess-backed Renderer from the config. An
// empty render.command disables rendering; callers get a nil Renderer and
// skip the map artifact.
func NewCmdRenderer(cfg config.View) Renderer {
	command := cfg.GetString("render.command")
	if command == "" {
		return nil
	}
	timeout := cfg.GetDuration("render.timeout")
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	return &cmdRenderer{command: command, timeout: timeout}
}

func (r *cmdRenderer) Render(ctx context.Context, cfg *registry.Configuration, solution []byte, out string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := []string{
		"-P", cfg.DataPath,
		"-d", strconv.Itoa(cfg.Districts),
		"--loadSolution", "-",
		"--pngout", out,
	}
	// Per-configuration render arguments ride along untouched.
	if extra := cfg.Args["render"]; extra != "" {
		args = append(args, extra)
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Stdin = bytes.NewReader(solution)
	cmd.WaitDelay = 5 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("render %s: %w: %s", cfg.Name, err, truncate(stderr.String(), 512))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

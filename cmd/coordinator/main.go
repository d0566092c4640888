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

// Package main is the districter submission coordinator: it ingests client
// archives, scores them, runs the per-configuration tournament and publishes
// winners and work-weight directives.
package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"districter.dev/coordinator/internal/app/coordinator"
	"districter.dev/coordinator/internal/appmain"
	"districter.dev/coordinator/internal/config"
	"districter.dev/coordinator/internal/logging"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "districter",
	"component": "main",
})

func main() {
	fs := pflag.NewFlagSet("coordinator", pflag.ExitOnError)
	configFiles := fs.StringSlice("config", []string{"config/coordinator_config.yaml"}, "config files, merged in order")
	data := fs.String("data", "", "configuration registry root directory")
	submissions := fs.String("submissions", "", "submission archive root directory")
	out := fs.String("out", "", "artifact output directory")
	overrides := fs.String("overrides", "", "manual directive override file, appended verbatim")
	only := fs.StringSlice("only", nil, "restrict the run to these configuration names")
	strict := fs.Bool("strict", false, "stop at the first unexpected error instead of logging and continuing")
	keepGoing := fs.Bool("keep-going", true, "log per-archive errors and continue the sweep (inverse of --strict)")
	forceRedraw := fs.Bool("force-redraw", false, "regenerate every map artifact regardless of staleness")
	daemon := fs.Bool("serve", false, "run as a daemon with periodic sweeps and the polling endpoints")
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal(err)
	}

	// Flags become the topmost config layer, so files stay authoritative for
	// anything not given on the command line.
	flagView := viper.New()
	if fs.Changed("data") {
		flagView.Set("registry.root", *data)
	}
	if fs.Changed("submissions") {
		flagView.Set("ingest.root", *submissions)
	}
	if fs.Changed("out") {
		flagView.Set("publish.out", *out)
		flagView.Set("weights.out", filepath.Join(*out, "directives"))
		flagView.Set("diag.out", filepath.Join(*out, "diag"))
	}
	if fs.Changed("overrides") {
		flagView.Set("weights.overrides", *overrides)
	}
	if fs.Changed("only") {
		flagView.Set("registry.only", *only)
	}
	if fs.Changed("keep-going") {
		flagView.Set("ingest.strict", !*keepGoing)
	}
	if fs.Changed("strict") {
		flagView.Set("ingest.strict", *strict)
	}
	if fs.Changed("force-redraw") {
		flagView.Set("publish.force", *forceRedraw)
	}

	getCfg := func() (config.View, error) {
		files := existing(*configFiles, fs.Changed("config"))
		if len(files) == 0 {
			// Flags alone are a valid configuration.
			return flagView, nil
		}
		base, err := config.ReadAndMerge(files...)
		if err != nil {
			return nil, err
		}
		return config.WithOverrides(base, flagView), nil
	}

	if *daemon {
		appmain.RunApplication("coordinator", getCfg, coordinator.BindService)
		return
	}

	cfg, err := getCfg()
	if err != nil {
		logger.Fatal(err)
	}
	logging.ConfigureLogging(cfg)

	c, err := coordinator.New(cfg)
	if err != nil {
		logger.Fatal(err)
	}
	defer c.Close()

	if err := c.Sweep(context.Background()); err != nil {
		logger.WithError(err).Error("sweep failed")
		c.Close()
		os.Exit(1)
	}
}

// existing drops default config files that are not present, so the binary
// runs on flags alone. Files named explicitly are kept and surface a read
// error instead.
func existing(files []string, explicit bool) []string {
	if explicit {
		return files
	}
	var out []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

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

// Package registry loads the static per-configuration problem inputs.
//
// The data root is laid out as <root>/<region>/<body>/, one directory per
// problem instance ("configuration"), e.g. data/MI/Congress/. Each directory
// holds a config.yaml and the static block data the evaluator consumes.
// The registry is loaded once per coordinator run and read-only afterwards.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "districter",
	"component": "registry",
})

const (
	configFileName  = "config.yaml"
	defaultDataFile = "blocks.pb"
)

// Configuration is one problem instance: a region plus a legislative body,
// with its static data and partition count. Immutable after load.
type Configuration struct {
	// Name is "<region>_<body>", unique across the registry.
	Name   string
	Region string
	Body   string

	// DataPath is the static block data file handed to the evaluator.
	DataPath string

	// Districts is the partition count.
	Districts int

	// Args is the opaque solver/render argument bag, passed through
	// uninterpreted.
	Args map[string]string

	// Dir is the configuration's directory under the data root.
	Dir string
}

// LoadError reports a malformed per-configuration directory. It is fatal at
// startup; the coordinator cannot run against a registry it cannot trust.
type LoadError struct {
	Dir string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("registry: cannot load configuration from %q: %v", e.Dir, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Registry is the read-only set of configurations for one coordinator run.
type Registry struct {
	configs map[string]*Configuration
}

// Load builds the registry from the data root. If only is non-empty, it is an
// allow-list of configuration names; directories outside it are skipped.
// Derived name collisions are rejected rather than silently overwritten.
func Load(root string, only []string) (*Registry, error) {
	regions, err := os.ReadDir(root)
	if err != nil {
		return nil, &LoadError{Dir: root, Err: err}
	}

	allow := map[string]bool{}
	for _, name := range only {
		allow[name] = true
	}

	r := &Registry{configs: map[string]*Configuration{}}
	for _, region := range regions {
		if !region.IsDir() {
			continue
		}
		bodies, err := os.ReadDir(filepath.Join(root, region.Name()))
		if err != nil {
			return nil, &LoadError{Dir: filepath.Join(root, region.Name()), Err: err}
		}
		for _, body := range bodies {
			if !body.IsDir() {
				continue
			}
			name := region.Name() + "_" + body.Name()
			if len(allow) > 0 && !allow[name] {
				continue
			}
			dir := filepath.Join(root, region.Name(), body.Name())
			c, err := loadOne(dir, region.Name(), body.Name())
			if err != nil {
				return nil, err
			}
			if _, ok := r.configs[name]; ok {
				return nil, &LoadError{Dir: dir, Err: fmt.Errorf("duplicate configuration name %q", name)}
			}
			r.configs[name] = c
		}
	}

	logger.WithFields(logrus.Fields{
		"root":           root,
		"configurations": len(r.configs),
	}).Info("configuration registry loaded")
	return r, nil
}

func loadOne(dir, region, body string) (*Configuration, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, configFileName))
	if err := v.ReadInConfig(); err != nil {
		return nil, &LoadError{Dir: dir, Err: err}
	}

	districts := v.GetInt("districts")
	if districts < 1 {
		return nil, &LoadError{Dir: dir, Err: fmt.Errorf("districts must be >= 1, got %d", districts)}
	}

	dataFile := v.GetString("data")
	if dataFile == "" {
		dataFile = defaultDataFile
	}
	dataPath := filepath.Join(dir, dataFile)
	if _, err := os.Stat(dataPath); err != nil {
		return nil, &LoadError{Dir: dir, Err: fmt.Errorf("static data file %q: %w", dataFile, err)}
	}

	args := map[string]string{}
	for k, val := range v.GetStringMapString("args") {
		args[k] = val
	}

	return &Configuration{
		Name:      region + "_" + body,
		Region:    region,
		Body:      body,
		DataPath:  dataPath,
		Districts: districts,
		Args:      args,
		Dir:       dir,
	}, nil
}

// Get returns the configuration with the given name, or nil.
func (r *Registry) Get(name string) *Configuration {
	return r.configs[name]
}

// Names returns all configuration names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of configurations loaded.
func (r *Registry) Len() int {
	return len(r.configs)
}

// Resolve maps client-supplied metadata to a configuration. The explicit
// "config" key wins; failing that, known configuration names are matched
// against the "path" hint the client also carries. A nil result means the
// submission cannot participate in any tournament.
func (r *Registry) Resolve(meta map[string]string) *Configuration {
	if name := meta["config"]; name != "" {
		if c := r.Get(name); c != nil {
			return c
		}
	}

	hint := meta["path"]
	if hint == "" {
		return nil
	}
	hint = strings.ToLower(hint)
	for _, name := range r.Names() {
		if strings.Contains(hint, strings.ToLower(name)) {
			return r.configs[name]
		}
	}
	return nil
}

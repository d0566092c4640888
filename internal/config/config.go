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

package config

import (
	"errors"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "districter",
	"component": "config",
})

// ReadAndMerge reads the given config files in order and merges them into a
// single View, later files overriding earlier ones. Every file is watched,
// and the merged view is rebuilt when any layer changes on disk, so a
// long-running coordinator picks up operator edits without a restart.
func ReadAndMerge(files ...string) (View, error) {
	if len(files) == 0 {
		return nil, errors.New("no input files specified")
	}

	w := new(wrapperView)
	layers := make([]*viper.Viper, len(files))

	queue := make(chan fsnotify.Event, 1)
	onFileChange := func(e fsnotify.Event) {
		select {
		case queue <- e:
		default:
		}
	}

	// read files into layers and watch for changes
	for i, f := range files {
		l, err := read(f, onFileChange)
		if err != nil {
			return nil, err
		}
		layers[i] = l
	}

	w.cfg = merge(layers...)

	// re-merge layers upon changes in files
	go func() {
		for range queue {
			w.cfg = merge(layers...)
			logger.Info("configuration layers re-merged after file change")
		}
	}()

	return w, nil
}

func read(file string, onFileChange func(fsnotify.Event)) (*viper.Viper, error) {
	cfg := viper.New()
	cfg.SetConfigFile(file)
	if err := cfg.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg.OnConfigChange(onFileChange)
	cfg.WatchConfig()
	return cfg, nil
}

func merge(layers ...*viper.Viper) *viper.Viper {
	cfg := viper.New()
	for _, l := range layers {
		m := l.AllSettings()
		cfg.MergeConfigMap(m)
	}
	return cfg
}

// WithOverrides layers an override view (typically built from command line
// flags) on top of a base view. Keys set in the override win.
func WithOverrides(base View, overrides View) View {
	return &overrideView{base: base, over: overrides}
}

type overrideView struct {
	base View
	over View
}

func (o *overrideView) IsSet(key string) bool {
	return o.over.IsSet(key) || o.base.IsSet(key)
}

func (o *overrideView) GetString(key string) string {
	if o.over.IsSet(key) {
		return o.over.GetString(key)
	}
	return o.base.GetString(key)
}

func (o *overrideView) GetInt(key string) int {
	if o.over.IsSet(key) {
		return o.over.GetInt(key)
	}
	return o.base.GetInt(key)
}

func (o *overrideView) GetInt64(key string) int64 {
	if o.over.IsSet(key) {
		return o.over.GetInt64(key)
	}
	return o.base.GetInt64(key)
}

func (o *overrideView) GetFloat64(key string) float64 {
	if o.over.IsSet(key) {
		return o.over.GetFloat64(key)
	}
	return o.base.GetFloat64(key)
}

func (o *overrideView) GetStringSlice(key string) []string {
	if o.over.IsSet(key) {
		return o.over.GetStringSlice(key)
	}
	return o.base.GetStringSlice(key)
}

func (o *overrideView) GetBool(key string) bool {
	if o.over.IsSet(key) {
		return o.over.GetBool(key)
	}
	return o.base.GetBool(key)
}

func (o *overrideView) GetDuration(key string) time.Duration {
	if o.over.IsSet(key) {
		return o.over.GetDuration(key)
	}
	return o.base.GetDuration(key)
}

// AllSettings enumerates the merged settings for debug pages. Override keys
// shadow base keys.
func (o *overrideView) AllSettings() map[string]interface{} {
	out := map[string]interface{}{}
	if s, ok := o.base.(interface {
		AllSettings() map[string]interface{}
	}); ok {
		for k, v := range s.AllSettings() {
			out[k] = v
		}
	}
	if s, ok := o.over.(interface {
		AllSettings() map[string]interface{}
	}); ok {
		for k, v := range s.AllSettings() {
			out[k] = v
		}
	}
	return out
}

// Wrapper struct that implements the View interface and delegates to the
// current merged viper.Viper instance.
type wrapperView struct {
	cfg *viper.Viper
}

func (w *wrapperView) IsSet(key string) bool {
	return w.cfg.IsSet(key)
}

func (w *wrapperView) GetString(key string) string {
	return w.cfg.GetString(key)
}

func (w *wrapperView) GetInt(key string) int {
	return w.cfg.GetInt(key)
}

func (w *wrapperView) GetInt64(key string) int64 {
	return w.cfg.GetInt64(key)
}

func (w *wrapperView) GetFloat64(key string) float64 {
	return w.cfg.GetFloat64(key)
}

func (w *wrapperView) GetStringSlice(key string) []string {
	return w.cfg.GetStringSlice(key)
}

func (w *wrapperView) GetBool(key string) bool {
	return w.cfg.GetBool(key)
}

func (w *wrapperView) GetDuration(key string) time.Duration {
	return w.cfg.GetDuration(key)
}

func (w *wrapperView) AllSettings() map[string]interface{} {
	return w.cfg.AllSettings()
}

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
	"reflect"
	"sync"
	"time"
)

// Cacher caches a value derived from the config, rebuilding it only when a
// config value it depends on changes. The coordinator uses it to rebuild the
// sweep pipeline (registry, output paths) on operator edits rather than on
// every sweep.
type Cacher struct {
	cfg View
	m   sync.Mutex

	r *rememberingView
	v interface{}
}

func NewCacher(cfg View) *Cacher {
	return &Cacher{
		cfg: cfg,
	}
}

// Get returns the cached value, invoking f to (re)build it if any config
// value previously read through f's view has since changed.
func (c *Cacher) Get(f func(cfg View) (interface{}, error)) (interface{}, error) {
	c.m.Lock()
	defer c.m.Unlock()

	if c.r == nil || c.r.hasChanges() {
		c.r = newRememberingView(c.cfg)
		var err error
		c.v, err = f(c.r)
		if err != nil {
			c.r = nil
			c.v = nil
			return nil, err
		}
	}

	return c.v, nil
}

// ForceReset discards the cached value so the next Get rebuilds it.
func (c *Cacher) ForceReset() {
	c.m.Lock()
	defer c.m.Unlock()
	c.r = nil
	c.v = nil
}

// rememberingView records every accessor call made through it, so that
// hasChanges can later replay the reads against the live config and detect
// a difference. Each (accessor, key) pair is remembered independently; the
// same key read as both a string and a duration is tracked twice.
type rememberingView struct {
	cfg  View
	seen map[string]remembered
}

type accessor func(cfg View, k string) interface{}

type remembered struct {
	k    string
	read accessor
	v    interface{}
}

func newRememberingView(cfg View) *rememberingView {
	return &rememberingView{
		cfg:  cfg,
		seen: make(map[string]remembered),
	}
}

func (r *rememberingView) note(kind byte, k string, read accessor) interface{} {
	v := read(r.cfg, k)
	r.seen[string(kind)+k] = remembered{k: k, read: read, v: v}
	return v
}

func (r *rememberingView) hasChanges() bool {
	for _, m := range r.seen {
		if !reflect.DeepEqual(m.read(r.cfg, m.k), m.v) {
			return true
		}
	}
	return false
}

var (
	readIsSet       = func(cfg View, k string) interface{} { return cfg.IsSet(k) }
	readString      = func(cfg View, k string) interface{} { return cfg.GetString(k) }
	readInt         = func(cfg View, k string) interface{} { return cfg.GetInt(k) }
	readInt64       = func(cfg View, k string) interface{} { return cfg.GetInt64(k) }
	readFloat64     = func(cfg View, k string) interface{} { return cfg.GetFloat64(k) }
	readStringSlice = func(cfg View, k string) interface{} { return cfg.GetStringSlice(k) }
	readBool        = func(cfg View, k string) interface{} { return cfg.GetBool(k) }
	readDuration    = func(cfg View, k string) interface{} { return cfg.GetDuration(k) }
)

func (r *rememberingView) IsSet(k string) bool {
	return r.note('?', k, readIsSet).(bool)
}

func (r *rememberingView) GetString(k string) string {
	return r.note('s', k, readString).(string)
}

func (r *rememberingView) GetInt(k string) int {
	return r.note('i', k, readInt).(int)
}

func (r *rememberingView) GetInt64(k string) int64 {
	return r.note('I', k, readInt64).(int64)
}

func (r *rememberingView) GetFloat64(k string) float64 {
	return r.note('f', k, readFloat64).(float64)
}

func (r *rememberingView) GetStringSlice(k string) []string {
	return r.note('l', k, readStringSlice).([]string)
}

func (r *rememberingView) GetBool(k string) bool {
	return r.note('b', k, readBool).(bool)
}

func (r *rememberingView) GetDuration(k string) time.Duration {
	return r.note('d', k, readDuration).(time.Duration)
}

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
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestCacherRebuildsOnChange(t *testing.T) {
	cfg := viper.New()
	cfg.Set("registry.root", "/data/a")
	c := NewCacher(cfg)

	builds := 0
	build := func(cfg View) (interface{}, error) {
		builds++
		return cfg.GetString("registry.root"), nil
	}

	v, err := c.Get(build)
	require.NoError(t, err)
	require.Equal(t, "/data/a", v)

	// Unchanged config, no rebuild.
	v, err = c.Get(build)
	require.NoError(t, err)
	require.Equal(t, "/data/a", v)
	require.Equal(t, 1, builds)

	// A change to a remembered key forces a rebuild.
	cfg.Set("registry.root", "/data/b")
	v, err = c.Get(build)
	require.NoError(t, err)
	require.Equal(t, "/data/b", v)
	require.Equal(t, 2, builds)

	// A change to an unrelated key does not.
	cfg.Set("publish.root", "/srv/out")
	_, err = c.Get(build)
	require.NoError(t, err)
	require.Equal(t, 2, builds)
}

func TestCacherBuildError(t *testing.T) {
	cfg := viper.New()
	c := NewCacher(cfg)

	boom := errors.New("boom")
	_, err := c.Get(func(cfg View) (interface{}, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	// Error results are not cached.
	v, err := c.Get(func(cfg View) (interface{}, error) { return 7, nil })
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestCacherForceReset(t *testing.T) {
	cfg := viper.New()
	c := NewCacher(cfg)

	builds := 0
	build := func(cfg View) (interface{}, error) {
		builds++
		return builds, nil
	}

	_, err := c.Get(build)
	require.NoError(t, err)
	c.ForceReset()
	v, err := c.Get(build)
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

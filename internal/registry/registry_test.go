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

package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfigDir(t *testing.T, root, region, body, configYAML string, withData bool) {
	t.Helper()
	dir := filepath.Join(root, region, body)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(configYAML), 0o644))
	if withData {
		require.NoError(t, os.WriteFile(filepath.Join(dir, defaultDataFile), []byte("blockdata"), 0o644))
	}
}

func TestLoad(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()
	writeConfigDir(t, root, "MI", "Congress", "districts: 13\nargs:\n  pngW: \"1000\"\n", true)
	writeConfigDir(t, root, "MI", "Senate", "districts: 38\n", true)
	writeConfigDir(t, root, "OH", "Congress", "districts: 15\n", true)

	r, err := Load(root, nil)
	require.NoError(err)
	require.Equal(3, r.Len())
	require.Equal([]string{"MI_Congress", "MI_Senate", "OH_Congress"}, r.Names())

	c := r.Get("MI_Congress")
	require.NotNil(c)
	require.Equal("MI", c.Region)
	require.Equal("Congress", c.Body)
	require.Equal(13, c.Districts)
	require.Equal("1000", c.Args["pngW"])
	require.FileExists(c.DataPath)

	require.Nil(r.Get("TX_Congress"))
}

func TestLoadAllowList(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()
	writeConfigDir(t, root, "MI", "Congress", "districts: 13\n", true)
	writeConfigDir(t, root, "OH", "Congress", "districts: 15\n", true)

	r, err := Load(root, []string{"OH_Congress"})
	require.NoError(err)
	require.Equal([]string{"OH_Congress"}, r.Names())
}

func TestLoadMissingData(t *testing.T) {
	root := t.TempDir()
	writeConfigDir(t, root, "MI", "Congress", "districts: 13\n", false)

	_, err := Load(root, nil)
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
}

func TestLoadBadDistricts(t *testing.T) {
	root := t.TempDir()
	writeConfigDir(t, root, "MI", "Congress", "districts: 0\n", true)

	_, err := Load(root, nil)
	var le *LoadError
	require.ErrorAs(t, err, &le)
}

func TestResolve(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()
	writeConfigDir(t, root, "MI", "Congress", "districts: 13\n", true)
	writeConfigDir(t, root, "OH", "Congress", "districts: 15\n", true)

	r, err := Load(root, nil)
	require.NoError(err)

	// Explicit config key wins.
	c := r.Resolve(map[string]string{"config": "MI_Congress"})
	require.NotNil(c)
	require.Equal("MI_Congress", c.Name)

	// Fallback: match a known name inside the client's path hint.
	c = r.Resolve(map[string]string{"path": "/home/worker/runs/oh_congress/run42"})
	require.NotNil(c)
	require.Equal("OH_Congress", c.Name)

	// Unknown explicit name does not resolve through garbage.
	require.Nil(r.Resolve(map[string]string{"config": "ZZ_Congress"}))
	require.Nil(r.Resolve(map[string]string{}))
}

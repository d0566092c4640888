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

package tournament

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"districter.dev/coordinator/internal/registry"
	"districter.dev/coordinator/internal/statestore"
)

func newFixtures(t *testing.T) (statestore.Service, *registry.Registry) {
	t.Helper()

	cfg := viper.New()
	cfg.Set("store.path", ":memory:")
	store, err := statestore.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	root := t.TempDir()
	for _, body := range []string{"house", "senate"} {
		dir := filepath.Join(root, "na", body)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("districts: 2\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "blocks.pb"), []byte("d"), 0o644))
	}
	reg, err := registry.Load(root, nil)
	require.NoError(t, err)
	return store, reg
}

func insert(t *testing.T, store statestore.Service, path, config string, kmpp *float64, spread *int64, at time.Time) {
	t.Helper()
	_, err := store.Insert(context.Background(), &statestore.Submission{
		Path:       path,
		Config:     config,
		Meta:       map[string]string{"user": "alice"},
		IngestTime: at,
		Kmpp:       kmpp,
		Spread:     spread,
	})
	require.NoError(t, err)
}

func f(v float64) *float64 { return &v }
func i(v int64) *int64     { return &v }

func TestSnapshot(t *testing.T) {
	store, reg := newFixtures(t)
	now := time.Now().UTC().Truncate(time.Second)

	insert(t, store, "a1", "na_house", f(12.5), i(20), now)
	insert(t, store, "a2", "na_house", f(9.75), i(8), now.Add(time.Minute))
	insert(t, store, "a3", "na_house", nil, nil, now.Add(2*time.Minute))

	results, err := Snapshot(context.Background(), store, reg)
	require.NoError(t, err)
	require.Len(t, results, 2, "every registered configuration appears")

	house := results[0]
	assert.Equal(t, "na_house", house.Config)
	require.NotNil(t, house.Best)
	assert.Equal(t, "a2", house.Best.Path)
	assert.Equal(t, int64(3), house.Total)
	assert.Equal(t, int64(1), house.Unscored)

	senate := results[1]
	assert.Equal(t, "na_senate", senate.Config)
	assert.Nil(t, senate.Best, "no submissions means no winner yet")
	assert.Equal(t, int64(0), senate.Total)
}

func TestSnapshotTieBreaksByIngestTime(t *testing.T) {
	store, reg := newFixtures(t)
	now := time.Now().UTC().Truncate(time.Second)

	insert(t, store, "late", "na_house", f(5), i(3), now.Add(time.Hour))
	insert(t, store, "early", "na_house", f(5), i(3), now)

	results, err := Snapshot(context.Background(), store, reg)
	require.NoError(t, err)
	require.NotNil(t, results[0].Best)
	assert.Equal(t, "early", results[0].Best.Path, "equal cost resolves to the earliest ingest")
}

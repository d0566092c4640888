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
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"districter.dev/coordinator/internal/registry"
	"districter.dev/coordinator/internal/statestore"
	"districter.dev/coordinator/internal/tournament"
)

// fakeRenderer records calls and writes a marker file.
type fakeRenderer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRenderer) Render(ctx context.Context, cfg *registry.Configuration, solution []byte, out string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return os.WriteFile(out, append([]byte("png:"), solution...), 0o644)
}

func (f *fakeRenderer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func writeWinnerArchive(t *testing.T, path string, solution []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range map[string][]byte{
		"meta":     []byte("config=na_house"),
		"solution": solution,
	} {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content)),
		}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "na", "house")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("districts: 3\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blocks.pb"), []byte("data"), 0o644))
	reg, err := registry.Load(root, nil)
	require.NoError(t, err)
	return reg
}

func winnerResult(path string) []tournament.Result {
	kmpp := 12.5
	spread := int64(20)
	return []tournament.Result{{
		Config: "na_house",
		Best: &statestore.Submission{
			Path:       path,
			Config:     "na_house",
			Meta:       map[string]string{"user": "alice"},
			IngestTime: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
			Kmpp:       &kmpp,
			Spread:     &spread,
		},
		Total:    2,
		Unscored: 1,
	}}
}

func newTestPublisher(t *testing.T, ingestRoot string, r Renderer, force bool) (*Publisher, string) {
	t.Helper()
	out := t.TempDir()
	cfg := viper.New()
	cfg.Set("publish.out", out)
	cfg.Set("ingest.root", ingestRoot)
	cfg.Set("publish.force", force)
	return New(cfg, r), out
}

func TestRunPublishesWinner(t *testing.T) {
	ingestRoot := t.TempDir()
	writeWinnerArchive(t, filepath.Join(ingestRoot, "alice", "a1.tar.gz"), []byte("assignment"))

	renderer := &fakeRenderer{}
	p, out := newTestPublisher(t, ingestRoot, renderer, false)

	results := winnerResult(filepath.Join("alice", "a1.tar.gz"))
	require.NoError(t, p.Run(context.Background(), newTestRegistry(t), results))

	archive, err := os.Stat(filepath.Join(out, "na_house", "best.tar.gz"))
	require.NoError(t, err)
	src, err := os.Stat(filepath.Join(ingestRoot, "alice", "a1.tar.gz"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(archive, src), "the archive is published as a hard link when possible")

	report, err := os.ReadFile(filepath.Join(out, "na_house", "report.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "kmpp: 12.5\n")
	assert.Contains(t, string(report), "spread: 20\n")
	assert.Contains(t, string(report), "user: alice\n")

	png, err := os.ReadFile(filepath.Join(out, "na_house", "map.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png:assignment"), png)
}

func TestRunRepublishIsNoOp(t *testing.T) {
	ingestRoot := t.TempDir()
	writeWinnerArchive(t, filepath.Join(ingestRoot, "a1.tar.gz"), []byte("assignment"))

	renderer := &fakeRenderer{}
	p, out := newTestPublisher(t, ingestRoot, renderer, false)
	reg := newTestRegistry(t)
	results := winnerResult("a1.tar.gz")

	require.NoError(t, p.Run(context.Background(), reg, results))
	require.Equal(t, 1, renderer.Calls())

	reportBefore, err := os.Stat(filepath.Join(out, "na_house", "report.txt"))
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background(), reg, results))
	assert.Equal(t, 1, renderer.Calls(), "a fresh map is not redrawn")

	reportAfter, err := os.Stat(filepath.Join(out, "na_house", "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, reportBefore.ModTime(), reportAfter.ModTime(), "an unchanged report is not rewritten")
}

func TestRunForceRedraw(t *testing.T) {
	ingestRoot := t.TempDir()
	writeWinnerArchive(t, filepath.Join(ingestRoot, "a1.tar.gz"), []byte("assignment"))

	renderer := &fakeRenderer{}
	p, _ := newTestPublisher(t, ingestRoot, renderer, true)
	reg := newTestRegistry(t)
	results := winnerResult("a1.tar.gz")

	require.NoError(t, p.Run(context.Background(), reg, results))
	require.NoError(t, p.Run(context.Background(), reg, results))
	assert.Equal(t, 2, renderer.Calls())
}

func TestRunStaleMapIsRedrawn(t *testing.T) {
	ingestRoot := t.TempDir()
	src := filepath.Join(ingestRoot, "a1.tar.gz")
	writeWinnerArchive(t, src, []byte("assignment"))

	renderer := &fakeRenderer{}
	p, _ := newTestPublisher(t, ingestRoot, renderer, false)
	reg := newTestRegistry(t)
	results := winnerResult("a1.tar.gz")

	require.NoError(t, p.Run(context.Background(), reg, results))

	// A newer winning archive invalidates the map.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(src, future, future))
	require.NoError(t, p.Run(context.Background(), reg, results))
	assert.Equal(t, 2, renderer.Calls())
}

func TestRunWithoutRenderer(t *testing.T) {
	ingestRoot := t.TempDir()
	writeWinnerArchive(t, filepath.Join(ingestRoot, "a1.tar.gz"), []byte("assignment"))

	p, out := newTestPublisher(t, ingestRoot, nil, false)
	require.NoError(t, p.Run(context.Background(), newTestRegistry(t), winnerResult("a1.tar.gz")))

	_, err := os.Stat(filepath.Join(out, "na_house", "map.png"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(out, "na_house", "best.tar.gz"))
	assert.NoError(t, err)
}

func TestRunMissingArchiveIsIsolated(t *testing.T) {
	p, _ := newTestPublisher(t, t.TempDir(), nil, false)
	err := p.Run(context.Background(), newTestRegistry(t), winnerResult("gone.tar.gz"))
	assert.Error(t, err, "the failure is reported but did not panic or halt earlier artifacts")
}

func TestWriteFileAtomicConcurrentReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directives")
	old := bytes.Repeat([]byte("a"), 4096)
	new_ := bytes.Repeat([]byte("b"), 4096)
	require.NoError(t, WriteFileAtomic(path, old, 0o644))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = WriteFileAtomic(path, old, 0o644)
			_ = WriteFileAtomic(path, new_, 0o644)
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Len(t, content, 4096, "a reader must never see a partial file")
		require.True(t, bytes.Equal(content, old) || bytes.Equal(content, new_),
			"a reader must never see a mix of two generations")
	}
}

func TestLinkOrCopyAtomicIdentity(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("content"), 0o644))

	require.NoError(t, LinkOrCopyAtomic(src, dst))
	before, err := os.Stat(dst)
	require.NoError(t, err)

	// Same inode already: republish is a no-op.
	require.NoError(t, LinkOrCopyAtomic(src, dst))
	after, err := os.Stat(dst)
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after))
}

func TestStale(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "artifact")
	input := filepath.Join(dir, "input")
	require.NoError(t, os.WriteFile(input, []byte("in"), 0o644))

	assert.True(t, Stale(artifact, input), "a missing artifact is stale")

	require.NoError(t, os.WriteFile(artifact, []byte("out"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(input, past, past))
	assert.False(t, Stale(artifact, input))

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(input, future, future))
	assert.True(t, Stale(artifact, input))

	assert.False(t, Stale(artifact, filepath.Join(dir, "absent")), "a missing input is ignored")
}

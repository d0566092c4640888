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

// Package publish makes tournament artifacts visible to clients without ever
// exposing a partially-written file.
package publish

import (
	"io"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data under a staging name in the destination
// directory and renames it into place. A concurrent reader sees either the
// previous complete file or the new complete file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".staging-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LinkOrCopyAtomic publishes src at dst. When both already resolve to the
// same underlying file the call is a no-op. It prefers a hard link (cheap,
// shares the inode with the source archive) and falls back to a staged copy
// when the link fails, as across filesystems.
func LinkOrCopyAtomic(src, dst string) error {
	si, err := os.Stat(src)
	if err != nil {
		return err
	}
	if di, err := os.Stat(dst); err == nil && os.SameFile(si, di) {
		return nil
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	staging := filepath.Join(dir, ".staging-"+filepath.Base(dst))
	os.Remove(staging)

	if err := os.Link(src, staging); err != nil {
		if err := copyFile(src, staging, si.Mode().Perm()); err != nil {
			return err
		}
	}
	if err := os.Rename(staging, dst); err != nil {
		os.Remove(staging)
		return err
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// Stale reports whether the artifact must be regenerated: it does not exist,
// or any of its inputs was modified after it.
func Stale(artifact string, inputs ...string) bool {
	ai, err := os.Stat(artifact)
	if err != nil {
		return true
	}
	for _, in := range inputs {
		ii, err := os.Stat(in)
		if err != nil {
			continue
		}
		if ii.ModTime().After(ai.ModTime()) {
			return true
		}
	}
	return false
}

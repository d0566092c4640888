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

// Package ingest discovers client submission archives, scores them through
// the evaluator and records them in the state store.
package ingest

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
)

// ErrArchiveCorrupt marks an archive that cannot be read at all: truncated
// gzip, malformed tar, or missing required members. Corrupt archives leave no
// row behind so a re-uploaded fix is ingested fresh.
var ErrArchiveCorrupt = errors.New("ingest: corrupt submission archive")

// Archives are produced by untrusted clients; cap each member so a crafted
// gzip stream cannot exhaust memory.
const maxMemberSize = 64 << 20

const (
	memberMeta     = "meta"
	memberSolution = "solution"
	memberStatLog  = "statlog"
	memberStatSum  = "statsum"
)

// Bundle is the decoded content of one submission archive. Meta is always
// present; a missing Solution marks a log-only submission, and the two stat
// members are optional and only feed diagnostics.
type Bundle struct {
	Meta     map[string]string
	Solution []byte
	StatLog  []byte
	StatSum  []byte
}

// LogOnly reports whether the archive carries no solution to evaluate.
// Log-only submissions are recorded as permanently unscored rows.
func (b *Bundle) LogOnly() bool {
	return len(b.Solution) == 0
}

// ReadBundle opens and fully decodes a submission archive. Any structural
// problem is reported as ErrArchiveCorrupt.
func ReadBundle(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeBundle(f)
}

func decodeBundle(r io.Reader) (*Bundle, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}
	defer gz.Close()

	b := &Bundle{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := readMember(tr)
		if err != nil {
			return nil, fmt.Errorf("%w: member %q: %v", ErrArchiveCorrupt, hdr.Name, err)
		}
		switch hdr.Name {
		case memberMeta:
			b.Meta, err = decodeMeta(content)
			if err != nil {
				return nil, fmt.Errorf("%w: member %q: %v", ErrArchiveCorrupt, hdr.Name, err)
			}
		case memberSolution:
			b.Solution = content
		case memberStatLog:
			b.StatLog = content
		case memberStatSum:
			b.StatSum = content
		}
	}

	if b.Meta == nil {
		return nil, fmt.Errorf("%w: missing %q member", ErrArchiveCorrupt, memberMeta)
	}
	return b, nil
}

func readMember(r io.Reader) ([]byte, error) {
	content, err := io.ReadAll(io.LimitReader(r, maxMemberSize+1))
	if err != nil {
		return nil, err
	}
	if len(content) > maxMemberSize {
		return nil, fmt.Errorf("member exceeds %d bytes", maxMemberSize)
	}
	return content, nil
}

// The meta member carries URL-encoded key/value pairs, one flat namespace.
func decodeMeta(content []byte) (map[string]string, error) {
	v, err := url.ParseQuery(string(content))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(v))
	for k := range v {
		m[k] = v.Get(k)
	}
	return m, nil
}

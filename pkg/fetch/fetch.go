// Copyright 2024 The registry-engine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fetch downloads artifact payloads from their origins into
// scratch directories. Implementations are per-origin; callers treat
// them through the Downloader interface and the shared failure
// taxonomy.
package fetch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/mlartifacts/registry-engine/pkg/model"
)

// Failure taxonomy. The accessor maps NotFound to BAD_REQUEST and
// Transient to DISQUALIFIED.
var (
	// ErrNotFound means the repository does not exist or is not
	// reachable under the given URL.
	ErrNotFound = errors.New("artifact source not found")
	// ErrUnsupportedKind means the origin cannot serve the requested
	// artifact kind.
	ErrUnsupportedKind = errors.New("unsupported artifact kind for origin")
	// ErrTransient covers IO and network failures that may succeed on
	// retry.
	ErrTransient = errors.New("transient download failure")
)

// Downloader fetches an artifact's files into dir and reports the
// downloaded size in megabytes.
type Downloader interface {
	Download(ctx context.Context, sourceURL string, kind model.Kind, dir string) (sizeMB float64, err error)
}

// WithScratch runs fn with a fresh scratch directory under parent
// (os.TempDir when empty). The directory is removed on every exit
// path, including panics.
func WithScratch(parent string, fn func(dir string) error) error {
	dir, err := os.MkdirTemp(parent, "registry-ingest-*")
	if err != nil {
		return errors.Wrap(ErrTransient, err.Error())
	}
	defer os.RemoveAll(dir)
	return fn(dir)
}

// dirSizeMB sums the file sizes under dir in megabytes.
func dirSizeMB(dir string) (float64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(ErrTransient, err.Error())
	}
	return float64(total) / (1 << 20), nil
}

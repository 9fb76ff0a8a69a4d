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

package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"

	"github.com/mlartifacts/registry-engine/pkg/model"
)

// CodeHostDownloader fetches codebases from a code hosting service
// that serves branch tarballs under
// {repo}/archive/refs/heads/{branch}.tar.gz.
type CodeHostDownloader struct {
	client   *http.Client
	branches []string
}

// NewCodeHostDownloader returns a downloader for hosted codebases.
func NewCodeHostDownloader() *CodeHostDownloader {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 10 * time.Minute
	return &CodeHostDownloader{
		client:   client,
		branches: []string{"main", "master"},
	}
}

// Download implements Downloader.
func (c *CodeHostDownloader) Download(ctx context.Context, sourceURL string, kind model.Kind, dir string) (float64, error) {
	if kind != model.KindCode {
		return 0, errors.Wrapf(ErrUnsupportedKind, "code host origin cannot serve kind %s", kind)
	}
	repo := strings.TrimSuffix(strings.TrimRight(sourceURL, "/"), ".git")

	var lastErr error
	for _, branch := range c.branches {
		u := fmt.Sprintf("%s/archive/refs/heads/%s.tar.gz", repo, branch)
		body, err := getWithRetry(ctx, c.client, u)
		if err != nil {
			lastErr = err
			continue
		}
		err = extractTarGz(body, dir)
		body.Close()
		if err != nil {
			return 0, err
		}
		return dirSizeMB(dir)
	}
	if lastErr == nil {
		lastErr = errors.Wrapf(ErrNotFound, "no default branch found for %s", repo)
	}
	return 0, lastErr
}

// Mux routes downloads to the per-origin downloader for each kind:
// hub for models and datasets, code host for codebases.
type Mux struct {
	Hub  Downloader
	Code Downloader
}

// Download implements Downloader.
func (m *Mux) Download(ctx context.Context, sourceURL string, kind model.Kind, dir string) (float64, error) {
	switch kind {
	case model.KindModel, model.KindDataset:
		return m.Hub.Download(ctx, sourceURL, kind, dir)
	case model.KindCode:
		return m.Code.Download(ctx, sourceURL, kind, dir)
	}
	return 0, errors.Wrapf(ErrUnsupportedKind, "no downloader for kind %s", kind)
}

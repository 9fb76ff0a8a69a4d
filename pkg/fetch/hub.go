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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"

	"github.com/mlartifacts/registry-engine/pkg/model"
)

// HubDownloader fetches models and datasets from a model hub exposing
// the common hub HTTP API: a JSON repo listing under
// /api/{models|datasets}/{repo} and raw files under
// /{repo}/resolve/{revision}/{path}.
type HubDownloader struct {
	logger   log.Logger
	client   *http.Client
	revision string
	// Files larger than this are skipped during download; the hub
	// reports their size in the listing so size accounting stays
	// correct.
	maxFileBytes int64
}

// NewHubDownloader returns a downloader for hub-hosted models and
// datasets.
func NewHubDownloader(logger log.Logger) *HubDownloader {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 10 * time.Minute
	return &HubDownloader{
		logger:       logger,
		client:       client,
		revision:     "main",
		maxFileBytes: 1 << 30,
	}
}

type hubSibling struct {
	Filename string `json:"rfilename"`
	Size     int64  `json:"size"`
}

type hubRepo struct {
	Siblings []hubSibling `json:"siblings"`
}

// Download implements Downloader.
func (h *HubDownloader) Download(ctx context.Context, sourceURL string, kind model.Kind, dir string) (float64, error) {
	if kind == model.KindCode {
		return 0, errors.Wrapf(ErrUnsupportedKind, "hub origin cannot serve kind %s", kind)
	}
	base, repo, err := splitHubURL(sourceURL)
	if err != nil {
		return 0, err
	}

	section := "models"
	if kind == model.KindDataset {
		section = "datasets"
	}
	listing, err := h.fetchListing(ctx, fmt.Sprintf("%s/api/%s/%s", base, section, repo))
	if err != nil {
		return 0, err
	}

	filePrefix := fmt.Sprintf("%s/%s/resolve/%s", base, repo, h.revision)
	if kind == model.KindDataset {
		filePrefix = fmt.Sprintf("%s/datasets/%s/resolve/%s", base, repo, h.revision)
	}

	var skippedMB float64
	for _, sib := range listing.Siblings {
		if sib.Size > h.maxFileBytes {
			level.Debug(h.logger).Log("msg", "skipping oversized file", "file", sib.Filename, "bytes", sib.Size)
			skippedMB += float64(sib.Size) / (1 << 20)
			continue
		}
		if err := h.fetchFile(ctx, filePrefix+"/"+sib.Filename, filepath.Join(dir, sib.Filename)); err != nil {
			return 0, err
		}
	}

	size, err := dirSizeMB(dir)
	if err != nil {
		return 0, err
	}
	return size + skippedMB, nil
}

func (h *HubDownloader) fetchListing(ctx context.Context, u string) (*hubRepo, error) {
	body, err := getWithRetry(ctx, h.client, u)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var repo hubRepo
	if err := json.NewDecoder(body).Decode(&repo); err != nil {
		return nil, errors.Wrap(ErrTransient, err.Error())
	}
	if len(repo.Siblings) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "repo listing at %s is empty", u)
	}
	return &repo, nil
}

func (h *HubDownloader) fetchFile(ctx context.Context, u, dst string) error {
	body, err := getWithRetry(ctx, h.client, u)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(ErrTransient, err.Error())
	}
	f, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(ErrTransient, err.Error())
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return errors.Wrap(ErrTransient, err.Error())
	}
	return nil
}

// splitHubURL splits a source URL into the hub base and the repo path
// (org/name), tolerating a leading "datasets/" path segment.
func splitHubURL(sourceURL string) (base, repo string, err error) {
	u, err := url.Parse(sourceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", errors.Wrapf(ErrNotFound, "unparseable source URL %q", sourceURL)
	}
	path := strings.Trim(u.Path, "/")
	path = strings.TrimPrefix(path, "datasets/")
	if path == "" {
		return "", "", errors.Wrapf(ErrNotFound, "source URL %q has no repo path", sourceURL)
	}
	return u.Scheme + "://" + u.Host, path, nil
}

// getWithRetry performs a GET with exponential backoff on transient
// failures. 4xx responses are terminal.
func getWithRetry(ctx context.Context, client *http.Client, u string) (io.ReadCloser, error) {
	var body io.ReadCloser

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(errors.Wrap(ErrNotFound, err.Error()))
		}
		resp, err := client.Do(req)
		if err != nil {
			return errors.Wrap(ErrTransient, err.Error())
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			body = resp.Body
			return nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			return backoff.Permanent(errors.Wrapf(ErrNotFound, "GET %s: %s", u, resp.Status))
		default:
			resp.Body.Close()
			return errors.Wrapf(ErrTransient, "GET %s: %s", u, resp.Status)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return body, nil
}

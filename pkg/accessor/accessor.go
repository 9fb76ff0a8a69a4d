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

// Package accessor orchestrates the register, update, delete, and
// query operations across the catalog, object store, rating pipeline,
// audit log, and response cache. Every operation returns a
// (model.Status, value) pair; the API layer maps the status to an
// HTTP code.
package accessor

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mlartifacts/registry-engine/pkg/audit"
	"github.com/mlartifacts/registry-engine/pkg/blob"
	"github.com/mlartifacts/registry-engine/pkg/fetch"
	"github.com/mlartifacts/registry-engine/pkg/model"
	"github.com/mlartifacts/registry-engine/pkg/rating"
	"github.com/mlartifacts/registry-engine/pkg/store"
)

var operations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "registry_accessor_operations_total",
	Help: "Number of accessor operations, by operation and resulting status.",
}, []string{"op", "status"})

// Rater produces a rating for a downloaded artifact tree.
type Rater interface {
	Rate(ctx context.Context, dir string, artifact *model.Artifact) *rating.Rating
}

// AuditLog is the subset of the audit log the accessor writes to and
// reads from.
type AuditLog interface {
	Append(ctx context.Context, e audit.Entry) (bool, error)
	GetByArtifact(ctx context.Context, id string, kind model.Kind) ([]audit.Entry, error)
}

// Invalidator removes cached responses after mutations. A nil
// Invalidator disables caching.
type Invalidator interface {
	DeleteByArtifact(ctx context.Context, artifactID string)
	Reset(ctx context.Context) error
}

// Options tunes the accessor.
type Options struct {
	// IngestThreshold is the minimum net score an artifact must reach
	// to be admitted, in [0,1].
	IngestThreshold float64 `validate:"gte=0,lte=1"`
	// ScratchDir is the parent for per-ingest scratch directories.
	// Empty uses the system temp dir.
	ScratchDir string
	// PresignTTL bounds the lifetime of minted download URLs.
	PresignTTL time.Duration
	// Actor is recorded on audit entries. Authentication is a
	// pluggable concern upstream; a single-actor deployment uses the
	// default.
	Actor string
}

// Accessor is the transactional boundary of the registry.
type Accessor struct {
	logger     log.Logger
	catalog    *store.Store
	blobs      blob.Store
	downloader fetch.Downloader
	rater      Rater
	auditLog   AuditLog
	inv        Invalidator
	opts       Options
}

// New wires the accessor. auditLog and inv may be nil to disable the
// respective subsystem.
func New(logger log.Logger, reg prometheus.Registerer, catalog *store.Store, blobs blob.Store, dl fetch.Downloader, rater Rater, auditLog AuditLog, inv Invalidator, opts Options) *Accessor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(operations)
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.Actor == "" {
		opts.Actor = "default"
	}
	return &Accessor{
		logger:     logger,
		catalog:    catalog,
		blobs:      blobs,
		downloader: dl,
		rater:      rater,
		auditLog:   auditLog,
		inv:        inv,
		opts:       opts,
	}
}

func (a *Accessor) observe(op string, st model.Status) model.Status {
	operations.WithLabelValues(op, st.String()).Inc()
	return st
}

// audited appends best-effort: audit failures are logged and never
// abort the user-facing operation.
func (a *Accessor) audited(ctx context.Context, art *model.Artifact, action string) {
	if a.auditLog == nil {
		return
	}
	_, err := a.auditLog.Append(ctx, audit.Entry{
		ArtifactID: art.ID,
		Kind:       string(art.Kind),
		Name:       art.Name,
		Actor:      a.opts.Actor,
		Action:     action,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		level.Warn(a.logger).Log("msg", "audit append failed", "artifact", art.ID, "action", action, "err", err)
	}
}

func (a *Accessor) invalidate(ctx context.Context, id string) {
	if a.inv != nil {
		a.inv.DeleteByArtifact(ctx, id)
	}
}

// nameFromURL falls back to the last path segment when the request
// carries no explicit name.
func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return raw
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	return parts[len(parts)-1]
}

// readReadme returns the body of the first description file found at
// the tree root, or empty.
func readReadme(dir string) string {
	for _, name := range []string{"README.md", "README.MD", "readme.md", "README", "README.txt"} {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return string(b)
		}
	}
	return ""
}

// ingested is the product of one download-and-rate pass over a
// source.
type ingested struct {
	artifact *model.Artifact
	readme   string
	rating   *rating.Rating
	archive  string
}

// fetchAndRate downloads the source into a scratch tree, rates it,
// applies the admission gate, mines linked names, and archives the
// tree. The returned archive path lives under the scratch dir and is
// only valid inside the WithScratch closure that produced it.
func (a *Accessor) fetchAndRate(ctx context.Context, dir string, kind model.Kind, data model.ArtifactData) (*ingested, model.Status) {
	id := model.DeriveID(data.URL)
	name := data.Name
	if name == "" {
		name = nameFromURL(data.URL)
	}

	treeDir := filepath.Join(dir, "tree")
	if err := os.Mkdir(treeDir, 0o755); err != nil {
		level.Error(a.logger).Log("msg", "scratch setup failed", "err", err)
		return nil, model.StatusInternalError
	}
	sizeMB, err := a.downloader.Download(ctx, data.URL, kind, treeDir)
	switch {
	case err == nil:
	case errors.Is(err, fetch.ErrNotFound), errors.Is(err, fetch.ErrUnsupportedKind):
		level.Debug(a.logger).Log("msg", "source rejected", "url", data.URL, "err", err)
		return nil, model.StatusBadRequest
	default:
		level.Warn(a.logger).Log("msg", "download failed", "url", data.URL, "err", err)
		return nil, model.StatusDisqualified
	}

	art := &model.Artifact{
		ID:        id,
		Kind:      kind,
		Name:      name,
		SourceURL: data.URL,
		SizeMB:    sizeMB,
	}

	var r *rating.Rating
	if a.rater != nil {
		r = a.rater.Rate(ctx, treeDir, art)
		if r.NetScore < a.opts.IngestThreshold {
			level.Info(a.logger).Log("msg", "artifact disqualified", "id", id, "net_score", r.NetScore, "threshold", a.opts.IngestThreshold)
			return nil, model.StatusDisqualified
		}
	}

	readme := readReadme(treeDir)
	if art.IsModel() && readme != "" {
		linked := model.ExtractLinkedNames(readme)
		art.Datasets = linked.Datasets
		art.Codebases = linked.Codebases
		art.Parent = linked.Parent
	}

	archive := filepath.Join(dir, "payload.tar.gz")
	if _, err := fetch.TarGz(treeDir, archive); err != nil {
		level.Error(a.logger).Log("msg", "archive failed", "id", id, "err", err)
		return nil, model.StatusInternalError
	}

	out := &ingested{artifact: art, readme: readme, archive: archive}
	if art.IsModel() {
		out.rating = r
	}
	return out, model.StatusSuccess
}

// Register ingests a new artifact synchronously. The metadata commit
// precedes the blob upload; a failed upload rolls the metadata back
// and reports DISQUALIFIED.
func (a *Accessor) Register(ctx context.Context, kind model.Kind, data model.ArtifactData) (model.Status, *model.Artifact) {
	id := model.DeriveID(data.URL)
	ok, err := a.catalog.Exists(ctx, id, kind)
	if err != nil {
		level.Error(a.logger).Log("msg", "exists check failed", "id", id, "err", err)
		return a.observe("register", model.StatusInternalError), nil
	}
	if ok {
		return a.observe("register", model.StatusAlreadyExists), nil
	}

	var (
		st  = model.StatusInternalError
		art *model.Artifact
	)
	scratchErr := fetch.WithScratch(a.opts.ScratchDir, func(dir string) error {
		var ing *ingested
		ing, st = a.fetchAndRate(ctx, dir, kind, data)
		if st != model.StatusSuccess {
			return nil
		}
		art = ing.artifact

		inserted, err := a.catalog.Insert(ctx, art, ing.readme, ing.rating)
		if err != nil {
			level.Error(a.logger).Log("msg", "catalog insert failed", "id", art.ID, "err", err)
			st = model.StatusInternalError
			return nil
		}
		if !inserted {
			// Lost a concurrent race for the same source URL.
			st = model.StatusAlreadyExists
			return nil
		}
		a.audited(ctx, art, audit.ActionCreate)

		if err := a.blobs.Upload(ctx, art.ID, ing.archive); err != nil {
			level.Warn(a.logger).Log("msg", "blob upload failed, rolling back", "id", art.ID, "err", err)
			if _, derr := a.catalog.Delete(ctx, art.ID, art.Kind); derr != nil {
				level.Error(a.logger).Log("msg", "rollback failed, orphan row left", "id", art.ID, "err", derr)
			}
			st = model.StatusDisqualified
			return nil
		}
		return nil
	})
	if scratchErr != nil {
		level.Error(a.logger).Log("msg", "scratch failure", "err", scratchErr)
		return a.observe("register", model.StatusInternalError), nil
	}
	if st != model.StatusSuccess {
		return a.observe("register", st), nil
	}

	a.invalidate(ctx, art.ID)
	if u, err := a.blobs.PresignedGet(ctx, art.ID, a.opts.PresignTTL); err == nil {
		art.DownloadURL = u
	}
	return a.observe("register", model.StatusSuccess), art
}

// Exists reports whether the artifact derived from the source URL is
// already registered under the kind. The deferred register path uses
// it to reject duplicates before enqueueing.
func (a *Accessor) Exists(ctx context.Context, kind model.Kind, sourceURL string) (bool, error) {
	return a.catalog.Exists(ctx, model.DeriveID(sourceURL), kind)
}

// Update re-ingests an existing artifact in place. The id and kind
// are immutable; size, edges, readme, rating, and the stored blob are
// rewritten.
func (a *Accessor) Update(ctx context.Context, kind model.Kind, id string, data model.ArtifactData) (model.Status, *model.Artifact) {
	existing, err := a.catalog.GetByID(ctx, id, kind)
	if err != nil {
		level.Error(a.logger).Log("msg", "catalog read failed", "id", id, "err", err)
		return a.observe("update", model.StatusInternalError), nil
	}
	if existing == nil {
		return a.observe("update", model.StatusDoesNotExist), nil
	}
	if data.URL == "" {
		data.URL = existing.SourceURL
	}
	if model.DeriveID(data.URL) != id {
		// The id is a pure function of the source URL; moving an
		// artifact to a new source is a new register, not an update.
		return a.observe("update", model.StatusBadRequest), nil
	}
	if data.Name == "" {
		data.Name = existing.Name
	}

	var (
		st  = model.StatusInternalError
		art *model.Artifact
	)
	scratchErr := fetch.WithScratch(a.opts.ScratchDir, func(dir string) error {
		var ing *ingested
		ing, st = a.fetchAndRate(ctx, dir, kind, data)
		if st != model.StatusSuccess {
			return nil
		}
		art = ing.artifact

		updated, err := a.catalog.Update(ctx, art, ing.readme, ing.rating)
		if err != nil {
			level.Error(a.logger).Log("msg", "catalog update failed", "id", id, "err", err)
			st = model.StatusInternalError
			return nil
		}
		if !updated {
			st = model.StatusDoesNotExist
			return nil
		}
		a.audited(ctx, art, audit.ActionUpdate)

		if err := a.blobs.Upload(ctx, art.ID, ing.archive); err != nil {
			level.Warn(a.logger).Log("msg", "blob re-upload failed", "id", id, "err", err)
			st = model.StatusDisqualified
			return nil
		}
		return nil
	})
	if scratchErr != nil {
		level.Error(a.logger).Log("msg", "scratch failure", "err", scratchErr)
		return a.observe("update", model.StatusInternalError), nil
	}
	if st != model.StatusSuccess {
		return a.observe("update", st), nil
	}

	a.invalidate(ctx, id)
	return a.observe("update", model.StatusSuccess), art
}

// Delete removes the artifact's metadata and blob and purges its
// cached responses. No audit entry is appended: the action set has no
// delete member and the artifact's history outlives the row (see the
// audit package doc).
func (a *Accessor) Delete(ctx context.Context, kind model.Kind, id string) model.Status {
	deleted, err := a.catalog.Delete(ctx, id, kind)
	if err != nil {
		level.Error(a.logger).Log("msg", "catalog delete failed", "id", id, "err", err)
		return a.observe("delete", model.StatusInternalError)
	}
	if !deleted {
		return a.observe("delete", model.StatusDoesNotExist)
	}
	if err := a.blobs.Delete(ctx, id); err != nil {
		// The catalog row is gone; a dangling blob is invisible and
		// gets overwritten on re-register.
		level.Warn(a.logger).Log("msg", "blob delete failed", "id", id, "err", err)
	}
	a.invalidate(ctx, id)
	return a.observe("delete", model.StatusSuccess)
}

// Get returns the artifact with a freshly minted download URL and
// records the download in the audit log.
func (a *Accessor) Get(ctx context.Context, kind model.Kind, id string) (model.Status, *model.Artifact) {
	art, err := a.catalog.GetByID(ctx, id, kind)
	if err != nil {
		level.Error(a.logger).Log("msg", "catalog read failed", "id", id, "err", err)
		return a.observe("get", model.StatusInternalError), nil
	}
	if art == nil {
		return a.observe("get", model.StatusDoesNotExist), nil
	}
	u, err := a.blobs.PresignedGet(ctx, id, a.opts.PresignTTL)
	if err != nil {
		level.Error(a.logger).Log("msg", "presign failed", "id", id, "err", err)
		return a.observe("get", model.StatusInternalError), nil
	}
	art.DownloadURL = u
	a.audited(ctx, art, audit.ActionDownload)
	return a.observe("get", model.StatusSuccess), art
}

// GetByName returns all artifacts sharing the exact name.
func (a *Accessor) GetByName(ctx context.Context, name string) (model.Status, []*model.Artifact) {
	arts, err := a.catalog.GetByName(ctx, name)
	if err != nil {
		level.Error(a.logger).Log("msg", "catalog read failed", "name", name, "err", err)
		return a.observe("get_by_name", model.StatusInternalError), nil
	}
	if len(arts) == 0 {
		return a.observe("get_by_name", model.StatusDoesNotExist), nil
	}
	return a.observe("get_by_name", model.StatusSuccess), arts
}

// GetByRegex returns artifacts whose name or readme matches the
// pattern.
func (a *Accessor) GetByRegex(ctx context.Context, pattern string) (model.Status, []*model.Artifact) {
	arts, err := a.catalog.GetByRegex(ctx, pattern)
	if err != nil {
		if errors.Is(err, store.ErrBadPattern) {
			return a.observe("get_by_regex", model.StatusBadRequest), nil
		}
		level.Error(a.logger).Log("msg", "catalog search failed", "err", err)
		return a.observe("get_by_regex", model.StatusInternalError), nil
	}
	if len(arts) == 0 {
		return a.observe("get_by_regex", model.StatusDoesNotExist), nil
	}
	return a.observe("get_by_regex", model.StatusSuccess), arts
}

// Query returns one page of the catalog listing plus the next offset,
// -1 when the listing is exhausted.
func (a *Accessor) Query(ctx context.Context, queries []store.Query, offset int) (model.Status, []*model.Artifact, int) {
	page, next, err := a.catalog.GetByQuery(ctx, queries, offset)
	if err != nil {
		if errors.Is(err, store.ErrPageOverflow) {
			return a.observe("query", model.StatusTooManyArtifacts), nil, 0
		}
		level.Error(a.logger).Log("msg", "catalog query failed", "err", err)
		return a.observe("query", model.StatusInternalError), nil, 0
	}
	return a.observe("query", model.StatusSuccess), page, next
}

// Reset drops all catalog state and cached responses. Stored blobs
// are content-addressed and invisible without their catalog rows;
// they are overwritten on re-register.
func (a *Accessor) Reset(ctx context.Context) error {
	if err := a.catalog.Reset(ctx); err != nil {
		return errors.Wrap(err, "reset catalog")
	}
	if a.inv != nil {
		if err := a.inv.Reset(ctx); err != nil {
			level.Warn(a.logger).Log("msg", "cache reset failed", "err", err)
		}
	}
	level.Info(a.logger).Log("msg", "registry reset")
	return nil
}

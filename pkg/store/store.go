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

// Package store implements the transactional metadata catalog: typed
// per-kind artifact tables, the relation edge table with deferred
// source resolution, readmes and ratings. Every mutation commits in a
// single transaction.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mlartifacts/registry-engine/pkg/model"
	"github.com/mlartifacts/registry-engine/pkg/rating"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var (
	storeOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_store_operations_total",
		Help: "Number of metadata store operations, by operation and outcome.",
	}, []string{"op", "outcome"})
	storeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "registry_store_operation_latency_seconds",
		Help:    "Latency of metadata store operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

// driverName is the sqlite driver with the regexp SQL function
// registered, so name and readme regex queries run inside one
// statement.
const driverName = "sqlite3_registry"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("regexp", func(pattern, s string) (bool, error) {
				re, err := regexp.Compile(pattern)
				if err != nil {
					return false, err
				}
				return re.MatchString(s), nil
			}, true)
		},
	})
}

// Options configures a Store.
type Options struct {
	// DBURL is the metadata store connection string, scheme
	// sqlite://PATH.
	DBURL string
	// PageSize is the maximum number of records per query page.
	PageSize int
	// HardCap is the upper bound a single page may never exceed;
	// queries that would are rejected.
	HardCap int
}

// Store is the metadata catalog.
type Store struct {
	logger log.Logger
	db     *sqlx.DB

	pageSize int
	hardCap  int
}

// Open connects to the metadata store, runs pending migrations, and
// returns the catalog handle.
func Open(logger log.Logger, reg prometheus.Registerer, opts Options) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(storeOps, storeLatency)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 25
	}
	if opts.HardCap <= 0 {
		opts.HardCap = 100
	}

	path := strings.TrimPrefix(opts.DBURL, "sqlite://")
	if path == opts.DBURL && strings.Contains(opts.DBURL, "://") {
		return nil, errors.Errorf("unsupported db_url scheme in %q, expected sqlite://", opts.DBURL)
	}

	db, err := sqlx.Open(driverName, path)
	if err != nil {
		return nil, errors.Wrap(err, "open metadata store")
	}
	// SQLite serializes writers; a single connection avoids busy
	// errors under concurrent ingest workers.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	level.Info(logger).Log("msg", "metadata store ready", "path", path)

	return &Store{
		logger:   logger,
		db:       db,
		pageSize: opts.PageSize,
		hardCap:  opts.HardCap,
	}, nil
}

func runMigrations(db *sqlx.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return errors.Wrap(err, "init migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return errors.Wrap(err, "init migrations")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the shared database handle for collaborating stores
// (audit log).
func (s *Store) DB() *sqlx.DB { return s.db }

// PageSize returns the configured query page size.
func (s *Store) PageSize() int { return s.pageSize }

// HardCap returns the configured page hard cap.
func (s *Store) HardCap() int { return s.hardCap }

func tableFor(kind model.Kind) string {
	switch kind {
	case model.KindModel:
		return "models"
	case model.KindDataset:
		return "datasets"
	default:
		return "codebases"
	}
}

func relationFor(kind model.Kind) model.Relation {
	switch kind {
	case model.KindDataset:
		return model.RelationDataset
	case model.KindCode:
		return model.RelationCodebase
	default:
		return model.RelationParent
	}
}

type artifactRow struct {
	ID        string  `db:"id"`
	Name      string  `db:"name"`
	SourceURL string  `db:"source_url"`
	SizeMB    float64 `db:"size_mb"`
}

func (r artifactRow) artifact(kind model.Kind) *model.Artifact {
	return &model.Artifact{
		ID:        r.ID,
		Kind:      kind,
		Name:      r.Name,
		SourceURL: r.SourceURL,
		SizeMB:    r.SizeMB,
	}
}

func observe(op string, start time.Time, err *error) {
	storeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if *err != nil {
		outcome = "error"
	}
	storeOps.WithLabelValues(op, outcome).Inc()
}

// Insert adds the artifact together with its readme, rating, and
// derived edges in one transaction. It returns false without error
// when an artifact with the same (id, kind) already exists.
func (s *Store) Insert(ctx context.Context, a *model.Artifact, readme string, r *rating.Rating) (inserted bool, err error) {
	defer observe("insert", time.Now(), &err)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin insert")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO "+tableFor(a.Kind)+" (id, name, source_url, size_mb) VALUES (?, ?, ?, ?)",
		a.ID, a.Name, a.SourceURL, a.SizeMB)
	if err != nil {
		return false, errors.Wrap(err, "insert artifact row")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if a.IsModel() {
		if err := s.insertModelEdges(ctx, tx, a); err != nil {
			return false, err
		}
	}
	// Deferred resolution: any dangling edge naming this artifact as
	// its source now gets bound to the new id.
	if _, err := tx.ExecContext(ctx,
		"UPDATE edges SET src_id = ? WHERE src_name = ? AND src_id IS NULL AND relation = ?",
		a.ID, a.Name, relationFor(a.Kind)); err != nil {
		return false, errors.Wrap(err, "resolve dangling edges")
	}

	if readme != "" {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO readmes (artifact_id, kind, body) VALUES (?, ?, ?)",
			a.ID, a.Kind, readme); err != nil {
			return false, errors.Wrap(err, "insert readme")
		}
	}
	if r != nil {
		if err := upsertRating(ctx, tx, r); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit insert")
	}
	return true, nil
}

// insertModelEdges creates one edge per linked name, resolving src_id
// immediately when the named artifact is already ingested.
func (s *Store) insertModelEdges(ctx context.Context, tx *sqlx.Tx, a *model.Artifact) error {
	type link struct {
		name     string
		relation model.Relation
		kind     model.Kind
		label    string
	}
	var links []link
	for _, n := range a.Datasets {
		links = append(links, link{n, model.RelationDataset, model.KindDataset, "training_data"})
	}
	for _, n := range a.Codebases {
		links = append(links, link{n, model.RelationCodebase, model.KindCode, "training_code"})
	}
	if a.Parent != "" {
		links = append(links, link{a.Parent, model.RelationParent, model.KindModel, "finetune"})
	}

	for _, l := range links {
		var srcID sql.NullString
		err := tx.GetContext(ctx, &srcID,
			"SELECT id FROM "+tableFor(l.kind)+" WHERE name = ? ORDER BY id LIMIT 1", l.name)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return errors.Wrap(err, "resolve edge source")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO edges (src_name, src_id, dst_name, dst_id, relation, relation_label, source_tag)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			l.name, srcID, a.Name, a.ID, l.relation, l.label, "model_card"); err != nil {
			return errors.Wrap(err, "insert edge")
		}
	}
	return nil
}

func upsertRating(ctx context.Context, tx *sqlx.Tx, r *rating.Rating) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode rating")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ratings (model_id, net_score, payload) VALUES (?, ?, ?)
		 ON CONFLICT (model_id) DO UPDATE SET net_score = excluded.net_score, payload = excluded.payload`,
		r.ModelID, r.NetScore, string(payload)); err != nil {
		return errors.Wrap(err, "upsert rating")
	}
	return nil
}

// Delete removes the artifact row, its incoming edges, the source
// binding of its outgoing edges, its readme, and its rating. Returns
// false when no such artifact exists.
func (s *Store) Delete(ctx context.Context, id string, kind model.Kind) (deleted bool, err error) {
	defer observe("delete", time.Now(), &err)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin delete")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM "+tableFor(kind)+" WHERE id = ?", id)
	if err != nil {
		return false, errors.Wrap(err, "delete artifact row")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE dst_id = ?", id); err != nil {
		return false, errors.Wrap(err, "delete incoming edges")
	}
	// Outgoing edges keep their src_name: the dangling upstream name
	// is still informative.
	if _, err := tx.ExecContext(ctx, "UPDATE edges SET src_id = NULL WHERE src_id = ?", id); err != nil {
		return false, errors.Wrap(err, "unbind outgoing edges")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM readmes WHERE artifact_id = ? AND kind = ?", id, kind); err != nil {
		return false, errors.Wrap(err, "delete readme")
	}
	if kind == model.KindModel {
		if _, err := tx.ExecContext(ctx, "DELETE FROM ratings WHERE model_id = ?", id); err != nil {
			return false, errors.Wrap(err, "delete rating")
		}
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit delete")
	}
	return true, nil
}

// Update mutates the existing row in place; id and kind are
// immutable. For models the dependency edges are re-derived from the
// new linked-name set. Returns false when no such artifact exists.
func (s *Store) Update(ctx context.Context, a *model.Artifact, readme string, r *rating.Rating) (updated bool, err error) {
	defer observe("update", time.Now(), &err)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin update")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE "+tableFor(a.Kind)+" SET name = ?, source_url = ?, size_mb = ? WHERE id = ?",
		a.Name, a.SourceURL, a.SizeMB, a.ID)
	if err != nil {
		return false, errors.Wrap(err, "update artifact row")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if a.IsModel() {
		if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE dst_id = ?", a.ID); err != nil {
			return false, errors.Wrap(err, "drop dependency edges")
		}
		if err := s.insertModelEdges(ctx, tx, a); err != nil {
			return false, err
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM readmes WHERE artifact_id = ? AND kind = ?", a.ID, a.Kind); err != nil {
		return false, errors.Wrap(err, "drop readme")
	}
	if readme != "" {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO readmes (artifact_id, kind, body) VALUES (?, ?, ?)", a.ID, a.Kind, readme); err != nil {
			return false, errors.Wrap(err, "insert readme")
		}
	}
	if r != nil {
		if err := upsertRating(ctx, tx, r); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit update")
	}
	return true, nil
}

// GetByID returns the artifact or nil when absent. Models carry their
// linked names re-derived from the edge table.
func (s *Store) GetByID(ctx context.Context, id string, kind model.Kind) (a *model.Artifact, err error) {
	defer observe("get_by_id", time.Now(), &err)

	var row artifactRow
	err = s.db.GetContext(ctx, &row, "SELECT id, name, source_url, size_mb FROM "+tableFor(kind)+" WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get artifact")
	}
	a = row.artifact(kind)
	if kind == model.KindModel {
		if err := s.loadLinkedNames(ctx, a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (s *Store) loadLinkedNames(ctx context.Context, a *model.Artifact) error {
	var edges []model.Edge
	if err := s.selectEdges(ctx, &edges, sq.Eq{"dst_id": a.ID}); err != nil {
		return err
	}
	for _, e := range edges {
		switch e.Relation {
		case model.RelationDataset:
			a.Datasets = append(a.Datasets, e.SrcName)
		case model.RelationCodebase:
			a.Codebases = append(a.Codebases, e.SrcName)
		case model.RelationParent:
			a.Parent = e.SrcName
		}
	}
	return nil
}

// Exists reports whether an artifact with (id, kind) is in the
// catalog.
func (s *Store) Exists(ctx context.Context, id string, kind model.Kind) (ok bool, err error) {
	defer observe("exists", time.Now(), &err)

	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+tableFor(kind)+" WHERE id = ?", id); err != nil {
		return false, errors.Wrap(err, "count artifact")
	}
	return n > 0, nil
}

// GetByName returns all artifacts across kinds sharing the exact
// name.
func (s *Store) GetByName(ctx context.Context, name string) (out []*model.Artifact, err error) {
	defer observe("get_by_name", time.Now(), &err)

	for _, kind := range model.Kinds() {
		var rows []artifactRow
		if err := s.db.SelectContext(ctx, &rows,
			"SELECT id, name, source_url, size_mb FROM "+tableFor(kind)+" WHERE name = ? ORDER BY id", name); err != nil {
			return nil, errors.Wrap(err, "select by name")
		}
		for _, r := range rows {
			out = append(out, r.artifact(kind))
		}
	}
	return out, nil
}

// GetByRegex returns the union of artifacts whose name matches the
// pattern and artifacts whose readme body matches, deduplicated by
// (id, kind) with stable order.
func (s *Store) GetByRegex(ctx context.Context, pattern string) (out []*model.Artifact, err error) {
	defer observe("get_by_regex", time.Now(), &err)

	if _, err := regexp.Compile(pattern); err != nil {
		return nil, errors.Wrapf(ErrBadPattern, "%s", err)
	}

	seen := map[string]struct{}{}
	add := func(kind model.Kind, rows []artifactRow) {
		for _, r := range rows {
			key := r.ID + "/" + string(kind)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, r.artifact(kind))
		}
	}

	for _, kind := range model.Kinds() {
		var rows []artifactRow
		if err := s.db.SelectContext(ctx, &rows,
			"SELECT id, name, source_url, size_mb FROM "+tableFor(kind)+" WHERE name REGEXP ? ORDER BY id", pattern); err != nil {
			return nil, errors.Wrap(err, "select by name regex")
		}
		add(kind, rows)
	}
	for _, kind := range model.Kinds() {
		var rows []artifactRow
		if err := s.db.SelectContext(ctx, &rows,
			`SELECT a.id, a.name, a.source_url, a.size_mb
			 FROM `+tableFor(kind)+` a JOIN readmes r ON r.artifact_id = a.id AND r.kind = ?
			 WHERE r.body REGEXP ? ORDER BY a.id`, kind, pattern); err != nil {
			return nil, errors.Wrap(err, "select by readme regex")
		}
		add(kind, rows)
	}
	return out, nil
}

// ErrBadPattern marks an uncompilable regex from a search request.
var ErrBadPattern = errors.New("invalid search pattern")

// ErrPageOverflow is returned when a query page would exceed the
// configured hard cap; clients must paginate.
var ErrPageOverflow = errors.New("query page exceeds hard cap")

// Query selects one query from a batched listing request: an exact
// name (or "*" for all) with an optional kind filter.
type Query struct {
	Name  string       `json:"name"`
	Kinds []model.Kind `json:"types,omitempty"`
}

// GetByQuery returns up to one page of metadata for the union of the
// given queries, starting at offset. next is the offset of the
// following page, or -1 when the listing is exhausted. The hard cap
// applies per page: ErrPageOverflow signals a page size configured
// above the cap, never a large result set. Large results paginate.
func (s *Store) GetByQuery(ctx context.Context, queries []Query, offset int) (page []*model.Artifact, next int, err error) {
	defer observe("get_by_query", time.Now(), &err)

	if offset < 0 {
		offset = 0
	}
	if s.pageSize > s.hardCap {
		return nil, 0, ErrPageOverflow
	}

	seen := map[string]struct{}{}
	var union []*model.Artifact
	for _, q := range queries {
		kinds := q.Kinds
		if len(kinds) == 0 {
			kinds = model.Kinds()
		}
		for _, kind := range kinds {
			b := sq.Select("id", "name", "source_url", "size_mb").
				From(tableFor(kind)).
				OrderBy("id")
			if q.Name != "*" {
				b = b.Where(sq.Eq{"name": q.Name})
			}
			query, args, err := b.ToSql()
			if err != nil {
				return nil, 0, errors.Wrap(err, "build query")
			}
			var rows []artifactRow
			if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
				return nil, 0, errors.Wrap(err, "select by query")
			}
			for _, r := range rows {
				key := r.ID + "/" + string(kind)
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				union = append(union, r.artifact(kind))
			}
		}
	}

	if offset >= len(union) {
		return nil, -1, nil
	}
	end := offset + s.pageSize
	if end > len(union) {
		end = len(union)
	}
	page = union[offset:end]
	next = end
	if end == len(union) {
		next = -1
	}
	return page, next, nil
}

// GetRating returns the persisted rating for a model, or nil when it
// has not been rated.
func (s *Store) GetRating(ctx context.Context, modelID string) (r *rating.Rating, err error) {
	defer observe("get_rating", time.Now(), &err)

	var payload string
	err = s.db.GetContext(ctx, &payload, "SELECT payload FROM ratings WHERE model_id = ?", modelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get rating")
	}
	r = &rating.Rating{}
	if err := json.Unmarshal([]byte(payload), r); err != nil {
		return nil, errors.Wrap(err, "decode rating")
	}
	return r, nil
}

// GetReadme returns the readme body for an artifact, or "" when
// absent.
func (s *Store) GetReadme(ctx context.Context, id string, kind model.Kind) (body string, err error) {
	defer observe("get_readme", time.Now(), &err)

	err = s.db.GetContext(ctx, &body, "SELECT body FROM readmes WHERE artifact_id = ? AND kind = ?", id, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "get readme")
	}
	return body, nil
}

// EdgesByDst returns all edges pointing at the given artifact.
func (s *Store) EdgesByDst(ctx context.Context, dstID string) (edges []model.Edge, err error) {
	defer observe("edges_by_dst", time.Now(), &err)
	err = s.selectEdges(ctx, &edges, sq.Eq{"dst_id": dstID})
	return edges, err
}

func (s *Store) selectEdges(ctx context.Context, out *[]model.Edge, pred any) error {
	query, args, err := sq.Select("src_name", "COALESCE(src_id, '') AS src_id", "dst_name", "dst_id", "relation", "relation_label", "source_tag").
		From("edges").Where(pred).OrderBy("id").ToSql()
	if err != nil {
		return errors.Wrap(err, "build edge query")
	}
	if err := s.db.SelectContext(ctx, out, query, args...); err != nil {
		return errors.Wrap(err, "select edges")
	}
	return nil
}

// Reset truncates the whole catalog, including the audit log.
func (s *Store) Reset(ctx context.Context) (err error) {
	defer observe("reset", time.Now(), &err)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin reset")
	}
	defer tx.Rollback()

	for _, table := range []string{"models", "datasets", "codebases", "edges", "readmes", "ratings", "audit_entries"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.Wrapf(err, "truncate %s", table)
		}
	}
	return errors.Wrap(tx.Commit(), "commit reset")
}

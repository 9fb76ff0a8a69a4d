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

// Package audit records the history of operations performed on
// artifacts. Entries are append-only and identified by a content
// hash, which makes retried writes idempotent.
//
// The action set covers creation, update, download, rating reads, and
// history reads. Deleting an artifact is not an action: the log
// survives the artifact row, so its history remains queryable until a
// registry reset.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mlartifacts/registry-engine/pkg/model"
)

// Actions recorded in the log.
const (
	ActionCreate   = "CREATE"
	ActionUpdate   = "UPDATE"
	ActionDownload = "DOWNLOAD"
	ActionRate     = "RATE"
	ActionAudit    = "AUDIT"
)

var (
	entriesAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_audit_entries_appended_total",
		Help: "Number of audit entries appended, by action.",
	}, []string{"action"})
	entriesDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registry_audit_entries_deduplicated_total",
		Help: "Number of audit appends dropped as duplicates of an existing entry.",
	})
)

// Entry is one recorded operation on an artifact.
type Entry struct {
	ArtifactID string    `db:"artifact_id" json:"artifact_id"`
	Kind       string    `db:"kind" json:"kind"`
	Name       string    `db:"name" json:"name"`
	Actor      string    `db:"actor" json:"actor"`
	Action     string    `db:"action" json:"action"`
	Timestamp  time.Time `db:"ts" json:"timestamp"`
}

// id derives the entry identity from its full content. Two appends of
// the same operation at the same timestamp collapse into one row.
func (e Entry) id() string {
	h := sha256.Sum256([]byte(fmt.Sprintf(
		"%s\x00%s\x00%s\x00%s\x00%s\x00%d",
		e.ArtifactID, e.Kind, e.Name, e.Actor, e.Action, e.Timestamp.UnixNano(),
	)))
	return hex.EncodeToString(h[:])
}

// Log appends to and reads from the audit_entries table. It shares
// the catalog database so that catalog writes and their audit records
// live in one place.
type Log struct {
	logger log.Logger
	db     *sqlx.DB
}

// NewLog returns a log writing to the given catalog database.
func NewLog(logger log.Logger, reg prometheus.Registerer, db *sqlx.DB) *Log {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(entriesAppended, entriesDeduped)
	}
	return &Log{logger: logger, db: db}
}

// Append records the entry. It returns false without error when an
// identical entry already exists.
func (l *Log) Append(ctx context.Context, e Entry) (bool, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO audit_entries (entry_id, artifact_id, kind, name, actor, action, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.id(), e.ArtifactID, e.Kind, e.Name, e.Actor, e.Action, e.Timestamp)
	if err != nil {
		return false, errors.Wrap(err, "append audit entry")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "append audit entry")
	}
	if n == 0 {
		entriesDeduped.Inc()
		return false, nil
	}
	entriesAppended.WithLabelValues(e.Action).Inc()
	level.Debug(l.logger).Log("msg", "audit entry appended", "artifact", e.ArtifactID, "action", e.Action)
	return true, nil
}

// GetByArtifact returns all entries for the artifact in append order.
func (l *Log) GetByArtifact(ctx context.Context, id string, kind model.Kind) ([]Entry, error) {
	q, args, err := sq.Select("artifact_id", "kind", "name", "actor", "action", "ts").
		From("audit_entries").
		Where(sq.Eq{"artifact_id": id, "kind": string(kind)}).
		OrderBy("ts ASC", "entry_id ASC").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build audit query")
	}
	var out []Entry
	if err := l.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, errors.Wrap(err, "select audit entries")
	}
	return out, nil
}

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

// Package model defines the shared types of the artifact registry:
// artifact kinds, catalog records, relation edges, and the status
// taxonomy surfaced through the HTTP API.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	"github.com/pkg/errors"
)

// Kind is the category of an artifact in the catalog.
type Kind string

// Valid artifact kinds.
const (
	KindModel   Kind = "model"
	KindDataset Kind = "dataset"
	KindCode    Kind = "code"
)

// Kinds lists all valid kinds in a stable order.
func Kinds() []Kind {
	return []Kind{KindModel, KindDataset, KindCode}
}

// ParseKind validates a kind string from an external input.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindModel, KindDataset, KindCode:
		return Kind(s), nil
	}
	return "", errors.Errorf("invalid artifact kind %q", s)
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9\-]{1,64}$`)

// ValidID reports whether s is a well-formed artifact identifier.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// DeriveID computes the stable identifier for an artifact from its
// source URL. The same URL always derives the same id, which makes
// register idempotent and deduplicates by source.
func DeriveID(sourceURL string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	return hex.EncodeToString(sum[:])
}

// Artifact is one catalog entry. The relation fields are only
// populated for KindModel; for other kinds they stay empty.
type Artifact struct {
	ID        string  `json:"id" db:"id"`
	Kind      Kind    `json:"type" db:"-"`
	Name      string  `json:"name" db:"name"`
	SourceURL string  `json:"url" db:"source_url"`
	SizeMB    float64 `json:"size_mb" db:"size_mb"`

	// Linked dependency names mined from the model card at ingest
	// time. Edges are derived from these on insert and update.
	Datasets  []string `json:"datasets,omitempty" db:"-"`
	Codebases []string `json:"codebases,omitempty" db:"-"`
	Parent    string   `json:"parent,omitempty" db:"-"`

	// DownloadURL is a transient presigned URL minted on read, never
	// persisted.
	DownloadURL string `json:"download_url,omitempty" db:"-"`
}

// IsModel reports whether the artifact carries relation payload.
func (a *Artifact) IsModel() bool { return a.Kind == KindModel }

// Relation is the type of a directed edge between two artifacts.
type Relation string

// Valid edge relations, always pointing source-name -> model.
const (
	RelationDataset  Relation = "model_dataset"
	RelationCodebase Relation = "model_codebase"
	RelationParent   Relation = "model_parent"
)

// Edge is a directed relation between artifacts. SrcID is empty while
// the source artifact has not been ingested yet; it is patched when a
// matching-name artifact appears (deferred resolution).
type Edge struct {
	SrcName   string   `json:"src_name" db:"src_name"`
	SrcID     string   `json:"src_id,omitempty" db:"src_id"`
	DstName   string   `json:"dst_name" db:"dst_name"`
	DstID     string   `json:"dst_id" db:"dst_id"`
	Relation  Relation `json:"relation" db:"relation"`
	Label     string   `json:"relation_label" db:"relation_label"`
	SourceTag string   `json:"source_tag" db:"source_tag"`
}

// SrcKind returns the artifact kind a resolved source of this edge
// must have.
func (e *Edge) SrcKind() Kind {
	switch e.Relation {
	case RelationDataset:
		return KindDataset
	case RelationCodebase:
		return KindCode
	default:
		return KindModel
	}
}

// ReadmeRecord holds the description file body of an artifact,
// searchable by regex.
type ReadmeRecord struct {
	ArtifactID string `db:"artifact_id"`
	Kind       Kind   `db:"kind"`
	Body       string `db:"body"`
}

// ArtifactData is the register/update request payload for one
// artifact.
type ArtifactData struct {
	URL  string `json:"url" validate:"required,url"`
	Name string `json:"name,omitempty"`
}

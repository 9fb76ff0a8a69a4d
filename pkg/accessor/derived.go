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

package accessor

import (
	"context"

	"github.com/go-kit/log/level"

	"github.com/mlartifacts/registry-engine/pkg/audit"
	"github.com/mlartifacts/registry-engine/pkg/model"
	"github.com/mlartifacts/registry-engine/pkg/rating"
)

// maxAncestorDepth bounds the parent-chain walk. A chain this deep is
// either corrupt data or adversarial input; the walk stops and the
// result is marked truncated.
const maxAncestorDepth = 32

// Cost is the storage cost of an artifact in megabytes. Total folds
// in the transitive parent chain and linked dependencies.
type Cost struct {
	StandaloneMB float64 `json:"standalone_mb"`
	TotalMB      float64 `json:"total_mb"`
	// Truncated reports that the ancestor walk hit its depth bound
	// and TotalMB is a lower bound.
	Truncated bool `json:"truncated,omitempty"`
}

// CostFor computes the cost report. Dependencies are only folded in
// for models when includeDeps is set; other kinds have no outgoing
// relations and cost exactly their own size.
func (a *Accessor) CostFor(ctx context.Context, kind model.Kind, id string, includeDeps bool) (model.Status, *Cost) {
	art, err := a.catalog.GetByID(ctx, id, kind)
	if err != nil {
		level.Error(a.logger).Log("msg", "catalog read failed", "id", id, "err", err)
		return a.observe("cost", model.StatusInternalError), nil
	}
	if art == nil {
		return a.observe("cost", model.StatusDoesNotExist), nil
	}

	cost := &Cost{StandaloneMB: art.SizeMB, TotalMB: art.SizeMB}
	if !includeDeps || !art.IsModel() {
		return a.observe("cost", model.StatusSuccess), cost
	}

	seen := map[string]bool{}
	current := art
	for depth := 0; ; depth++ {
		if depth >= maxAncestorDepth {
			cost.Truncated = true
			break
		}
		seen[current.ID] = true

		edges, err := a.catalog.EdgesByDst(ctx, current.ID)
		if err != nil {
			level.Error(a.logger).Log("msg", "edge read failed", "id", current.ID, "err", err)
			return a.observe("cost", model.StatusInternalError), nil
		}

		var parent *model.Artifact
		for _, e := range edges {
			if e.SrcID == "" || seen[e.SrcID] {
				continue
			}
			dep, err := a.catalog.GetByID(ctx, e.SrcID, e.SrcKind())
			if err != nil {
				level.Error(a.logger).Log("msg", "dependency read failed", "id", e.SrcID, "err", err)
				return a.observe("cost", model.StatusInternalError), nil
			}
			if dep == nil {
				continue
			}
			seen[dep.ID] = true
			cost.TotalMB += dep.SizeMB
			if e.Relation == model.RelationParent {
				parent = dep
			}
		}
		if parent == nil {
			break
		}
		current = parent
	}
	return a.observe("cost", model.StatusSuccess), cost
}

// LineageNode is one model in the ancestry graph. ArtifactID is empty
// for an ancestor referenced by name but never ingested.
type LineageNode struct {
	ArtifactID string          `json:"artifact_id,omitempty"`
	Name       string          `json:"name"`
	SourceTag  string          `json:"source_tag,omitempty"`
	Metadata   *model.Artifact `json:"metadata,omitempty"`
}

// LineageEdge points from ancestor to descendant.
type LineageEdge struct {
	FromID        string `json:"from_id"`
	ToID          string `json:"to_id"`
	RelationLabel string `json:"relation_label,omitempty"`
}

// Lineage is the ancestor graph of one model, including a node for
// the model itself.
type Lineage struct {
	Nodes []LineageNode `json:"nodes"`
	Edges []LineageEdge `json:"edges"`
}

// LineageFor walks the parent-model chain upward from the given model
// and returns the graph. Ids that do not resolve to a model report
// DOES_NOT_EXIST.
func (a *Accessor) LineageFor(ctx context.Context, id string) (model.Status, *Lineage) {
	art, err := a.catalog.GetByID(ctx, id, model.KindModel)
	if err != nil {
		level.Error(a.logger).Log("msg", "catalog read failed", "id", id, "err", err)
		return a.observe("lineage", model.StatusInternalError), nil
	}
	if art == nil {
		return a.observe("lineage", model.StatusDoesNotExist), nil
	}

	graph := &Lineage{
		Nodes: []LineageNode{{
			ArtifactID: art.ID,
			Name:       art.Name,
			SourceTag:  "this_model",
			Metadata:   art,
		}},
	}

	seen := map[string]bool{art.ID: true}
	current := art
	for depth := 0; current != nil && depth < maxAncestorDepth; depth++ {
		edges, err := a.catalog.EdgesByDst(ctx, current.ID)
		if err != nil {
			level.Error(a.logger).Log("msg", "edge read failed", "id", current.ID, "err", err)
			return a.observe("lineage", model.StatusInternalError), nil
		}

		var next *model.Artifact
		for _, e := range edges {
			if e.Relation != model.RelationParent {
				continue
			}
			if e.SrcID == "" {
				// Parent referenced by name, never ingested. It ends
				// the chain but still shows up in the graph.
				graph.Nodes = append(graph.Nodes, LineageNode{Name: e.SrcName, SourceTag: e.SourceTag})
				graph.Edges = append(graph.Edges, LineageEdge{ToID: current.ID, RelationLabel: e.Label})
				break
			}
			if seen[e.SrcID] {
				break
			}
			parent, err := a.catalog.GetByID(ctx, e.SrcID, model.KindModel)
			if err != nil {
				level.Error(a.logger).Log("msg", "parent read failed", "id", e.SrcID, "err", err)
				return a.observe("lineage", model.StatusInternalError), nil
			}
			if parent == nil {
				break
			}
			seen[parent.ID] = true
			graph.Nodes = append(graph.Nodes, LineageNode{
				ArtifactID: parent.ID,
				Name:       parent.Name,
				SourceTag:  e.SourceTag,
				Metadata:   parent,
			})
			graph.Edges = append(graph.Edges, LineageEdge{
				FromID:        parent.ID,
				ToID:          current.ID,
				RelationLabel: e.Label,
			})
			next = parent
			break
		}
		current = next
	}
	return a.observe("lineage", model.StatusSuccess), graph
}

// AuditFor returns the artifact's audit history. Reading the history
// is itself recorded with an AUDIT entry.
func (a *Accessor) AuditFor(ctx context.Context, kind model.Kind, id string) (model.Status, []audit.Entry) {
	art, err := a.catalog.GetByID(ctx, id, kind)
	if err != nil {
		level.Error(a.logger).Log("msg", "catalog read failed", "id", id, "err", err)
		return a.observe("audit", model.StatusInternalError), nil
	}
	if art == nil {
		return a.observe("audit", model.StatusDoesNotExist), nil
	}
	if a.auditLog == nil {
		return a.observe("audit", model.StatusSuccess), nil
	}
	entries, err := a.auditLog.GetByArtifact(ctx, id, kind)
	if err != nil {
		level.Error(a.logger).Log("msg", "audit read failed", "id", id, "err", err)
		return a.observe("audit", model.StatusInternalError), nil
	}
	a.audited(ctx, art, audit.ActionAudit)
	return a.observe("audit", model.StatusSuccess), entries
}

// RatingFor returns the persisted rating of a model and records the
// retrieval.
func (a *Accessor) RatingFor(ctx context.Context, id string) (model.Status, *rating.Rating) {
	art, err := a.catalog.GetByID(ctx, id, model.KindModel)
	if err != nil {
		level.Error(a.logger).Log("msg", "catalog read failed", "id", id, "err", err)
		return a.observe("rate", model.StatusInternalError), nil
	}
	if art == nil {
		return a.observe("rate", model.StatusDoesNotExist), nil
	}
	r, err := a.catalog.GetRating(ctx, id)
	if err != nil {
		level.Error(a.logger).Log("msg", "rating read failed", "id", id, "err", err)
		return a.observe("rate", model.StatusInternalError), nil
	}
	if r == nil {
		return a.observe("rate", model.StatusDoesNotExist), nil
	}
	a.audited(ctx, art, audit.ActionRate)
	return a.observe("rate", model.StatusSuccess), r
}

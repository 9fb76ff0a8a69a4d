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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlartifacts/registry-engine/pkg/audit"
	"github.com/mlartifacts/registry-engine/pkg/model"
)

const (
	baseURL    = "https://hub.example/org/gpt-base"
	childURL   = "https://hub.example/org/gpt-tuned"
	datasetURL = "https://hub.example/datasets/squad"
)

// seedLineage ingests gpt-base, then gpt-tuned with gpt-base as its
// parent and squad as a linked dataset.
func seedLineage(t *testing.T, f *fixture) (base, child, dataset *model.Artifact) {
	t.Helper()
	ctx := context.Background()

	f.dl.trees[baseURL] = map[string]string{
		"README.md":   "# gpt-base\n",
		"weights.bin": "aaaaaaaaaa",
	}
	f.dl.trees[childURL] = map[string]string{
		"README.md":   "---\ndatasets:\n  - squad\nbase_model: gpt-base\n---\n",
		"weights.bin": "bbbbb",
	}
	f.dl.trees[datasetURL] = map[string]string{
		"README.md": "question answering corpus",
		"data.json": "[]",
	}

	st, a := f.acc.Register(ctx, model.KindModel, model.ArtifactData{URL: baseURL})
	require.Equal(t, model.StatusSuccess, st)
	base = a
	st, a = f.acc.Register(ctx, model.KindModel, model.ArtifactData{URL: childURL})
	require.Equal(t, model.StatusSuccess, st)
	child = a
	st, a = f.acc.Register(ctx, model.KindDataset, model.ArtifactData{URL: datasetURL})
	require.Equal(t, model.StatusSuccess, st)
	dataset = a
	return base, child, dataset
}

func TestCostStandalone(t *testing.T) {
	f := newFixture(t, 0.5)
	base, _, _ := seedLineage(t, f)
	ctx := context.Background()

	st, cost := f.acc.CostFor(ctx, model.KindModel, base.ID, false)
	require.Equal(t, model.StatusSuccess, st)
	require.Equal(t, base.SizeMB, cost.StandaloneMB)
	require.Equal(t, base.SizeMB, cost.TotalMB)
	require.False(t, cost.Truncated)

	st, _ = f.acc.CostFor(ctx, model.KindModel, "0000", false)
	require.Equal(t, model.StatusDoesNotExist, st)
}

func TestCostTransitive(t *testing.T) {
	f := newFixture(t, 0.5)
	base, child, dataset := seedLineage(t, f)

	st, cost := f.acc.CostFor(context.Background(), model.KindModel, child.ID, true)
	require.Equal(t, model.StatusSuccess, st)
	require.Equal(t, child.SizeMB, cost.StandaloneMB)
	require.InDelta(t, child.SizeMB+base.SizeMB+dataset.SizeMB, cost.TotalMB, 1e-9)
	require.False(t, cost.Truncated)
}

func TestCostNonModelIgnoresDependencyFlag(t *testing.T) {
	f := newFixture(t, 0.5)
	_, _, dataset := seedLineage(t, f)

	st, cost := f.acc.CostFor(context.Background(), model.KindDataset, dataset.ID, true)
	require.Equal(t, model.StatusSuccess, st)
	require.Equal(t, dataset.SizeMB, cost.TotalMB)
}

func TestLineageGraph(t *testing.T) {
	f := newFixture(t, 0.5)
	base, child, _ := seedLineage(t, f)

	st, g := f.acc.LineageFor(context.Background(), child.ID)
	require.Equal(t, model.StatusSuccess, st)
	require.Len(t, g.Nodes, 2)
	require.Len(t, g.Edges, 1)

	require.Equal(t, child.ID, g.Nodes[0].ArtifactID)
	require.Equal(t, "this_model", g.Nodes[0].SourceTag)
	require.Equal(t, base.ID, g.Nodes[1].ArtifactID)

	require.Equal(t, base.ID, g.Edges[0].FromID)
	require.Equal(t, child.ID, g.Edges[0].ToID)
}

func TestLineageUnresolvedParent(t *testing.T) {
	f := newFixture(t, 0.5)
	ctx := context.Background()

	// Only the child exists; its parent is referenced by name alone.
	f.dl.trees[childURL] = map[string]string{
		"README.md":   "---\nbase_model: gpt-base\n---\n",
		"weights.bin": "bbbbb",
	}
	st, child := f.acc.Register(ctx, model.KindModel, model.ArtifactData{URL: childURL})
	require.Equal(t, model.StatusSuccess, st)

	st, g := f.acc.LineageFor(ctx, child.ID)
	require.Equal(t, model.StatusSuccess, st)
	require.Len(t, g.Nodes, 2)
	require.Empty(t, g.Nodes[1].ArtifactID)
	require.Equal(t, "gpt-base", g.Nodes[1].Name)
}

func TestLineageNotAModel(t *testing.T) {
	f := newFixture(t, 0.5)
	_, _, dataset := seedLineage(t, f)

	st, _ := f.acc.LineageFor(context.Background(), dataset.ID)
	require.Equal(t, model.StatusDoesNotExist, st)
}

func TestAuditForAppendsEntry(t *testing.T) {
	f := newFixture(t, 0.5)
	base, _, _ := seedLineage(t, f)
	ctx := context.Background()

	st, entries := f.acc.AuditFor(ctx, model.KindModel, base.ID)
	require.Equal(t, model.StatusSuccess, st)
	require.Len(t, entries, 1)
	require.Equal(t, audit.ActionCreate, entries[0].Action)

	// The retrieval itself landed in the log.
	after, err := f.log.GetByArtifact(ctx, base.ID, model.KindModel)
	require.NoError(t, err)
	require.Len(t, after, 2)
	require.Equal(t, audit.ActionAudit, after[1].Action)

	st, _ = f.acc.AuditFor(ctx, model.KindModel, "0000")
	require.Equal(t, model.StatusDoesNotExist, st)
}

func TestRatingFor(t *testing.T) {
	f := newFixture(t, 0.5)
	base, _, _ := seedLineage(t, f)
	ctx := context.Background()

	st, r := f.acc.RatingFor(ctx, base.ID)
	require.Equal(t, model.StatusSuccess, st)
	require.Equal(t, 0.8, r.NetScore)

	entries, err := f.log.GetByArtifact(ctx, base.ID, model.KindModel)
	require.NoError(t, err)
	require.Equal(t, audit.ActionRate, entries[len(entries)-1].Action)

	st, _ = f.acc.RatingFor(ctx, "0000")
	require.Equal(t, model.StatusDoesNotExist, st)
}

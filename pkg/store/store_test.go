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

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/mlartifacts/registry-engine/pkg/model"
	"github.com/mlartifacts/registry-engine/pkg/rating"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(nil, nil, Options{
		DBURL:    "sqlite://" + filepath.Join(t.TempDir(), "catalog.db"),
		PageSize: 10,
		HardCap:  20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func artifactOf(kind model.Kind, name, url string) *model.Artifact {
	return &model.Artifact{
		ID:        model.DeriveID(url),
		Kind:      kind,
		Name:      name,
		SourceURL: url,
		SizeMB:    12.5,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := artifactOf(model.KindModel, "bert-tiny", "https://hub.example/org/bert-tiny")
	inserted, err := s.Insert(ctx, a, "readme body", &rating.Rating{ModelID: a.ID, NetScore: 0.8})
	require.NoError(t, err)
	require.True(t, inserted)

	got, err := s.GetByID(ctx, a.ID, model.KindModel)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, a.Name, got.Name)
	require.Equal(t, a.SourceURL, got.SourceURL)
	require.Equal(t, a.SizeMB, got.SizeMB)

	ok, err := s.Exists(ctx, a.ID, model.KindModel)
	require.NoError(t, err)
	require.True(t, ok)

	r, err := s.GetRating(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, 0.8, r.NetScore)

	body, err := s.GetReadme(ctx, a.ID, model.KindModel)
	require.NoError(t, err)
	require.Equal(t, "readme body", body)
}

func TestInsertDuplicateReturnsFalse(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := artifactOf(model.KindDataset, "squad", "https://hub.example/datasets/squad")
	inserted, err := s.Insert(ctx, a, "", nil)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.Insert(ctx, a, "", nil)
	require.NoError(t, err)
	require.False(t, inserted)
}

func TestDeferredEdgeResolution(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Model ingested first, referencing a dataset that is not in the
	// catalog yet.
	m := artifactOf(model.KindModel, "bert", "https://hub.example/org/bert")
	m.Datasets = []string{"squad"}
	_, err := s.Insert(ctx, m, "", nil)
	require.NoError(t, err)

	edges, err := s.EdgesByDst(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, "squad", edges[0].SrcName)
	require.Empty(t, edges[0].SrcID)

	// When the dataset arrives, the dangling edge is patched.
	d := artifactOf(model.KindDataset, "squad", "https://hub.example/datasets/squad")
	_, err = s.Insert(ctx, d, "", nil)
	require.NoError(t, err)

	edges, err = s.EdgesByDst(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, d.ID, edges[0].SrcID)

	// Deleting the dataset nulls the binding but keeps the edge.
	deleted, err := s.Delete(ctx, d.ID, model.KindDataset)
	require.NoError(t, err)
	require.True(t, deleted)

	edges, err = s.EdgesByDst(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Empty(t, edges[0].SrcID)
	require.Equal(t, "squad", edges[0].SrcName)
}

func TestImmediateEdgeResolution(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := artifactOf(model.KindDataset, "bookcorpus", "https://hub.example/datasets/bookcorpus")
	_, err := s.Insert(ctx, d, "", nil)
	require.NoError(t, err)

	m := artifactOf(model.KindModel, "gpt-mini", "https://hub.example/org/gpt-mini")
	m.Datasets = []string{"bookcorpus"}
	m.Parent = "gpt-base"
	_, err = s.Insert(ctx, m, "", nil)
	require.NoError(t, err)

	edges, err := s.EdgesByDst(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, edges, 2)

	byRel := map[model.Relation]model.Edge{}
	for _, e := range edges {
		byRel[e.Relation] = e
	}
	require.Equal(t, d.ID, byRel[model.RelationDataset].SrcID)
	require.Empty(t, byRel[model.RelationParent].SrcID)
	require.Equal(t, "gpt-base", byRel[model.RelationParent].SrcName)
}

func TestDeleteCascades(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := artifactOf(model.KindModel, "bert", "https://hub.example/org/bert")
	m.Datasets = []string{"squad"}
	_, err := s.Insert(ctx, m, "readme", &rating.Rating{ModelID: m.ID, NetScore: 0.5})
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, m.ID, model.KindModel)
	require.NoError(t, err)
	require.True(t, deleted)

	got, err := s.GetByID(ctx, m.ID, model.KindModel)
	require.NoError(t, err)
	require.Nil(t, got)

	r, err := s.GetRating(ctx, m.ID)
	require.NoError(t, err)
	require.Nil(t, r)

	body, err := s.GetReadme(ctx, m.ID, model.KindModel)
	require.NoError(t, err)
	require.Empty(t, body)

	edges, err := s.EdgesByDst(ctx, m.ID)
	require.NoError(t, err)
	require.Empty(t, edges)

	// Second delete is a no-op.
	deleted, err = s.Delete(ctx, m.ID, model.KindModel)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestUpdateRederivesEdges(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := artifactOf(model.KindModel, "bert", "https://hub.example/org/bert")
	m.Datasets = []string{"squad"}
	_, err := s.Insert(ctx, m, "v1", nil)
	require.NoError(t, err)

	m.Datasets = []string{"bookcorpus"}
	m.SizeMB = 99
	updated, err := s.Update(ctx, m, "v2", nil)
	require.NoError(t, err)
	require.True(t, updated)

	got, err := s.GetByID(ctx, m.ID, model.KindModel)
	require.NoError(t, err)
	require.Equal(t, float64(99), got.SizeMB)
	require.Equal(t, []string{"bookcorpus"}, got.Datasets)

	body, err := s.GetReadme(ctx, m.ID, model.KindModel)
	require.NoError(t, err)
	require.Equal(t, "v2", body)
}

func TestUpdateMissingReturnsFalse(t *testing.T) {
	s := testStore(t)
	a := artifactOf(model.KindCode, "scripts", "https://code.example/org/scripts")
	updated, err := s.Update(context.Background(), a, "", nil)
	require.NoError(t, err)
	require.False(t, updated)
}

func TestGetByNameAcrossKinds(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, artifactOf(model.KindModel, "bert", "https://hub.example/org/bert"), "", nil)
	require.NoError(t, err)
	_, err = s.Insert(ctx, artifactOf(model.KindDataset, "bert", "https://hub.example/datasets/bert"), "", nil)
	require.NoError(t, err)

	got, err := s.GetByName(ctx, "bert")
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.GetByName(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestGetByRegex(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, artifactOf(model.KindModel, "bert-tiny", "https://hub.example/org/bert-tiny"), "", nil)
	require.NoError(t, err)
	_, err = s.Insert(ctx, artifactOf(model.KindDataset, "squad", "https://hub.example/datasets/squad"), "question answering corpus", nil)
	require.NoError(t, err)

	// Name match.
	got, err := s.GetByRegex(ctx, "^bert-")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "bert-tiny", got[0].Name)

	// Readme body match.
	got, err = s.GetByRegex(ctx, "question answering")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "squad", got[0].Name)

	// Deduplication: a pattern hitting both name and readme of the
	// same artifact yields one record.
	got, err = s.GetByRegex(ctx, "squad|question")
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = s.GetByRegex(ctx, "([")
	require.True(t, errors.Is(err, ErrBadPattern))
}

func TestGetByQueryPagination(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		a := artifactOf(model.KindModel, "m", "https://hub.example/org/m"+string(rune('a'+i)))
		_, err := s.Insert(ctx, a, "", nil)
		require.NoError(t, err)
	}

	page, next, err := s.GetByQuery(ctx, []Query{{Name: "*"}}, 0)
	require.NoError(t, err)
	require.Len(t, page, 10)
	require.Equal(t, 10, next)

	page, next, err = s.GetByQuery(ctx, []Query{{Name: "*"}}, next)
	require.NoError(t, err)
	require.Len(t, page, 5)
	require.Equal(t, -1, next)

	// Kind filter.
	page, _, err = s.GetByQuery(ctx, []Query{{Name: "*", Kinds: []model.Kind{model.KindDataset}}}, 0)
	require.NoError(t, err)
	require.Empty(t, page)

	// Exact-name query.
	page, _, err = s.GetByQuery(ctx, []Query{{Name: "m"}}, 0)
	require.NoError(t, err)
	require.Len(t, page, 10)
}

func TestReset(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := artifactOf(model.KindModel, "bert", "https://hub.example/org/bert")
	_, err := s.Insert(ctx, a, "readme", &rating.Rating{ModelID: a.ID})
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))

	ok, err := s.Exists(ctx, a.ID, model.KindModel)
	require.NoError(t, err)
	require.False(t, ok)
}

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

package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mlartifacts/registry-engine/pkg/model"
	"github.com/mlartifacts/registry-engine/pkg/store"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	s, err := store.Open(nil, nil, store.Options{
		DBURL: "sqlite://" + filepath.Join(t.TempDir(), "catalog.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewLog(nil, nil, s.DB())
}

func TestAppendAndGet(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	appended, err := l.Append(ctx, Entry{
		ArtifactID: "abc", Kind: "model", Name: "bert",
		Actor: "default", Action: ActionCreate, Timestamp: base,
	})
	require.NoError(t, err)
	require.True(t, appended)

	appended, err = l.Append(ctx, Entry{
		ArtifactID: "abc", Kind: "model", Name: "bert",
		Actor: "default", Action: ActionDownload, Timestamp: base.Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, appended)

	got, err := l.GetByArtifact(ctx, "abc", model.KindModel)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, ActionCreate, got[0].Action)
	require.Equal(t, ActionDownload, got[1].Action)
	require.True(t, got[1].Timestamp.After(got[0].Timestamp))
}

func TestAppendIdempotent(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()
	e := Entry{
		ArtifactID: "abc", Kind: "model", Name: "bert",
		Actor: "default", Action: ActionCreate,
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	appended, err := l.Append(ctx, e)
	require.NoError(t, err)
	require.True(t, appended)

	// Replaying the identical entry is dropped.
	appended, err = l.Append(ctx, e)
	require.NoError(t, err)
	require.False(t, appended)

	got, err := l.GetByArtifact(ctx, "abc", model.KindModel)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestGetScopedByKind(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := l.Append(ctx, Entry{ArtifactID: "abc", Kind: "model", Name: "bert", Actor: "a", Action: ActionCreate, Timestamp: base})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{ArtifactID: "abc", Kind: "dataset", Name: "bert", Actor: "a", Action: ActionCreate, Timestamp: base})
	require.NoError(t, err)

	got, err := l.GetByArtifact(ctx, "abc", model.KindDataset)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "dataset", got[0].Kind)

	got, err = l.GetByArtifact(ctx, "missing", model.KindModel)
	require.NoError(t, err)
	require.Empty(t, got)
}

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

package cache

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	c, err := New(nil, nil, Options{URL: "redis://" + srv.Addr(), TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, srv
}

func TestFingerprintStableUnderQueryOrder(t *testing.T) {
	a := Fingerprint("GET", "/artifacts/model/x", url.Values{"a": {"1"}, "b": {"2"}}, nil)
	b := Fingerprint("GET", "/artifacts/model/x", url.Values{"b": {"2"}, "a": {"1"}}, nil)
	require.Equal(t, a, b)

	c := Fingerprint("GET", "/artifacts/model/x", url.Values{"a": {"2"}}, nil)
	require.NotEqual(t, a, c)

	d := Fingerprint("GET", "/artifacts/model/x", nil, []byte(`{"q":1}`))
	require.NotEqual(t, a, d)
}

func TestInsertGetDelete(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()
	key := Key("abc", "model", "fp1")

	_, err := c.Get(ctx, key)
	require.True(t, errors.Is(err, ErrMiss))

	c.Insert(ctx, key, []byte(`{"ok":true}`))
	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, string(got))

	c.Delete(ctx, key)
	_, err = c.Get(ctx, key)
	require.True(t, errors.Is(err, ErrMiss))
}

func TestEntriesExpire(t *testing.T) {
	c, srv := testCache(t)
	ctx := context.Background()
	key := Key("abc", "model", "fp1")

	c.Insert(ctx, key, []byte("v"))
	srv.FastForward(2 * time.Minute)

	_, err := c.Get(ctx, key)
	require.True(t, errors.Is(err, ErrMiss))
}

func TestDeleteByArtifact(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	c.Insert(ctx, Key("abc", "model", "fp1"), []byte("v1"))
	c.Insert(ctx, Key("abc", "model", "fp2"), []byte("v2"))
	c.Insert(ctx, Key("other", "dataset", "fp1"), []byte("v3"))

	c.DeleteByArtifact(ctx, "abc")

	_, err := c.Get(ctx, Key("abc", "model", "fp1"))
	require.True(t, errors.Is(err, ErrMiss))
	_, err = c.Get(ctx, Key("abc", "model", "fp2"))
	require.True(t, errors.Is(err, ErrMiss))

	// Other artifacts are untouched.
	got, err := c.Get(ctx, Key("other", "dataset", "fp1"))
	require.NoError(t, err)
	require.Equal(t, "v3", string(got))
}

func TestDegradesOnBackendFailure(t *testing.T) {
	c, srv := testCache(t)
	ctx := context.Background()
	key := Key("abc", "model", "fp1")

	c.Insert(ctx, key, []byte("v"))
	srv.Close()

	// Outage reads as a miss, writes are dropped silently.
	_, err := c.Get(ctx, key)
	require.True(t, errors.Is(err, ErrMiss))
	c.Insert(ctx, key, []byte("v2"))
	c.Delete(ctx, key)
	c.DeleteByArtifact(ctx, "abc")
}

func TestReset(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	c.Insert(ctx, Key("abc", "model", "fp1"), []byte("v"))
	require.NoError(t, c.Reset(ctx))

	_, err := c.Get(ctx, Key("abc", "model", "fp1"))
	require.True(t, errors.Is(err, ErrMiss))
}

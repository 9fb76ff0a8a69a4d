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

// Package blob stores artifact payloads as opaque archives in an
// S3-compatible object store. The object store holds the
// authoritative binary; the metadata catalog is the authoritative
// index.
package blob

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrTransient covers object store failures that may succeed on
// retry. All store failures surface through it.
var ErrTransient = errors.New("transient object store failure")

// Store is the object store contract used by the accessor.
type Store interface {
	// Upload stores the archive at path under the artifact id.
	Upload(ctx context.Context, id, path string) error
	// Delete removes the blob for the artifact id. Deleting a missing
	// blob is not an error.
	Delete(ctx context.Context, id string) error
	// Exists reports whether a blob is stored for the artifact id.
	Exists(ctx context.Context, id string) (bool, error)
	// PresignedGet mints a time-limited download URL for the blob.
	PresignedGet(ctx context.Context, id string, ttl time.Duration) (string, error)
}

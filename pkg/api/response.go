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

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/mlartifacts/registry-engine/pkg/model"
)

// Metadata is the identifying slice of an artifact exposed in list
// responses.
type Metadata struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Type model.Kind `json:"type"`
}

// Payload carries the source URL and, when minted, a presigned
// download URL.
type Payload struct {
	URL         string `json:"url"`
	DownloadURL string `json:"download_url,omitempty"`
}

// ArtifactResponse is the full representation returned by register
// and single-artifact reads.
type ArtifactResponse struct {
	Metadata Metadata `json:"metadata"`
	Data     Payload  `json:"data"`
}

func artifactResponse(a *model.Artifact) ArtifactResponse {
	return ArtifactResponse{
		Metadata: Metadata{ID: a.ID, Name: a.Name, Type: a.Kind},
		Data:     Payload{URL: a.SourceURL, DownloadURL: a.DownloadURL},
	}
}

func metadataList(arts []*model.Artifact) []Metadata {
	out := make([]Metadata, 0, len(arts))
	for _, a := range arts {
		out = append(out, Metadata{ID: a.ID, Name: a.Name, Type: a.Kind})
	}
	return out
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error string `json:"error"`
}

// statusBody acknowledges operations that return no artifact.
type statusBody struct {
	Status string `json:"status"`
}

// writeJSON marshals v with the given code. Marshal failures degrade
// to a plain 500 envelope so the client always receives JSON.
func writeJSON(logger log.Logger, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")

	body, err := json.Marshal(v)
	if err != nil {
		level.Error(logger).Log("msg", "response marshal failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"INTERNAL_ERROR"}`))
		return
	}
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		level.Error(logger).Log("msg", "response write failed", "err", err)
	}
}

// writeStatus writes the machine-readable error envelope for a
// non-success accessor status.
func writeStatus(logger log.Logger, w http.ResponseWriter, st model.Status) {
	writeJSON(logger, w, st.HTTPCode(false), errorBody{Error: st.String()})
}

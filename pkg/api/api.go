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

// Package api exposes the registry over HTTP. Routing is thin: every
// handler parses the request, calls one accessor operation, and maps
// its status to the contractual response code.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mlartifacts/registry-engine/pkg/accessor"
	"github.com/mlartifacts/registry-engine/pkg/audit"
	"github.com/mlartifacts/registry-engine/pkg/cache"
	"github.com/mlartifacts/registry-engine/pkg/ingest"
	"github.com/mlartifacts/registry-engine/pkg/model"
	"github.com/mlartifacts/registry-engine/pkg/rating"
	"github.com/mlartifacts/registry-engine/pkg/store"
)

// maxBodyBytes caps request bodies; artifact payloads travel through
// the object store, never through the API.
const maxBodyBytes = 1 << 20

// Accessor is the operation surface the API depends on.
type Accessor interface {
	Register(ctx context.Context, kind model.Kind, data model.ArtifactData) (model.Status, *model.Artifact)
	Exists(ctx context.Context, kind model.Kind, sourceURL string) (bool, error)
	Update(ctx context.Context, kind model.Kind, id string, data model.ArtifactData) (model.Status, *model.Artifact)
	Delete(ctx context.Context, kind model.Kind, id string) model.Status
	Get(ctx context.Context, kind model.Kind, id string) (model.Status, *model.Artifact)
	GetByName(ctx context.Context, name string) (model.Status, []*model.Artifact)
	GetByRegex(ctx context.Context, pattern string) (model.Status, []*model.Artifact)
	Query(ctx context.Context, queries []store.Query, offset int) (model.Status, []*model.Artifact, int)
	CostFor(ctx context.Context, kind model.Kind, id string, includeDeps bool) (model.Status, *accessor.Cost)
	LineageFor(ctx context.Context, id string) (model.Status, *accessor.Lineage)
	AuditFor(ctx context.Context, kind model.Kind, id string) (model.Status, []audit.Entry)
	RatingFor(ctx context.Context, id string) (model.Status, *rating.Rating)
	Reset(ctx context.Context) error
}

// Submitter enqueues a deferred ingest. Nil disables async mode.
type Submitter interface {
	Submit(job ingest.Job) bool
}

// Handler serves the registry API.
type Handler struct {
	logger    log.Logger
	accessor  Accessor
	submitter Submitter
	cache     *cache.Cache
	validate  *validator.Validate
	async     bool
}

// New builds the handler. A non-nil submitter together with async
// switches registration to the deferred path.
func New(logger log.Logger, reg prometheus.Registerer, acc Accessor, submitter Submitter, respCache *cache.Cache, async bool) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(requestDuration, cacheServed)
	}
	return &Handler{
		logger:    logger,
		accessor:  acc,
		submitter: submitter,
		cache:     respCache,
		validate:  validator.New(),
		async:     async && submitter != nil,
	}
}

// Routes returns the registry route tree.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(accessLog(h.logger))

	r.Post("/artifacts", h.handleQuery)
	r.Post("/artifact/byName/{name}", h.handleByName)
	r.Post("/artifact/byRegEx", h.handleByRegex)

	r.Route("/artifacts/{kind}/{id}", func(r chi.Router) {
		r.Use(h.kindAndID)
		r.Get("/", h.cached(h.handleGet))
		r.Put("/", h.handleUpdate)
		r.Delete("/", h.handleDelete)
	})

	r.Post("/artifact/{kind}", h.handleRegister)
	r.With(h.kindAndID).Get("/artifact/{kind}/{id}/cost", h.cached(h.handleCost))
	r.With(h.kindAndID).Get("/artifact/{kind}/{id}/audit", h.handleAudit)
	r.With(h.modelID).Get("/artifact/model/{id}/rate", h.cached(h.handleRate))
	r.With(h.modelID).Get("/artifact/model/{id}/lineage", h.cached(h.handleLineage))

	r.Delete("/reset", h.handleReset)
	return r
}

// kindAndID validates the {kind} and {id} route parameters up front.
func (h *Handler) kindAndID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := model.ParseKind(chi.URLParam(r, "kind")); err != nil {
			writeStatus(h.logger, w, model.StatusBadRequest)
			return
		}
		if !model.ValidID(chi.URLParam(r, "id")) {
			writeStatus(h.logger, w, model.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) modelID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !model.ValidID(chi.URLParam(r, "id")) {
			writeStatus(h.logger, w, model.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func routeKind(r *http.Request) model.Kind {
	k, _ := model.ParseKind(chi.URLParam(r, "kind"))
	return k
}

func (h *Handler) decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// apiQuery is one element of the POST /artifacts body.
type apiQuery struct {
	Name  string   `json:"name" validate:"required"`
	Types []string `json:"types,omitempty"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var qs []apiQuery
	if err := h.decode(r, &qs); err != nil || len(qs) == 0 {
		writeStatus(h.logger, w, model.StatusBadRequest)
		return
	}
	offset := 0
	if s := r.URL.Query().Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeStatus(h.logger, w, model.StatusBadRequest)
			return
		}
		offset = n
	}

	queries := make([]store.Query, 0, len(qs))
	for _, q := range qs {
		if err := h.validate.Struct(q); err != nil {
			writeStatus(h.logger, w, model.StatusBadRequest)
			return
		}
		sq := store.Query{Name: q.Name}
		for _, t := range q.Types {
			k, err := model.ParseKind(t)
			if err != nil {
				writeStatus(h.logger, w, model.StatusBadRequest)
				return
			}
			sq.Kinds = append(sq.Kinds, k)
		}
		queries = append(queries, sq)
	}

	st, page, next := h.accessor.Query(r.Context(), queries, offset)
	if st != model.StatusSuccess {
		writeStatus(h.logger, w, st)
		return
	}
	if next >= 0 {
		w.Header().Set("offset", strconv.Itoa(next))
	}
	writeJSON(h.logger, w, http.StatusOK, metadataList(page))
}

func (h *Handler) handleByName(w http.ResponseWriter, r *http.Request) {
	st, arts := h.accessor.GetByName(r.Context(), chi.URLParam(r, "name"))
	if st != model.StatusSuccess {
		writeStatus(h.logger, w, st)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, metadataList(arts))
}

func (h *Handler) handleByRegex(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Regex string `json:"regex" validate:"required"`
	}
	if err := h.decode(r, &body); err != nil {
		writeStatus(h.logger, w, model.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeStatus(h.logger, w, model.StatusBadRequest)
		return
	}
	st, arts := h.accessor.GetByRegex(r.Context(), body.Regex)
	if st != model.StatusSuccess {
		writeStatus(h.logger, w, st)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, metadataList(arts))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	st, art := h.accessor.Get(r.Context(), routeKind(r), chi.URLParam(r, "id"))
	if st != model.StatusSuccess {
		writeStatus(h.logger, w, st)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, artifactResponse(art))
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeStatus(h.logger, w, model.StatusBadRequest)
		return
	}
	var data model.ArtifactData
	if err := h.decode(r, &data); err != nil {
		writeStatus(h.logger, w, model.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(data); err != nil {
		writeStatus(h.logger, w, model.StatusBadRequest)
		return
	}

	if h.async {
		ok, err := h.accessor.Exists(r.Context(), kind, data.URL)
		if err != nil {
			level.Error(h.logger).Log("msg", "exists check failed", "url", data.URL, "err", err)
			writeStatus(h.logger, w, model.StatusInternalError)
			return
		}
		if ok {
			writeStatus(h.logger, w, model.StatusAlreadyExists)
			return
		}
		if !h.submitter.Submit(ingest.Job{Kind: kind, Data: data}) {
			level.Warn(h.logger).Log("msg", "deferred queue full", "url", data.URL)
			writeJSON(h.logger, w, http.StatusServiceUnavailable, errorBody{Error: "ingest queue full, retry later"})
			return
		}
		writeJSON(h.logger, w, http.StatusAccepted, statusBody{Status: model.StatusDeferred.String()})
		return
	}

	st, art := h.accessor.Register(r.Context(), kind, data)
	if st != model.StatusSuccess {
		writeStatus(h.logger, w, st)
		return
	}
	writeJSON(h.logger, w, http.StatusCreated, artifactResponse(art))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var data model.ArtifactData
	if err := h.decode(r, &data); err != nil {
		writeStatus(h.logger, w, model.StatusBadRequest)
		return
	}
	st, art := h.accessor.Update(r.Context(), routeKind(r), chi.URLParam(r, "id"), data)
	if st != model.StatusSuccess {
		writeStatus(h.logger, w, st)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, artifactResponse(art))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	st := h.accessor.Delete(r.Context(), routeKind(r), chi.URLParam(r, "id"))
	if st != model.StatusSuccess {
		writeStatus(h.logger, w, st)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, statusBody{Status: model.StatusSuccess.String()})
}

func (h *Handler) handleCost(w http.ResponseWriter, r *http.Request) {
	includeDeps := false
	if s := r.URL.Query().Get("dependency"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeStatus(h.logger, w, model.StatusBadRequest)
			return
		}
		includeDeps = b
	}
	st, cost := h.accessor.CostFor(r.Context(), routeKind(r), chi.URLParam(r, "id"), includeDeps)
	if st != model.StatusSuccess {
		writeStatus(h.logger, w, st)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, cost)
}

func (h *Handler) handleRate(w http.ResponseWriter, r *http.Request) {
	st, rat := h.accessor.RatingFor(r.Context(), chi.URLParam(r, "id"))
	if st != model.StatusSuccess {
		writeStatus(h.logger, w, st)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, rat)
}

func (h *Handler) handleLineage(w http.ResponseWriter, r *http.Request) {
	st, g := h.accessor.LineageFor(r.Context(), chi.URLParam(r, "id"))
	if st != model.StatusSuccess {
		writeStatus(h.logger, w, st)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, g)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	st, entries := h.accessor.AuditFor(r.Context(), routeKind(r), chi.URLParam(r, "id"))
	if st != model.StatusSuccess {
		writeStatus(h.logger, w, st)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(h.logger, w, http.StatusOK, entries)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.accessor.Reset(r.Context()); err != nil {
		level.Error(h.logger).Log("msg", "reset failed", "err", err)
		writeStatus(h.logger, w, model.StatusInternalError)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, statusBody{Status: model.StatusSuccess.String()})
}

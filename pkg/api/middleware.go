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
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mlartifacts/registry-engine/pkg/cache"
)

var (
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "registry_http_request_duration_seconds",
		Help:    "HTTP request latency, by route and status code.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})
	cacheServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registry_http_responses_from_cache_total",
		Help: "Number of responses served from the response cache.",
	})
)

// responseWriterWithStatus captures the status code of the response.
type responseWriterWithStatus struct {
	http.ResponseWriter
	statusCode      int
	isHeaderWritten bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriterWithStatus {
	return &responseWriterWithStatus{ResponseWriter: w, statusCode: http.StatusOK}
}

func (r *responseWriterWithStatus) WriteHeader(code int) {
	if !r.isHeaderWritten {
		r.statusCode = code
		r.ResponseWriter.WriteHeader(code)
		r.isHeaderWritten = true
	}
}

// accessLog logs every finished request and observes its latency.
func accessLog(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := wrapResponseWriter(w)
			start := time.Now()
			next.ServeHTTP(wrapped, r)

			elapsed := time.Since(start)
			route := chi.RouteContext(r.Context()).RoutePattern()
			requestDuration.WithLabelValues(route, strconv.Itoa(wrapped.statusCode)).Observe(elapsed.Seconds())

			logf := level.Debug(logger)
			if wrapped.statusCode >= 500 {
				logf = level.Warn(logger)
			}
			logf.Log("msg", "finished call",
				"http.request_id", chimiddleware.GetReqID(r.Context()),
				"http.method", r.Method,
				"http.url", r.URL.String(),
				"http.status_code", wrapped.statusCode,
				"http.time_ms", elapsed.Milliseconds(),
				"http.remote_addr", r.RemoteAddr,
			)
		})
	}
}

// recordingWriter buffers the response body so a successful result
// can be stored in the cache after the handler ran.
type recordingWriter struct {
	http.ResponseWriter
	statusCode int
	buf        bytes.Buffer
}

func (r *recordingWriter) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recordingWriter) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// cached wraps a pure read handler keyed on the artifact id and kind
// route parameters. A hit short-circuits the handler; a 200 miss is
// stored under the request fingerprint. With no cache configured the
// handler runs bare.
func (h *Handler) cached(next http.HandlerFunc) http.HandlerFunc {
	if h.cache == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		kind := chi.URLParam(r, "kind")
		if kind == "" {
			kind = "model"
		}
		fp := cache.Fingerprint(r.Method, r.URL.Path, r.URL.Query(), nil)
		key := cache.Key(id, kind, fp)

		if body, err := h.cache.Get(r.Context(), key); err == nil {
			cacheServed.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
			return
		}

		rec := &recordingWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)
		if rec.statusCode == http.StatusOK {
			h.cache.Insert(r.Context(), key, rec.buf.Bytes())
		}
	}
}

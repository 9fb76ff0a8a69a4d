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

// Package cache is a read-through response cache in front of the HTTP
// API. A cache outage degrades to uncached reads, never to request
// failures.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

var (
	lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_cache_lookups_total",
		Help: "Number of cache lookups, by outcome (hit, miss, error).",
	}, []string{"outcome"})
	invalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registry_cache_invalidations_total",
		Help: "Number of cache keys removed by invalidation.",
	})
)

// ErrMiss is returned by Get when no entry is stored under the key.
var ErrMiss = errors.New("cache miss")

// Fingerprint hashes the request identity: method, path, query
// parameters in sorted order, and body. Requests differing only in
// parameter order share a fingerprint.
func Fingerprint(method, path string, query url.Values, body []byte) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(method)
	sb.WriteByte('\n')
	sb.WriteString(path)
	sb.WriteByte('\n')
	for _, k := range keys {
		vs := append([]string(nil), query[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
			sb.WriteByte('&')
		}
	}
	sb.WriteByte('\n')
	sb.Write(body)

	h := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(h[:])
}

// Key builds the storage key for a cached response. Keys embed the
// artifact identity so invalidation can target one artifact.
func Key(artifactID, kind, fingerprint string) string {
	return fmt.Sprintf("artifact:%s:%s:%s", artifactID, kind, fingerprint)
}

// Options configures the Redis-backed cache.
type Options struct {
	URL string `validate:"required"`
	TTL time.Duration
}

// Cache stores serialized API responses in Redis.
type Cache struct {
	logger log.Logger
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis. Connection failures surface at call time,
// not here, so a cache that comes up late still gets used.
func New(logger log.Logger, reg prometheus.Registerer, opts Options) (*Cache, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(lookups, invalidations)
	}
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse cache URL")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{
		logger: logger,
		client: redis.NewClient(ropts),
		ttl:    ttl,
	}, nil
}

// Close releases the client connection pool.
func (c *Cache) Close() error { return c.client.Close() }

// Get returns the cached payload for key, or ErrMiss. Backend errors
// are logged and reported as misses.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		lookups.WithLabelValues("hit").Inc()
		return b, nil
	case errors.Is(err, redis.Nil):
		lookups.WithLabelValues("miss").Inc()
		return nil, ErrMiss
	default:
		lookups.WithLabelValues("error").Inc()
		level.Warn(c.logger).Log("msg", "cache lookup failed", "err", err)
		return nil, ErrMiss
	}
}

// Insert stores the payload under key with the configured TTL.
// Backend errors are logged and swallowed.
func (c *Cache) Insert(ctx context.Context, key string, payload []byte) {
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		level.Warn(c.logger).Log("msg", "cache insert failed", "err", err)
	}
}

// Delete removes one key.
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		level.Warn(c.logger).Log("msg", "cache delete failed", "err", err)
		return
	}
	invalidations.Inc()
}

// DeleteByArtifact removes every cached response for the artifact.
// Used after writes so that readers never see stale state.
func (c *Cache) DeleteByArtifact(ctx context.Context, artifactID string) {
	pattern := fmt.Sprintf("artifact:%s:*", artifactID)
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			level.Warn(c.logger).Log("msg", "cache invalidation scan failed", "artifact", artifactID, "err", err)
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				level.Warn(c.logger).Log("msg", "cache invalidation delete failed", "artifact", artifactID, "err", err)
				return
			}
			invalidations.Add(float64(len(keys)))
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Reset drops all cached responses.
func (c *Cache) Reset(ctx context.Context) error {
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		return errors.Wrap(err, "flush cache")
	}
	return nil
}

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

package rating

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mlartifacts/registry-engine/pkg/model"
)

var (
	metricRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_rating_metric_runs_total",
		Help: "Number of metric computations, by metric and outcome.",
	}, []string{"metric", "outcome"})
	metricLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "registry_rating_metric_latency_seconds",
		Help:    "Latency of individual metric computations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"metric"})
	aggregations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registry_rating_aggregations_total",
		Help: "Number of rating aggregations performed.",
	})
)

// Aggregator fans metric computations out over a worker pool and
// combines the per-metric results into one Rating.
type Aggregator struct {
	logger  log.Logger
	metrics []Metric
	// Maximum number of metric computations running concurrently for
	// one artifact.
	workers int
}

// NewAggregator returns an aggregator running the given metrics with
// at most workers concurrent computations per artifact.
func NewAggregator(logger log.Logger, reg prometheus.Registerer, metrics []Metric, workers int) *Aggregator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(metricRuns, metricLatency, aggregations)
	}
	if workers <= 0 {
		workers = len(metrics)
	}
	return &Aggregator{logger: logger, metrics: metrics, workers: workers}
}

// Rate runs every metric over the tree rooted at dir and returns the
// aggregated rating. Metric failures and out-of-range scores count as
// zero contributions; only the weights of succeeded metrics enter the
// denominator. The result is deterministic regardless of completion
// order.
func (a *Aggregator) Rate(ctx context.Context, dir string, artifact *model.Artifact) *Rating {
	aggregations.Inc()

	var (
		mtx     sync.Mutex
		results = make(map[string]Result, len(a.metrics))
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for _, m := range a.metrics {
		m := m
		g.Go(func() error {
			start := time.Now()
			score, err := a.runOne(ctx, m, dir, artifact)
			latency := time.Since(start).Seconds()
			metricLatency.WithLabelValues(m.Name()).Observe(latency)

			res := Result{Latency: latency}
			if err != nil {
				metricRuns.WithLabelValues(m.Name(), "error").Inc()
				level.Warn(a.logger).Log("msg", "metric failed", "metric", m.Name(), "artifact", artifact.ID, "err", err)
			} else {
				metricRuns.WithLabelValues(m.Name(), "ok").Inc()
				res.Score = score.Scalar()
				res.ByTarget = score.ByTarget
				res.succeeded = true
			}

			mtx.Lock()
			results[m.Name()] = res
			mtx.Unlock()
			// Metric errors are recorded per result, never abort the
			// whole aggregation.
			return nil
		})
	}
	_ = g.Wait()

	var weightedSum, weightSum float64
	for _, m := range a.metrics {
		res := results[m.Name()]
		if !res.succeeded {
			continue
		}
		weightedSum += m.Weight() * res.Score
		weightSum += m.Weight()
	}

	r := &Rating{ModelID: artifact.ID, Metrics: results}
	if weightSum > 0 {
		r.NetScore = weightedSum / weightSum
	}
	return r
}

// runOne guards a single metric computation against panics and range
// violations.
func (a *Aggregator) runOne(ctx context.Context, m Metric, dir string, artifact *model.Artifact) (score Score, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("metric %s panicked: %v", m.Name(), p)
		}
	}()
	score, err = m.Score(ctx, dir, artifact)
	if err != nil {
		return Score{}, err
	}
	if !score.inRange() {
		return Score{}, ErrOutOfRange
	}
	return score, nil
}

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
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/mlartifacts/registry-engine/pkg/model"
)

type stubMetric struct {
	name   string
	weight float64
	score  Score
	err    error
	panics bool
}

func (m *stubMetric) Name() string    { return m.name }
func (m *stubMetric) Weight() float64 { return m.weight }

func (m *stubMetric) Score(context.Context, string, *model.Artifact) (Score, error) {
	if m.panics {
		panic("boom")
	}
	return m.score, m.err
}

func testArtifact() *model.Artifact {
	return &model.Artifact{ID: "abc123", Kind: model.KindModel, Name: "m"}
}

func ratingFor(t *testing.T, metrics []Metric) *Rating {
	t.Helper()
	a := NewAggregator(nil, nil, metrics, 4)
	return a.Rate(context.Background(), t.TempDir(), testArtifact())
}

func TestRateWeightedMean(t *testing.T) {
	r := ratingFor(t, []Metric{
		&stubMetric{name: "a", weight: 0.5, score: Score{Value: 1}},
		&stubMetric{name: "b", weight: 0.5, score: Score{Value: 0.5}},
	})
	if got, want := r.NetScore, 0.75; math.Abs(got-want) > 1e-9 {
		t.Fatalf("net score = %v, want %v", got, want)
	}
	for name, res := range r.Metrics {
		if res.Latency < 0 {
			t.Errorf("metric %s has negative latency", name)
		}
	}
}

func TestRateFailedMetricExcluded(t *testing.T) {
	r := ratingFor(t, []Metric{
		&stubMetric{name: "ok", weight: 0.5, score: Score{Value: 0.8}},
		&stubMetric{name: "bad", weight: 0.5, err: errors.New("fetch failed")},
	})
	// Failed metric contributes zero and its weight leaves the
	// denominator.
	if got, want := r.NetScore, 0.8; math.Abs(got-want) > 1e-9 {
		t.Fatalf("net score = %v, want %v", got, want)
	}
	if r.Metrics["bad"].Score != 0 {
		t.Fatalf("failed metric recorded score %v, want 0", r.Metrics["bad"].Score)
	}
}

func TestRateAllFailed(t *testing.T) {
	r := ratingFor(t, []Metric{
		&stubMetric{name: "a", weight: 0.5, err: errors.New("nope")},
		&stubMetric{name: "b", weight: 0.5, panics: true},
	})
	if r.NetScore != 0 {
		t.Fatalf("net score = %v, want 0 when every metric failed", r.NetScore)
	}
	if len(r.Metrics) != 2 {
		t.Fatalf("expected latencies recorded for all metrics, got %d results", len(r.Metrics))
	}
}

func TestRateOutOfRange(t *testing.T) {
	r := ratingFor(t, []Metric{
		&stubMetric{name: "hot", weight: 1, score: Score{Value: 1.5}},
		&stubMetric{name: "ok", weight: 1, score: Score{Value: 0.4}},
	})
	if got, want := r.NetScore, 0.4; math.Abs(got-want) > 1e-9 {
		t.Fatalf("net score = %v, want %v", got, want)
	}
}

func TestRateDeterministic(t *testing.T) {
	metrics := []Metric{
		&stubMetric{name: "a", weight: 0.3, score: Score{Value: 0.9}},
		&stubMetric{name: "b", weight: 0.3, score: Score{Value: 0.1}},
		&stubMetric{name: "c", weight: 0.4, score: Score{ByTarget: map[Target]float64{
			TargetRaspberryPi: 0, TargetJetson: 0.5, TargetDesktop: 1, TargetAWS: 1,
		}}},
	}
	first := ratingFor(t, metrics)
	for i := 0; i < 10; i++ {
		if got := ratingFor(t, metrics).NetScore; got != first.NetScore {
			t.Fatalf("aggregation not deterministic: %v vs %v", got, first.NetScore)
		}
	}
}

func TestSizeScoreVectorReduction(t *testing.T) {
	s := Score{ByTarget: map[Target]float64{
		TargetRaspberryPi: 0, TargetJetson: 0.5, TargetDesktop: 0.5, TargetAWS: 1,
	}}
	if got, want := s.Scalar(), 0.5; math.Abs(got-want) > 1e-9 {
		t.Fatalf("vector scalar = %v, want %v", got, want)
	}
}

func TestLicenseMetric(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "LICENSE"), []byte("Apache-2.0 license text"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := (&LicenseMetric{}).Score(context.Background(), dir, testArtifact())
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != 1 {
		t.Fatalf("permissive license scored %v, want 1", got.Value)
	}
}

func TestDatasetAndCodeMetric(t *testing.T) {
	dir := t.TempDir()
	readme := "---\ndatasets: [squad]\ncode: [org/repo]\n---\nbody"
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte(readme), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := (&DatasetAndCodeMetric{}).Score(context.Background(), dir, testArtifact())
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != 1 {
		t.Fatalf("declared dataset+code scored %v, want 1", got.Value)
	}
}

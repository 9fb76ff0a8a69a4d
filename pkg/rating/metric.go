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

// Package rating computes quality scores for downloaded artifacts.
// Independent metrics run in parallel over a shared artifact tree and
// are combined into one weighted net score, which gates ingest
// admission.
package rating

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mlartifacts/registry-engine/pkg/model"
)

// ErrOutOfRange is returned when a metric produces a score outside
// [0,1]. The metric's contribution then counts as a failure.
var ErrOutOfRange = errors.New("metric score out of [0,1] range")

// Target is a deployment target for the structured size score.
type Target string

// Deployment targets scored by the size metric.
const (
	TargetRaspberryPi Target = "rpi"
	TargetJetson      Target = "jetson"
	TargetDesktop     Target = "desktop"
	TargetAWS         Target = "aws"
)

// Score is a metric result: either a scalar in [0,1] or a
// per-deployment-target vector. A vector reduces to its arithmetic
// mean when combined into the net score.
type Score struct {
	Value    float64            `json:"value"`
	ByTarget map[Target]float64 `json:"by_target,omitempty"`
}

// Scalar returns the effective scalar value of the score.
func (s Score) Scalar() float64 {
	if len(s.ByTarget) == 0 {
		return s.Value
	}
	var sum float64
	for _, v := range s.ByTarget {
		sum += v
	}
	return sum / float64(len(s.ByTarget))
}

func (s Score) inRange() bool {
	if len(s.ByTarget) == 0 {
		return s.Value >= 0 && s.Value <= 1
	}
	for _, v := range s.ByTarget {
		if v < 0 || v > 1 {
			return false
		}
	}
	return true
}

// Metric scores one quality dimension of a downloaded artifact tree.
// Implementations must be pure with respect to their inputs: the same
// tree and artifact always produce the same score.
type Metric interface {
	// Name is the stable identifier under which results are recorded.
	Name() string
	// Weight is the metric's static weight in [0,1].
	Weight() float64
	// Score computes the normalized score for the tree rooted at dir.
	Score(ctx context.Context, dir string, artifact *model.Artifact) (Score, error)
}

// Result is the recorded outcome of a single metric run.
type Result struct {
	Score     float64            `json:"score"`
	Latency   float64            `json:"latency_seconds"`
	ByTarget  map[Target]float64 `json:"by_target,omitempty"`
	succeeded bool
}

// Rating is the aggregated record persisted for an admitted model.
type Rating struct {
	ModelID  string            `json:"model_id"`
	NetScore float64           `json:"net_score"`
	Metrics  map[string]Result `json:"metrics"`
}

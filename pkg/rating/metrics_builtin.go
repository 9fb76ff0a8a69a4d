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
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mlartifacts/registry-engine/pkg/model"
)

// DefaultMetrics returns the standard metric suite used at ingest
// time.
func DefaultMetrics() []Metric {
	return []Metric{
		&LicenseMetric{},
		&RampUpMetric{},
		&SizeMetric{},
		&DatasetAndCodeMetric{},
		&CodeQualityMetric{},
	}
}

var readmeNames = []string{"README.md", "README.rst", "README.txt", "README"}

func readReadme(dir string) string {
	for _, name := range readmeNames {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return string(b)
		}
	}
	return ""
}

// treeSizeBytes sums the file sizes under dir.
func treeSizeBytes(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// LicenseMetric scores permissive licensing. A recognized permissive
// license in the tree or readme scores 1, a recognized restrictive
// one 0.2, none found 0.
type LicenseMetric struct{}

func (*LicenseMetric) Name() string    { return "license" }
func (*LicenseMetric) Weight() float64 { return 0.25 }

var (
	permissiveLicense  = regexp.MustCompile(`(?i)\b(apache[- ]2\.0|mit license|bsd[- ][23][- ]clause|lgpl[- ]2\.1)\b`)
	restrictiveLicense = regexp.MustCompile(`(?i)\b(gpl[- ]3\.0|agpl|cc[- ]by[- ]nc)\b`)
)

func (m *LicenseMetric) Score(_ context.Context, dir string, _ *model.Artifact) (Score, error) {
	text := readReadme(dir)
	for _, name := range []string{"LICENSE", "LICENSE.md", "LICENSE.txt", "COPYING"} {
		if b, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			text += "\n" + string(b)
		}
	}
	switch {
	case permissiveLicense.MatchString(text):
		return Score{Value: 1}, nil
	case restrictiveLicense.MatchString(text):
		return Score{Value: 0.2}, nil
	}
	return Score{Value: 0}, nil
}

// RampUpMetric scores documentation volume: readmes up to 5000 bytes
// scale linearly, anything longer scores 1.
type RampUpMetric struct{}

func (*RampUpMetric) Name() string    { return "ramp_up" }
func (*RampUpMetric) Weight() float64 { return 0.15 }

func (m *RampUpMetric) Score(_ context.Context, dir string, _ *model.Artifact) (Score, error) {
	const fullDocBytes = 5000
	n := len(readReadme(dir))
	if n >= fullDocBytes {
		return Score{Value: 1}, nil
	}
	return Score{Value: float64(n) / fullDocBytes}, nil
}

// SizeMetric produces the structured per-deployment-target score. A
// tree larger than a target's capacity scores 0 for that target and
// scales linearly below it.
type SizeMetric struct{}

func (*SizeMetric) Name() string    { return "size_score" }
func (*SizeMetric) Weight() float64 { return 0.2 }

// Capacity budgets per deployment target, in megabytes.
var targetCapacityMB = map[Target]float64{
	TargetRaspberryPi: 2_000,
	TargetJetson:      8_000,
	TargetDesktop:     32_000,
	TargetAWS:         512_000,
}

func (m *SizeMetric) Score(_ context.Context, dir string, _ *model.Artifact) (Score, error) {
	bytes, err := treeSizeBytes(dir)
	if err != nil {
		return Score{}, err
	}
	sizeMB := float64(bytes) / (1 << 20)

	by := make(map[Target]float64, len(targetCapacityMB))
	for target, capacity := range targetCapacityMB {
		frac := 1 - sizeMB/capacity
		if frac < 0 {
			frac = 0
		}
		by[target] = frac
	}
	return Score{ByTarget: by}, nil
}

// DatasetAndCodeMetric scores whether a model declares its training
// dataset and codebase lineage. Non-model artifacts score 1.
type DatasetAndCodeMetric struct{}

func (*DatasetAndCodeMetric) Name() string    { return "dataset_and_code" }
func (*DatasetAndCodeMetric) Weight() float64 { return 0.2 }

func (m *DatasetAndCodeMetric) Score(_ context.Context, dir string, artifact *model.Artifact) (Score, error) {
	if !artifact.IsModel() {
		return Score{Value: 1}, nil
	}
	names := model.ExtractLinkedNames(readReadme(dir))
	var v float64
	if len(names.Datasets) > 0 {
		v += 0.5
	}
	if len(names.Codebases) > 0 {
		v += 0.5
	}
	return Score{Value: v}, nil
}

// CodeQualityMetric scores basic repository hygiene of the tree:
// tests, dependency manifests and CI configuration each contribute.
type CodeQualityMetric struct{}

func (*CodeQualityMetric) Name() string    { return "code_quality" }
func (*CodeQualityMetric) Weight() float64 { return 0.2 }

func (m *CodeQualityMetric) Score(_ context.Context, dir string, _ *model.Artifact) (Score, error) {
	var hasTests, hasManifest, hasCI bool
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		switch {
		case d.IsDir() && (name == "tests" || name == "test"):
			hasTests = true
		case strings.HasPrefix(name, "test_") || strings.HasSuffix(name, "_test.go") || strings.HasSuffix(name, "_test.py"):
			hasTests = true
		case name == "requirements.txt" || name == "pyproject.toml" || name == "go.mod" || name == "package.json" || name == "setup.py":
			hasManifest = true
		case d.IsDir() && name == ".github":
			hasCI = true
		case name == ".gitlab-ci.yml" || name == ".travis.yml":
			hasCI = true
		}
		return nil
	})
	if err != nil {
		return Score{}, err
	}
	var v float64
	if hasTests {
		v += 0.4
	}
	if hasManifest {
		v += 0.4
	}
	if hasCI {
		v += 0.2
	}
	return Score{Value: v}, nil
}

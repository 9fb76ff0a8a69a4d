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

package model

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// LinkedNames is the set of dependency names mined from a model's
// descriptive metadata at ingest time.
type LinkedNames struct {
	Datasets  []string
	Codebases []string
	Parent    string
	// SourceTag records where the names came from, e.g. "model_card".
	SourceTag string
}

// cardFrontMatter is the YAML front matter of a model card. The field
// names follow the common hub card schema.
type cardFrontMatter struct {
	Datasets  []string `yaml:"datasets"`
	Codebases []string `yaml:"code"`
	BaseModel yamlList `yaml:"base_model"`
}

// yamlList accepts both a scalar and a sequence for fields that card
// authors write either way.
type yamlList []string

func (l *yamlList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = []string{value.Value}
		return nil
	}
	var items []string
	if err := value.Decode(&items); err != nil {
		return err
	}
	*l = items
	return nil
}

// ExtractLinkedNames parses the YAML front matter of a readme body
// and returns the dependency names it declares. A body without front
// matter, or with front matter that does not parse, yields an empty
// result; linked names are best-effort metadata and never fail an
// ingest.
func ExtractLinkedNames(readme string) LinkedNames {
	out := LinkedNames{SourceTag: "model_card"}

	body := strings.TrimPrefix(readme, "\uFEFF")
	if !strings.HasPrefix(body, "---\n") && body != "---" {
		return out
	}
	rest := strings.TrimPrefix(body, "---\n")
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return out
	}

	var fm cardFrontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return out
	}
	out.Datasets = dedupeNames(fm.Datasets)
	out.Codebases = dedupeNames(fm.Codebases)
	if len(fm.BaseModel) > 0 {
		out.Parent = strings.TrimSpace(fm.BaseModel[0])
	}
	return out
}

func dedupeNames(in []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, n := range in {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package templates ships starter workflow definitions embedded in the
// binary, so a fresh install can be seeded and users have working
// examples to copy from.
package templates

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed *.yaml
var embeddedFS embed.FS

// Template describes one embedded workflow definition.
type Template struct {
	Name        string
	Description string
	FilePath    string
}

// List returns the embedded templates sorted by name.
func List() ([]Template, error) {
	entries, err := embeddedFS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("read embedded templates: %w", err)
	}

	var templates []Template
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := embeddedFS.ReadFile(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", entry.Name(), err)
		}

		var meta struct {
			Description string `yaml:"description"`
		}
		// Metadata failures leave the description blank rather than
		// hiding the template.
		_ = yaml.Unmarshal(data, &meta)

		templates = append(templates, Template{
			Name:        strings.TrimSuffix(entry.Name(), ".yaml"),
			Description: meta.Description,
			FilePath:    entry.Name(),
		})
	}

	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return templates, nil
}

// Load returns the raw YAML for the named template.
func Load(name string) ([]byte, error) {
	data, err := embeddedFS.ReadFile(name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown template %q", name)
	}
	return data, nil
}

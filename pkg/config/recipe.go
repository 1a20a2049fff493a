// Copyright 2025 Kadir Pekel
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

package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// RetryCheck is one success check run after the model stops calling tools.
type RetryCheck struct {
	Shell string `yaml:"shell,omitempty" toml:"shell,omitempty"`
}

// RetryConfig configures the post-loop retry/validation pass (§4.1a).
type RetryConfig struct {
	MaxRetries              int          `yaml:"max_retries,omitempty" toml:"max_retries,omitempty"`
	Checks                  []RetryCheck `yaml:"checks,omitempty" toml:"checks,omitempty"`
	OnFailure               string       `yaml:"on_failure,omitempty" toml:"on_failure,omitempty"`
	TimeoutSeconds          int          `yaml:"timeout_seconds,omitempty" toml:"timeout_seconds,omitempty"`
	OnFailureTimeoutSeconds int          `yaml:"on_failure_timeout_seconds,omitempty" toml:"on_failure_timeout_seconds,omitempty"`
}

// RecipeSettings overrides provider/model/temperature for the recipe.
type RecipeSettings struct {
	Provider    string   `yaml:"provider,omitempty" toml:"provider,omitempty"`
	Model       string   `yaml:"model,omitempty" toml:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" toml:"temperature,omitempty"`
}

// Recipe is the parsed form of a recipe file (§6 "Filesystem inputs").
type Recipe struct {
	Title        string          `yaml:"title" toml:"title"`
	Description  string          `yaml:"description,omitempty" toml:"description,omitempty"`
	Instructions string          `yaml:"instructions,omitempty" toml:"instructions,omitempty"`
	Prompt       string          `yaml:"prompt,omitempty" toml:"prompt,omitempty"`
	Activities   []string        `yaml:"activities,omitempty" toml:"activities,omitempty"`
	SubRecipes   []SubRecipeRef  `yaml:"sub_recipes,omitempty" toml:"sub_recipes,omitempty"`
	Settings     *RecipeSettings `yaml:"settings,omitempty" toml:"settings,omitempty"`
	Response     map[string]any  `yaml:"response,omitempty" toml:"response,omitempty"`
	Retry        *RetryConfig    `yaml:"retry,omitempty" toml:"retry,omitempty"`
	Extensions   []string        `yaml:"extensions,omitempty" toml:"extensions,omitempty"`
}

// SubRecipeRef names a recipe embedded/referenced by a parent recipe.
type SubRecipeRef struct {
	Name        string `yaml:"name" toml:"name"`
	Path        string `yaml:"path,omitempty" toml:"path,omitempty"`
	Description string `yaml:"description,omitempty" toml:"description,omitempty"`
}

// ParseRecipe parses recipe bytes as YAML or TOML based on file extension.
func ParseRecipe(path string, data []byte) (*Recipe, error) {
	var r Recipe
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse toml recipe %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse yaml recipe %s: %w", path, err)
		}
	default:
		// try YAML first, fall back to TOML
		if err := yaml.Unmarshal(data, &r); err != nil {
			if tomlErr := toml.Unmarshal(data, &r); tomlErr != nil {
				return nil, fmt.Errorf("parse recipe %s: not valid yaml (%v) or toml (%v)", path, err, tomlErr)
			}
		}
	}
	if r.Title == "" {
		return nil, fmt.Errorf("recipe %s: title is required", path)
	}
	return &r, nil
}

// RenderParams substitutes `{{param}}` placeholders in Instructions/Prompt
// with the supplied values. Missing params are left verbatim.
func (r *Recipe) RenderParams(params map[string]string) *Recipe {
	clone := *r
	clone.Instructions = substitute(r.Instructions, params)
	clone.Prompt = substitute(r.Prompt, params)
	return &clone
}

func substitute(s string, params map[string]string) string {
	for k, v := range params {
		s = strings.ReplaceAll(s, "{{"+k+"}}", v)
	}
	return s
}

// Frontmatter is the YAML header on skill/agent markdown files.
type Frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Model       string `yaml:"model,omitempty"`
}

// ParseMarkdownWithFrontmatter splits a `---\n<yaml>\n---\n<body>` file.
func ParseMarkdownWithFrontmatter(data []byte) (Frontmatter, string, error) {
	var fm Frontmatter
	s := string(data)
	if !strings.HasPrefix(s, "---") {
		return fm, s, fmt.Errorf("missing frontmatter delimiter")
	}
	rest := s[3:]
	end := strings.Index(rest, "---")
	if end < 0 {
		return fm, s, fmt.Errorf("unterminated frontmatter")
	}
	header := rest[:end]
	body := strings.TrimPrefix(rest[end+3:], "\n")
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return fm, body, fmt.Errorf("parse frontmatter: %w", err)
	}
	if fm.Name == "" {
		return fm, body, fmt.Errorf("frontmatter missing required 'name'")
	}
	return fm, body, nil
}

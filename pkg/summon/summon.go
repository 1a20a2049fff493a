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

// Package summon implements the summon extension's filesystem surface
// (spec.md §4.4): discovering recipes/skills/agents across five priority
// tiers, the `load` tool for listing/retrieving a source, and the
// `delegate` tool that builds a TaskConfig and hands it to pkg/subagent.
package summon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/replyengine/pkg/config"
	"github.com/kadirpekel/replyengine/pkg/extension"
	"github.com/kadirpekel/replyengine/pkg/registry"
	"github.com/kadirpekel/replyengine/pkg/reply"
	"github.com/kadirpekel/replyengine/pkg/session"
	"github.com/kadirpekel/replyengine/pkg/subagent"
	"github.com/kadirpekel/replyengine/pkg/tool"
)

// Kind distinguishes the shape of a discovered source.
type Kind string

const (
	KindSubRecipe Kind = "sub_recipe"
	KindRecipe    Kind = "recipe"
	KindSkill     Kind = "skill"
	KindAgent     Kind = "agent"
)

// Source is one discovered recipe/skill/agent, its rendered content kept
// alongside whichever structured form it parsed into.
type Source struct {
	Kind        Kind
	Name        string
	Description string
	Path        string

	Recipe      *config.Recipe
	Frontmatter config.Frontmatter
	Body        string
}

// cacheEntry is a 60-second in-memory cache per working dir (spec.md
// §4.4), invalidated by Discoverer.Invalidate (called on a bare load()).
type cacheEntry struct {
	sources []Source
	expires time.Time
}

const cacheTTL = 60 * time.Second

// builtinSkills are skills compiled into the binary, the lowest-priority
// discovery tier. Kept intentionally small; real deployments add their
// own via config dirs or GOOSE_RECIPE_PATH long before needing more
// built-ins baked into the binary itself.
var builtinSkills = []Source{
	{
		Kind:        KindSkill,
		Name:        "summarize",
		Description: "Summarize the given text or conversation into a few bullet points.",
		Path:        "<builtin>",
		Body:        "Read the supplied material and produce a concise bullet-point summary. Favor specifics over generalities.",
	},
}

// Discoverer scans the filesystem priority tiers and caches the result
// per working directory.
type Discoverer struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewDiscoverer returns an empty Discoverer.
func NewDiscoverer() *Discoverer {
	return &Discoverer{cache: make(map[string]cacheEntry)}
}

// Invalidate drops the cached scan for workingDir, forcing the next
// Discover call to rescan (spec.md §4.4: "invalidated on load() with no
// argument").
func (d *Discoverer) Invalidate(workingDir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, workingDir)
}

// Discover returns every source visible from workingDir, deduped by
// name with embedded (priority-1) sources winning, followed by
// workingDir-local, config-dir, GOOSE_RECIPE_PATH, then built-in tiers in
// that order (spec.md §4.4's five-tier priority list; first-found-wins
// per the recorded dedup decision).
func (d *Discoverer) Discover(workingDir string, embedded []Source) []Source {
	d.mu.Lock()
	cached, ok := d.cache[workingDir]
	d.mu.Unlock()

	var scanned []Source
	if ok && time.Now().Before(cached.expires) {
		scanned = cached.sources
	} else {
		scanned = d.scan(workingDir)
		d.mu.Lock()
		d.cache[workingDir] = cacheEntry{sources: scanned, expires: time.Now().Add(cacheTTL)}
		d.mu.Unlock()
	}

	reg := registry.NewBaseRegistry[Source]()
	for _, s := range embedded {
		_ = reg.Register(s.Name, s) // first-wins: later duplicate registrations are silently skipped
	}
	for _, s := range scanned {
		_ = reg.Register(s.Name, s)
	}

	out := reg.List()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *Discoverer) scan(workingDir string) []Source {
	var out []Source

	dirTiers := [][2]string{
		{workingDir, string(KindRecipe)},
		{filepath.Join(workingDir, ".goose", "recipes"), string(KindRecipe)},
		{filepath.Join(workingDir, ".goose", "skills"), string(KindSkill)},
		{filepath.Join(workingDir, ".claude", "skills"), string(KindSkill)},
		{filepath.Join(workingDir, ".goose", "agents"), string(KindAgent)},
		{filepath.Join(workingDir, ".claude", "agents"), string(KindAgent)},
	}

	if cfgDir, err := os.UserConfigDir(); err == nil {
		dirTiers = append(dirTiers,
			[2]string{filepath.Join(cfgDir, "goose", "recipes"), string(KindRecipe)},
			[2]string{filepath.Join(cfgDir, "goose", "skills"), string(KindSkill)},
			[2]string{filepath.Join(cfgDir, "goose", "agents"), string(KindAgent)},
		)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirTiers = append(dirTiers,
			[2]string{filepath.Join(home, ".claude", "skills"), string(KindSkill)},
			[2]string{filepath.Join(home, ".claude", "agents"), string(KindAgent)},
		)
	}
	for _, dir := range config.RecipePathDirs() {
		dirTiers = append(dirTiers, [2]string{dir, string(KindRecipe)})
	}

	for _, tier := range dirTiers {
		out = append(out, scanDir(tier[0], Kind(tier[1]))...)
	}

	out = append(out, builtinSkills...)
	return out
}

func scanDir(dir string, kind Kind) []Source {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []Source
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		ext := strings.ToLower(filepath.Ext(e.Name()))

		switch kind {
		case KindRecipe:
			if ext != ".yaml" && ext != ".yml" && ext != ".toml" {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			r, err := config.ParseRecipe(path, data)
			if err != nil {
				continue
			}
			name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			out = append(out, Source{Kind: KindRecipe, Name: name, Description: r.Description, Path: path, Recipe: r})
		case KindSkill, KindAgent:
			if ext != ".md" {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			fm, body, err := config.ParseMarkdownWithFrontmatter(data)
			if err != nil {
				continue
			}
			out = append(out, Source{Kind: kind, Name: fm.Name, Description: fm.Description, Path: path, Frontmatter: fm, Body: body})
		}
	}
	return out
}

// Render returns a source's content as a single text block, per load(name)
// (spec.md §4.4: "does not spawn anything").
func (s Source) Render() string {
	switch s.Kind {
	case KindRecipe, KindSubRecipe:
		if s.Recipe == nil {
			return s.Body
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "# %s\n\n", s.Recipe.Title)
		if s.Recipe.Description != "" {
			fmt.Fprintf(&sb, "%s\n\n", s.Recipe.Description)
		}
		if s.Recipe.Instructions != "" {
			fmt.Fprintf(&sb, "%s\n", s.Recipe.Instructions)
		}
		if s.Recipe.Prompt != "" {
			fmt.Fprintf(&sb, "%s\n", s.Recipe.Prompt)
		}
		return sb.String()
	default:
		return s.Body
	}
}

// TaskConfig is the resolved provider/model/extensions/max_turns settings
// a delegation runs with, after applying spec.md §4.4's precedence rules.
type TaskConfig struct {
	Provider    string
	Model       string
	Temperature *float64
	// Extensions is nil to inherit everything from the parent, a non-nil
	// empty slice for "no extensions", or a filter list otherwise.
	Extensions []string
	MaxTurns   int
}

// LoopFactory constructs a ready-to-run child reply.Loop for a task,
// injected by the composition root so this package never has to know how
// to build a provider/extension-manager/permission stack itself.
type LoopFactory func(cfg TaskConfig, childSession *session.Session) (*reply.Loop, error)

var modelShorthand = map[string]string{
	"sonnet": "claude-sonnet-4-5",
	"opus":   "claude-opus-4-1",
	"haiku":  "claude-haiku-4-5",
}

func expandModel(name string) string {
	if canonical, ok := modelShorthand[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}

// Extension implements extension.Extension, exposing the load and
// delegate tools.
type Extension struct {
	discoverer *Discoverer
	runner     *subagent.Runner
	factory    LoopFactory

	parent *session.Session
	// EmbeddedSubRecipes are the active recipe's own sub_recipes, the
	// highest-priority discovery tier (spec.md §4.4 tier 1).
	EmbeddedSubRecipes []Source
}

// NewExtension returns a summon extension bound to parent's session and
// working directory, dispatching delegations through factory.
func NewExtension(parent *session.Session, runner *subagent.Runner, factory LoopFactory) *Extension {
	return &Extension{
		discoverer: NewDiscoverer(),
		runner:     runner,
		factory:    factory,
		parent:     parent,
	}
}

// Name is "subagent", not "summon", so the extension manager's
// <extension>__<tool> prefixing produces "subagent__delegate" — exactly
// the name dispatch.ToolSubAgentDelegate routes to CategorySubAgent.
func (e *Extension) Name() string { return "subagent" }

func (e *Extension) Info() extension.Info {
	return extension.Info{Name: "subagent", Instructions: "Discover and delegate to recipes, skills, and agents."}
}

func (e *Extension) ListTools(ctx context.Context) ([]tool.Tool, error) {
	return []tool.Tool{loadTool{}, delegateTool{}}, nil
}

func (e *Extension) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	switch name {
	case "load":
		return e.load(args)
	case "delegate":
		return e.delegate(ctx, args)
	default:
		return nil, fmt.Errorf("summon: unknown tool %q", name)
	}
}

// MOIM reports every live background delegation, per spec.md §4.4's
// per-turn snapshot.
func (e *Extension) MOIM(ctx context.Context, sessionID string) string {
	return e.runner.Registry.Snapshot()
}

func (e *Extension) Close() error { return nil }

func (e *Extension) sources() []Source {
	return e.discoverer.Discover(e.parent.WorkingDir(), e.EmbeddedSubRecipes)
}

func (e *Extension) load(args map[string]any) (map[string]any, error) {
	name, _ := args["source"].(string)
	if name == "" {
		e.discoverer.Invalidate(e.parent.WorkingDir())
		return map[string]any{"text": listSources(e.sources())}, nil
	}

	for _, s := range e.sources() {
		if s.Name == name {
			return map[string]any{"text": s.Render()}, nil
		}
	}
	return nil, fmt.Errorf("summon: no source named %q", name)
}

func listSources(sources []Source) string {
	byKind := map[Kind][]Source{}
	for _, s := range sources {
		byKind[s.Kind] = append(byKind[s.Kind], s)
	}

	var sb strings.Builder
	for _, kind := range []Kind{KindSubRecipe, KindRecipe, KindSkill, KindAgent} {
		group := byKind[kind]
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%s:\n", kind)
		for _, s := range group {
			fmt.Fprintf(&sb, "  - %s: %s\n", s.Name, s.Description)
		}
	}
	return sb.String()
}

// delegate implements spec.md §4.4's delegate(...) tool: validates
// arguments, resolves a source (if given), builds instructions and a
// TaskConfig, and runs the delegation synchronously or in the background.
func (e *Extension) delegate(ctx context.Context, args map[string]any) (map[string]any, error) {
	if !subagent.CanDelegate(e.parent) {
		return nil, subagent.ErrNestedDelegation
	}

	instructions, _ := args["instructions"].(string)
	sourceName, _ := args["source"].(string)
	params := stringMap(args["parameters"])

	if instructions == "" && sourceName == "" {
		return nil, fmt.Errorf("summon: delegate requires instructions or source")
	}
	if len(params) > 0 && sourceName == "" {
		return nil, fmt.Errorf("summon: parameters requires source")
	}

	var src *Source
	if sourceName != "" {
		for _, s := range e.sources() {
			if s.Name == sourceName {
				found := s
				src = &found
				break
			}
		}
		if src == nil {
			return nil, fmt.Errorf("summon: no source named %q", sourceName)
		}
	}

	description, prompt, cfg, err := buildDelegation(instructions, src, params, args)
	if err != nil {
		return nil, err
	}
	cfg = applyPrecedence(cfg, e.parent, args)

	childSession := subagent.NewChildSession(e.parent.WorkingDir())
	loop, err := e.factory(cfg, childSession)
	if err != nil {
		return nil, fmt.Errorf("summon: building delegation loop: %w", err)
	}

	async, _ := args["async"].(bool)
	if async {
		task, err := e.runner.RunAsync(loop, description, prompt)
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": fmt.Sprintf("Task %s started in background", task.ID)}, nil
	}

	text, err := e.runner.RunSync(ctx, loop, prompt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": truncateResult(text)}, nil
}

// buildDelegation constructs the instructions/prompt/settings triple for
// one of spec.md §4.4's four delegate variants: ad-hoc, recipe/sub-recipe,
// skill, or agent.
func buildDelegation(instructions string, src *Source, params map[string]string, args map[string]any) (description, prompt string, cfg TaskConfig, err error) {
	if src == nil {
		return "ad-hoc delegation", instructions, TaskConfig{}, nil
	}

	switch src.Kind {
	case KindRecipe, KindSubRecipe:
		r := src.Recipe.RenderParams(params)
		prompt = r.Prompt
		if prompt == "" {
			prompt = r.Instructions
		}
		if r.Settings != nil {
			cfg.Provider = r.Settings.Provider
			cfg.Model = r.Settings.Model
			cfg.Temperature = r.Settings.Temperature
		}
		return r.Title, prompt, cfg, nil

	case KindSkill:
		prompt = instructions
		if prompt == "" {
			prompt = "Apply the skill knowledge to produce a useful result."
		}
		return src.Name, src.Body + "\n\n" + prompt, cfg, nil

	case KindAgent:
		if src.Frontmatter.Model != "" {
			cfg.Model = src.Frontmatter.Model
		}
		prompt = instructions
		if prompt == "" {
			prompt = src.Body
		} else {
			prompt = src.Body + "\n\n" + prompt
		}
		return src.Name, prompt, cfg, nil
	}

	return "", "", TaskConfig{}, fmt.Errorf("summon: unsupported source kind %q", src.Kind)
}

// applyPrecedence resolves provider and model as explicit tool argument >
// value already in cfg (recipe/agent settings) > parent session, and takes
// temperature from the tool argument. Extensions come only from the tool
// argument (absent: nil, inheriting every extension). MaxTurns is always
// config.SubagentMaxTurns(); neither the tool argument nor a recipe sets it.
func applyPrecedence(cfg TaskConfig, parent *session.Session, args map[string]any) TaskConfig {
	if v, ok := args["provider"].(string); ok && v != "" {
		cfg.Provider = v
	}
	if cfg.Provider == "" {
		cfg.Provider = parent.ProviderName()
	}

	if v, ok := args["model"].(string); ok && v != "" {
		cfg.Model = v
	}
	if cfg.Model == "" {
		cfg.Model = parent.ModelConfig().Model
	}
	cfg.Model = expandModel(cfg.Model)

	if v, ok := args["temperature"].(float64); ok {
		cfg.Temperature = &v
	}

	if raw, ok := args["extensions"]; ok {
		cfg.Extensions = toStringSlice(raw) // explicit [] means "none"; non-empty filters
	} else {
		cfg.Extensions = nil // inherit everything
	}

	cfg.MaxTurns = config.SubagentMaxTurns()

	return cfg
}

func stringMap(raw any) map[string]string {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func toStringSlice(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// truncateResult elides an overlong synchronous delegation result to fit
// in one tool response (spec.md §4.4: "long outputs are elided to fit one
// tool response"), reusing the same cap pkg/dispatch applies to ordinary
// tool output.
func truncateResult(text string) string {
	const limit = 400_000
	if len(text) <= limit {
		return text
	}
	const note = "\n\n[delegation output truncated]\n\n"
	half := (limit - len(note)) / 2
	return text[:half] + note + text[len(text)-half:]
}

type loadTool struct{}

func (loadTool) Name() string { return "load" }
func (loadTool) Description() string {
	return "List discovered recipes/skills/agents, or retrieve one by name."
}
func (loadTool) IsLongRunning() bool    { return false }
func (loadTool) RequiresApproval() bool { return false }
func (loadTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"source": map[string]any{"type": "string", "description": "Name of the recipe/skill/agent to retrieve; omit to list all."},
		},
	}
}
func (loadTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	return nil, fmt.Errorf("load: dispatched through the summon extension, not called directly")
}

type delegateTool struct{}

func (delegateTool) Name() string { return "delegate" }
func (delegateTool) Description() string {
	return "Delegate work to a sub-agent, synchronously or in the background."
}
func (delegateTool) IsLongRunning() bool    { return false }
func (delegateTool) RequiresApproval() bool { return false }
func (delegateTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"instructions": map[string]any{"type": "string"},
			"source":       map[string]any{"type": "string"},
			"parameters":   map[string]any{"type": "object"},
			"extensions":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"provider":     map[string]any{"type": "string"},
			"model":        map[string]any{"type": "string"},
			"temperature":  map[string]any{"type": "number"},
			"async":        map[string]any{"type": "boolean"},
		},
	}
}
func (delegateTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	return nil, fmt.Errorf("delegate: dispatched through the summon extension, not called directly")
}

var (
	_ tool.CallableTool = loadTool{}
	_ tool.CallableTool = delegateTool{}
)

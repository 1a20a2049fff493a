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

// Package orchestrator implements the optional pre-reply routing stage
// (spec.md §4.5): classifying a user message against a catalog of agent
// modes using either an LLM splitting prompt or a keyword fallback, then
// applying the chosen plan's tool-group/extension restrictions onto a
// session. It also owns the proactive-compaction decision.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kadirpekel/replyengine/pkg/compaction"
	"github.com/kadirpekel/replyengine/pkg/config"
	"github.com/kadirpekel/replyengine/pkg/message"
	"github.com/kadirpekel/replyengine/pkg/provider"
	"github.com/kadirpekel/replyengine/pkg/session"
)

// Mode is one operating mode an agent slot can be routed into.
type Mode struct {
	Slug                  string   `json:"slug"`
	Name                  string   `json:"name"`
	Description           string   `json:"description"`
	WhenToUse             string   `json:"when_to_use"`
	ToolGroups            []string `json:"tool_groups"`
	RecommendedExtensions []string `json:"recommended_extensions"`
}

// AgentSlot is one routable agent the orchestrator can assign a task to.
type AgentSlot struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	DefaultMode string   `json:"default_mode"`
	Modes       []Mode   `json:"modes"`
	Extensions  []string `json:"-"` // slot's own bound extensions, not part of the LLM-facing catalog
}

func (a AgentSlot) mode(slug string) (Mode, bool) {
	for _, m := range a.Modes {
		if m.Slug == slug {
			return m, true
		}
	}
	return Mode{}, false
}

func (a AgentSlot) defaultMode() Mode {
	if m, ok := a.mode(a.DefaultMode); ok {
		return m
	}
	if len(a.Modes) > 0 {
		return a.Modes[0]
	}
	return Mode{}
}

// Task is one unit of work in a routing plan.
type Task struct {
	TaskID     string   `json:"task_id,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
	AgentName  string   `json:"agent_name"`
	ModeSlug   string   `json:"mode_slug"`
	Confidence float64  `json:"confidence,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`
	SubTask    string   `json:"sub_task"`
}

// Plan is the orchestrator's routing decision for one message.
type Plan struct {
	IsCompound bool   `json:"is_compound"`
	Tasks      []Task `json:"tasks"`
}

// splittingPrompt is appended to the catalog+message when invoking the
// LLM strategy.
const splittingPrompt = `You are a routing classifier. Given the user's message and the catalog of
available agents/modes above, decide how to split the work.

Respond with ONLY a JSON object of this shape, no extra text:
{"is_compound": bool, "tasks": [{"task_id": "t1", "depends_on": [], "agent_name": "...", "mode_slug": "...", "confidence": 0.0, "reasoning": "...", "sub_task": "..."}]}

Use exactly one task when the request is not compound.`

// Router classifies a user message into a Plan, via the LLM strategy when
// a provider is supplied and not disabled (GOOSE_ORCHESTRATOR_DISABLED),
// falling back to keyword-based single-task routing otherwise.
type Router struct {
	Slots []AgentSlot
}

// NewRouter returns a Router over the given agent catalog.
func NewRouter(slots []AgentSlot) *Router {
	return &Router{Slots: slots}
}

// Route classifies userText into a Plan. llm may be nil, which forces the
// keyword fallback regardless of config.OrchestratorDisabled.
func (r *Router) Route(ctx context.Context, llm provider.LLM, userText string) (*Plan, error) {
	if llm != nil && !config.OrchestratorDisabled() {
		plan, err := r.routeLLM(ctx, llm, userText)
		if err == nil {
			return plan, nil
		}
	}
	return r.routeKeyword(userText), nil
}

func (r *Router) routeLLM(ctx context.Context, llm provider.LLM, userText string) (*Plan, error) {
	req := &provider.Request{
		SystemInstruction: r.catalogText() + "\n\n" + splittingPrompt,
		Messages:          []*message.Message{message.NewMessage(message.RoleUser, message.Text{Value: userText})},
	}
	resp, err := llm.CompleteFast(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: routing call failed: %w", err)
	}

	plan, err := parsePlan(resp.Message.Text())
	if err != nil {
		return nil, err
	}
	return r.sanitize(plan)
}

// catalogText renders the agent/mode catalog the splitting prompt refers
// to (spec.md §4.5 step 1).
func (r *Router) catalogText() string {
	data, _ := json.Marshal(r.Slots)
	return "Available agents:\n" + string(data)
}

// parsePlan extracts a JSON object from raw, handling markdown code
// fences the model may have wrapped the JSON in.
func parsePlan(raw string) (*Plan, error) {
	jsonText := extractJSON(raw)
	var plan Plan
	if err := json.Unmarshal([]byte(jsonText), &plan); err != nil {
		return nil, fmt.Errorf("orchestrator: parse routing response: %w", err)
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("orchestrator: routing response had no tasks")
	}
	return &plan, nil
}

func extractJSON(input string) string {
	trimmed := strings.TrimSpace(input)
	switch {
	case strings.HasPrefix(trimmed, "```json"):
		trimmed = strings.TrimSuffix(strings.TrimPrefix(trimmed, "```json"), "```")
	case strings.HasPrefix(trimmed, "```"):
		trimmed = strings.TrimSuffix(strings.TrimPrefix(trimmed, "```"), "```")
	}
	trimmed = strings.TrimSpace(trimmed)

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}

// sanitize implements spec.md §4.5 step 3: drop tasks for unknown agents,
// fall back to the slot's default mode for unknown mode slugs, normalize
// depends_on (drop unknown/self deps), and topologically sort.
func (r *Router) sanitize(plan *Plan) (*Plan, error) {
	bySlot := make(map[string]AgentSlot, len(r.Slots))
	for _, s := range r.Slots {
		bySlot[s.Name] = s
	}

	ids := make(map[string]bool, len(plan.Tasks))
	var kept []Task
	for i, t := range plan.Tasks {
		slot, ok := bySlot[t.AgentName]
		if !ok {
			continue
		}
		if t.TaskID == "" {
			t.TaskID = fmt.Sprintf("t%d", i+1)
		}
		if _, ok := slot.mode(t.ModeSlug); !ok {
			t.ModeSlug = slot.defaultMode().Slug
		}
		ids[t.TaskID] = true
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("orchestrator: no task referenced a known agent")
	}

	for i := range kept {
		var deps []string
		for _, d := range kept[i].DependsOn {
			if d != kept[i].TaskID && ids[d] {
				deps = append(deps, d)
			}
		}
		kept[i].DependsOn = deps
	}

	sorted, err := topoSort(kept)
	if err != nil {
		sort.Slice(kept, func(i, j int) bool { return kept[i].TaskID < kept[j].TaskID })
		sorted = kept
	}

	return &Plan{IsCompound: len(sorted) > 1, Tasks: sorted}, nil
}

// topoSort orders tasks so every task follows its dependencies, using
// Kahn's algorithm; returns an error on a cycle.
func topoSort(tasks []Task) ([]Task, error) {
	byID := make(map[string]Task, len(tasks))
	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string)

	for _, t := range tasks {
		byID[t.TaskID] = t
		inDegree[t.TaskID] = len(t.DependsOn)
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.TaskID)
		}
	}

	var queue []string
	for _, t := range tasks {
		if inDegree[t.TaskID] == 0 {
			queue = append(queue, t.TaskID)
		}
	}
	sort.Strings(queue)

	var out []Task
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, byID[id])

		var unblocked []string
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				unblocked = append(unblocked, dep)
			}
		}
		sort.Strings(unblocked)
		queue = append(queue, unblocked...)
	}

	if len(out) != len(tasks) {
		return nil, fmt.Errorf("orchestrator: cycle detected in task dependencies")
	}
	return out, nil
}

// routeKeyword is the rule-based fallback: a single task against the
// first agent slot whose description keywords match the message, or the
// first slot overall.
func (r *Router) routeKeyword(userText string) *Plan {
	lower := strings.ToLower(userText)
	chosen := r.Slots[0]
search:
	for _, s := range r.Slots {
		for _, word := range strings.Fields(strings.ToLower(s.Description)) {
			if len(word) > 3 && strings.Contains(lower, word) {
				chosen = s
				break search
			}
		}
	}

	return &Plan{
		IsCompound: false,
		Tasks: []Task{{
			TaskID:    "t1",
			AgentName: chosen.Name,
			ModeSlug:  chosen.defaultMode().Slug,
			SubTask:   userText,
			Reasoning: "keyword fallback",
		}},
	}
}

// Apply sets the session's active_tool_groups/allowed_extensions/
// active_mode_slug from the plan's primary (first) task, per spec.md
// §4.5's Apply step.
func Apply(sess *session.Session, slots []AgentSlot, plan *Plan) error {
	if len(plan.Tasks) == 0 {
		return fmt.Errorf("orchestrator: empty plan")
	}
	primary := plan.Tasks[0]

	var slot AgentSlot
	found := false
	for _, s := range slots {
		if s.Name == primary.AgentName {
			slot, found = s, true
			break
		}
	}
	if !found {
		return fmt.Errorf("orchestrator: plan references unknown agent %q", primary.AgentName)
	}
	mode, ok := slot.mode(primary.ModeSlug)
	if !ok {
		mode = slot.defaultMode()
	}

	sess.ActiveToolGroups = mode.ToolGroups
	sess.AllowedExtensions = union(slot.Extensions, mode.RecommendedExtensions)
	sess.ActiveModeSlug = mode.Slug
	return nil
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// ShouldCompact owns the proactive-compaction decision (spec.md §4.5's
// closing paragraph: "a separate method that checks the threshold and
// invokes the compactor").
func ShouldCompact(compactor *compaction.Compactor, conv *message.Conversation, modelContextLimit int) bool {
	if compactor == nil || modelContextLimit <= 0 {
		return false
	}
	return compactor.ShouldCompact(conv, modelContextLimit)
}

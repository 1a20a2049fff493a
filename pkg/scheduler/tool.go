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

package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/replyengine/pkg/tool"
)

// ToolName is the platform tool name spec.md §4.3 lists alongside the
// extension-prefixed tools and the subagent delegate tool: an always-on
// platform tool, not routed through the extension manager.
const ToolName = "platform_manage_schedule"

// Tool exposes create/list/get/cancel operations over a Scheduler as a
// single platform tool selected by its action argument.
type Tool struct {
	scheduler *Scheduler
}

// NewTool returns the platform_manage_schedule tool bound to scheduler.
func NewTool(scheduler *Scheduler) *Tool {
	return &Tool{scheduler: scheduler}
}

func (t *Tool) Name() string        { return ToolName }
func (t *Tool) IsLongRunning() bool { return false }
func (t *Tool) RequiresApproval() bool {
	return false
}

func (t *Tool) Description() string {
	return "Create, list, inspect, or cancel scheduled (cron/every/at) recipe invocations."
}

func (t *Tool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action":        map[string]any{"type": "string", "enum": []string{"create", "list", "get", "cancel"}},
			"name":          map[string]any{"type": "string", "description": "task name, for create"},
			"prompt":        map[string]any{"type": "string", "description": "prompt to run on each occurrence, for create"},
			"cron":          map[string]any{"type": "string", "description": "cron expression, for create"},
			"every_seconds": map[string]any{"type": "number", "description": "fixed interval in seconds, for create"},
			"at":            map[string]any{"type": "string", "description": "one-shot RFC3339 or 'YYYY-MM-DD HH:MM' timestamp, for create"},
			"timezone":      map[string]any{"type": "string"},
			"max_retries":   map[string]any{"type": "number"},
			"allow_overlap": map[string]any{"type": "boolean"},
			"task_id":       map[string]any{"type": "string", "description": "required for get/cancel"},
		},
		"required": []string{"action"},
	}
}

// Call is unreachable in normal operation: platform_manage_schedule is
// dispatched directly by the reply loop's CategoryPlatformSchedule branch,
// not through an extension's CallTool. It exists so Tool satisfies
// tool.CallableTool for schema exposure.
func (t *Tool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	return t.Dispatch(args)
}

// Dispatch runs the requested action against the bound scheduler. Callers
// (the reply loop's platform-tool dispatch branch) invoke this directly.
func (t *Tool) Dispatch(args map[string]any) (map[string]any, error) {
	action, _ := args["action"].(string)
	switch action {
	case "create":
		return t.create(args)
	case "list":
		return map[string]any{"text": t.list()}, nil
	case "get":
		return t.get(args)
	case "cancel":
		return t.cancel(args)
	default:
		return nil, fmt.Errorf("platform_manage_schedule: unknown action %q", action)
	}
}

func (t *Tool) create(args map[string]any) (map[string]any, error) {
	name, _ := args["name"].(string)
	prompt, _ := args["prompt"].(string)
	if strings.TrimSpace(name) == "" || strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("platform_manage_schedule: create requires name and prompt")
	}
	cronExpr, _ := args["cron"].(string)
	at, _ := args["at"].(string)
	timezone, _ := args["timezone"].(string)
	var every time.Duration
	if secs, ok := numberArg(args["every_seconds"]); ok {
		every = time.Duration(secs) * time.Second
	}

	sched, err := ParseSchedule(cronExpr, every, at, timezone)
	if err != nil {
		return nil, err
	}

	maxRetries := 0
	if n, ok := numberArg(args["max_retries"]); ok {
		maxRetries = int(n)
	}
	allowOverlap, _ := args["allow_overlap"].(bool)

	task, err := t.scheduler.Add(name, prompt, sched, maxRetries, 0, allowOverlap)
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": fmt.Sprintf("Scheduled %q (id %s), next run %s", task.Name, task.ID, task.NextRunAt.Format(time.RFC3339))}, nil
}

func (t *Tool) list() string {
	tasks := t.scheduler.List()
	if len(tasks) == 0 {
		return "No scheduled tasks."
	}
	var b strings.Builder
	b.WriteString("Scheduled tasks:\n")
	for _, task := range tasks {
		fmt.Fprintf(&b, "- %s (%s) %s, next %s\n", task.Name, task.ID, task.Status, formatTime(task.NextRunAt))
	}
	return b.String()
}

func (t *Tool) get(args map[string]any) (map[string]any, error) {
	id, _ := args["task_id"].(string)
	task, ok := t.scheduler.Get(id)
	if !ok {
		return nil, fmt.Errorf("platform_manage_schedule: no scheduled task %q", id)
	}
	text := fmt.Sprintf("%s (%s): status=%s next=%s last_run=%s last_error=%s",
		task.Name, task.ID, task.Status, formatTime(task.NextRunAt), formatTime(task.LastRunAt), task.LastError)
	return map[string]any{"text": text}, nil
}

func (t *Tool) cancel(args map[string]any) (map[string]any, error) {
	id, _ := args["task_id"].(string)
	if !t.scheduler.Cancel(id) {
		return nil, fmt.Errorf("platform_manage_schedule: no scheduled task %q", id)
	}
	return map[string]any{"text": fmt.Sprintf("Cancelled scheduled task %s", id)}, nil
}

func formatTime(tm time.Time) string {
	if tm.IsZero() {
		return "-"
	}
	return tm.Format(time.RFC3339)
}

func numberArg(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

var _ tool.CallableTool = (*Tool)(nil)

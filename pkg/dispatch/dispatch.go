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

// Package dispatch implements the tool-dispatch stage of the reply loop
// (spec.md §4.3): categorizing a turn's tool requests, running the
// permission pipeline, concurrently executing approved calls, and
// truncating oversized results.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kadirpekel/replyengine/pkg/extension"
	"github.com/kadirpekel/replyengine/pkg/message"
	"github.com/kadirpekel/replyengine/pkg/permission"
	"github.com/kadirpekel/replyengine/pkg/telemetry"
	"github.com/kadirpekel/replyengine/pkg/tool"
)

// MaxResultChars is the content-preserving truncation cap (spec.md §5:
// "Shell output character cap (400k) with tail-truncation and temp-file
// overflow"), applied uniformly to every tool's result text.
const MaxResultChars = 400_000

// Category classifies one tool request for routing (spec.md §4.3's
// five-way categorization).
type Category string

const (
	CategoryFrontend         Category = "frontend"
	CategorySubAgent         Category = "sub_agent"
	CategoryPlatformSchedule Category = "platform_schedule"
	CategoryFinalOutput      Category = "final_output"
	CategoryExtension        Category = "extension"
)

// Platform tool names reserved by the runtime; anything else prefixed with
// an extension name falls through to CategoryExtension.
const (
	ToolSubAgentDelegate        = "subagent__delegate"
	ToolPlatformManageSchedule  = "platform_manage_schedule"
	ToolFinalOutput             = "final_output"
)

// Categorize assigns a Category to name. frontendTools is the set of tool
// names the runtime has decided to hand off to the UI instead of dispatch
// itself; hasFinalOutputTool is true only when the active recipe declared a
// response schema.
func Categorize(name string, frontendTools map[string]bool, hasFinalOutputTool bool) Category {
	if frontendTools[name] {
		return CategoryFrontend
	}
	switch name {
	case ToolSubAgentDelegate:
		return CategorySubAgent
	case ToolPlatformManageSchedule:
		return CategoryPlatformSchedule
	case ToolFinalOutput:
		if hasFinalOutputTool {
			return CategoryFinalOutput
		}
	}
	return CategoryExtension
}

// EffectiveTools computes the per-turn tool list: the extension manager's
// prefixed tools plus the always-present platform tools, filtered by
// activeToolGroups when non-empty. Names are guaranteed unique; a
// platform/base tool name collision with an extension tool is resolved in
// favor of the base tool (logged by the caller, not here).
func EffectiveTools(extTools []tool.Tool, platformTools []tool.Tool, activeToolGroups map[string]bool, groupOf func(tool.Tool) string) []tool.Tool {
	seen := make(map[string]bool, len(extTools)+len(platformTools))
	out := make([]tool.Tool, 0, len(extTools)+len(platformTools))

	add := func(t tool.Tool) {
		if seen[t.Name()] {
			return
		}
		if len(activeToolGroups) > 0 {
			if groupOf == nil || !activeToolGroups[groupOf(t)] {
				return
			}
		}
		seen[t.Name()] = true
		out = append(out, t)
	}

	for _, t := range platformTools {
		add(t)
	}
	for _, t := range extTools {
		add(t)
	}
	return out
}

// Executor dispatches approved tool calls concurrently and converts any
// per-call failure into an error ToolResponse rather than aborting the
// turn.
type Executor struct {
	extensions *extension.Manager
	inspector  *permission.Inspector
	confirm    *permission.ConfirmationChannel
	tempDir    string

	// Metrics records per-call duration/error counts when non-nil; every
	// method on a nil *telemetry.Metrics is a no-op, so this field is safe
	// to leave zero.
	Metrics *telemetry.Metrics
}

// NewExecutor returns an Executor backed by extensions for dispatch and
// inspector/confirm for the permission pipeline. tempDir is where
// overflowed tool output spills to disk; "" uses os.TempDir().
func NewExecutor(extensions *extension.Manager, inspector *permission.Inspector, confirm *permission.ConfirmationChannel, tempDir string) *Executor {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Executor{extensions: extensions, inspector: inspector, confirm: confirm, tempDir: tempDir}
}

// Outcome is one tool request's final ToolResponse plus whether the call
// paused for a user confirmation that was then declined.
type Outcome struct {
	Response       message.ToolResponse
	NeededApproval bool
}

// DispatchAll runs the permission pipeline and then dispatches every
// approved call concurrently, in a single barrier per spec.md §5
// ("spawn each approved call... collect via a bounded future-set"). The
// returned slice is in the same order as requests, so callers can attach
// tool responses to the assistant message in request order regardless of
// completion order.
func (e *Executor) DispatchAll(ctx context.Context, sessionID string, requests []message.ToolRequest) []Outcome {
	outcomes := make([]Outcome, len(requests))
	var wg sync.WaitGroup

	for i, req := range requests {
		if req.Err != nil {
			outcomes[i] = Outcome{Response: invalidArgsResponse(req)}
			continue
		}
		call := &tool.Call{ID: req.ID, Name: req.Call.Name, Args: req.Call.Args}

		decision, reason := e.inspector.Inspect(sessionID, call)
		switch decision {
		case permission.Denied:
			outcomes[i] = Outcome{Response: deniedResponse(req.ID, reason)}
			continue
		case permission.NeedsConfirmation:
			confirmed := e.awaitConfirmation(call)
			if !confirmed {
				outcomes[i] = Outcome{Response: deniedResponse(req.ID, "user declined"), NeededApproval: true}
				continue
			}
		}

		wg.Add(1)
		go func(i int, call *tool.Call) {
			defer wg.Done()
			outcomes[i] = Outcome{Response: e.callOne(ctx, call)}
		}(i, call)
	}

	wg.Wait()
	return outcomes
}

func (e *Executor) awaitConfirmation(call *tool.Call) bool {
	decisionCh := e.confirm.Request(call)
	decision := <-decisionCh
	return decision == permission.Allow || decision == permission.AllowOnce
}

// callOne dispatches a single call to its owning extension, converting
// failure (ToolExecution error kind) into an error ToolResponse and
// applying the large-response truncator to success output.
func (e *Executor) callOne(ctx context.Context, call *tool.Call) message.ToolResponse {
	start := time.Now()
	result, err := e.extensions.CallTool(ctx, call.Name, call.Args)
	e.Metrics.RecordToolCall(call.Name, time.Since(start), err != nil)
	if err != nil {
		return message.ToolResponse{
			ID: call.ID,
			Result: &message.ToolResult{
				Content: []message.ToolContent{{Text: err.Error()}},
				IsError: true,
			},
		}
	}

	text := toText(result)
	text = e.truncate(call.ID, text)

	return message.ToolResponse{
		ID: call.ID,
		Result: &message.ToolResult{
			Content: []message.ToolContent{{Text: text}},
		},
	}
}

// truncate applies the content-preserving large-response handler: text
// within MaxResultChars passes through untouched; oversized text is
// written to a temp file and replaced with a head/tail excerpt plus a
// pointer note to the file.
func (e *Executor) truncate(callID, text string) string {
	if len(text) <= MaxResultChars {
		return text
	}

	path, err := writeOverflowFile(e.tempDir, callID, text)
	note := fmt.Sprintf("\n\n[output truncated, %d bytes total", len(text))
	if err == nil {
		note += fmt.Sprintf("; full output saved to %s]", path)
	} else {
		note += "]"
	}
	// Leave room for the note so the whole result stays within the cap.
	half := (MaxResultChars - len(note)) / 2
	head := text[:half]
	tail := text[len(text)-half:]
	return head + note + tail
}

func writeOverflowFile(dir, callID, text string) (string, error) {
	f, err := os.CreateTemp(dir, "tool-result-"+callID+"-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func toText(result map[string]any) string {
	if result == nil {
		return ""
	}
	if v, ok := result["text"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if v, ok := result["content"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fmt.Sprintf("%v", result)
}

func deniedResponse(id, reason string) message.ToolResponse {
	return message.ToolResponse{
		ID: id,
		Result: &message.ToolResult{
			Content: []message.ToolContent{{Text: fmt.Sprintf("The user has declined to run this tool: %s", reason)}},
			IsError: true,
		},
	}
}

func invalidArgsResponse(req message.ToolRequest) message.ToolResponse {
	msg := "invalid tool arguments"
	if req.Err != nil {
		msg = req.Err.Message
	}
	return message.ToolResponse{
		ID: req.ID,
		Result: &message.ToolResult{
			Content: []message.ToolContent{{Text: msg}},
			IsError: true,
		},
	}
}

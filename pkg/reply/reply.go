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

// Package reply implements the core reasoning loop (spec.md §4.1): a
// pull-based lazy sequence of AgentEvents produced from one user message,
// driving provider streaming, tool dispatch, and compaction recovery.
//
// The outer structure follows the teacher's Flow.Run (pkg/agent/llmagent/
// flow.go): an outer loop bounded by a turn cap, each turn running one
// preprocess → LLM call → postprocess → tool-dispatch step, with events
// yielded and persisted to the session as they're produced rather than
// accumulated in memory.
package reply

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/replyengine/pkg/compaction"
	"github.com/kadirpekel/replyengine/pkg/config"
	"github.com/kadirpekel/replyengine/pkg/dispatch"
	"github.com/kadirpekel/replyengine/pkg/elicitation"
	"github.com/kadirpekel/replyengine/pkg/extension"
	"github.com/kadirpekel/replyengine/pkg/message"
	"github.com/kadirpekel/replyengine/pkg/permission"
	"github.com/kadirpekel/replyengine/pkg/provider"
	"github.com/kadirpekel/replyengine/pkg/session"
	"github.com/kadirpekel/replyengine/pkg/telemetry"
	"github.com/kadirpekel/replyengine/pkg/tool"
)

// DefaultMaxTurns bounds a single reply's provider-call count (spec.md §5).
const DefaultMaxTurns = 1000

// MaxActionsMessage is emitted verbatim when the turn cap is hit (spec.md
// §8 scenario 3).
const MaxActionsMessage = "I've reached the maximum number of actions I can do without user input. Would you like me to continue?"

// EventKind distinguishes the four AgentEvent variants (spec.md §4.1).
type EventKind string

const (
	EventMessage         EventKind = "message"
	EventMcpNotification EventKind = "mcp_notification"
	EventModelChange     EventKind = "model_change"
	EventHistoryReplaced EventKind = "history_replaced"
)

// AgentEvent is the single union type yielded by Reply.
type AgentEvent struct {
	Kind EventKind

	// Message is populated for EventMessage (partial streaming deltas and
	// the final persisted message alike).
	Message *message.Message
	Partial bool

	// Extension/Text are populated for EventMcpNotification.
	Extension string
	Text      string

	// Model/IsLead are populated for EventModelChange.
	Model  string
	IsLead bool
}

// SlashCommand handles a `/command` preflight dispatch. Returning handled
// ==false falls through to a normal reply turn.
type SlashCommand func(ctx context.Context, loop *Loop, args string) (handled bool, notification string, err error)

// Loop owns everything one session's reply turns need.
type Loop struct {
	Provider   provider.LLM
	Session    *session.Session
	Extensions *extension.Manager
	Inspector  *permission.Inspector
	Confirm    *permission.ConfirmationChannel
	Executor   *dispatch.Executor
	Compactor  *compaction.Compactor

	SystemPrompt string
	// PlatformTools are always present regardless of extension state
	// (e.g. the sub-agent delegate tool, platform_manage_schedule).
	PlatformTools []tool.Tool
	// FrontendTools names tools the runtime hands to the UI instead of
	// dispatching itself.
	FrontendTools map[string]bool
	// HasFinalOutputTool is true when the active recipe declared a
	// response schema, enabling the synthetic final_output tool.
	HasFinalOutputTool bool
	// FinalOutputSchema is the recipe's declared response schema, checked
	// against a final_output call's arguments before it's accepted.
	FinalOutputSchema map[string]any
	// Retry configures the post-loop validation pass (spec.md §4.1a), run
	// once a turn produces no tool calls and no final-output tool is set.
	Retry *config.RetryConfig

	// FinalOutput holds the final_output tool's validated arguments once
	// dispatchTurn observes a CategoryFinalOutput call, so a sync
	// delegation (pkg/subagent.RunSync) can return the structured output
	// instead of the last assistant text (spec.md §4.4).
	FinalOutput map[string]any

	// Elicitations routes ActionRequired::Elicitation answers back to
	// whatever suspended on the request (spec.md §4.1 Preflight step 1).
	// Left nil, an elicitation-response turn is dropped rather than routed.
	Elicitations *elicitation.Manager

	// Metrics records turn/token counters when non-nil.
	Metrics *telemetry.Metrics

	ModelContextLimit int
	MaxTurns          int

	// SlashCommands maps a command name (without leading "/") to its
	// handler.
	SlashCommands map[string]SlashCommand

	// PlatformDispatch routes dispatch.CategoryPlatformSchedule calls
	// directly to the scheduler tool's Dispatch method. platform_manage_schedule
	// carries no "__" separator, so extension.Manager.CallTool (which splits
	// on it to find the owning extension) can never resolve it the way an
	// extension-prefixed tool like subagent__delegate can. Left nil, a
	// platform_manage_schedule call falls through to the generic extension
	// dispatch path and fails there instead.
	PlatformDispatch func(args map[string]any) (map[string]any, error)
}

func (l *Loop) maxTurns() int {
	if l.MaxTurns > 0 {
		return l.MaxTurns
	}
	return DefaultMaxTurns
}

// Reply runs the Preflight and Main loop for one plain-text user message,
// yielding AgentEvents as they occur. The sequence terminates when the loop
// exits (final response, max turns, cancellation, or a fatal error).
func (l *Loop) Reply(ctx context.Context, userText string) iter.Seq2[AgentEvent, error] {
	return l.ReplyContent(ctx, message.Text{Value: userText})
}

// ReplyContent runs the Preflight and Main loop for one user turn carried
// as arbitrary content items, rather than plain text. This is the entry
// point an elicitation response (an answered ActionRequired item) must use,
// since Reply can only construct a Text-content turn.
func (l *Loop) ReplyContent(ctx context.Context, content ...message.ContentItem) iter.Seq2[AgentEvent, error] {
	return func(yield func(AgentEvent, error) bool) {
		if handled, stop := l.preflight(ctx, content, yield); stop {
			return
		} else if handled {
			return
		}
		l.mainLoop(ctx, yield)
	}
}

// soleElicitationResponse reports whether content is a single answered
// ActionRequired::Elicitation item, spec.md §4.1 Preflight step 1's trigger
// for routing to the elicitation manager instead of running a normal turn.
func soleElicitationResponse(content []message.ContentItem) (message.ActionRequired, bool) {
	if len(content) != 1 {
		return message.ActionRequired{}, false
	}
	ar, ok := content[0].(message.ActionRequired)
	if !ok || ar.Kind != message.ActionRequiredElicitation || !ar.Answered {
		return message.ActionRequired{}, false
	}
	return ar, true
}

// elicitationID extracts the correlation id an ActionRequired::Elicitation
// item's Data carries, keying the pending request it answers.
func elicitationID(ar message.ActionRequired) string {
	if id, ok := ar.Data["id"].(string); ok {
		return id
	}
	return ""
}

// soleText reports whether content is a single plain-text item, the shape
// Reply's plain-string entry point always produces.
func soleText(content []message.ContentItem) (string, bool) {
	if len(content) != 1 {
		return "", false
	}
	t, ok := content[0].(message.Text)
	return t.Value, ok
}

// preflight implements spec.md §4.1 Preflight: elicitation-response
// routing, slash-command dispatch, persisting the user message, and the
// proactive-compaction check. Returns handled==true when the turn is fully
// satisfied here (an elicitation response was routed, or a slash command
// ran) and stop==true when a fatal error ended the sequence.
func (l *Loop) preflight(ctx context.Context, content []message.ContentItem, yield func(AgentEvent, error) bool) (handled, stop bool) {
	if ar, ok := soleElicitationResponse(content); ok {
		if l.Elicitations != nil {
			l.Elicitations.Resolve(elicitationID(ar), ar.Data)
		}
		return true, false
	}

	if userText, ok := soleText(content); ok {
		if cmd, args, ok := parseSlashCommand(userText); ok {
			handler, known := l.SlashCommands[cmd]
			if !known {
				notif := message.NewMessage(message.RoleAssistant, message.SystemNotification{
					Kind: message.SystemNotificationInline,
					Text: fmt.Sprintf("Unknown command: /%s", cmd),
				})
				notif.AgentVisible = false
				l.Session.AppendMessage(notif)
				return true, !yield(AgentEvent{Kind: EventMessage, Message: notif}, nil)
			}
			ran, notifText, err := handler(ctx, l, args)
			if err != nil {
				return true, !yield(AgentEvent{}, err)
			}
			if ran {
				if notifText != "" {
					notif := message.NewMessage(message.RoleAssistant, message.SystemNotification{
						Kind: message.SystemNotificationInline,
						Text: notifText,
					})
					notif.AgentVisible = false
					l.Session.AppendMessage(notif)
					return true, !yield(AgentEvent{Kind: EventMessage, Message: notif}, nil)
				}
				return true, false
			}
		}
	}

	l.Session.AppendMessage(message.NewMessage(message.RoleUser, content...))

	if l.Compactor != nil && l.ModelContextLimit > 0 && l.Compactor.ShouldCompact(l.Session.Conversation(), l.ModelContextLimit) {
		if stop := l.runCompaction(ctx, "Approaching the context window limit, summarizing the conversation so far...", yield); stop {
			return true, true
		}
	}

	return false, false
}

// runCompaction performs one compaction pass, emitting the three
// SystemNotification/HistoryReplaced events spec.md §4.1 Preflight step 4
// (proactive) and Main loop step 6 (reactive) both require: an inline
// banner, a thinking-indicator notification, then HistoryReplaced once the
// summary has landed.
func (l *Loop) runCompaction(ctx context.Context, startText string, yield func(AgentEvent, error) bool) (stop bool) {
	startMsg := message.NewMessage(message.RoleAssistant, message.SystemNotification{
		Kind: message.SystemNotificationInline,
		Text: startText,
	})
	startMsg.AgentVisible = false
	l.Session.AppendMessage(startMsg)
	if !yield(AgentEvent{Kind: EventMessage, Message: startMsg}, nil) {
		return true
	}

	thinkingMsg := message.NewMessage(message.RoleAssistant, message.SystemNotification{
		Kind: message.SystemNotificationThinking,
		Text: "Summarizing conversation history...",
	})
	thinkingMsg.AgentVisible = false
	l.Session.AppendMessage(thinkingMsg)
	if !yield(AgentEvent{Kind: EventMessage, Message: thinkingMsg}, nil) {
		return true
	}

	if _, err := l.Compactor.Compact(ctx, l.Session); err != nil {
		failMsg := message.NewMessage(message.RoleAssistant, message.Text{
			Value: "I ran into this error compacting, start a new session",
		})
		l.Session.AppendMessage(failMsg)
		yield(AgentEvent{Kind: EventMessage, Message: failMsg}, nil)
		return true
	}

	return !yield(AgentEvent{Kind: EventHistoryReplaced}, nil)
}

// mainLoop implements spec.md §4.1 Main loop.
func (l *Loop) mainLoop(ctx context.Context, yield func(AgentEvent, error) bool) {
	reactiveAttempts := 0
	retryAttempts := 0

	for turn := 0; ; turn++ {
		if ctx.Err() != nil {
			return
		}
		if turn >= l.maxTurns() {
			msg := message.NewMessage(message.RoleAssistant, message.Text{Value: MaxActionsMessage})
			l.Session.AppendMessage(msg)
			yield(AgentEvent{Kind: EventMessage, Message: msg}, nil)
			return
		}

		conv := message.FixConversation(l.Session.Conversation())
		extTools, lookupErrs := l.Extensions.ListTools(ctx, l.Session.AllowedExtensions)
		for _, lerr := range lookupErrs {
			// ExtensionLookup error kind: logged and dropped from the
			// catalog for this turn.
			slog.Warn("extension tool lookup failed", "error", lerr)
		}
		effectiveTools := dispatch.EffectiveTools(extTools, l.PlatformTools, nil, nil)

		toolDefs := make([]tool.Definition, 0, len(effectiveTools))
		for _, t := range effectiveTools {
			toolDefs = append(toolDefs, tool.ToDefinition(t))
		}

		systemPrompt := l.SystemPrompt
		if moim := l.moimBlock(ctx); moim != "" {
			systemPrompt += "\n\n" + moim
		}

		req := &provider.Request{
			SystemInstruction: systemPrompt,
			Messages:          conv.AgentView(),
			Tools:             toolDefs,
		}

		l.Metrics.IncTurnsActive()
		turnStart := time.Now()
		resp, err := l.streamOneTurn(ctx, req, yield)
		l.Metrics.DecTurnsActive()
		l.Metrics.RecordTurn(l.Provider.Name(), time.Since(turnStart))
		if err != nil {
			if errors.Is(err, provider.ErrContextLengthExceeded) && reactiveAttempts < compaction.MaxReactiveAttempts && l.Compactor != nil {
				reactiveAttempts++
				if stop := l.runCompaction(ctx, "That conversation got too long for the model's context window, summarizing and retrying...", yield); stop {
					return
				}
				turn-- // retry this turn without consuming the turn budget
				continue
			}
			errMsg := message.NewMessage(message.RoleAssistant, message.Text{Value: fmt.Sprintf("I ran into an error: %s", err)})
			l.Session.AppendMessage(errMsg)
			yield(AgentEvent{Kind: EventMessage, Message: errMsg}, nil)
			return
		}
		reactiveAttempts = 0

		l.Session.AppendMessage(resp.Message)
		if resp.Usage != nil {
			l.Session.AddUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			l.Metrics.RecordTokens(l.Provider.Name(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
		if !yield(AgentEvent{Kind: EventMessage, Message: resp.Message}, nil) {
			return
		}

		requests := resp.Message.ToolRequests()
		if len(requests) == 0 {
			if l.handleNoToolCalls(ctx, &retryAttempts, yield) {
				continue
			}
			return
		}

		finalOutputCalled, stop := l.dispatchTurn(ctx, requests, yield)
		if stop {
			return
		}
		if finalOutputCalled {
			return
		}
	}
}

// streamOneTurn drains one provider streaming call, forwarding partial
// chunks and ModelChange events, and returns the final aggregated
// Response.
func (l *Loop) streamOneTurn(ctx context.Context, req *provider.Request, yield func(AgentEvent, error) bool) (*provider.Response, error) {
	var final *provider.Response
	var streamErr error

	for resp, err := range l.Provider.StreamComplete(ctx, req) {
		if err != nil {
			streamErr = err
			break
		}
		if lw := l.Provider.AsLeadWorker(); lw != nil {
			if model, isLead := lw.ActiveModel(); model != "" {
				if !yield(AgentEvent{Kind: EventModelChange, Model: model, IsLead: isLead}, nil) {
					return nil, context.Canceled
				}
			}
		}
		if resp.Partial {
			if !yield(AgentEvent{Kind: EventMessage, Message: resp.Message, Partial: true}, nil) {
				return nil, context.Canceled
			}
			continue
		}
		final = resp
	}

	if streamErr != nil {
		return nil, streamErr
	}
	if final == nil {
		return nil, fmt.Errorf("reply: provider stream ended without a final response")
	}
	return final, nil
}

// moimBlock collects every extension's current MOIM snapshot into one
// text block injected into the system prompt for this turn.
func (l *Loop) moimBlock(ctx context.Context) string {
	snapshots := l.Extensions.MOIMSnapshots(ctx, l.Session.ID())
	if len(snapshots) == 0 {
		return ""
	}
	var sb strings.Builder
	for name, text := range snapshots {
		fmt.Fprintf(&sb, "[%s] %s\n", name, text)
	}
	return sb.String()
}

// dispatchTurn categorizes and dispatches a turn's tool requests, persists
// the resulting ToolResponse message, and reports whether a final-output
// tool call was observed (which terminates the loop).
func (l *Loop) dispatchTurn(ctx context.Context, requests []message.ToolRequest, yield func(AgentEvent, error) bool) (finalOutputCalled bool, stop bool) {
	var toDispatch []message.ToolRequest
	var content []message.ContentItem

	for _, req := range requests {
		if req.Call == nil {
			toDispatch = append(toDispatch, req)
			continue
		}
		cat := dispatch.Categorize(req.Call.Name, l.FrontendTools, l.HasFinalOutputTool)
		switch cat {
		case dispatch.CategoryFrontend:
			content = append(content, message.FrontendToolRequest{ID: req.ID, Call: req.Call})
		case dispatch.CategoryFinalOutput:
			if violation := validateFinalOutput(l.FinalOutputSchema, req.Call.Args); violation != "" {
				content = append(content, message.ToolResponse{
					ID: req.ID,
					Result: &message.ToolResult{
						Content: []message.ToolContent{{Text: "Invalid final output: " + violation}},
						IsError: true,
					},
				})
				continue
			}
			finalOutputCalled = true
			l.FinalOutput = req.Call.Args
			content = append(content, message.ToolResponse{
				ID: req.ID,
				Result: &message.ToolResult{
					Content: []message.ToolContent{{Text: "Final output recorded."}},
				},
			})
		case dispatch.CategoryPlatformSchedule:
			if l.PlatformDispatch == nil {
				toDispatch = append(toDispatch, req)
				continue
			}
			result, err := l.PlatformDispatch(req.Call.Args)
			content = append(content, platformResponse(req.ID, result, err))
		default:
			toDispatch = append(toDispatch, req)
		}
	}

	if len(toDispatch) > 0 {
		outcomes := l.Executor.DispatchAll(ctx, l.Session.ID(), toDispatch)
		for _, o := range outcomes {
			content = append(content, o.Response)
		}
	}

	if len(content) == 0 {
		return finalOutputCalled, false
	}

	responseMsg := message.NewMessage(message.RoleUser, content...)
	l.Session.AppendMessage(responseMsg)
	return finalOutputCalled, !yield(AgentEvent{Kind: EventMessage, Message: responseMsg}, nil)
}

// platformResponse converts a direct PlatformDispatch call's result into a
// ToolResponse, mirroring dispatch.Executor.callOne's error/text handling.
func platformResponse(callID string, result map[string]any, err error) message.ToolResponse {
	if err != nil {
		return message.ToolResponse{
			ID: callID,
			Result: &message.ToolResult{
				Content: []message.ToolContent{{Text: err.Error()}},
				IsError: true,
			},
		}
	}
	text := ""
	if v, ok := result["text"]; ok {
		if s, ok := v.(string); ok {
			text = s
		}
	}
	return message.ToolResponse{
		ID: callID,
		Result: &message.ToolResult{
			Content: []message.ToolContent{{Text: text}},
		},
	}
}

func parseSlashCommand(text string) (cmd, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	fields := strings.SplitN(text[1:], " ", 2)
	cmd = fields[0]
	if cmd == "" {
		return "", "", false
	}
	if len(fields) == 2 {
		args = fields[1]
	}
	return cmd, args, true
}

// CompactCommand is the built-in `/compact` slash command (spec.md §8
// scenario 5: manual compaction).
func CompactCommand(ctx context.Context, l *Loop, _ string) (bool, string, error) {
	if l.Compactor == nil {
		return true, "Compaction is not available for this session.", nil
	}
	if _, err := l.Compactor.Compact(ctx, l.Session); err != nil {
		return true, "", fmt.Errorf("compaction: %w", err)
	}
	return true, "Conversation compacted.", nil
}

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

// The composition root: builds a Runtime from CLI flags (provider,
// extensions, permission policy, scheduler, telemetry) and assembles
// reply.Loop instances from it, both for the root session and for every
// sub-agent delegation (summon.LoopFactory).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kadirpekel/replyengine/pkg/compaction"
	"github.com/kadirpekel/replyengine/pkg/config"
	"github.com/kadirpekel/replyengine/pkg/dispatch"
	"github.com/kadirpekel/replyengine/pkg/elicitation"
	"github.com/kadirpekel/replyengine/pkg/extension"
	"github.com/kadirpekel/replyengine/pkg/orchestrator"
	"github.com/kadirpekel/replyengine/pkg/permission"
	anthropicprovider "github.com/kadirpekel/replyengine/pkg/provider/anthropic"
	openaiprovider "github.com/kadirpekel/replyengine/pkg/provider/openai"

	"github.com/kadirpekel/replyengine/pkg/provider"
	"github.com/kadirpekel/replyengine/pkg/reply"
	"github.com/kadirpekel/replyengine/pkg/scheduler"
	"github.com/kadirpekel/replyengine/pkg/session"
	"github.com/kadirpekel/replyengine/pkg/subagent"
	"github.com/kadirpekel/replyengine/pkg/summon"
	"github.com/kadirpekel/replyengine/pkg/telemetry"
	"github.com/kadirpekel/replyengine/pkg/tool"
)

// modelContextLimits is a conservative per-model context window, used for
// proactive-compaction and retry-on-overflow decisions (spec.md §4.2).
var modelContextLimits = map[string]int{
	"claude-sonnet-4-5": 200_000,
	"claude-opus-4-1":   200_000,
	"claude-haiku-4-5":  200_000,
	"gpt-4o":            128_000,
	"gpt-4o-mini":       128_000,
}

func contextLimitFor(model string) int {
	if n, ok := modelContextLimits[model]; ok {
		return n
	}
	return 128_000
}

// Runtime bundles every component shared across every reply.Loop this
// process builds, root session and sub-agent delegations alike. A
// extension.Manager/dispatch.Executor pair is NOT shared: summon.Extension
// is bound to one particular session at construction (its discovery scans
// that session's working directory), so newLoop builds a fresh manager and
// executor per session rather than reusing one across the whole process.
type Runtime struct {
	CLI *CLI

	Provider  provider.LLM
	Model     string
	Inspector *permission.Inspector
	Confirm   *permission.ConfirmationChannel
	Compactor *compaction.Compactor
	Scheduler *scheduler.Scheduler
	Metrics   *telemetry.Metrics

	// mcpExt is the optional MCP extension shared read-only across every
	// session's extension manager; it holds no per-session state.
	mcpExt *extension.MCPExtension

	SubagentRegistry *subagent.Registry
	SubagentRunner   *subagent.Runner

	SystemPrompt       string
	Recipe             *config.Recipe
	HasFinalOutputTool bool

	// Orchestrator and OrchestratorSlots are non-nil only when --orchestrate
	// is set; every CLI entry point routes each user turn through them
	// before running loop.Reply (spec.md §4.5).
	Orchestrator      *orchestrator.Router
	OrchestratorSlots []orchestrator.AgentSlot

	Elicitations *elicitation.Manager

	tempDir string
}

// defaultOrchestratorSlots is the built-in routing catalog --orchestrate
// uses absent a richer, config-driven one: one slot with a general mode
// (no restrictions) and a coding mode that sets the session's tool groups
// to the developer group. The reply loop does not filter tools by tool
// group, so the coding mode does not narrow the tool catalog.
func defaultOrchestratorSlots() []orchestrator.AgentSlot {
	return []orchestrator.AgentSlot{
		{
			Name:        "assistant",
			Description: "general purpose coding and research assistant",
			DefaultMode: "general",
			Modes: []orchestrator.Mode{
				{
					Slug:        "general",
					Name:        "General",
					Description: "unrestricted conversational help",
					WhenToUse:   "default mode for requests that aren't clearly a coding task",
				},
				{
					Slug:        "coding",
					Name:        "Coding",
					Description: "focused software engineering work",
					WhenToUse:   "when the user asks to write, debug, run, or review code",
					ToolGroups:  []string{"developer"},
				},
			},
		},
	}
}

// routeTurn applies --orchestrate's routing decision to sess before a reply
// turn runs, restricting sess.ActiveToolGroups/AllowedExtensions per the
// chosen mode. A no-op when orchestration wasn't enabled.
func (rt *Runtime) routeTurn(ctx context.Context, sess *session.Session, userText string) {
	if rt.Orchestrator == nil {
		return
	}
	plan, err := rt.Orchestrator.Route(ctx, rt.Provider, userText)
	if err != nil {
		return
	}
	_ = orchestrator.Apply(sess, rt.OrchestratorSlots, plan)
}

// buildProvider constructs the selected provider.LLM from CLI flags.
func buildProvider(cli *CLI) (provider.LLM, string, error) {
	switch cli.Provider {
	case "", "anthropic":
		apiKey := cli.APIKey
		if apiKey == "" {
			apiKey = config.GetProviderAPIKey("anthropic")
		}
		model := cli.Model
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		p, err := anthropicprovider.New(anthropicprovider.Config{
			APIKey:    apiKey,
			BaseURL:   cli.BaseURL,
			Model:     model,
			MaxTokens: cli.MaxTokens,
		})
		return p, model, err
	case "openai":
		apiKey := cli.APIKey
		if apiKey == "" {
			apiKey = config.GetProviderAPIKey("openai")
		}
		model := cli.Model
		if model == "" {
			model = "gpt-4o"
		}
		p, err := openaiprovider.New(openaiprovider.Config{
			APIKey:  apiKey,
			BaseURL: cli.BaseURL,
			Model:   model,
		})
		return p, model, err
	default:
		return nil, "", fmt.Errorf("unknown provider %q (want anthropic or openai)", cli.Provider)
	}
}

// buildRuntime wires every package into one Runtime shared by the root
// session and every sub-agent delegation.
func buildRuntime(cli *CLI) (*Runtime, error) {
	llm, model, err := buildProvider(cli)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}

	subagentRegistry := subagent.NewRegistry()

	rt := &Runtime{
		CLI:              cli,
		Provider:         llm,
		Model:            model,
		Inspector:        permission.NewInspector(permission.DefaultPolicy()),
		Confirm:          permission.NewConfirmationChannel(),
		Compactor:        compaction.New(llm, model),
		SubagentRegistry: subagentRegistry,
		SubagentRunner:   subagent.NewRunner(subagentRegistry),
		Elicitations:     elicitation.New(),
		tempDir:          os.TempDir(),
	}

	if cli.Metrics {
		rt.Metrics = telemetry.New(&telemetry.Config{Enabled: true})
	}
	rt.Compactor.Metrics = rt.Metrics
	rt.SubagentRunner.Metrics = rt.Metrics

	if cli.Orchestrate {
		rt.OrchestratorSlots = defaultOrchestratorSlots()
		rt.Orchestrator = orchestrator.NewRouter(rt.OrchestratorSlots)
	}

	if cli.MCPURL != "" {
		mcpExt, err := extension.NewMCP(extension.MCPConfig{
			Name:      "mcp",
			Transport: extension.TransportStreamableHTTP,
			URL:       cli.MCPURL,
		})
		if err != nil {
			return nil, fmt.Errorf("mcp extension: %w", err)
		}
		rt.mcpExt = mcpExt
	}

	if cli.Recipe != "" {
		data, err := os.ReadFile(cli.Recipe)
		if err != nil {
			return nil, fmt.Errorf("recipe: %w", err)
		}
		recipe, err := config.ParseRecipe(cli.Recipe, data)
		if err != nil {
			return nil, fmt.Errorf("recipe: %w", err)
		}
		rt.Recipe = recipe
		rt.SystemPrompt = recipeSystemPrompt(recipe)
		rt.HasFinalOutputTool = recipe.Response != nil
	}

	rt.Scheduler = scheduler.New(&scheduledPromptExecutor{rt: rt}, 10*time.Second, 5)

	return rt, nil
}

// recipeSystemPrompt renders a loaded recipe's instructions into the
// reply loop's system prompt.
func recipeSystemPrompt(r *config.Recipe) string {
	prompt := r.Instructions
	if r.Description != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += r.Description
	}
	return prompt
}

// platformTools returns the tools always present regardless of extension
// state: the scheduler's management tool, plus the recipe's final_output
// tool when a response schema was declared.
func (rt *Runtime) platformTools() []tool.Tool {
	tools := []tool.Tool{scheduler.NewTool(rt.Scheduler)}
	if rt.HasFinalOutputTool {
		tools = append(tools, finalOutputTool{schema: rt.Recipe.Response})
	}
	return tools
}

// newLoop builds a reply.Loop bound to sess, with a fresh extension
// manager (MCP extension plus a summon extension bound to sess) and
// executor, so each session's delegate/load tools discover relative to
// that session's own working directory.
func (rt *Runtime) newLoop(sess *session.Session, systemPrompt string, maxTurns int, hasFinalOutputTool bool) *reply.Loop {
	extensions := extension.NewManager()
	if rt.mcpExt != nil {
		_ = extensions.Add(rt.mcpExt)
	}
	_ = extensions.Add(summon.NewExtension(sess, rt.SubagentRunner, rt.loopFactory()))

	var finalOutputSchema map[string]any
	var retryConfig *config.RetryConfig
	if rt.Recipe != nil {
		if hasFinalOutputTool {
			finalOutputSchema = rt.Recipe.Response
		}
		retryConfig = rt.Recipe.Retry
	}

	executor := dispatch.NewExecutor(extensions, rt.Inspector, rt.Confirm, rt.tempDir)
	executor.Metrics = rt.Metrics

	loop := &reply.Loop{
		Provider:           rt.Provider,
		Session:            sess,
		Extensions:         extensions,
		Inspector:          rt.Inspector,
		Confirm:            rt.Confirm,
		Executor:           executor,
		Compactor:          rt.Compactor,
		SystemPrompt:       systemPrompt,
		PlatformTools:      rt.platformTools(),
		HasFinalOutputTool: hasFinalOutputTool,
		FinalOutputSchema:  finalOutputSchema,
		Retry:              retryConfig,
		ModelContextLimit:  contextLimitFor(rt.Model),
		MaxTurns:           maxTurns,
		Elicitations:       rt.Elicitations,
		Metrics:            rt.Metrics,
		SlashCommands:      map[string]reply.SlashCommand{"compact": reply.CompactCommand},
		PlatformDispatch:   scheduler.NewTool(rt.Scheduler).Dispatch,
	}
	return loop
}

// loopFactory adapts newLoop into summon.LoopFactory, resolving each
// delegation's TaskConfig into a concrete max-turns policy (spec.md §4.4's
// provider/model/temperature precedence tiers were already applied by
// pkg/summon.applyPrecedence before this factory runs; this module's
// provider.LLM implementations are constructed once at startup rather than
// per-delegation, so a delegation always runs against the root provider
// regardless of TaskConfig.Provider/Model — recorded as an Open Question
// decision in DESIGN.md).
func (rt *Runtime) loopFactory() summon.LoopFactory {
	return func(cfg summon.TaskConfig, childSession *session.Session) (*reply.Loop, error) {
		maxTurns := cfg.MaxTurns
		if maxTurns <= 0 {
			maxTurns = config.SubagentMaxTurns()
		}
		return rt.newLoop(childSession, "", maxTurns, false), nil
	}
}

// scheduledPromptExecutor implements scheduler.Executor by running a
// scheduled task's prompt through a fresh, hidden child session to
// completion.
type scheduledPromptExecutor struct {
	rt *Runtime
}

func (e *scheduledPromptExecutor) Execute(ctx context.Context, task *scheduler.Task) (string, error) {
	sess := session.New("", session.TypeHidden, "")
	loop := e.rt.newLoop(sess, e.rt.SystemPrompt, 0, e.rt.HasFinalOutputTool)
	result, err := e.rt.SubagentRunner.RunSync(ctx, loop, task.Prompt)
	if e.rt.Metrics != nil {
		e.rt.Metrics.RecordScheduledRun(err == nil)
	}
	return result, err
}

// finalOutputTool is the synthetic tool a recipe's declared response
// schema enables. Its Call method is unreachable in normal operation:
// dispatch.CategoryFinalOutput is handled directly inside
// pkg/reply.Loop.dispatchTurn, the same way platform_manage_schedule is,
// since neither tool name carries the "__" separator
// extension.Manager.CallTool requires to route a call. The type exists so
// the tool is still offered to the model with its schema via
// tool.ToDefinition.
type finalOutputTool struct {
	schema map[string]any
}

func (t finalOutputTool) Name() string          { return "final_output" }
func (t finalOutputTool) Description() string   { return "Submit the final structured response for this recipe." }
func (t finalOutputTool) IsLongRunning() bool    { return false }
func (t finalOutputTool) RequiresApproval() bool { return false }
func (t finalOutputTool) Schema() map[string]any { return t.schema }
func (t finalOutputTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	return args, nil
}

var _ tool.CallableTool = finalOutputTool{}

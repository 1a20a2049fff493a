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

// Command replyengine is the CLI for the reply engine runtime.
//
// Usage:
//
//	replyengine chat --provider anthropic --model claude-sonnet-4-5
//	replyengine chat --recipe ./recipes/digest.yaml
//	replyengine run --prompt "summarize this" --recipe ./recipes/digest.yaml
//	replyengine serve --metrics --metrics-addr :9090
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/replyengine/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Chat    ChatCmd    `cmd:"" help:"Start an interactive chat session."`
	Run     RunCmd     `cmd:"" help:"Execute a single reply turn against stdin or --prompt."`
	Serve   ServeCmd   `cmd:"" help:"Run the scheduler and metrics endpoint."`

	Provider    string  `help:"LLM provider (anthropic, openai)." default:"anthropic"`
	Model       string  `help:"Model name."`
	APIKey      string  `name:"api-key" help:"Provider API key (defaults to ANTHROPIC_API_KEY/OPENAI_API_KEY)."`
	BaseURL     string  `name:"base-url" help:"Custom API base URL."`
	Temperature float64 `help:"Sampling temperature." default:"0.7"`
	MaxTokens   int     `name:"max-tokens" help:"Max tokens per completion." default:"4096"`

	Recipe string `help:"Path to a recipe file (YAML or TOML) providing the system prompt, response schema, and retry checks. The recipe's extensions list is not read." type:"path"`
	MCPURL string `name:"mcp-url" help:"MCP server URL to register as an extension (connected with the SSE client)."`

	MaxTurns int `name:"max-turns" help:"Override the reply loop's per-message turn cap (0 = default)."`

	SessionDir string `name:"session-dir" help:"Directory holding durable per-session JSON documents. Empty disables persistence (session lives in memory only)." type:"path"`
	Resume     string `help:"Resume a chat session by id, loading its conversation from --session-dir."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`

	Metrics bool `help:"Enable Prometheus metrics collection."`

	Orchestrate bool `help:"Route each user turn through the orchestrator before replying, setting the session's tool groups and allowed extensions from its chosen mode. Only the allowed extensions narrow the offered tools."`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("replyengine version %s\n", version)
	return nil
}

func main() {
	_ = config.LoadEnvFiles()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("replyengine"),
		kong.Description("An LLM agent runtime: reply loop, tool dispatch, sub-agent delegation, and scheduled recipes."),
	)

	if err := initLogging(cli.LogLevel, cli.LogFile, cli.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	if err := kctx.Run(ctx, &cli); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

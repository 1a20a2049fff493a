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

package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/replyengine/pkg/tool"
)

// MCPTransport selects how an MCPExtension reaches its server. A config
// with a Command (or TransportStdio) uses the stdio client; every other
// config, TransportStreamableHTTP included, is connected to URL with the
// SSE client.
type MCPTransport string

const (
	TransportStdio           MCPTransport = "stdio"
	TransportSSE             MCPTransport = "sse"
	TransportStreamableHTTP  MCPTransport = "streamable-http"
)

// MCPConfig configures an MCP-backed extension.
type MCPConfig struct {
	Name      string
	Transport MCPTransport

	// stdio transport
	Command string
	Args    []string
	Env     map[string]string

	// sse / streamable-http transport
	URL string

	Filter []string
}

// MCPExtension is an Extension backed by an MCP server, connected lazily on
// first ListTools call.
type MCPExtension struct {
	cfg       MCPConfig
	filterSet map[string]bool

	mu        sync.Mutex
	client    *client.Client
	connected bool
	tools     []tool.Tool
}

// NewMCP creates a lazily-connecting MCP extension.
func NewMCP(cfg MCPConfig) (*MCPExtension, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcp extension: name is required")
	}
	if cfg.Command == "" && cfg.URL == "" {
		return nil, fmt.Errorf("mcp extension %q: either command or url is required", cfg.Name)
	}
	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, n := range cfg.Filter {
			filterSet[n] = true
		}
	}
	return &MCPExtension{cfg: cfg, filterSet: filterSet}, nil
}

func (e *MCPExtension) Name() string { return e.cfg.Name }

func (e *MCPExtension) Info() Info {
	return Info{Name: e.cfg.Name, Version: "1.0", Capabilities: []string{"tools"}}
}

func (e *MCPExtension) ensureConnected(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected {
		return nil
	}

	var mcpClient *client.Client
	var err error
	if e.cfg.Transport == TransportStdio || e.cfg.Command != "" {
		mcpClient, err = client.NewStdioMCPClient(e.cfg.Command, envSlice(e.cfg.Env), e.cfg.Args...)
	} else {
		mcpClient, err = client.NewSSEMCPClient(e.cfg.URL)
	}
	if err != nil {
		return fmt.Errorf("mcp extension %q: create client: %w", e.cfg.Name, err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("mcp extension %q: start: %w", e.cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "replyengine", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("mcp extension %q: initialize: %w", e.cfg.Name, err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("mcp extension %q: list tools: %w", e.cfg.Name, err)
	}

	var tools []tool.Tool
	for _, mt := range listResp.Tools {
		if e.filterSet != nil && !e.filterSet[mt.Name] {
			continue
		}
		tools = append(tools, &mcpTool{ext: e, name: mt.Name, desc: mt.Description, schema: convertSchema(mt.InputSchema)})
	}

	e.client = mcpClient
	e.tools = tools
	e.connected = true

	slog.Info("connected to mcp extension", "name", e.cfg.Name, "tools", len(tools))
	return nil
}

func (e *MCPExtension) ListTools(ctx context.Context) ([]tool.Tool, error) {
	if err := e.ensureConnected(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tools, nil
}

func (e *MCPExtension) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	if err := e.ensureConnected(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	c := e.client
	e.mu.Unlock()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp extension %q: call %s: %w", e.cfg.Name, name, err)
	}

	result := map[string]any{}
	if resp.IsError {
		result["error"] = firstText(resp.Content, "unknown error")
		return result, nil
	}
	var texts []string
	for _, c := range resp.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
	return result, nil
}

// MOIM returns "" — a generic MCP server has no free-form per-turn context
// of its own; extensions that want one (e.g. the summon extension) embed it
// directly rather than through this generic wrapper.
func (e *MCPExtension) MOIM(ctx context.Context, sessionID string) string { return "" }

func (e *MCPExtension) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	e.connected = false
	e.tools = nil
	return err
}

func envSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func firstText(content []mcp.Content, fallback string) string {
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return fallback
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// mcpTool adapts one MCP server tool to tool.CallableTool.
type mcpTool struct {
	ext    *MCPExtension
	name   string
	desc   string
	schema map[string]any
}

func (t *mcpTool) Name() string             { return t.name }
func (t *mcpTool) Description() string      { return t.desc }
func (t *mcpTool) IsLongRunning() bool      { return false }
func (t *mcpTool) RequiresApproval() bool   { return false }
func (t *mcpTool) Schema() map[string]any   { return t.schema }

func (t *mcpTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	return t.ext.CallTool(ctx, t.name, args)
}

var (
	_ Extension         = (*MCPExtension)(nil)
	_ tool.CallableTool = (*mcpTool)(nil)
)

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

// Package anthropic implements provider.LLM against the Anthropic Messages
// API. Tool calls and tool results are paired the way Anthropic's content
// blocks require: tool_use blocks live on assistant turns, tool_result
// blocks on the following user turn, which is exactly how pkg/message
// authors them.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kadirpekel/replyengine/pkg/message"
	"github.com/kadirpekel/replyengine/pkg/provider"
	"github.com/kadirpekel/replyengine/pkg/tool"
)

const (
	defaultModel      = "claude-sonnet-4-20250514"
	defaultMaxTokens  = 4096
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// Config configures a Provider.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	MaxRetries   int
	RetryDelay   time.Duration
}

// Provider implements provider.LLM for Anthropic Claude models.
type Provider struct {
	client     anthropic.Client
	model      string
	maxTokens  int
	maxRetries int
	retryDelay time.Duration
}

// New builds a Provider from cfg, applying documented defaults for any
// zero-valued optional field.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	return &Provider{
		client:     anthropic.NewClient(opts...),
		model:      model,
		maxTokens:  maxTokens,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}, nil
}

func (p *Provider) Name() string         { return "anthropic" }
func (p *Provider) Kind() provider.Kind  { return provider.KindAnthropic }
func (p *Provider) AsLeadWorker() provider.LeadWorker { return nil }
func (p *Provider) Close() error         { return nil }

// Complete issues a single non-streaming request.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var resp *anthropic.Message
	for attempt := 0; ; attempt++ {
		resp, err = p.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		wrapped := p.wrapError(err)
		if attempt >= p.maxRetries || !isRetryable(err) {
			return nil, wrapped
		}
		if werr := p.sleepBackoff(ctx, attempt); werr != nil {
			return nil, werr
		}
	}

	return p.toResponse(resp), nil
}

// CompleteFast aliases Complete; Anthropic has no distinct cheap-completion
// endpoint, unlike providers that route lead/worker calls to different
// models (see LeadWorker).
func (p *Provider) CompleteFast(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return p.Complete(ctx, req)
}

// StreamComplete yields partial text deltas followed by one final
// aggregated Response (thinking appears only in that final Response), mirroring Anthropic's content_block_start/delta/stop
// event sequence.
func (p *Provider) StreamComplete(ctx context.Context, req *provider.Request) iter.Seq2[*provider.Response, error] {
	return func(yield func(*provider.Response, error) bool) {
		params, err := p.buildParams(req)
		if err != nil {
			yield(nil, err)
			return
		}

		stream := p.client.Messages.NewStreaming(ctx, params)

		var text strings.Builder
		var thinking strings.Builder
		var thinkingSig strings.Builder
		var toolCalls []tool.Call
		var curToolID, curToolName string
		var curToolInput strings.Builder
		inTool := false
		var usage provider.Usage
		finish := provider.FinishStop

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				ms := event.AsMessageStart()
				usage.PromptTokens = int(ms.Message.Usage.InputTokens)
			case "content_block_start":
				cb := event.AsContentBlockStart().ContentBlock
				if cb.Type == "tool_use" {
					tu := cb.AsToolUse()
					curToolID, curToolName = tu.ID, tu.Name
					curToolInput.Reset()
					inTool = true
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						text.WriteString(delta.Text)
						if !yield(&provider.Response{
							Message: message.NewMessage(message.RoleAssistant, message.Text{Value: delta.Text}),
							Partial: true,
						}, nil) {
							return
						}
					}
				case "thinking_delta":
					thinking.WriteString(delta.Thinking)
				case "signature_delta":
					thinkingSig.WriteString(delta.Signature)
				case "input_json_delta":
					curToolInput.WriteString(delta.PartialJSON)
				}
			case "content_block_stop":
				if inTool {
					var args map[string]any
					if curToolInput.Len() > 0 {
						_ = json.Unmarshal([]byte(curToolInput.String()), &args)
					}
					toolCalls = append(toolCalls, tool.Call{ID: curToolID, Name: curToolName, Args: args})
					inTool = false
					finish = provider.FinishToolCalls
				}
			case "message_delta":
				md := event.AsMessageDelta()
				if md.Usage.OutputTokens > 0 {
					usage.CompletionTokens = int(md.Usage.OutputTokens)
				}
				if stop := md.Delta.StopReason; stop == "max_tokens" {
					finish = provider.FinishLength
				}
			case "error":
				yield(nil, p.wrapError(errors.New("anthropic: stream error")))
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(nil, p.wrapError(err))
			return
		}

		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		content := []message.ContentItem{}
		if text.Len() > 0 {
			content = append(content, message.Text{Value: text.String()})
		}
		if thinking.Len() > 0 {
			content = append(content, message.Thinking{Text: thinking.String(), Signature: thinkingSig.String()})
		}
		for _, tc := range toolCalls {
			tcCopy := tc
			content = append(content, message.ToolRequest{ID: tc.ID, Call: &message.ToolCall{Name: tcCopy.Name, Args: tcCopy.Args}})
		}

		yield(&provider.Response{
			Message:      message.NewMessage(message.RoleAssistant, content...),
			ToolCalls:    toolCalls,
			Partial:      false,
			Usage:        &usage,
			FinishReason: finish,
		}, nil)
	}
}

func (p *Provider) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := time.Duration(float64(p.retryDelay) * math.Pow(2, float64(attempt)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}

func (p *Provider) buildParams(req *provider.Request) (anthropic.MessageNewParams, error) {
	msgs, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}
	maxTokens := p.maxTokens
	if req.Config != nil && req.Config.MaxTokens != nil {
		maxTokens = *req.Config.MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemInstruction != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemInstruction}}
	}
	if req.Config != nil && req.Config.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Config.Temperature)
	}
	if req.Config != nil && len(req.Config.StopSequences) > 0 {
		params.StopSequences = req.Config.StopSequences
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// convertMessages flattens our ContentItem union onto Anthropic's content
// block array. ToolResponse items are authored RoleUser by convention
// (pkg/message), which is exactly where Anthropic expects tool_result
// blocks to live.
func (p *Provider) convertMessages(msgs []*message.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, m := range msgs {
		if !m.AgentVisible {
			continue
		}
		var blocks []anthropic.ContentBlockParamUnion
		for _, c := range m.Content {
			switch v := c.(type) {
			case message.Text:
				if v.Value != "" {
					blocks = append(blocks, anthropic.NewTextBlock(v.Value))
				}
			case message.Thinking:
				// Re-supplied verbatim, signature included, so multi-turn
				// signature verification keeps working.
				blocks = append(blocks, anthropic.NewThinkingBlock(v.Signature, v.Text))
			case message.ToolRequest:
				if v.Call == nil {
					continue
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(v.ID, v.Call.Args, v.Call.Name))
			case message.ToolResponse:
				text, isErr := toolResponseText(v)
				blocks = append(blocks, anthropic.NewToolResultBlock(v.ID, text, isErr))
			case message.Image:
				blocks = append(blocks, anthropic.NewImageBlockBase64(v.MimeType, v.Base64Data))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == message.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func toolResponseText(v message.ToolResponse) (string, bool) {
	if v.Err != nil {
		return v.Err.Message, true
	}
	if v.Result == nil {
		return "", false
	}
	var sb strings.Builder
	for _, c := range v.Result.Content {
		sb.WriteString(c.Text)
	}
	return sb.String(), v.Result.IsError
}

func (p *Provider) convertTools(tools []tool.Definition) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		schemaBytes, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schemaBytes, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

func (p *Provider) toResponse(resp *anthropic.Message) *provider.Response {
	var content []message.ContentItem
	var toolCalls []tool.Call
	finish := provider.FinishStop

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content = append(content, message.Text{Value: block.Text})
		case "thinking":
			content = append(content, message.Thinking{Text: block.Thinking, Signature: block.Signature})
		case "redacted_thinking":
			content = append(content, message.RedactedThinking{Blob: block.Data})
		case "tool_use":
			var args map[string]any
			_ = json.Unmarshal(block.Input, &args)
			tc := tool.Call{ID: block.ID, Name: block.Name, Args: args}
			toolCalls = append(toolCalls, tc)
			content = append(content, message.ToolRequest{ID: tc.ID, Call: &message.ToolCall{Name: tc.Name, Args: tc.Args}})
			finish = provider.FinishToolCalls
		}
	}
	if string(resp.StopReason) == "max_tokens" {
		finish = provider.FinishLength
	}

	usage := &provider.Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return &provider.Response{
		Message:      message.NewMessage(message.RoleAssistant, content...),
		ToolCalls:    toolCalls,
		Partial:      false,
		Usage:        usage,
		FinishReason: finish,
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "EOF")
}

// wrapError maps context-length errors onto the one sentinel the reply loop
// reacts to, and leaves everything else as a plain wrapped error.
func (p *Provider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 400 && strings.Contains(strings.ToLower(apiErr.RawJSON()), "context") {
			return fmt.Errorf("%w: %s", provider.ErrContextLengthExceeded, apiErr.Error())
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "prompt is too long") {
		return fmt.Errorf("%w: %s", provider.ErrContextLengthExceeded, err.Error())
	}
	return fmt.Errorf("anthropic: %w", err)
}

var _ provider.LLM = (*Provider)(nil)

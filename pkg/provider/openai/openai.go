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

// Package openai implements provider.LLM against the OpenAI chat completions
// API. Unlike Anthropic, OpenAI keeps tool calls and tool results as
// separate message items (assistant tool_calls, then one "tool" message per
// result) rather than pairing them inside shared content blocks.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kadirpekel/replyengine/pkg/message"
	"github.com/kadirpekel/replyengine/pkg/provider"
	"github.com/kadirpekel/replyengine/pkg/tool"
)

const (
	defaultModel      = "gpt-4o"
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// Config configures a Provider.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
}

// Provider implements provider.LLM for OpenAI chat models.
type Provider struct {
	client     *openai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// New builds a Provider from cfg.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
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
		client:     openai.NewClientWithConfig(clientCfg),
		model:      model,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}, nil
}

func (p *Provider) Name() string                       { return "openai" }
func (p *Provider) Kind() provider.Kind                { return provider.KindOpenAI }
func (p *Provider) AsLeadWorker() provider.LeadWorker   { return nil }
func (p *Provider) Close() error                       { return nil }

func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	chatReq, err := p.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	var resp openai.ChatCompletionResponse
	for attempt := 0; ; attempt++ {
		resp, err = p.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			break
		}
		if attempt >= p.maxRetries || !isRetryable(err) {
			return nil, p.wrapError(err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.retryDelay * time.Duration(attempt+1)):
		}
	}
	return toResponse(resp), nil
}

// CompleteFast aliases Complete; OpenAI has no separate cheap-completion
// endpoint in this adapter.
func (p *Provider) CompleteFast(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return p.Complete(ctx, req)
}

func (p *Provider) StreamComplete(ctx context.Context, req *provider.Request) iter.Seq2[*provider.Response, error] {
	return func(yield func(*provider.Response, error) bool) {
		chatReq, err := p.buildRequest(req, true)
		if err != nil {
			yield(nil, err)
			return
		}

		var stream *openai.ChatCompletionStream
		for attempt := 0; ; attempt++ {
			stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
			if err == nil {
				break
			}
			if attempt >= p.maxRetries || !isRetryable(err) {
				yield(nil, p.wrapError(err))
				return
			}
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case <-time.After(p.retryDelay * time.Duration(attempt+1)):
			}
		}
		defer stream.Close()

		var text strings.Builder
		toolCalls := map[int]*tool.Call{}
		var usage provider.Usage
		finish := provider.FinishStop

		for {
			chunk, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				yield(nil, p.wrapError(err))
				return
			}
			if chunk.Usage != nil {
				usage.PromptTokens = chunk.Usage.PromptTokens
				usage.CompletionTokens = chunk.Usage.CompletionTokens
				usage.TotalTokens = chunk.Usage.TotalTokens
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				if !yield(&provider.Response{
					Message: message.NewMessage(message.RoleAssistant, message.Text{Value: choice.Delta.Content}),
					Partial: true,
				}, nil) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				cur, ok := toolCalls[idx]
				if !ok {
					cur = &tool.Call{}
					toolCalls[idx] = cur
				}
				if tc.ID != "" {
					cur.ID = tc.ID
				}
				if tc.Function.Name != "" {
					cur.Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					if cur.Args == nil {
						cur.Args = map[string]any{"__raw": ""}
					}
					cur.Args["__raw"] = cur.Args["__raw"].(string) + tc.Function.Arguments
				}
			}
			switch choice.FinishReason {
			case openai.FinishReasonToolCalls:
				finish = provider.FinishToolCalls
			case openai.FinishReasonLength:
				finish = provider.FinishLength
			}
		}

		var calls []tool.Call
		var content []message.ContentItem
		if text.Len() > 0 {
			content = append(content, message.Text{Value: text.String()})
		}
		for _, idx := range sortedIndices(toolCalls) {
			tc := toolCalls[idx]
			args := parseToolArgs(tc.Args)
			call := tool.Call{ID: tc.ID, Name: tc.Name, Args: args}
			calls = append(calls, call)
			content = append(content, message.ToolRequest{ID: call.ID, Call: &message.ToolCall{Name: call.Name, Args: call.Args}})
		}

		yield(&provider.Response{
			Message:      message.NewMessage(message.RoleAssistant, content...),
			ToolCalls:    calls,
			Partial:      false,
			Usage:        &usage,
			FinishReason: finish,
		}, nil)
	}
}

func sortedIndices(m map[int]*tool.Call) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func parseToolArgs(raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	s, ok := raw["__raw"].(string)
	if !ok || s == "" {
		return nil
	}
	var args map[string]any
	_ = json.Unmarshal([]byte(s), &args)
	return args
}

func (p *Provider) buildRequest(req *provider.Request, stream bool) (openai.ChatCompletionRequest, error) {
	messages, err := convertMessages(req.Messages, req.SystemInstruction)
	if err != nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("openai: convert messages: %w", err)
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   stream,
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.Config != nil {
		if req.Config.MaxTokens != nil {
			chatReq.MaxTokens = *req.Config.MaxTokens
		}
		if req.Config.Temperature != nil {
			chatReq.Temperature = float32(*req.Config.Temperature)
		}
		if req.Config.TopP != nil {
			chatReq.TopP = float32(*req.Config.TopP)
		}
		if len(req.Config.StopSequences) > 0 {
			chatReq.Stop = req.Config.StopSequences
		}
		if req.Config.ResponseSchema != nil {
			chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
		}
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}
	return chatReq, nil
}

// convertMessages flattens our ContentItem union into OpenAI's separate
// assistant-tool_calls / tool-role-message shape.
func convertMessages(msgs []*message.Message, system string) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		if !m.AgentVisible {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.Role == message.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}

		var textParts []string
		var toolCalls []openai.ToolCall
		var toolMsgs []openai.ChatCompletionMessage

		for _, c := range m.Content {
			switch v := c.(type) {
			case message.Text:
				if v.Value != "" {
					textParts = append(textParts, v.Value)
				}
			case message.ToolRequest:
				if v.Call == nil {
					continue
				}
				argsJSON, err := json.Marshal(v.Call.Args)
				if err != nil {
					return nil, fmt.Errorf("marshal tool call args: %w", err)
				}
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   v.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      v.Call.Name,
						Arguments: string(argsJSON),
					},
				})
			case message.ToolResponse:
				text, _ := toolResponseText(v)
				toolMsgs = append(toolMsgs, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    text,
					ToolCallID: v.ID,
				})
			}
		}

		if len(textParts) > 0 || len(toolCalls) > 0 {
			out = append(out, openai.ChatCompletionMessage{
				Role:      role,
				Content:   strings.Join(textParts, ""),
				ToolCalls: toolCalls,
			})
		}
		out = append(out, toolMsgs...)
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

func convertTools(tools []tool.Definition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func toResponse(resp openai.ChatCompletionResponse) *provider.Response {
	var content []message.ContentItem
	var calls []tool.Call
	finish := provider.FinishStop

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			content = append(content, message.Text{Value: choice.Message.Content})
		}
		for _, tc := range choice.Message.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			call := tool.Call{ID: tc.ID, Name: tc.Function.Name, Args: args}
			calls = append(calls, call)
			content = append(content, message.ToolRequest{ID: call.ID, Call: &message.ToolCall{Name: call.Name, Args: call.Args}})
		}
		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			finish = provider.FinishToolCalls
		case openai.FinishReasonLength:
			finish = provider.FinishLength
		}
	}

	return &provider.Response{
		Message:   message.NewMessage(message.RoleAssistant, content...),
		ToolCalls: calls,
		Partial:   false,
		Usage: &provider.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: finish,
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "EOF")
}

func (p *Provider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == "context_length_exceeded" || strings.Contains(strings.ToLower(apiErr.Message), "maximum context length") {
			return fmt.Errorf("%w: %s", provider.ErrContextLengthExceeded, apiErr.Message)
		}
	}
	return fmt.Errorf("openai: %w", err)
}

var _ provider.LLM = (*Provider)(nil)

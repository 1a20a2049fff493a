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

// Package provider defines the external LLM provider contract (§6): a
// unified complete/stream_complete surface over iter.Seq2, the
// ContextLengthExceeded signal the reply loop reacts to, and the
// lead-worker view used for model-switch events.
package provider

import (
	"context"
	"errors"
	"iter"

	"github.com/kadirpekel/replyengine/pkg/message"
	"github.com/kadirpekel/replyengine/pkg/tool"
)

// Kind identifies the LLM provider family. Each provider package formats
// tool traffic itself: Anthropic puts tool_use blocks on the assistant turn
// and tool_result blocks on the following user turn; OpenAI sends each
// tool result as its own tool-role message.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindUnknown   Kind = "unknown"
)

// ErrContextLengthExceeded is the only first-class provider error the core
// loop reacts to (§7 ProviderContextLengthExceeded); it triggers compaction
// and a bounded retry.
var ErrContextLengthExceeded = errors.New("provider: context length exceeded")

// GenerateConfig is per-call generation configuration.
type GenerateConfig struct {
	Temperature    *float64
	MaxTokens      *int
	TopP           *float64
	StopSequences  []string

	// ResponseSchema, when set, requests structured output conforming to
	// this JSON schema (used for the final-output tool's argument shape).
	ResponseSchema map[string]any
}

// Request is the input to a single provider call.
type Request struct {
	SystemInstruction string
	Messages          []*message.Message
	Tools             []tool.Definition
	Config            *GenerateConfig
}

// Usage is per-call token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// Response is one chunk yielded by StreamComplete. Partial==true marks a
// streaming delta for real-time display; the final chunk has Partial==false
// and carries the aggregated content plus usage, for session persistence.
type Response struct {
	Message      *message.Message
	ToolCalls    []tool.Call
	Partial      bool
	Usage        *Usage
	FinishReason FinishReason
}

// LeadWorker is the optional view a lead-worker provider exposes so the
// reply loop can emit ModelChange events.
type LeadWorker interface {
	ActiveModel() (model string, isLead bool)
}

// LLM is the provider contract consumed by the reply loop and compactor.
type LLM interface {
	Name() string
	Kind() Kind

	// Complete is the non-streaming call; the built-in providers'
	// CompleteFast delegates to it.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// CompleteFast is an optional cheaper variant for compaction; providers
	// that have none just alias Complete.
	CompleteFast(ctx context.Context, req *Request) (*Response, error)

	// StreamComplete yields partial responses followed by one final
	// aggregated Response. Errors surfaced through the sequence include
	// ErrContextLengthExceeded as a sentinel (errors.Is).
	StreamComplete(ctx context.Context, req *Request) iter.Seq2[*Response, error]

	// AsLeadWorker returns a LeadWorker view, or nil if this provider
	// doesn't route between models.
	AsLeadWorker() LeadWorker

	Close() error
}

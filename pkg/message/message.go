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

// Package message defines the conversation model: messages, their tagged
// content variants, and the conversation-fixup invariants enforced before
// every provider call.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Role identifies the sender of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a conversation.
type Message struct {
	ID        string
	Role      Role
	Timestamp int64
	Content   []ContentItem

	// AgentVisible controls whether this message is rendered into the
	// provider-facing conversation. Defaults to true.
	AgentVisible bool

	// UserVisible controls whether this message is shown to the end user.
	// Defaults to true.
	UserVisible bool
}

// NewMessage creates a Message visible to both the agent and the user.
func NewMessage(role Role, content ...ContentItem) *Message {
	return &Message{
		ID:           uuid.NewString(),
		Role:         role,
		Content:      content,
		AgentVisible: true,
		UserVisible:  true,
	}
}

// Text returns the concatenation of every Text content item in the message.
func (m *Message) Text() string {
	var out string
	for _, c := range m.Content {
		if t, ok := c.(Text); ok {
			out += t.Value
		}
	}
	return out
}

// ToolRequests returns every ToolRequest item carried by the message.
func (m *Message) ToolRequests() []ToolRequest {
	var out []ToolRequest
	for _, c := range m.Content {
		if tr, ok := c.(ToolRequest); ok {
			out = append(out, tr)
		}
	}
	return out
}

// ToolResponses returns every ToolResponse item carried by the message.
func (m *Message) ToolResponses() []ToolResponse {
	var out []ToolResponse
	for _, c := range m.Content {
		if tr, ok := c.(ToolResponse); ok {
			out = append(out, tr)
		}
	}
	return out
}

// ContentItem is the tagged union of everything a Message can carry.
// Implementations are intentionally small, owned value types; callers
// switch on the concrete type.
type ContentItem interface {
	isContentItem()
}

// Text is plain natural-language content.
type Text struct {
	Value string
}

// Image is inline image content.
type Image struct {
	MimeType   string
	Base64Data string
}

// ToolCall is the name+argument pair an assistant turn requests.
type ToolCall struct {
	Name string
	Args map[string]any
}

// ErrorData describes a failed tool request or response at the provider
// boundary.
type ErrorData struct {
	Code    string
	Message string
}

// ToolRequest is the assistant-side request to invoke a tool. Call is
// populated on success; Err is populated when the model's tool call itself
// could not be parsed.
type ToolRequest struct {
	ID   string
	Call *ToolCall
	Err  *ErrorData
}

// ToolContent is one piece of a tool's output (text today; kept as its own
// type for parity with richer provider content blocks).
type ToolContent struct {
	Text string
}

// ToolResult is the successful payload of a ToolResponse.
type ToolResult struct {
	Content []ToolContent
	IsError bool
}

// ToolResponse is authored with RoleUser by convention, even when
// synthesized by the runtime (declines, dispatch failures).
type ToolResponse struct {
	ID     string
	Result *ToolResult
	Err    *ErrorData
}

// ActionRequiredKind distinguishes the two action-required variants.
type ActionRequiredKind string

const (
	ActionRequiredToolConfirmation ActionRequiredKind = "tool_confirmation"
	ActionRequiredElicitation      ActionRequiredKind = "elicitation"
)

// ActionRequired represents a pending decision the user must make before
// the loop can continue.
type ActionRequired struct {
	Kind ActionRequiredKind
	Data map[string]any
	// Answered is set once a response has been routed back; unanswered
	// ActionRequired items are elided by FixConversation.
	Answered bool
}

// SystemNotificationKind distinguishes the two notification variants.
type SystemNotificationKind string

const (
	SystemNotificationInline   SystemNotificationKind = "inline_message"
	SystemNotificationThinking SystemNotificationKind = "thinking_message"
)

// SystemNotification carries runtime-generated text that is never sent to
// the provider (compaction banners, retry explanations, etc.).
type SystemNotification struct {
	Kind SystemNotificationKind
	Text string
}

// Thinking is provider-private reasoning text, preserved verbatim across
// turns so multi-turn signature verification (e.g. Anthropic) still works.
// Signature is opaque provider state (empty for providers that don't use
// one) that must be replayed unmodified alongside Text.
type Thinking struct {
	Text      string
	Signature string
}

// RedactedThinking is an opaque reasoning blob the provider declined to
// reveal in cleartext.
type RedactedThinking struct {
	Blob string
}

// FrontendToolRequest mirrors a ToolRequest that the runtime has decided to
// hand off to the UI rather than dispatch itself.
type FrontendToolRequest struct {
	ID   string
	Call *ToolCall
}

func (Text) isContentItem()                {}
func (Image) isContentItem()               {}
func (ToolRequest) isContentItem()         {}
func (ToolResponse) isContentItem()        {}
func (Thinking) isContentItem()            {}
func (RedactedThinking) isContentItem()    {}
func (ActionRequired) isContentItem()      {}
func (SystemNotification) isContentItem()  {}
func (FrontendToolRequest) isContentItem() {}

// contentItemTag is the wire discriminator for a ContentItem's concrete
// type, since ContentItem's unexported isContentItem method keeps
// encoding/json from reconstructing the variant on its own.
type contentItemTag string

const (
	tagText                contentItemTag = "text"
	tagImage               contentItemTag = "image"
	tagToolRequest         contentItemTag = "tool_request"
	tagToolResponse        contentItemTag = "tool_response"
	tagThinking            contentItemTag = "thinking"
	tagRedactedThinking    contentItemTag = "redacted_thinking"
	tagActionRequired      contentItemTag = "action_required"
	tagSystemNotification  contentItemTag = "system_notification"
	tagFrontendToolRequest contentItemTag = "frontend_tool_request"
)

func tagOf(c ContentItem) (contentItemTag, error) {
	switch c.(type) {
	case Text:
		return tagText, nil
	case Image:
		return tagImage, nil
	case ToolRequest:
		return tagToolRequest, nil
	case ToolResponse:
		return tagToolResponse, nil
	case Thinking:
		return tagThinking, nil
	case RedactedThinking:
		return tagRedactedThinking, nil
	case ActionRequired:
		return tagActionRequired, nil
	case SystemNotification:
		return tagSystemNotification, nil
	case FrontendToolRequest:
		return tagFrontendToolRequest, nil
	default:
		return "", fmt.Errorf("message: unknown content item type %T", c)
	}
}

// contentWire is one tagged content item on the wire: {"type": "...",
// "data": <the variant's own JSON encoding>}.
type contentWire struct {
	Type contentItemTag  `json:"type"`
	Data json.RawMessage `json:"data"`
}

func unmarshalContentItem(w contentWire) (ContentItem, error) {
	switch w.Type {
	case tagText:
		var v Text
		return v, json.Unmarshal(w.Data, &v)
	case tagImage:
		var v Image
		return v, json.Unmarshal(w.Data, &v)
	case tagToolRequest:
		var v ToolRequest
		return v, json.Unmarshal(w.Data, &v)
	case tagToolResponse:
		var v ToolResponse
		return v, json.Unmarshal(w.Data, &v)
	case tagThinking:
		var v Thinking
		return v, json.Unmarshal(w.Data, &v)
	case tagRedactedThinking:
		var v RedactedThinking
		return v, json.Unmarshal(w.Data, &v)
	case tagActionRequired:
		var v ActionRequired
		return v, json.Unmarshal(w.Data, &v)
	case tagSystemNotification:
		var v SystemNotification
		return v, json.Unmarshal(w.Data, &v)
	case tagFrontendToolRequest:
		var v FrontendToolRequest
		return v, json.Unmarshal(w.Data, &v)
	default:
		return nil, fmt.Errorf("message: unknown content item type %q", w.Type)
	}
}

// messageWire is Message's on-the-wire shape: identical to Message except
// Content is a slice of tagged envelopes instead of the bare interface
// slice.
type messageWire struct {
	ID           string          `json:"id"`
	Role         Role            `json:"role"`
	Timestamp    int64           `json:"timestamp"`
	Content      []contentWire   `json:"content"`
	AgentVisible bool            `json:"agent_visible"`
	UserVisible  bool            `json:"user_visible"`
}

// MarshalJSON tags each Content item with its concrete type so
// UnmarshalJSON can reconstruct the ContentItem interface slice.
func (m Message) MarshalJSON() ([]byte, error) {
	wire := messageWire{
		ID:           m.ID,
		Role:         m.Role,
		Timestamp:    m.Timestamp,
		AgentVisible: m.AgentVisible,
		UserVisible:  m.UserVisible,
		Content:      make([]contentWire, 0, len(m.Content)),
	}
	for _, c := range m.Content {
		tag, err := tagOf(c)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		wire.Content = append(wire.Content, contentWire{Type: tag, Data: data})
	}
	return json.Marshal(wire)
}

// UnmarshalJSON reverses MarshalJSON, reconstructing each ContentItem from
// its tagged envelope.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire messageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.ID = wire.ID
	m.Role = wire.Role
	m.Timestamp = wire.Timestamp
	m.AgentVisible = wire.AgentVisible
	m.UserVisible = wire.UserVisible
	m.Content = make([]ContentItem, 0, len(wire.Content))
	for _, cw := range wire.Content {
		item, err := unmarshalContentItem(cw)
		if err != nil {
			return err
		}
		m.Content = append(m.Content, item)
	}
	return nil
}

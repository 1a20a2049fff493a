package message

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestMessageJSONRoundTrip(t *testing.T) {
	original := &Message{
		ID:        "msg-1",
		Role:      RoleAssistant,
		Timestamp: 1700000000,
		Content: []ContentItem{
			Text{Value: "hello"},
			Image{MimeType: "image/png", Base64Data: "ZGF0YQ=="},
			ToolRequest{ID: "call-1", Call: &ToolCall{Name: "echo", Args: map[string]any{"x": float64(1)}}},
			ToolRequest{ID: "call-2", Err: &ErrorData{Code: "bad_args", Message: "nope"}},
			ToolResponse{ID: "call-1", Result: &ToolResult{Content: []ToolContent{{Text: "ok"}}, IsError: false}},
			ToolResponse{ID: "call-2", Err: &ErrorData{Code: "dispatch_error", Message: "boom"}},
			Thinking{Text: "reasoning", Signature: "sig"},
			RedactedThinking{Blob: "opaque"},
			ActionRequired{Kind: ActionRequiredElicitation, Data: map[string]any{"q": "continue?"}, Answered: true},
			SystemNotification{Kind: SystemNotificationThinking, Text: "compacting..."},
			FrontendToolRequest{ID: "call-3", Call: &ToolCall{Name: "open_file", Args: map[string]any{"path": "a.go"}}},
		},
		AgentVisible: true,
		UserVisible:  false,
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var roundTripped Message
	if err := json.Unmarshal(data, &roundTripped); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !reflect.DeepEqual(*original, roundTripped) {
		t.Fatalf("round trip mismatch:\noriginal:  %+v\nroundtrip: %+v", *original, roundTripped)
	}
}

func TestConversationJSONRoundTrip(t *testing.T) {
	original := &Conversation{Messages: []*Message{
		NewMessage(RoleUser, Text{Value: "hi"}),
		NewMessage(RoleAssistant, ToolRequest{ID: "call-1", Call: &ToolCall{Name: "echo"}}),
		NewMessage(RoleUser, ToolResponse{ID: "call-1", Result: &ToolResult{Content: []ToolContent{{Text: "ok"}}}}),
	}}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var roundTripped Conversation
	if err := json.Unmarshal(data, &roundTripped); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !reflect.DeepEqual(original, &roundTripped) {
		t.Fatalf("round trip mismatch:\noriginal:  %+v\nroundtrip: %+v", original, roundTripped)
	}
}

func TestMessageJSONRejectsUnknownContentTag(t *testing.T) {
	raw := `{"id":"m1","role":"user","content":[{"type":"not_a_real_tag","data":{}}]}`
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err == nil {
		t.Fatal("expected an error for an unknown content tag, got nil")
	}
}

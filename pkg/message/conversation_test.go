package message

import "testing"

func TestFixConversationPrependsUserWhenFirstIsAssistant(t *testing.T) {
	c := &Conversation{Messages: []*Message{
		NewMessage(RoleAssistant, Text{Value: "hi"}),
	}}

	fixed := FixConversation(c)

	if fixed.Messages[0].Role != RoleUser {
		t.Fatalf("expected first message to be user, got %s", fixed.Messages[0].Role)
	}
	if len(fixed.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(fixed.Messages))
	}
}

func TestFixConversationSynthesizesMissingToolResponse(t *testing.T) {
	req := NewMessage(RoleAssistant, ToolRequest{ID: "call-1", Call: &ToolCall{Name: "echo"}})
	c := &Conversation{Messages: []*Message{
		NewMessage(RoleUser, Text{Value: "go"}),
		req,
	}}

	fixed := FixConversation(c)

	last := fixed.Messages[len(fixed.Messages)-1]
	resps := last.ToolResponses()
	if len(resps) != 1 || resps[0].ID != "call-1" {
		t.Fatalf("expected synthesized tool response for call-1, got %+v", last)
	}
	if !resps[0].Result.IsError {
		t.Fatalf("expected synthesized response to be an error/decline")
	}
}

func TestFixConversationMergesAdjacentSameRole(t *testing.T) {
	c := &Conversation{Messages: []*Message{
		NewMessage(RoleUser, Text{Value: "a"}),
		NewMessage(RoleUser, Text{Value: "b"}),
	}}

	fixed := FixConversation(c)

	if len(fixed.Messages) != 1 {
		t.Fatalf("expected messages merged into one, got %d", len(fixed.Messages))
	}
	if fixed.Messages[0].Text() != "ab" {
		t.Fatalf("expected merged text 'ab', got %q", fixed.Messages[0].Text())
	}
}

func TestFixConversationElidesUnansweredActionRequired(t *testing.T) {
	c := &Conversation{Messages: []*Message{
		NewMessage(RoleUser, Text{Value: "hi"}),
		NewMessage(RoleAssistant, ActionRequired{Kind: ActionRequiredToolConfirmation, Answered: false}),
	}}

	fixed := FixConversation(c)

	for _, m := range fixed.Messages {
		for _, c := range m.Content {
			if ar, ok := c.(ActionRequired); ok && !ar.Answered {
				t.Fatalf("unanswered ActionRequired should have been elided")
			}
		}
	}
}

func TestFixConversationIsIdempotent(t *testing.T) {
	c := &Conversation{Messages: []*Message{
		NewMessage(RoleAssistant, Text{Value: "hi"}),
		NewMessage(RoleUser, Text{Value: "a"}),
		NewMessage(RoleUser, Text{Value: "b"}),
	}}

	once := FixConversation(c)
	twice := FixConversation(once)

	if len(once.Messages) != len(twice.Messages) {
		t.Fatalf("FixConversation not idempotent: %d vs %d messages", len(once.Messages), len(twice.Messages))
	}
	for i := range once.Messages {
		if once.Messages[i].Text() != twice.Messages[i].Text() {
			t.Fatalf("FixConversation not idempotent at message %d", i)
		}
	}
}

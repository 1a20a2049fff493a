package message

// Conversation is an ordered list of Messages plus the derived agent-visible
// view used when building provider requests.
type Conversation struct {
	Messages []*Message
}

// NewConversation creates an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Append adds a message to the end of the conversation.
func (c *Conversation) Append(m *Message) {
	c.Messages = append(c.Messages, m)
}

// AgentView returns the messages visible to the agent (AgentVisible==true),
// in order. Callers must not mutate the returned messages.
func (c *Conversation) AgentView() []*Message {
	var out []*Message
	for _, m := range c.Messages {
		if m.AgentVisible {
			out = append(out, m)
		}
	}
	return out
}

// Clone returns a deep-enough copy safe for replace_conversation semantics:
// the message slice and message structs are copied, content items (value
// types) are shared since they are immutable once constructed.
func (c *Conversation) Clone() *Conversation {
	clone := &Conversation{Messages: make([]*Message, len(c.Messages))}
	for i, m := range c.Messages {
		cp := *m
		cp.Content = append([]ContentItem(nil), m.Content...)
		clone.Messages[i] = &cp
	}
	return clone
}

// declinedToolResponse synthesizes the ToolResponse attached to a
// ToolRequest that ran off the end of the conversation without a pair.
func declinedToolResponse(id string) ToolResponse {
	return ToolResponse{
		ID: id,
		Result: &ToolResult{
			Content: []ToolContent{{Text: "The user has declined to run this tool"}},
			IsError: true,
		},
	}
}

// FixConversation enforces the invariants required before any provider
// call:
//   - the first message's role is never Assistant (an empty user turn is
//     prepended if so)
//   - every ToolRequest is immediately followed by a ToolResponse sharing
//     its id; missing responses are synthesized as declined
//   - adjacent same-role messages are merged when their AgentVisible and
//     UserVisible flags also match; same-role neighbours that differ in
//     visibility stay separate messages
//   - unanswered ActionRequired content is elided
//
// FixConversation is idempotent: FixConversation(FixConversation(c)) equals
// FixConversation(c).
func FixConversation(c *Conversation) *Conversation {
	fixed := &Conversation{}

	msgs := elideUnanswered(c.Messages)
	msgs = synthesizeToolResponses(msgs)
	msgs = mergeAdjacentRoles(msgs)

	if len(msgs) > 0 && msgs[0].Role == RoleAssistant {
		empty := NewMessage(RoleUser, Text{Value: ""})
		msgs = append([]*Message{empty}, msgs...)
	}

	fixed.Messages = msgs
	return fixed
}

func elideUnanswered(in []*Message) []*Message {
	out := make([]*Message, 0, len(in))
	for _, m := range in {
		content := make([]ContentItem, 0, len(m.Content))
		for _, c := range m.Content {
			if ar, ok := c.(ActionRequired); ok && !ar.Answered {
				continue
			}
			content = append(content, c)
		}
		if len(content) == 0 && len(m.Content) > 0 {
			// message became empty purely due to elision; drop it entirely
			continue
		}
		cp := *m
		cp.Content = content
		out = append(out, &cp)
	}
	return out
}

func synthesizeToolResponses(in []*Message) []*Message {
	// Map every ToolRequest id to whether it has a paired ToolResponse
	// anywhere later in the conversation.
	answered := map[string]bool{}
	for _, m := range in {
		for _, tr := range m.ToolResponses() {
			answered[tr.ID] = true
		}
	}

	out := make([]*Message, 0, len(in)+1)
	for i, m := range in {
		out = append(out, m)
		requests := m.ToolRequests()
		if len(requests) == 0 {
			continue
		}
		var missing []ContentItem
		for _, req := range requests {
			if !answered[req.ID] {
				missing = append(missing, declinedToolResponse(req.ID))
			}
		}
		if len(missing) == 0 {
			continue
		}
		// Only synthesize immediately if the next message doesn't already
		// carry the pairing (e.g. mid-stream truncation).
		if i+1 < len(in) {
			next := in[i+1]
			allPresent := true
			for _, req := range requests {
				found := false
				for _, tr := range next.ToolResponses() {
					if tr.ID == req.ID {
						found = true
						break
					}
				}
				if !found && !answered[req.ID] {
					allPresent = false
					break
				}
			}
			if allPresent {
				continue
			}
		}
		synth := NewMessage(RoleUser, missing...)
		synth.UserVisible = false
		out = append(out, synth)
	}
	return out
}

func mergeAdjacentRoles(in []*Message) []*Message {
	if len(in) == 0 {
		return in
	}
	out := make([]*Message, 0, len(in))
	out = append(out, in[0])
	for _, m := range in[1:] {
		last := out[len(out)-1]
		if last.Role == m.Role && last.AgentVisible == m.AgentVisible && last.UserVisible == m.UserVisible {
			merged := *last
			merged.Content = append(append([]ContentItem(nil), last.Content...), m.Content...)
			out[len(out)-1] = &merged
			continue
		}
		out = append(out, m)
	}
	return out
}

package tokencount

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/replyengine/pkg/message"
)

func TestCountGrowsWithText(t *testing.T) {
	c := New("gpt-4o")
	short := c.Count("hi")
	long := c.Count("hi there, this is a much longer piece of text to encode")
	require.Greater(t, long, short)
}

func TestCountConversationIgnoresAgentInvisible(t *testing.T) {
	c := New("gpt-4o")
	conv := message.NewConversation()
	conv.Append(message.NewMessage(message.RoleUser, message.Text{Value: "hello there"}))
	hidden := message.NewMessage(message.RoleAssistant, message.Text{Value: "this is hidden from the provider entirely"})
	hidden.AgentVisible = false
	conv.Append(hidden)

	withHidden := c.CountConversation(conv)

	visibleOnly := message.NewConversation()
	visibleOnly.Append(conv.Messages[0])
	require.Equal(t, c.CountConversation(visibleOnly), withHidden)
}

func TestUnknownModelFallsBackToDefaultEncoding(t *testing.T) {
	c := New("some-unknown-model-xyz")
	require.Positive(t, c.Count("some text"))
}

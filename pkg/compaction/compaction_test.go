package compaction

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/replyengine/pkg/message"
	"github.com/kadirpekel/replyengine/pkg/provider"
	"github.com/kadirpekel/replyengine/pkg/session"
)

type stubLLM struct {
	summary string
}

func (s *stubLLM) Name() string        { return "stub" }
func (s *stubLLM) Kind() provider.Kind { return provider.KindUnknown }

func (s *stubLLM) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return s.CompleteFast(ctx, req)
}

func (s *stubLLM) CompleteFast(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return &provider.Response{
		Message: message.NewMessage(message.RoleAssistant, message.Text{Value: s.summary}),
		Usage:   &provider.Usage{PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60},
	}, nil
}

func (s *stubLLM) StreamComplete(ctx context.Context, req *provider.Request) iter.Seq2[*provider.Response, error] {
	return func(yield func(*provider.Response, error) bool) {}
}

func (s *stubLLM) AsLeadWorker() provider.LeadWorker { return nil }
func (s *stubLLM) Close() error                      { return nil }

func newTestSession(t *testing.T, n int) *session.Session {
	t.Helper()
	sess := session.New("", session.TypeRegular, "/tmp")
	for i := 0; i < n; i++ {
		sess.AppendMessage(message.NewMessage(message.RoleUser, message.Text{Value: "hello there, message number"}))
		sess.AppendMessage(message.NewMessage(message.RoleAssistant, message.Text{Value: "sure, here is a reply"}))
	}
	return sess
}

func TestCompactReplacesConversationAndUpdatesTokens(t *testing.T) {
	sess := newTestSession(t, 20)
	before := sess.Conversation()

	c := New(&stubLLM{summary: "the user and assistant exchanged greetings"}, "gpt-4o")
	summaryTokens, err := c.Compact(context.Background(), sess)
	require.NoError(t, err)
	require.Positive(t, summaryTokens)

	after := sess.Conversation()
	require.Equal(t, len(before.Messages)+2, len(after.Messages))

	for _, m := range after.Messages[:len(before.Messages)] {
		require.False(t, m.AgentVisible)
	}
	require.True(t, after.Messages[len(before.Messages)].AgentVisible)
	require.False(t, after.Messages[len(before.Messages)].UserVisible)

	tokens := sess.Tokens()
	require.Equal(t, summaryTokens, tokens.Input)
	require.Equal(t, 0, tokens.Output)
	require.Greater(t, tokens.AccumulatedTotal, 0)
}

func TestShouldCompactThreshold(t *testing.T) {
	sess := newTestSession(t, 50)
	c := New(&stubLLM{summary: "x"}, "gpt-4o")
	require.True(t, c.ShouldCompact(sess.Conversation(), 500))
	require.False(t, c.ShouldCompact(sess.Conversation(), 1_000_000))
}

package reply

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/replyengine/pkg/dispatch"
	"github.com/kadirpekel/replyengine/pkg/extension"
	"github.com/kadirpekel/replyengine/pkg/message"
	"github.com/kadirpekel/replyengine/pkg/permission"
	"github.com/kadirpekel/replyengine/pkg/provider"
	"github.com/kadirpekel/replyengine/pkg/session"
	"github.com/kadirpekel/replyengine/pkg/tool"
)

// scriptedLLM returns one canned Response per call, in order, looping on
// the last entry once exhausted (used for the max-turns scenario).
type scriptedLLM struct {
	responses []*message.Message
	calls     int
}

func (s *scriptedLLM) next() *message.Message {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i]
}

func (s *scriptedLLM) Name() string        { return "stub" }
func (s *scriptedLLM) Kind() provider.Kind { return provider.KindUnknown }

func (s *scriptedLLM) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return &provider.Response{Message: s.next()}, nil
}
func (s *scriptedLLM) CompleteFast(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return s.Complete(ctx, req)
}

func (s *scriptedLLM) StreamComplete(ctx context.Context, req *provider.Request) iter.Seq2[*provider.Response, error] {
	return func(yield func(*provider.Response, error) bool) {
		yield(&provider.Response{
			Message: s.next(),
			Usage:   &provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil)
	}
}

func (s *scriptedLLM) AsLeadWorker() provider.LeadWorker { return nil }
func (s *scriptedLLM) Close() error                      { return nil }

type echoTool struct{}

func (echoTool) Name() string           { return "echo" }
func (echoTool) Description() string    { return "echoes x" }
func (echoTool) IsLongRunning() bool    { return false }
func (echoTool) RequiresApproval() bool { return false }

type echoExtension struct{}

func (echoExtension) Name() string           { return "echo" }
func (echoExtension) Info() extension.Info   { return extension.Info{Name: "echo"} }
func (echoExtension) ListTools(ctx context.Context) ([]tool.Tool, error) {
	return []tool.Tool{echoTool{}}, nil
}
func (echoExtension) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return map[string]any{"text": args["x"]}, nil
}
func (echoExtension) MOIM(ctx context.Context, sessionID string) string { return "" }
func (echoExtension) Close() error                                     { return nil }

func newTestLoop(t *testing.T, llm *scriptedLLM) *Loop {
	t.Helper()
	mgr := extension.NewManager()
	require.NoError(t, mgr.Add(echoExtension{}))
	inspector := permission.NewInspector(permission.Policy{Allowlist: []string{"echo__echo"}})
	confirm := permission.NewConfirmationChannel()
	executor := dispatch.NewExecutor(mgr, inspector, confirm, t.TempDir())

	return &Loop{
		Provider:   llm,
		Session:    session.New("", session.TypeRegular, "/tmp"),
		Extensions: mgr,
		Inspector:  inspector,
		Confirm:    confirm,
		Executor:   executor,
	}
}

func drain(l *Loop, userText string) ([]AgentEvent, error) {
	var events []AgentEvent
	for ev, err := range l.Reply(context.Background(), userText) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestReplySimpleEcho(t *testing.T) {
	llm := &scriptedLLM{responses: []*message.Message{
		message.NewMessage(message.RoleAssistant, message.Text{Value: "ok"}),
	}}
	l := newTestLoop(t, llm)

	events, err := drain(l, "hi")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventMessage, events[0].Kind)
	require.Equal(t, "ok", events[0].Message.Text())

	conv := l.Session.Conversation()
	require.Len(t, conv.Messages, 2)
}

func TestReplySingleToolCall(t *testing.T) {
	toolCallMsg := message.NewMessage(message.RoleAssistant,
		message.ToolRequest{ID: "call-1", Call: &message.ToolCall{Name: "echo__echo", Args: map[string]any{"x": "hello"}}},
	)
	doneMsg := message.NewMessage(message.RoleAssistant, message.Text{Value: "done"})
	llm := &scriptedLLM{responses: []*message.Message{toolCallMsg, doneMsg}}
	l := newTestLoop(t, llm)

	events, err := drain(l, "please echo hello")
	require.NoError(t, err)
	require.Len(t, events, 3)

	require.Equal(t, toolCallMsg, events[0].Message)

	toolResponseMsg := events[1].Message
	require.Len(t, toolResponseMsg.ToolResponses(), 1)
	require.Equal(t, "hello", toolResponseMsg.ToolResponses()[0].Result.Content[0].Text)

	require.Equal(t, "done", events[2].Message.Text())

	conv := l.Session.Conversation()
	require.Len(t, conv.Messages, 4)
}

func TestReplyMaxTurns(t *testing.T) {
	loopingMsg := message.NewMessage(message.RoleAssistant,
		message.ToolRequest{ID: "call-1", Call: &message.ToolCall{Name: "echo__echo", Args: map[string]any{"x": "again"}}},
	)
	llm := &scriptedLLM{responses: []*message.Message{loopingMsg}}
	l := newTestLoop(t, llm)
	l.MaxTurns = 1

	events, err := drain(l, "keep going")
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, MaxActionsMessage, last.Message.Text())
}

func TestReplySlashCommandUnknown(t *testing.T) {
	l := newTestLoop(t, &scriptedLLM{responses: []*message.Message{message.NewMessage(message.RoleAssistant, message.Text{Value: "unused"})}})
	events, err := drain(l, "/nonexistent")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Len(t, events[0].Message.Content, 1)
	notif, ok := events[0].Message.Content[0].(message.SystemNotification)
	require.True(t, ok)
	require.Contains(t, notif.Text, "Unknown command")
}

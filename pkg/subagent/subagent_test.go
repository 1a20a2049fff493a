package subagent

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/replyengine/pkg/dispatch"
	"github.com/kadirpekel/replyengine/pkg/extension"
	"github.com/kadirpekel/replyengine/pkg/message"
	"github.com/kadirpekel/replyengine/pkg/permission"
	"github.com/kadirpekel/replyengine/pkg/provider"
	"github.com/kadirpekel/replyengine/pkg/reply"
	"github.com/kadirpekel/replyengine/pkg/session"
)

type oneShotLLM struct {
	text string
}

func (l *oneShotLLM) Name() string        { return "stub" }
func (l *oneShotLLM) Kind() provider.Kind { return provider.KindUnknown }

func (l *oneShotLLM) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return &provider.Response{Message: message.NewMessage(message.RoleAssistant, message.Text{Value: l.text})}, nil
}
func (l *oneShotLLM) CompleteFast(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return l.Complete(ctx, req)
}
func (l *oneShotLLM) StreamComplete(ctx context.Context, req *provider.Request) iter.Seq2[*provider.Response, error] {
	return func(yield func(*provider.Response, error) bool) {
		yield(&provider.Response{
			Message: message.NewMessage(message.RoleAssistant, message.Text{Value: l.text}),
			Usage:   &provider.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		}, nil)
	}
}
func (l *oneShotLLM) AsLeadWorker() provider.LeadWorker { return nil }
func (l *oneShotLLM) Close() error                      { return nil }

func newChildLoop(text string) *reply.Loop {
	mgr := extension.NewManager()
	inspector := permission.NewInspector(permission.DefaultPolicy())
	confirm := permission.NewConfirmationChannel()
	executor := dispatch.NewExecutor(mgr, inspector, confirm, "")

	return &reply.Loop{
		Provider:   &oneShotLLM{text: text},
		Session:    NewChildSession("/tmp"),
		Extensions: mgr,
		Inspector:  inspector,
		Confirm:    confirm,
		Executor:   executor,
	}
}

func TestRunSyncReturnsFinalAssistantText(t *testing.T) {
	runner := NewRunner(NewRegistry())
	loop := newChildLoop("the answer is 42")

	text, err := runner.RunSync(context.Background(), loop, "what is the answer")
	require.NoError(t, err)
	require.Equal(t, "the answer is 42", text)
}

func TestCanDelegateRejectsSubAgentSessions(t *testing.T) {
	parent := session.New("", session.TypeRegular, "/tmp")
	require.True(t, CanDelegate(parent))

	child := NewChildSession("/tmp")
	require.False(t, CanDelegate(child))
}

func TestRunAsyncTracksBackgroundTask(t *testing.T) {
	registry := NewRegistry()
	runner := NewRunner(registry)
	loop := newChildLoop("done in background")

	task, err := runner.RunAsync(loop, "a long task", "go do it")
	require.NoError(t, err)
	require.Equal(t, 1, registry.Count())

	require.Eventually(t, func() bool {
		_, _, ok := task.Result()
		return ok
	}, time.Second, 5*time.Millisecond)

	text, err, _ := task.Result()
	require.NoError(t, err)
	require.Equal(t, "done in background", text)
}

func TestRegistryRejectsOverCapacity(t *testing.T) {
	registry := NewRegistry()
	for i := 0; i < 5; i++ {
		_, ok := registry.Add("task")
		require.True(t, ok)
	}
	_, ok := registry.Add("one too many")
	require.False(t, ok)
}

func TestSnapshotFormatsLiveTasks(t *testing.T) {
	registry := NewRegistry()
	task, ok := registry.Add("indexing the repo")
	require.True(t, ok)
	task.touch()

	snap := registry.Snapshot()
	require.Contains(t, snap, task.ID)
	require.Contains(t, snap, "indexing the repo")
	require.Contains(t, snap, "turns 1")
}

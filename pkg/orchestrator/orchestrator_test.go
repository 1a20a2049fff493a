package orchestrator

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/replyengine/pkg/message"
	"github.com/kadirpekel/replyengine/pkg/provider"
	"github.com/kadirpekel/replyengine/pkg/session"
)

var slots = []AgentSlot{
	{
		Name:        "coder",
		Description: "Writes and edits code.",
		DefaultMode: "default",
		Extensions:  []string{"developer"},
		Modes: []Mode{
			{Slug: "default", Name: "Default", ToolGroups: []string{"edit"}, RecommendedExtensions: []string{"developer"}},
			{Slug: "review", Name: "Review", ToolGroups: []string{"read"}, RecommendedExtensions: []string{"developer"}},
		},
	},
	{
		Name:        "researcher",
		Description: "Performs research and summarizes findings.",
		DefaultMode: "default",
		Modes: []Mode{
			{Slug: "default", Name: "Default", ToolGroups: []string{"web"}},
		},
	},
}

type scriptedLLM struct{ text string }

func (l *scriptedLLM) Name() string        { return "stub" }
func (l *scriptedLLM) Kind() provider.Kind { return provider.KindUnknown }
func (l *scriptedLLM) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return &provider.Response{Message: message.NewMessage(message.RoleAssistant, message.Text{Value: l.text})}, nil
}
func (l *scriptedLLM) CompleteFast(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return l.Complete(ctx, req)
}
func (l *scriptedLLM) StreamComplete(ctx context.Context, req *provider.Request) iter.Seq2[*provider.Response, error] {
	return func(yield func(*provider.Response, error) bool) {}
}
func (l *scriptedLLM) AsLeadWorker() provider.LeadWorker { return nil }
func (l *scriptedLLM) Close() error                      { return nil }

func TestRouteLLMSingleTask(t *testing.T) {
	r := NewRouter(slots)
	llm := &scriptedLLM{text: "```json\n{\"is_compound\":false,\"tasks\":[{\"agent_name\":\"coder\",\"mode_slug\":\"review\",\"sub_task\":\"fix the bug\"}]}\n```"}

	plan, err := r.Route(context.Background(), llm, "please review my code")
	require.NoError(t, err)
	require.False(t, plan.IsCompound)
	require.Len(t, plan.Tasks, 1)
	require.Equal(t, "coder", plan.Tasks[0].AgentName)
	require.Equal(t, "review", plan.Tasks[0].ModeSlug)
}

func TestRouteLLMUnknownModeFallsBackToDefault(t *testing.T) {
	r := NewRouter(slots)
	llm := &scriptedLLM{text: `{"is_compound":false,"tasks":[{"agent_name":"coder","mode_slug":"nonexistent","sub_task":"x"}]}`}

	plan, err := r.Route(context.Background(), llm, "x")
	require.NoError(t, err)
	require.Equal(t, "default", plan.Tasks[0].ModeSlug)
}

func TestRouteLLMDropsUnknownAgent(t *testing.T) {
	r := NewRouter(slots)
	llm := &scriptedLLM{text: `{"is_compound":true,"tasks":[{"task_id":"t1","agent_name":"ghost","sub_task":"x"},{"task_id":"t2","agent_name":"coder","mode_slug":"default","sub_task":"y"}]}`}

	plan, err := r.Route(context.Background(), llm, "x")
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)
	require.Equal(t, "coder", plan.Tasks[0].AgentName)
}

func TestRouteLLMTopologicalSort(t *testing.T) {
	r := NewRouter(slots)
	llm := &scriptedLLM{text: `{"is_compound":true,"tasks":[
		{"task_id":"t2","agent_name":"coder","mode_slug":"default","depends_on":["t1"],"sub_task":"b"},
		{"task_id":"t1","agent_name":"researcher","mode_slug":"default","sub_task":"a"}
	]}`}

	plan, err := r.Route(context.Background(), llm, "research then code")
	require.NoError(t, err)
	require.Equal(t, "t1", plan.Tasks[0].TaskID)
	require.Equal(t, "t2", plan.Tasks[1].TaskID)
}

func TestRouteLLMCycleFallsBackToTaskIDSort(t *testing.T) {
	r := NewRouter(slots)
	llm := &scriptedLLM{text: `{"is_compound":true,"tasks":[
		{"task_id":"t2","agent_name":"coder","mode_slug":"default","depends_on":["t1"],"sub_task":"b"},
		{"task_id":"t1","agent_name":"researcher","mode_slug":"default","depends_on":["t2"],"sub_task":"a"}
	]}`}

	plan, err := r.Route(context.Background(), llm, "x")
	require.NoError(t, err)
	require.Equal(t, "t1", plan.Tasks[0].TaskID)
	require.Equal(t, "t2", plan.Tasks[1].TaskID)
}

func TestRouteKeywordFallbackWhenProviderNil(t *testing.T) {
	r := NewRouter(slots)
	plan, err := r.Route(context.Background(), nil, "please do some research on this topic")
	require.NoError(t, err)
	require.Equal(t, "researcher", plan.Tasks[0].AgentName)
}

func TestApplySetsSessionRouting(t *testing.T) {
	sess := session.New("", session.TypeRegular, "/tmp")
	plan := &Plan{Tasks: []Task{{AgentName: "coder", ModeSlug: "review"}}}

	require.NoError(t, Apply(sess, slots, plan))
	require.Equal(t, []string{"read"}, sess.ActiveToolGroups)
	require.Equal(t, []string{"developer"}, sess.AllowedExtensions)
	require.Equal(t, "review", sess.ActiveModeSlug)
}

package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/replyengine/pkg/extension"
	"github.com/kadirpekel/replyengine/pkg/message"
	"github.com/kadirpekel/replyengine/pkg/permission"
	"github.com/kadirpekel/replyengine/pkg/tool"
)

type stubTool struct {
	name string
}

func (s *stubTool) Name() string              { return s.name }
func (s *stubTool) Description() string       { return "" }
func (s *stubTool) IsLongRunning() bool       { return false }
func (s *stubTool) RequiresApproval() bool    { return false }

type echoExtension struct{}

func (echoExtension) Name() string { return "echo" }
func (echoExtension) Info() extension.Info {
	return extension.Info{Name: "echo"}
}
func (echoExtension) ListTools(ctx context.Context) ([]tool.Tool, error) {
	return []tool.Tool{&stubTool{name: "echo"}}, nil
}
func (echoExtension) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return map[string]any{"text": args["x"]}, nil
}
func (echoExtension) MOIM(ctx context.Context, sessionID string) string { return "" }
func (echoExtension) Close() error                                     { return nil }

func newExecutor(t *testing.T, policy permission.Policy) *Executor {
	t.Helper()
	mgr := extension.NewManager()
	require.NoError(t, mgr.Add(echoExtension{}))
	return NewExecutor(mgr, permission.NewInspector(policy), permission.NewConfirmationChannel(), t.TempDir())
}

func TestDispatchAllApprovedOrderPreserved(t *testing.T) {
	ex := newExecutor(t, permission.Policy{Allowlist: []string{"echo__echo"}})
	requests := []message.ToolRequest{
		{ID: "1", Call: &message.ToolCall{Name: "echo__echo", Args: map[string]any{"x": "a"}}},
		{ID: "2", Call: &message.ToolCall{Name: "echo__echo", Args: map[string]any{"x": "b"}}},
	}
	outcomes := ex.DispatchAll(context.Background(), "s1", requests)
	require.Len(t, outcomes, 2)
	require.Equal(t, "1", outcomes[0].Response.ID)
	require.Equal(t, "a", outcomes[0].Response.Result.Content[0].Text)
	require.Equal(t, "2", outcomes[1].Response.ID)
	require.Equal(t, "b", outcomes[1].Response.Result.Content[0].Text)
}

func TestDispatchAllDeniedByPolicy(t *testing.T) {
	ex := newExecutor(t, permission.Policy{Denylist: []string{"echo__echo"}})
	requests := []message.ToolRequest{
		{ID: "1", Call: &message.ToolCall{Name: "echo__echo", Args: map[string]any{"x": "a"}}},
	}
	outcomes := ex.DispatchAll(context.Background(), "s1", requests)
	require.True(t, outcomes[0].Response.Result.IsError)
}

func TestDispatchAllInvalidCallSkipsDispatch(t *testing.T) {
	ex := newExecutor(t, permission.DefaultPolicy())
	requests := []message.ToolRequest{
		{ID: "1", Err: &message.ErrorData{Code: "bad_args", Message: "could not parse"}},
	}
	outcomes := ex.DispatchAll(context.Background(), "s1", requests)
	require.True(t, outcomes[0].Response.Result.IsError)
	require.Equal(t, "could not parse", outcomes[0].Response.Result.Content[0].Text)
}

func TestTruncateLargeOutput(t *testing.T) {
	ex := newExecutor(t, permission.DefaultPolicy())
	big := make([]byte, MaxResultChars+100)
	for i := range big {
		big[i] = 'x'
	}
	out := ex.truncate("call-1", string(big))
	require.Less(t, len(out), len(big))
	require.Contains(t, out, "truncated")
}

func TestCategorize(t *testing.T) {
	require.Equal(t, CategorySubAgent, Categorize(ToolSubAgentDelegate, nil, false))
	require.Equal(t, CategoryPlatformSchedule, Categorize(ToolPlatformManageSchedule, nil, false))
	require.Equal(t, CategoryExtension, Categorize(ToolFinalOutput, nil, false))
	require.Equal(t, CategoryFinalOutput, Categorize(ToolFinalOutput, nil, true))
	require.Equal(t, CategoryFrontend, Categorize("ui_pick_file", map[string]bool{"ui_pick_file": true}, false))
}

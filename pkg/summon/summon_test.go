package summon

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/replyengine/pkg/dispatch"
	"github.com/kadirpekel/replyengine/pkg/extension"
	"github.com/kadirpekel/replyengine/pkg/message"
	"github.com/kadirpekel/replyengine/pkg/permission"
	"github.com/kadirpekel/replyengine/pkg/provider"
	"github.com/kadirpekel/replyengine/pkg/reply"
	"github.com/kadirpekel/replyengine/pkg/session"
	"github.com/kadirpekel/replyengine/pkg/subagent"
)

type stubLLM struct{ text string }

func (s *stubLLM) Name() string        { return "stub" }
func (s *stubLLM) Kind() provider.Kind { return provider.KindUnknown }
func (s *stubLLM) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return &provider.Response{Message: message.NewMessage(message.RoleAssistant, message.Text{Value: s.text})}, nil
}
func (s *stubLLM) CompleteFast(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return s.Complete(ctx, req)
}
func (s *stubLLM) StreamComplete(ctx context.Context, req *provider.Request) iter.Seq2[*provider.Response, error] {
	return func(yield func(*provider.Response, error) bool) {
		yield(&provider.Response{Message: message.NewMessage(message.RoleAssistant, message.Text{Value: s.text})}, nil)
	}
}
func (s *stubLLM) AsLeadWorker() provider.LeadWorker { return nil }
func (s *stubLLM) Close() error                      { return nil }

func testFactory(text string) LoopFactory {
	return func(cfg TaskConfig, childSession *session.Session) (*reply.Loop, error) {
		mgr := extension.NewManager()
		inspector := permission.NewInspector(permission.DefaultPolicy())
		confirm := permission.NewConfirmationChannel()
		executor := dispatch.NewExecutor(mgr, inspector, confirm, "")
		return &reply.Loop{
			Provider:   &stubLLM{text: text},
			Session:    childSession,
			Extensions: mgr,
			Inspector:  inspector,
			Confirm:    confirm,
			Executor:   executor,
		}, nil
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDiscoverFindsSkillsAndRecipes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".goose", "skills"), 0o755))
	writeFile(t, filepath.Join(dir, ".goose", "skills"), "review.md",
		"---\nname: review\ndescription: Review code for bugs.\n---\nLook carefully for off-by-one errors.\n")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".goose", "recipes"), 0o755))
	writeFile(t, filepath.Join(dir, ".goose", "recipes"), "triage.yaml",
		"title: Triage\ndescription: Triage an issue\nprompt: Triage this issue.\n")

	d := NewDiscoverer()
	sources := d.Discover(dir, nil)

	var names []string
	for _, s := range sources {
		names = append(names, s.Name)
	}
	require.Contains(t, names, "review")
	require.Contains(t, names, "triage")
	require.Contains(t, names, "summarize") // builtin tier
}

func TestDiscoverDedupFirstWins(t *testing.T) {
	dir := t.TempDir()
	d := NewDiscoverer()
	embedded := []Source{{Kind: KindSubRecipe, Name: "summarize", Description: "embedded override"}}
	sources := d.Discover(dir, embedded)

	for _, s := range sources {
		if s.Name == "summarize" {
			require.Equal(t, "embedded override", s.Description)
			return
		}
	}
	t.Fatal("summarize source not found")
}

func TestLoadListsAndRetrieves(t *testing.T) {
	parent := session.New("", session.TypeRegular, t.TempDir())
	ext := NewExtension(parent, subagent.NewRunner(subagent.NewRegistry()), testFactory("unused"))

	listed, err := ext.CallTool(context.Background(), "load", map[string]any{})
	require.NoError(t, err)
	require.Contains(t, listed["text"].(string), "summarize")

	got, err := ext.CallTool(context.Background(), "load", map[string]any{"source": "summarize"})
	require.NoError(t, err)
	require.Contains(t, got["text"].(string), "bullet-point")
}

func TestDelegateAdHocSynchronous(t *testing.T) {
	parent := session.New("", session.TypeRegular, t.TempDir())
	ext := NewExtension(parent, subagent.NewRunner(subagent.NewRegistry()), testFactory("the sub-agent's answer"))

	out, err := ext.CallTool(context.Background(), "delegate", map[string]any{"instructions": "do the thing"})
	require.NoError(t, err)
	require.Equal(t, "the sub-agent's answer", out["text"])
}

func TestDelegateRejectsNestedDelegation(t *testing.T) {
	subSession := subagent.NewChildSession(t.TempDir())
	ext := NewExtension(subSession, subagent.NewRunner(subagent.NewRegistry()), testFactory("unused"))

	_, err := ext.CallTool(context.Background(), "delegate", map[string]any{"instructions": "do it"})
	require.ErrorIs(t, err, subagent.ErrNestedDelegation)
}

func TestDelegateRequiresInstructionsOrSource(t *testing.T) {
	parent := session.New("", session.TypeRegular, t.TempDir())
	ext := NewExtension(parent, subagent.NewRunner(subagent.NewRegistry()), testFactory("unused"))

	_, err := ext.CallTool(context.Background(), "delegate", map[string]any{})
	require.Error(t, err)
}

func TestDelegateAsync(t *testing.T) {
	parent := session.New("", session.TypeRegular, t.TempDir())
	ext := NewExtension(parent, subagent.NewRunner(subagent.NewRegistry()), testFactory("background result"))

	out, err := ext.CallTool(context.Background(), "delegate", map[string]any{
		"instructions": "do it in the background",
		"async":        true,
	})
	require.NoError(t, err)
	require.Contains(t, out["text"].(string), "started in background")
}

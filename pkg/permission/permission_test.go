package permission

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/replyengine/pkg/tool"
)

func TestInspectDenylistWinsOverAllowlist(t *testing.T) {
	ins := NewInspector(Policy{
		Denylist:  []string{"rm"},
		Allowlist: []string{"rm", "read_file"},
	})
	d, _ := ins.Inspect("s1", &tool.Call{ID: "1", Name: "rm"})
	require.Equal(t, Denied, d)
}

func TestInspectAllowlistSkipsConfirmation(t *testing.T) {
	ins := NewInspector(Policy{Allowlist: []string{"read_*"}, DefaultNeedsConfirmation: true})
	d, _ := ins.Inspect("s1", &tool.Call{ID: "1", Name: "read_file"})
	require.Equal(t, Approved, d)
}

func TestInspectDefaultNeedsConfirmation(t *testing.T) {
	ins := NewInspector(DefaultPolicy())
	d, _ := ins.Inspect("s1", &tool.Call{ID: "1", Name: "write_file"})
	require.Equal(t, NeedsConfirmation, d)
}

func TestRepetitionDeniesThirdIdenticalCall(t *testing.T) {
	ins := NewInspector(Policy{Allowlist: []string{"echo"}})
	call := &tool.Call{ID: "1", Name: "echo", Args: map[string]any{"x": "hi"}}
	for i := 0; i < RepetitionWindow-1; i++ {
		d, _ := ins.Inspect("s1", call)
		require.Equal(t, Approved, d)
	}
	d, reason := ins.Inspect("s1", call)
	require.Equal(t, Denied, d)
	require.Contains(t, reason, "repeated")
}

func TestRepetitionResetClearsWindow(t *testing.T) {
	ins := NewInspector(Policy{Allowlist: []string{"echo"}})
	call := &tool.Call{ID: "1", Name: "echo", Args: map[string]any{"x": "hi"}}
	for i := 0; i < RepetitionWindow-1; i++ {
		ins.Inspect("s1", call)
	}
	ins.ResetRepetitions("s1")
	d, _ := ins.Inspect("s1", call)
	require.Equal(t, Approved, d)
}

func TestConfirmationChannelRoundTrip(t *testing.T) {
	ch := NewConfirmationChannel()
	decisionCh := ch.Request(&tool.Call{ID: "abc", Name: "write_file"})

	pending := <-ch.Pending()
	require.Equal(t, "abc", pending.Call.ID)

	ok := ch.Resolve("abc", Allow)
	require.True(t, ok)

	decision := <-decisionCh
	require.Equal(t, Allow, decision)
}

func TestConfirmationChannelResolveUnknownID(t *testing.T) {
	ch := NewConfirmationChannel()
	require.False(t, ch.Resolve("missing", Deny))
}

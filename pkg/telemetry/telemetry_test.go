package telemetry

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	require.Nil(t, New(nil))
	require.Nil(t, New(&Config{Enabled: false}))
}

func TestNilMetricsMethodsAreNoops(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordTurn("gpt-4o", time.Millisecond)
		m.IncTurnsActive()
		m.DecTurnsActive()
		m.RecordTokens("gpt-4o", 10, 5)
		m.RecordToolCall("developer__shell", time.Millisecond, true)
		m.RecordCompaction(time.Millisecond, 100)
		m.RecordDelegation(true)
		m.SetBackgroundTasksActive(2)
		m.RecordScheduledRun(false)
		m.SetScheduledTasksRegistered(1)
	})
	require.Equal(t, 503, handlerStatus(t, m))
}

func TestRecordTurnIncrementsCounters(t *testing.T) {
	m := New(&Config{Enabled: true})
	require.NotNil(t, m)

	m.RecordTurn("gpt-4o", 50*time.Millisecond)
	m.RecordTurn("gpt-4o", 75*time.Millisecond)

	require.Equal(t, float64(2), testutil.ToFloat64(m.turns.WithLabelValues("gpt-4o")))
}

func TestRecordToolCallTracksErrors(t *testing.T) {
	m := New(&Config{Enabled: true})

	m.RecordToolCall("developer__shell", time.Millisecond, false)
	m.RecordToolCall("developer__shell", time.Millisecond, true)

	require.Equal(t, float64(2), testutil.ToFloat64(m.toolCalls.WithLabelValues("developer__shell")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.toolErrors.WithLabelValues("developer__shell")))
}

func TestRecordDelegationLabelsSyncVsAsync(t *testing.T) {
	m := New(&Config{Enabled: true})

	m.RecordDelegation(false)
	m.RecordDelegation(true)
	m.RecordDelegation(true)

	require.Equal(t, float64(1), testutil.ToFloat64(m.delegations.WithLabelValues("sync")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.delegations.WithLabelValues("async")))
}

func TestRecordScheduledRunLabelsOutcome(t *testing.T) {
	m := New(&Config{Enabled: true})

	m.RecordScheduledRun(true)
	m.RecordScheduledRun(false)

	require.Equal(t, float64(1), testutil.ToFloat64(m.scheduledRuns.WithLabelValues("succeeded")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.scheduledRuns.WithLabelValues("failed")))
}

func TestNamespaceDefaultsWhenEnabled(t *testing.T) {
	cfg := &Config{Enabled: true}
	m := New(cfg)
	require.NotNil(t, m)
	require.Equal(t, "replyengine", cfg.Namespace)
}

func handlerStatus(t *testing.T, m *Metrics) int {
	t.Helper()
	rec := &statusRecorder{}
	m.Handler().ServeHTTP(rec, nil)
	return rec.status
}

type statusRecorder struct {
	status int
	header http.Header
}

func (r *statusRecorder) Header() http.Header {
	if r.header == nil {
		r.header = make(http.Header)
	}
	return r.header
}
func (r *statusRecorder) Write(b []byte) (int, error) { return len(b), nil }
func (r *statusRecorder) WriteHeader(status int)       { r.status = status }

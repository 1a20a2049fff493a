package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingExecutor struct {
	calls int
	fail  int
	err   error
}

func (e *countingExecutor) Execute(ctx context.Context, task *Task) (string, error) {
	e.calls++
	if e.fail > 0 {
		e.fail--
		return "", e.err
	}
	return "ok: " + task.Prompt, nil
}

func TestParseScheduleEvery(t *testing.T) {
	sched, err := ParseSchedule("", 5*time.Minute, "", "")
	require.NoError(t, err)
	require.Equal(t, KindEvery, sched.Kind)

	next, ok, err := sched.Next(time.Unix(0, 0))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Unix(0, 0).Add(5*time.Minute), next)
}

func TestParseScheduleCronRejectsInvalid(t *testing.T) {
	_, err := ParseSchedule("not a cron", 0, "", "")
	require.Error(t, err)
}

func TestParseScheduleAtPast(t *testing.T) {
	sched, err := ParseSchedule("", 0, "2000-01-01 00:00", "")
	require.NoError(t, err)

	_, ok, err := sched.Next(time.Now())
	require.NoError(t, err)
	require.False(t, ok, "an at-schedule in the past has no further occurrences")
}

func TestParseScheduleRequiresOneForm(t *testing.T) {
	_, err := ParseSchedule("", 0, "", "")
	require.Error(t, err)
}

func TestSchedulerRunsDueTaskAndDisablesOneShot(t *testing.T) {
	exec := &countingExecutor{}
	s := New(exec, 20*time.Millisecond, 2)

	sched, err := ParseSchedule("", 0, time.Now().Add(10*time.Millisecond).Format(time.RFC3339), "")
	require.NoError(t, err)

	task, err := s.Add("once", "do the thing", sched, 0, 0, false)
	require.NoError(t, err)
	require.Equal(t, StatusEnabled, task.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		got, ok := s.Get(task.ID)
		return ok && got.Status == StatusDisabled && got.LastResult != ""
	}, time.Second, 10*time.Millisecond)

	got, _ := s.Get(task.ID)
	require.Equal(t, "ok: do the thing", got.LastResult)
	require.Equal(t, 1, exec.calls)
}

func TestSchedulerRetriesOnFailure(t *testing.T) {
	exec := &countingExecutor{fail: 1, err: require.AnError}
	s := New(exec, 20*time.Millisecond, 2)

	sched, err := ParseSchedule("", 0, time.Now().Add(10*time.Millisecond).Format(time.RFC3339), "")
	require.NoError(t, err)

	task, err := s.Add("retrying", "try again", sched, 1, 10*time.Millisecond, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		got, ok := s.Get(task.ID)
		return ok && got.Status == StatusDisabled
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, 2, exec.calls)
	got, _ := s.Get(task.ID)
	require.Equal(t, "ok: try again", got.LastResult)
}

func TestCancelRemovesTask(t *testing.T) {
	s := New(&countingExecutor{}, time.Second, 1)
	sched, err := ParseSchedule("", time.Hour, "", "")
	require.NoError(t, err)
	task, err := s.Add("hourly", "p", sched, 0, 0, false)
	require.NoError(t, err)

	require.True(t, s.Cancel(task.ID))
	_, ok := s.Get(task.ID)
	require.False(t, ok)
	require.False(t, s.Cancel(task.ID), "cancelling twice reports not-found")
}

func TestListSortsByName(t *testing.T) {
	s := New(&countingExecutor{}, time.Second, 1)
	sched, _ := ParseSchedule("", time.Hour, "", "")
	_, _ = s.Add("zebra", "p", sched, 0, 0, false)
	_, _ = s.Add("apple", "p", sched, 0, 0, false)

	tasks := s.List()
	require.Len(t, tasks, 2)
	require.Equal(t, "apple", tasks[0].Name)
	require.Equal(t, "zebra", tasks[1].Name)
}

func TestToolCreateListGetCancel(t *testing.T) {
	s := New(&countingExecutor{}, time.Second, 1)
	tool := NewTool(s)

	out, err := tool.Dispatch(map[string]any{
		"action": "create",
		"name":   "nightly-digest",
		"prompt": "summarize today's activity",
		"cron":   "0 0 * * *",
	})
	require.NoError(t, err)
	require.Contains(t, out["text"].(string), "nightly-digest")

	listed := s.List()
	require.Len(t, listed, 1)
	id := listed[0].ID

	out, err = tool.Dispatch(map[string]any{"action": "list"})
	require.NoError(t, err)
	require.Contains(t, out["text"].(string), "nightly-digest")

	out, err = tool.Dispatch(map[string]any{"action": "get", "task_id": id})
	require.NoError(t, err)
	require.Contains(t, out["text"].(string), "enabled")

	out, err = tool.Dispatch(map[string]any{"action": "cancel", "task_id": id})
	require.NoError(t, err)
	require.Contains(t, out["text"].(string), id)

	_, err = tool.Dispatch(map[string]any{"action": "get", "task_id": id})
	require.Error(t, err)
}

func TestToolCreateRequiresNameAndPrompt(t *testing.T) {
	tool := NewTool(New(&countingExecutor{}, time.Second, 1))
	_, err := tool.Dispatch(map[string]any{"action": "create", "prompt": "x"})
	require.Error(t, err)
}

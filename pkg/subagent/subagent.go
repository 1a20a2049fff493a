// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package subagent implements sub-agent delegation's core mechanics
// (spec.md §4.4): running a child reply loop to completion synchronously,
// or detached in the background with a heartbeat the parent's MOIM snapshot
// reports every turn.
//
// The background task registry follows the teacher's InMemoryTaskService
// shape (pkg/agent/task_service.go: an id-keyed map guarded by a mutex,
// status transitions recorded in place) adapted to atomic turn/activity
// counters per spec.md §9's design note, rather than the teacher's
// protobuf Task/subscriber-channel model, since this spec has no streaming
// task-status wire protocol of its own.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/replyengine/pkg/config"
	"github.com/kadirpekel/replyengine/pkg/message"
	"github.com/kadirpekel/replyengine/pkg/reply"
	"github.com/kadirpekel/replyengine/pkg/session"
	"github.com/kadirpekel/replyengine/pkg/telemetry"
)

// ErrNestedDelegation is returned when a sub-agent session itself attempts
// to delegate (spec.md §8 scenario 6).
var ErrNestedDelegation = fmt.Errorf("Delegated tasks cannot spawn further delegations")

// BackgroundTask tracks one detached delegation's progress for the
// summon extension's per-turn MOIM snapshot.
type BackgroundTask struct {
	ID          string
	Description string
	StartedAt   time.Time

	turns        int64 // atomic
	lastActivity int64 // atomic, unix seconds

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result string
	err    error
}

func newBackgroundTask(id, description string, ctx context.Context, cancel context.CancelFunc) *BackgroundTask {
	return &BackgroundTask{
		ID:           id,
		Description:  description,
		StartedAt:    time.Now(),
		lastActivity: time.Now().Unix(),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

func (t *BackgroundTask) touch() {
	atomic.AddInt64(&t.turns, 1)
	atomic.StoreInt64(&t.lastActivity, time.Now().Unix())
}

// Turns returns the number of completed reply-loop turns so far.
func (t *BackgroundTask) Turns() int64 { return atomic.LoadInt64(&t.turns) }

// Idle returns how long it's been since the task last made progress.
func (t *BackgroundTask) Idle() time.Duration {
	return time.Since(time.Unix(atomic.LoadInt64(&t.lastActivity), 0))
}

// Running returns how long the task has been executing.
func (t *BackgroundTask) Running() time.Duration { return time.Since(t.StartedAt) }

// Result returns the task's final text and error once finished; ok is
// false while the task is still running.
func (t *BackgroundTask) Result() (text string, err error, ok bool) {
	select {
	case <-t.done:
	default:
		return "", nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err, true
}

func (t *BackgroundTask) finish(text string, err error) {
	t.mu.Lock()
	t.result, t.err = text, err
	t.mu.Unlock()
	close(t.done)
}

// Cancel requests the task's reply loop stop at its next check.
func (t *BackgroundTask) Cancel() { t.cancel() }

// Registry tracks every session's in-flight background delegations, capped
// at config.MaxBackgroundTasks() concurrent entries.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*BackgroundTask
}

// NewRegistry returns an empty background-task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*BackgroundTask)}
}

// Count returns the number of tasks still running (not yet finished).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.tasks {
		select {
		case <-t.done:
		default:
			n++
		}
	}
	return n
}

// Add registers a new background task, rejecting it if the concurrent cap
// (config.MaxBackgroundTasks, default 5) is already reached.
func (r *Registry) Add(description string) (*BackgroundTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	running := 0
	for _, t := range r.tasks {
		select {
		case <-t.done:
		default:
			running++
		}
	}
	if running >= config.MaxBackgroundTasks() {
		return nil, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := newBackgroundTask(uuid.NewString(), description, ctx, cancel)
	r.tasks[task.ID] = task
	return task, true
}

// Get returns a registered task by id.
func (r *Registry) Get(id string) (*BackgroundTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Snapshot renders the MOIM line listing every live task, rounding
// durations per spec.md §9 (sub-minute to nearest 10s, minute+ to whole
// minutes) to avoid thrashing the provider's prompt cache on near-identical
// repeated values.
func (r *Registry) Snapshot() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var lines []string
	for _, t := range r.tasks {
		select {
		case <-t.done:
			continue
		default:
		}
		lines = append(lines, fmt.Sprintf(
			"%s, %q, running %s, turns %d, idle %s",
			t.ID, t.Description, roundDuration(t.Running()), t.Turns(), roundDuration(t.Idle()),
		))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Background tasks:\n" + strings.Join(lines, "\n")
}

func roundDuration(d time.Duration) time.Duration {
	if d < time.Minute {
		return d.Round(10 * time.Second)
	}
	return d.Round(time.Minute)
}

// Runner drives a child reply.Loop to completion, either synchronously or
// detached in the background.
type Runner struct {
	Registry *Registry

	// Metrics records delegation start/background-task-count when non-nil.
	Metrics *telemetry.Metrics
}

// NewRunner returns a Runner backed by registry.
func NewRunner(registry *Registry) *Runner {
	return &Runner{Registry: registry}
}

// NewChildSession creates the isolated SubAgent-typed session a delegation
// runs against, sharing the parent's working directory but none of its
// conversation (spec.md §4.4 Isolation, tested by §8's sub-agent-isolation
// invariant).
func NewChildSession(parentWorkingDir string) *session.Session {
	return session.New("", session.TypeSubAgent, parentWorkingDir)
}

// CanDelegate reports whether parent is allowed to spawn a further
// delegation. A session that is itself a sub-agent may not delegate again
// (spec.md §8 scenario 6); the summon extension's delegate tool must call
// this before constructing a child loop.
func CanDelegate(parent *session.Session) bool {
	return parent.Type() != session.TypeSubAgent
}

// RunSync runs loop to completion inside the caller's request and returns
// the last assistant text, capped at loop's max-turns policy. When loop
// declared a final-output schema, the final_output tool's recorded
// arguments are returned instead (spec.md §4.4 sync: "capture the last
// assistant text, or the final-output tool's output if a schema was
// specified").
func (r *Runner) RunSync(ctx context.Context, loop *reply.Loop, instructions string) (string, error) {
	r.Metrics.RecordDelegation(false)

	var last *message.Message
	for ev, err := range loop.Reply(ctx, instructions) {
		if err != nil {
			return "", err
		}
		if ev.Kind == reply.EventMessage && !ev.Partial && ev.Message.Role == message.RoleAssistant {
			last = ev.Message
		}
	}

	if loop.HasFinalOutputTool && loop.FinalOutput != nil {
		data, err := json.Marshal(loop.FinalOutput)
		if err != nil {
			return "", fmt.Errorf("subagent: marshal final output: %w", err)
		}
		return string(data), nil
	}

	if last == nil {
		return "", fmt.Errorf("subagent: no assistant output produced")
	}
	return last.Text(), nil
}

// RunAsync spawns loop's reply in a detached goroutine and returns
// immediately with a task handle; the registry's Add call enforces the
// concurrent-background-task cap (spec.md §4.4).
func (r *Runner) RunAsync(loop *reply.Loop, description, instructions string) (*BackgroundTask, error) {
	task, ok := r.Registry.Add(description)
	if !ok {
		return nil, fmt.Errorf("subagent: max concurrent background tasks reached")
	}
	r.Metrics.RecordDelegation(true)
	r.Metrics.SetBackgroundTasksActive(r.Registry.Count())

	go func() {
		defer task.cancel()
		defer r.Metrics.SetBackgroundTasksActive(r.Registry.Count())

		var last *message.Message
		var runErr error
		for ev, err := range loop.Reply(task.ctx, instructions) {
			if err != nil {
				runErr = err
				break
			}
			if ev.Kind == reply.EventMessage && !ev.Partial && ev.Message.Role == message.RoleAssistant {
				task.touch()
				last = ev.Message
			}
		}

		text := ""
		if last != nil {
			text = last.Text()
		}
		task.finish(text, runErr)
	}()

	return task, nil
}

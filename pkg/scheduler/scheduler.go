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

// Package scheduler implements the cron-like recipe invocation collaborator
// named in spec.md §1, backing the platform_manage_schedule tool: recurring
// or one-shot prompts that run against the reply loop without a user
// present to trigger them.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Kind is the flavor of a Schedule.
type Kind string

const (
	KindCron  Kind = "cron"
	KindEvery Kind = "every"
	KindAt    Kind = "at"
)

// Schedule describes when a task recurs: a cron expression, a fixed
// interval, or a single future timestamp.
type Schedule struct {
	Kind     Kind
	CronExpr string
	Every    time.Duration
	At       time.Time
	Timezone string
}

// ParseSchedule builds a Schedule from the three mutually exclusive forms
// a caller may supply. Exactly one of cronExpr, every, or at should be
// non-zero; cronExpr takes priority if more than one is set.
func ParseSchedule(cronExpr string, every time.Duration, at, timezone string) (Schedule, error) {
	cronExpr = strings.TrimSpace(cronExpr)
	at = strings.TrimSpace(at)
	timezone = strings.TrimSpace(timezone)

	switch {
	case cronExpr != "":
		if _, err := cronParser.Parse(cronExpr); err != nil {
			return Schedule{}, fmt.Errorf("scheduler: invalid cron expression %q: %w", cronExpr, err)
		}
		return Schedule{Kind: KindCron, CronExpr: cronExpr, Timezone: timezone}, nil
	case at != "":
		ts, err := parseAt(at, timezone)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: KindAt, At: ts, Timezone: timezone}, nil
	case every > 0:
		return Schedule{Kind: KindEvery, Every: every, Timezone: timezone}, nil
	default:
		return Schedule{}, fmt.Errorf("scheduler: one of cron, every, or at is required")
	}
}

// Next computes the next run time after now. A false second return means
// the schedule has no further occurrences (a past or just-consumed "at").
func (s Schedule) Next(now time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case KindAt:
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("scheduler: at-schedule missing timestamp")
		}
		if now.After(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case KindEvery:
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("scheduler: every-schedule missing interval")
		}
		return now.Add(s.Every), true, nil
	case KindCron:
		if s.CronExpr == "" {
			return time.Time{}, false, fmt.Errorf("scheduler: cron-schedule missing expression")
		}
		sched, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("scheduler: parse cron expression: %w", err)
		}
		loc := time.UTC
		if s.Timezone != "" {
			if tz, err := time.LoadLocation(s.Timezone); err == nil {
				loc = tz
			}
		}
		next := sched.Next(now.In(loc))
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("scheduler: unknown schedule kind %q", s.Kind)
	}
}

func parseAt(value, tz string) (time.Time, error) {
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04"} {
		if parsed, err := time.ParseInLocation(layout, value, loc); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("scheduler: invalid at-schedule timestamp %q", value)
}

// Status is a scheduled task's lifecycle state.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// Task is one named, recurring (or one-shot) recipe invocation.
type Task struct {
	ID           string
	Name         string
	Prompt       string
	Schedule     Schedule
	MaxRetries   int
	RetryDelay   time.Duration
	AllowOverlap bool
	Status       Status
	NextRunAt    time.Time
	LastRunAt    time.Time
	LastResult   string
	LastError    string
	running      bool
}

// Executor runs a task's prompt against a reply loop (or equivalent) and
// returns the resulting text. Injected so this package never needs to
// know how to assemble a provider/session/extension stack itself.
type Executor interface {
	Execute(ctx context.Context, task *Task) (string, error)
}

// Scheduler polls its task set and dispatches due tasks to an Executor,
// one at a time per task (AllowOverlap controls whether a still-running
// task blocks its own next occurrence) and up to MaxConcurrency across
// tasks.
type Scheduler struct {
	executor       Executor
	pollInterval   time.Duration
	maxConcurrency int

	mu      sync.Mutex
	tasks   map[string]*Task
	sem     chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New returns a Scheduler. pollInterval and maxConcurrency fall back to
// 10s and 5 respectively when non-positive.
func New(executor Executor, pollInterval time.Duration, maxConcurrency int) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	return &Scheduler{
		executor:       executor,
		pollInterval:   pollInterval,
		maxConcurrency: maxConcurrency,
		tasks:          make(map[string]*Task),
		sem:            make(chan struct{}, maxConcurrency),
	}
}

// Add registers a new task, computing its first NextRunAt, and returns it.
func (s *Scheduler) Add(name, prompt string, sched Schedule, maxRetries int, retryDelay time.Duration, allowOverlap bool) (*Task, error) {
	next, ok, err := sched.Next(time.Now())
	if err != nil {
		return nil, err
	}
	task := &Task{
		ID:           uuid.NewString(),
		Name:         name,
		Prompt:       prompt,
		Schedule:     sched,
		MaxRetries:   maxRetries,
		RetryDelay:   retryDelay,
		AllowOverlap: allowOverlap,
		Status:       StatusEnabled,
	}
	if ok {
		task.NextRunAt = next
	} else {
		task.Status = StatusDisabled
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()
	return task, nil
}

// Cancel removes a task so it no longer fires. A task currently executing
// is not interrupted.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

// Get returns the task with the given id.
func (s *Scheduler) Get(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// List returns a snapshot of every registered task, sorted by name.
func (s *Scheduler) List() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Name > out[j].Name; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Start begins the poll loop. Calling Start on an already-running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.pollLoop(ctx)
}

// Stop cancels the poll loop and waits for in-flight executions to finish
// or ctx to expire, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.pollDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollDue(ctx)
		}
	}
}

func (s *Scheduler) pollDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*Task
	for _, t := range s.tasks {
		if t.Status != StatusEnabled || t.NextRunAt.IsZero() || t.NextRunAt.After(now) {
			continue
		}
		if t.running && !t.AllowOverlap {
			continue
		}
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		s.dispatch(ctx, t)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, t *Task) {
	select {
	case s.sem <- struct{}{}:
	default:
		return // at capacity, try again next poll tick
	}

	s.mu.Lock()
	t.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		s.runWithRetry(ctx, t)
	}()
}

func (s *Scheduler) runWithRetry(ctx context.Context, t *Task) {
	var result string
	var execErr error
	for attempt := 0; attempt <= t.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := t.RetryDelay
			if delay <= 0 {
				delay = 30 * time.Second
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				execErr = ctx.Err()
				break
			}
		}
		result, execErr = s.executor.Execute(ctx, t)
		if execErr == nil {
			break
		}
	}

	s.mu.Lock()
	t.running = false
	t.LastRunAt = time.Now()
	if execErr != nil {
		t.LastError = execErr.Error()
	} else {
		t.LastError = ""
		t.LastResult = result
	}
	next, ok, err := t.Schedule.Next(t.LastRunAt)
	switch {
	case err != nil:
		t.Status = StatusDisabled
	case !ok:
		t.Status = StatusDisabled
	default:
		t.NextRunAt = next
	}
	s.mu.Unlock()
}

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

// Package elicitation implements the elicitation-response channel spec.md
// §4.1/§5 mentions alongside the permission-confirmation channel: a pending
// ActionRequired::Elicitation awaits its answer on a per-request channel,
// mirroring pkg/permission's ConfirmationChannel.
package elicitation

import "sync"

// PendingElicitation is an elicitation request awaiting its answer.
type PendingElicitation struct {
	ID     string
	Data   map[string]any
	Answer chan map[string]any
}

// Manager is the bounded MPSC pair (spec.md §5: buffer 32, matching the
// confirmation channel's bound) one agent session uses to publish
// ActionRequired::Elicitation items and receive the user's routed answer.
type Manager struct {
	pending chan *PendingElicitation

	mu      sync.Mutex
	waiting map[string]*PendingElicitation // id -> pending
}

// New returns a Manager with the spec's buffer-32 bound.
func New() *Manager {
	return &Manager{
		pending: make(chan *PendingElicitation, 32),
		waiting: make(map[string]*PendingElicitation),
	}
}

// Request publishes a pending elicitation and returns a channel the caller
// awaits for the routed answer.
func (m *Manager) Request(id string, data map[string]any) <-chan map[string]any {
	p := &PendingElicitation{ID: id, Data: data, Answer: make(chan map[string]any, 1)}
	m.mu.Lock()
	m.waiting[id] = p
	m.mu.Unlock()
	m.pending <- p
	return p.Answer
}

// Pending drains the next published elicitation request, for a frontend to
// render and eventually answer via Resolve.
func (m *Manager) Pending() <-chan *PendingElicitation {
	return m.pending
}

// Resolve routes a user's elicitation-response answer back to the pending
// request identified by id. Returns false if no elicitation is pending for
// that id.
func (m *Manager) Resolve(id string, answer map[string]any) bool {
	m.mu.Lock()
	p, ok := m.waiting[id]
	if ok {
		delete(m.waiting, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.Answer <- answer
	close(p.Answer)
	return true
}

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

// Package permission implements the three-stage tool-call inspection
// pipeline (spec.md §4.3: Security, Permission, Repetition) and the
// confirmation channel used to route a pending tool call's AllowOnce/
// Allow/Deny decision back from the user.
package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kadirpekel/replyengine/pkg/tool"
)

// Decision is the outcome of inspecting one tool call.
type Decision string

const (
	// Approved means the call may dispatch immediately.
	Approved Decision = "approved"
	// Denied means the call is synthesized as a declined ToolResponse
	// without ever reaching the tool.
	Denied Decision = "denied"
	// NeedsConfirmation means the call must wait on the confirmation
	// channel for a user decision before it can proceed.
	NeedsConfirmation Decision = "needs_confirmation"
)

// ConfirmationDecision is the user's answer to a pending confirmation.
type ConfirmationDecision string

const (
	AllowOnce ConfirmationDecision = "allow_once"
	Allow     ConfirmationDecision = "allow"
	Deny      ConfirmationDecision = "deny"
)

// Policy configures the Security and Permission stages. Patterns are exact
// names or a trailing-`*` prefix, matching the teacher's approval-policy
// matching convention.
type Policy struct {
	// Denylist tools never run (Security stage).
	Denylist []string
	// Allowlist tools always run without confirmation (Permission stage).
	Allowlist []string
	// RequireConfirmation tools always pause for user confirmation, even if
	// they'd otherwise match the allowlist.
	RequireConfirmation []string
	// DefaultNeedsConfirmation is the fallback when no list matches.
	DefaultNeedsConfirmation bool
}

// DefaultPolicy denies nothing outright and asks for confirmation on
// anything not explicitly allowlisted, mirroring the teacher's
// DefaultApprovalPolicy default-pending behavior.
func DefaultPolicy() Policy {
	return Policy{DefaultNeedsConfirmation: true}
}

func matchesPattern(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// RepetitionWindow is the sliding-window size the Repetition stage checks;
// the third identical name+args call in a row auto-denies (SPEC_FULL.md §4
// Supplemented Features).
const RepetitionWindow = 3

// repetitionTracker records the last RepetitionWindow calls per agent
// session, keyed by a hash of name+args, to flag runaway identical repeats.
type repetitionTracker struct {
	mu      sync.Mutex
	history map[string][]string // sessionID -> recent call hashes, most recent last
}

func newRepetitionTracker() *repetitionTracker {
	return &repetitionTracker{history: make(map[string][]string)}
}

func callHash(call *tool.Call) string {
	// Sort-independent of map iteration order via JSON marshaling of args is
	// not guaranteed stable across Go versions for maps with mixed key
	// types, but map[string]any keys are always strings and encoding/json
	// sorts object keys lexicographically, so this hash is deterministic.
	argsJSON, _ := json.Marshal(call.Args)
	h := sha256.Sum256([]byte(call.Name + "\x00" + string(argsJSON)))
	return hex.EncodeToString(h[:])
}

// observe records call and reports whether this is the RepetitionWindow-th
// consecutive identical call for sessionID (i.e. it should be denied).
func (r *repetitionTracker) observe(sessionID string, call *tool.Call) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash := callHash(call)
	hist := r.history[sessionID]
	hist = append(hist, hash)
	if len(hist) > RepetitionWindow {
		hist = hist[len(hist)-RepetitionWindow:]
	}
	r.history[sessionID] = hist

	if len(hist) < RepetitionWindow {
		return false
	}
	for _, h := range hist {
		if h != hash {
			return false
		}
	}
	return true
}

// Reset clears repetition history for a session. The reply loop does not
// call it, so the history carries across turns and compactions.
func (r *repetitionTracker) Reset(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.history, sessionID)
}

// Inspector runs the three-stage pipeline: Security (denylist) →
// Permission (allow/confirm policy) → Repetition (sliding-window dedup).
type Inspector struct {
	policy      Policy
	repetitions *repetitionTracker
}

// NewInspector returns an Inspector enforcing policy.
func NewInspector(policy Policy) *Inspector {
	return &Inspector{policy: policy, repetitions: newRepetitionTracker()}
}

// Inspect runs all three stages for a single tool call within sessionID and
// returns the resulting Decision plus a human-readable reason.
func (i *Inspector) Inspect(sessionID string, call *tool.Call) (Decision, string) {
	if matchesPattern(i.policy.Denylist, call.Name) {
		return Denied, "tool in denylist"
	}

	if matchesPattern(i.policy.RequireConfirmation, call.Name) {
		return NeedsConfirmation, "tool requires confirmation"
	}
	if matchesPattern(i.policy.Allowlist, call.Name) {
		return i.inspectRepetition(sessionID, call, Approved, "tool in allowlist")
	}

	if i.policy.DefaultNeedsConfirmation {
		return NeedsConfirmation, "default policy requires confirmation"
	}
	return i.inspectRepetition(sessionID, call, Approved, "default policy allows")
}

func (i *Inspector) inspectRepetition(sessionID string, call *tool.Call, onPass Decision, reason string) (Decision, string) {
	if i.repetitions.observe(sessionID, call) {
		return Denied, fmt.Sprintf("identical call repeated %d times in a row", RepetitionWindow)
	}
	return onPass, reason
}

// ResetRepetitions clears the repetition window for a session.
func (i *Inspector) ResetRepetitions(sessionID string) {
	i.repetitions.Reset(sessionID)
}

// PendingConfirmation is a tool call awaiting a user decision.
type PendingConfirmation struct {
	Call     *tool.Call
	Decision chan ConfirmationDecision
}

// ConfirmationChannel is the bounded MPSC pair (spec.md §5: buffer 32) one
// agent uses to publish ActionRequired::ToolConfirmation items and receive
// the user's routed decision.
type ConfirmationChannel struct {
	pending chan *PendingConfirmation

	mu      sync.Mutex
	waiting map[string]*PendingConfirmation // toolCallID -> pending
}

// NewConfirmationChannel returns a ConfirmationChannel with the spec's
// buffer-32 bound.
func NewConfirmationChannel() *ConfirmationChannel {
	return &ConfirmationChannel{
		pending: make(chan *PendingConfirmation, 32),
		waiting: make(map[string]*PendingConfirmation),
	}
}

// Request publishes a pending confirmation and returns a channel the caller
// awaits for the routed decision.
func (c *ConfirmationChannel) Request(call *tool.Call) <-chan ConfirmationDecision {
	p := &PendingConfirmation{Call: call, Decision: make(chan ConfirmationDecision, 1)}
	c.mu.Lock()
	c.waiting[call.ID] = p
	c.mu.Unlock()
	c.pending <- p
	return p.Decision
}

// Pending drains the next published confirmation request, for a frontend to
// render and eventually answer via Resolve.
func (c *ConfirmationChannel) Pending() <-chan *PendingConfirmation {
	return c.pending
}

// Resolve routes a user decision back to the tool call identified by
// toolCallID. Returns false if no confirmation is pending for that id.
func (c *ConfirmationChannel) Resolve(toolCallID string, decision ConfirmationDecision) bool {
	c.mu.Lock()
	p, ok := c.waiting[toolCallID]
	if ok {
		delete(c.waiting, toolCallID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.Decision <- decision
	close(p.Decision)
	return true
}

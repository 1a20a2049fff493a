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

// Package session provides the durable per-session store: conversation,
// token counters, extension set, and provider/model configuration.
//
// Messages are append-only except for replace_conversation, used by
// compaction to atomically swap the entire conversation in one write-locked
// step.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/replyengine/pkg/message"
)

// Type identifies the kind of session.
type Type string

const (
	TypeRegular  Type = "regular"
	TypeSubAgent Type = "sub_agent"
	TypeHidden   Type = "hidden"
)

// TokenCounts mirrors the persisted per-session token ledger. Current
// counters are replaced wholesale on each update; accumulated counters only
// grow.
type TokenCounts struct {
	Input  int
	Output int
	Total  int

	AccumulatedInput  int
	AccumulatedOutput int
	AccumulatedTotal  int
}

// Add folds usage from a single provider call into the ledger: current
// counters are replaced, accumulated counters grow.
func (t *TokenCounts) Add(input, output int) {
	t.Input = input
	t.Output = output
	t.Total = input + output
	t.AccumulatedInput += input
	t.AccumulatedOutput += output
	t.AccumulatedTotal += input + output
}

// ApplyCompaction implements the compaction token-accounting invariant:
// input = summary output size, output = none, total = input; the
// accumulated ledger still grows by the compaction call's own cost.
func (t *TokenCounts) ApplyCompaction(summaryOutputTokens, compactionInput, compactionOutput int) {
	t.Input = summaryOutputTokens
	t.Output = 0
	t.Total = summaryOutputTokens
	t.AccumulatedInput += compactionInput
	t.AccumulatedOutput += compactionOutput
	t.AccumulatedTotal += compactionInput + compactionOutput
}

// ExtensionData tracks which extensions are enabled for a session.
type ExtensionData struct {
	EnabledExtensions []string
}

// ModelConfig is the persisted provider/model selection for a session.
type ModelConfig struct {
	Provider    string
	Model       string
	Temperature *float64
}

// Session is a durable per-session document: conversation, counters,
// provider selection, and bookkeeping.
type Session struct {
	mu sync.RWMutex

	id          string
	sessionType Type
	workingDir  string

	conversation *message.Conversation

	providerName  string
	modelConfig   ModelConfig
	extensionData ExtensionData
	recipeName    string

	tokens TokenCounts

	// ActiveToolGroups records the tool groups of the orchestrator's chosen
	// mode and is persisted with the session. The reply loop does not filter
	// the tool list by it.
	ActiveToolGroups []string
	// AllowedExtensions restricts which extensions' tools are exposed when
	// non-empty (set by the orchestrator).
	AllowedExtensions []string
	ActiveModeSlug    string

	createdAt   time.Time
	updatedAt   time.Time
	description string
}

// New creates a Session with an empty conversation.
func New(id string, sessionType Type, workingDir string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	return &Session{
		id:           id,
		sessionType:  sessionType,
		workingDir:   workingDir,
		conversation: message.NewConversation(),
		createdAt:    now,
		updatedAt:    now,
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) Type() Type { return s.sessionType }
func (s *Session) WorkingDir() string { return s.workingDir }

func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

func (s *Session) Description() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.description
}

func (s *Session) SetDescription(d string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.description = d
	s.updatedAt = time.Now()
}

func (s *Session) ProviderName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providerName
}

func (s *Session) SetProviderName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerName = name
	s.updatedAt = time.Now()
}

func (s *Session) ModelConfig() ModelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modelConfig
}

func (s *Session) SetModelConfig(cfg ModelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelConfig = cfg
	s.updatedAt = time.Now()
}

func (s *Session) ExtensionData() ExtensionData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extensionData
}

func (s *Session) SetExtensionData(ed ExtensionData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extensionData = ed
	s.updatedAt = time.Now()
}

func (s *Session) RecipeName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recipeName
}

func (s *Session) SetRecipeName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipeName = name
	s.updatedAt = time.Now()
}

// Tokens returns a snapshot of the current token ledger.
func (s *Session) Tokens() TokenCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// AddUsage folds a completed provider call's usage into the ledger.
func (s *Session) AddUsage(input, output int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens.Add(input, output)
	s.updatedAt = time.Now()
}

// ApplyCompactionUsage applies the compaction token-accounting invariant.
func (s *Session) ApplyCompactionUsage(summaryOutputTokens, compactionInput, compactionOutput int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens.ApplyCompaction(summaryOutputTokens, compactionInput, compactionOutput)
	s.updatedAt = time.Now()
}

// AppendMessage is the append-only path for conversation growth.
func (s *Session) AppendMessage(m *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation.Append(m)
	s.updatedAt = time.Now()
}

// Conversation returns a snapshot of the conversation. Callers must not
// mutate the returned value; use AppendMessage or ReplaceConversation.
func (s *Session) Conversation() *message.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversation.Clone()
}

// ReplaceConversation atomically swaps the entire conversation. This is the
// only non-append mutation path, used by compaction's history rewrite. The
// swap is linearizable: readers observe either the whole old conversation
// or the whole new one, never a partial mix.
func (s *Session) ReplaceConversation(c *message.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation = c
	s.updatedAt = time.Now()
}

// sessionDocument is Session's on-the-wire shape: the per-session JSON
// document spec.md §6 describes, mirroring every field Session guards
// behind its mutex under exported names.
type sessionDocument struct {
	ID           string                `json:"id"`
	Type         Type                  `json:"type"`
	WorkingDir   string                `json:"working_dir"`
	Conversation *message.Conversation `json:"conversation"`

	ProviderName  string        `json:"provider_name"`
	ModelConfig   ModelConfig   `json:"model_config"`
	ExtensionData ExtensionData `json:"extension_data"`
	RecipeName    string        `json:"recipe_name"`

	Tokens TokenCounts `json:"tokens"`

	ActiveToolGroups  []string `json:"active_tool_groups"`
	AllowedExtensions []string `json:"allowed_extensions"`
	ActiveModeSlug    string   `json:"active_mode_slug"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Description string    `json:"description"`
}

// MarshalJSON serializes the session into the durable per-session document
// format (spec.md §6), reaching past the mutex-guarded unexported fields.
func (s *Session) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := sessionDocument{
		ID:                s.id,
		Type:              s.sessionType,
		WorkingDir:        s.workingDir,
		Conversation:      s.conversation,
		ProviderName:      s.providerName,
		ModelConfig:       s.modelConfig,
		ExtensionData:     s.extensionData,
		RecipeName:        s.recipeName,
		Tokens:            s.tokens,
		ActiveToolGroups:  s.ActiveToolGroups,
		AllowedExtensions: s.AllowedExtensions,
		ActiveModeSlug:    s.ActiveModeSlug,
		CreatedAt:         s.createdAt,
		UpdatedAt:         s.updatedAt,
		Description:       s.description,
	}
	return json.Marshal(doc)
}

// UnmarshalJSON reverses MarshalJSON, restoring every field including the
// ones Session keeps unexported.
func (s *Session) UnmarshalJSON(data []byte) error {
	var doc sessionDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = doc.ID
	s.sessionType = doc.Type
	s.workingDir = doc.WorkingDir
	s.conversation = doc.Conversation
	if s.conversation == nil {
		s.conversation = message.NewConversation()
	}
	s.providerName = doc.ProviderName
	s.modelConfig = doc.ModelConfig
	s.extensionData = doc.ExtensionData
	s.recipeName = doc.RecipeName
	s.tokens = doc.Tokens
	s.ActiveToolGroups = doc.ActiveToolGroups
	s.AllowedExtensions = doc.AllowedExtensions
	s.ActiveModeSlug = doc.ActiveModeSlug
	s.createdAt = doc.CreatedAt
	s.updatedAt = doc.UpdatedAt
	s.description = doc.Description
	return nil
}

// ErrSessionNotFound is returned when a session id has no matching session.
var ErrSessionNotFound = errors.New("session: not found")

// Store is the session persistence/lookup surface used by the runtime.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Create(ctx context.Context, sessionType Type, workingDir string) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
	Delete(ctx context.Context, id string) error
}

// InMemoryStore is a process-local Store backed by a map guarded by a
// read-write mutex, mirroring the runtime's in-memory session service.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemoryStore returns an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Session)}
}

func (st *InMemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (st *InMemoryStore) Create(ctx context.Context, sessionType Type, workingDir string) (*Session, error) {
	s := New("", sessionType, workingDir)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.ID()] = s
	return s, nil
}

func (st *InMemoryStore) List(ctx context.Context) ([]*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (st *InMemoryStore) Delete(ctx context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(st.sessions, id)
	return nil
}

var _ Store = (*InMemoryStore)(nil)

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

// Package extension implements the extension manager: registration of
// external (MCP) tool providers, name-prefixed tool listing, and the
// per-turn get_moim snapshot.
package extension

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kadirpekel/replyengine/pkg/registry"
	"github.com/kadirpekel/replyengine/pkg/tool"
)

// Info is the static identity an extension reports.
type Info struct {
	Name         string
	Version      string
	Capabilities []string
	Instructions string
}

// Extension is a connected external tool provider (MCP server or an
// in-process provider implementing the same contract).
type Extension interface {
	Name() string
	Info() Info

	// ListTools returns the extension's tools, unprefixed.
	ListTools(ctx context.Context) ([]tool.Tool, error)

	// CallTool invokes one of the extension's tools by its unprefixed name.
	CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error)

	// MOIM returns this turn's free-form context snippet, or "" if none.
	MOIM(ctx context.Context, sessionID string) string

	Close() error
}

// Prefix returns the `<extension>__<tool>` name used on the wire.
func Prefix(extensionName, toolName string) string {
	return extensionName + "__" + toolName
}

// Split reverses Prefix, returning ok=false if name isn't prefixed.
func Split(name string) (extensionName, toolName string, ok bool) {
	idx := strings.Index(name, "__")
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+2:], true
}

// prefixedTool wraps a tool.Tool so its Name() reports the prefixed form.
type prefixedTool struct {
	tool.Tool
	prefixed string
}

func (p *prefixedTool) Name() string { return p.prefixed }

// Manager registers extensions and exposes their tools under prefixed
// names. Extension add/remove is serialized; listing/calling only reads.
type Manager struct {
	reg *registry.BaseRegistry[Extension]
	mu  sync.Mutex
}

// NewManager returns an empty extension manager.
func NewManager() *Manager {
	return &Manager{reg: registry.NewBaseRegistry[Extension]()}
}

// Add registers an extension. Serialized against Remove.
func (m *Manager) Add(ext Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.Register(ext.Name(), ext)
}

// Remove unregisters and closes an extension.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ext, ok := m.reg.Get(name)
	if !ok {
		return fmt.Errorf("extension %q not registered", name)
	}
	if err := m.reg.Remove(name); err != nil {
		return err
	}
	return ext.Close()
}

// Get returns a registered extension by name.
func (m *Manager) Get(name string) (Extension, bool) {
	return m.reg.Get(name)
}

// Names returns every registered extension's name.
func (m *Manager) Names() []string {
	var names []string
	for _, e := range m.reg.List() {
		names = append(names, e.Name())
	}
	return names
}

// ListTools returns every extension's tools under their prefixed names.
// An extension whose ListTools call fails is logged and dropped from the
// catalog for this turn (ExtensionLookup error kind) rather than failing
// the whole listing.
func (m *Manager) ListTools(ctx context.Context, allowedExtensions []string) ([]tool.Tool, []error) {
	var allowed map[string]bool
	if len(allowedExtensions) > 0 {
		allowed = make(map[string]bool, len(allowedExtensions))
		for _, n := range allowedExtensions {
			allowed[n] = true
		}
	}

	var tools []tool.Tool
	var errs []error
	for _, ext := range m.reg.List() {
		if allowed != nil && !allowed[ext.Name()] {
			continue
		}
		raw, err := ext.ListTools(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("extension %q: %w", ext.Name(), err))
			continue
		}
		for _, t := range raw {
			tools = append(tools, &prefixedTool{Tool: t, prefixed: Prefix(ext.Name(), t.Name())})
		}
	}
	return tools, errs
}

// CallTool dispatches a prefixed tool name to the owning extension.
func (m *Manager) CallTool(ctx context.Context, prefixedName string, args map[string]any) (map[string]any, error) {
	extName, toolName, ok := Split(prefixedName)
	if !ok {
		return nil, fmt.Errorf("extension: %q is not a prefixed extension tool name", prefixedName)
	}
	ext, ok := m.reg.Get(extName)
	if !ok {
		return nil, fmt.Errorf("extension: no extension registered for prefix %q", extName)
	}
	return ext.CallTool(ctx, toolName, args)
}

// MOIMSnapshots collects every registered extension's current MOIM text,
// keyed by extension name, skipping extensions that return "".
func (m *Manager) MOIMSnapshots(ctx context.Context, sessionID string) map[string]string {
	out := map[string]string{}
	for _, ext := range m.reg.List() {
		if text := ext.MOIM(ctx, sessionID); text != "" {
			out[ext.Name()] = text
		}
	}
	return out
}

// Close closes every registered extension.
func (m *Manager) Close() error {
	var firstErr error
	for _, ext := range m.reg.List() {
		if err := ext.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

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

// Package tokencount estimates token counts for proactive-compaction
// threshold checks and session counters. It wraps tiktoken-go, falling back
// to a length/4 heuristic when an encoding can't be resolved for a model.
package tokencount

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/replyengine/pkg/message"
)

var (
	cacheMu       sync.RWMutex
	encodingCache = make(map[string]*tiktoken.Tiktoken)
)

// tokensPerMessage approximates OpenAI's message-framing overhead; used as
// a uniform per-message cost regardless of provider since this estimate
// only ever feeds a ratio-based threshold check, not billing.
const tokensPerMessage = 3

// Counter estimates token counts for a specific model's encoding.
type Counter struct {
	enc   *tiktoken.Tiktoken
	model string
}

// New returns a Counter for model, falling back to cl100k_base when the
// model has no known tiktoken encoding.
func New(model string) *Counter {
	cacheMu.RLock()
	enc, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{enc: enc, model: model}
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}

	cacheMu.Lock()
	if err == nil {
		encodingCache[model] = enc
	}
	cacheMu.Unlock()

	return &Counter{enc: enc, model: model}
}

// Count returns the token count of s, or a length/4 heuristic if no
// encoding could be loaded.
func (c *Counter) Count(s string) int {
	if c == nil || c.enc == nil {
		return len(s) / 4
	}
	return len(c.enc.Encode(s, nil, nil))
}

// CountMessage estimates the tokens a single message contributes once
// rendered onto the wire: role+text content plus per-message framing.
func (c *Counter) CountMessage(m *message.Message) int {
	total := tokensPerMessage + c.Count(string(m.Role))
	for _, item := range m.Content {
		switch v := item.(type) {
		case message.Text:
			total += c.Count(v.Value)
		case message.Thinking:
			total += c.Count(v.Text)
		case message.ToolRequest:
			if v.Call != nil {
				total += c.Count(v.Call.Name)
				for k, a := range v.Call.Args {
					total += c.Count(k) + c.Count(toString(a))
				}
			}
		case message.ToolResponse:
			if v.Result != nil {
				for _, tc := range v.Result.Content {
					total += c.Count(tc.Text)
				}
			}
		case message.SystemNotification:
			total += c.Count(v.Text)
		}
	}
	return total
}

// CountMessages sums CountMessage over every message, plus the fixed
// priming cost for the model's next reply.
func (c *Counter) CountMessages(msgs []*message.Message) int {
	total := tokensPerMessage
	for _, m := range msgs {
		total += c.CountMessage(m)
	}
	return total
}

// CountConversation estimates the agent-visible conversation's token size,
// the figure the proactive-compaction threshold check uses.
func (c *Counter) CountConversation(conv *message.Conversation) int {
	return c.CountMessages(conv.AgentView())
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

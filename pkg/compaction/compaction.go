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

// Package compaction implements proactive and reactive conversation
// compaction: summarizing the agent-visible conversation with a cheap LLM
// call and atomically replacing the session's conversation with a shorter
// equivalent.
package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/replyengine/pkg/config"
	"github.com/kadirpekel/replyengine/pkg/message"
	"github.com/kadirpekel/replyengine/pkg/provider"
	"github.com/kadirpekel/replyengine/pkg/session"
	"github.com/kadirpekel/replyengine/pkg/telemetry"
	"github.com/kadirpekel/replyengine/pkg/tokencount"
)

// MaxReactiveAttempts bounds reactive compaction per turn (spec.md §9 Open
// Question: the cap is conservative and a third pass is currently fatal).
const MaxReactiveAttempts = 2

const summarizationSystemPrompt = `You are a conversation summarization assistant. Your task is to create a concise, accurate summary of the conversation below.

REQUIREMENTS:
1. Preserve ALL key facts, decisions, and action items
2. Maintain the logical flow and context
3. Include important user preferences or requirements mentioned
4. Keep technical details that might be referenced later
5. Note any unresolved questions or pending tasks
6. Use clear, direct language
7. Aim for 30-50% of original length while keeping all essential information

Format your summary as a coherent narrative, not bullet points unless the conversation naturally requires it.`

const continuationText = "The conversation above this point has been summarized. Continue helping the user from here, using the summary as context. Don't mention this summarization occurred."

// Compactor owns the proactive-threshold check and the summarize-and-replace
// procedure shared by both proactive and reactive compaction.
type Compactor struct {
	llm     provider.LLM
	counter *tokencount.Counter

	// Metrics records compaction run count/duration/tokens-saved when
	// non-nil.
	Metrics *telemetry.Metrics
}

// New returns a Compactor that estimates tokens for model and summarizes
// through llm (normally via CompleteFast).
func New(llm provider.LLM, model string) *Compactor {
	return &Compactor{llm: llm, counter: tokencount.New(model)}
}

// ShouldCompact reports whether the agent-visible conversation's estimated
// token size has crossed the proactive-compaction threshold relative to
// modelContextLimit.
func (c *Compactor) ShouldCompact(conv *message.Conversation, modelContextLimit int) bool {
	if modelContextLimit <= 0 {
		return false
	}
	threshold := config.AutoCompactThreshold()
	current := c.counter.CountConversation(conv)
	return float64(current) >= threshold*float64(modelContextLimit)
}

// Compact runs the spec.md §4.2 four-step procedure against sess and
// returns the replacement conversation's estimated input-token size (the
// new session.input_tokens value per the token-accounting invariant).
//
// It is the caller's responsibility to invoke this from the right trigger
// (proactive threshold check, or reactive ErrContextLengthExceeded handler
// bounded to MaxReactiveAttempts) and to surface CompactionFailure as fatal
// for the turn on error.
func (c *Compactor) Compact(ctx context.Context, sess *session.Session) (int, error) {
	start := time.Now()
	beforeTokens := c.counter.CountConversation(sess.Conversation())

	conv := sess.Conversation()
	visible := conv.AgentView()
	if len(visible) == 0 {
		return 0, fmt.Errorf("compaction: nothing to summarize")
	}

	summary, usage, err := c.summarize(ctx, visible)
	if err != nil {
		return 0, fmt.Errorf("compaction: %w", err)
	}

	replacement := buildReplacementConversation(conv, summary)
	sess.ReplaceConversation(replacement)

	summaryOutputTokens := c.counter.CountConversation(replacement)
	sess.ApplyCompactionUsage(summaryOutputTokens, usage.PromptTokens, usage.CompletionTokens)
	c.Metrics.RecordCompaction(time.Since(start), beforeTokens-summaryOutputTokens)
	return summaryOutputTokens, nil
}

// summarize renders the conversation as plain text and asks the provider's
// fast/cheap path for a narrative summary.
func (c *Compactor) summarize(ctx context.Context, visible []*message.Message) (string, provider.Usage, error) {
	req := &provider.Request{
		SystemInstruction: summarizationSystemPrompt,
		Messages: []*message.Message{
			message.NewMessage(message.RoleUser, message.Text{Value: formatConversation(visible)}),
		},
	}

	resp, err := c.llm.CompleteFast(ctx, req)
	if err != nil {
		return "", provider.Usage{}, fmt.Errorf("generate summary: %w", err)
	}

	summary := strings.TrimSpace(resp.Message.Text())
	if summary == "" {
		return "", provider.Usage{}, fmt.Errorf("empty summary generated")
	}
	var usage provider.Usage
	if resp.Usage != nil {
		usage = *resp.Usage
	}
	return summary, usage, nil
}

func formatConversation(msgs []*message.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		role := string(m.Role)
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(m.Text())
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// buildReplacementConversation implements the exact visibility contract
// from spec.md §4.2 / §8 scenario 5: originals become agent-invisible (kept
// for audit/user display), a summary message and a continuation message are
// appended as agent-visible/user-invisible, and a trailing user message (the
// latest turn, not a tool-result carrier) is kept visible to both and placed
// after the continuation message.
func buildReplacementConversation(conv *message.Conversation, summary string) *message.Conversation {
	out := message.NewConversation()

	msgs := conv.Messages
	var trailing *message.Message
	if n := len(msgs); n > 0 && msgs[n-1].Role == message.RoleUser && len(msgs[n-1].ToolResponses()) == 0 {
		trailing = msgs[n-1]
		msgs = msgs[:n-1]
	}

	for _, m := range msgs {
		cp := *m
		cp.AgentVisible = false
		out.Append(&cp)
	}

	summaryMsg := message.NewMessage(message.RoleAssistant, message.Text{
		Value: fmt.Sprintf("Previous conversation summary:\n\n%s", summary),
	})
	summaryMsg.UserVisible = false
	out.Append(summaryMsg)

	continuationMsg := message.NewMessage(message.RoleAssistant, message.Text{Value: continuationText})
	continuationMsg.UserVisible = false
	out.Append(continuationMsg)

	if trailing != nil {
		out.Append(trailing)
	}

	return out
}

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

package reply

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kadirpekel/replyengine/pkg/config"
	"github.com/kadirpekel/replyengine/pkg/message"
)

const defaultRetryCheckTimeout = 30 * time.Second

// handleNoToolCalls implements spec.md §4.1 step 8's second and third
// bullets, invoked once a turn produces a message with no tool requests:
// it either nudges the model to fill an unsatisfied final-output tool, or
// runs the recipe's retry checks (§4.1a) and decides whether the loop
// should run another turn.
func (l *Loop) handleNoToolCalls(ctx context.Context, retryAttempts *int, yield func(AgentEvent, error) bool) (cont bool) {
	if l.HasFinalOutputTool {
		return l.nudgeForFinalOutput(yield)
	}
	if l.Retry == nil || len(l.Retry.Checks) == 0 {
		return false
	}
	return l.runRetryPass(ctx, retryAttempts, yield)
}

// nudgeForFinalOutput appends the continuation message spec.md §4.1
// describes for an unfilled final-output tool and asks the caller to loop.
func (l *Loop) nudgeForFinalOutput(yield func(AgentEvent, error) bool) bool {
	msg := message.NewMessage(message.RoleUser, message.Text{
		Value: "You haven't submitted a final answer yet. Call the final_output tool with your response.",
	})
	msg.UserVisible = false
	l.Session.AppendMessage(msg)
	return yield(AgentEvent{Kind: EventMessage, Message: msg}, nil)
}

// runRetryPass runs the configured checks once; on failure it either
// injects a synthetic failure notice and asks for another turn, or, once
// max_retries is exhausted, runs on_failure (as an in-band user message,
// per this ledger's Open Question decision) and ends the loop.
func (l *Loop) runRetryPass(ctx context.Context, retryAttempts *int, yield func(AgentEvent, error) bool) bool {
	failed := runRetryChecks(ctx, l.Retry.Checks, l.Retry.TimeoutSeconds)
	if len(failed) == 0 {
		return false
	}

	*retryAttempts++
	maxRetries := l.Retry.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	if *retryAttempts >= maxRetries {
		if l.Retry.OnFailure != "" {
			msg := message.NewMessage(message.RoleUser, message.Text{Value: l.Retry.OnFailure})
			msg.UserVisible = false
			l.Session.AppendMessage(msg)
			yield(AgentEvent{Kind: EventMessage, Message: msg}, nil)
		}
		return false
	}

	notice := message.NewMessage(message.RoleUser, message.Text{
		Value: fmt.Sprintf("The following checks failed; address them and try again:\n%s", strings.Join(failed, "\n")),
	})
	notice.UserVisible = false
	l.Session.AppendMessage(notice)
	return yield(AgentEvent{Kind: EventMessage, Message: notice}, nil)
}

// runRetryChecks runs every configured shell check to completion,
// returning a description of each one that exited non-zero (or timed
// out); empty when every check passed.
func runRetryChecks(ctx context.Context, checks []config.RetryCheck, timeoutSeconds int) []string {
	timeout := defaultRetryCheckTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}

	var failed []string
	for _, check := range checks {
		if check.Shell == "" {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		cmd := exec.CommandContext(checkCtx, "sh", "-c", check.Shell)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		err := cmd.Run()
		cancel()
		if err != nil {
			failed = append(failed, fmt.Sprintf("%q failed: %v\n%s", check.Shell, err, strings.TrimSpace(out.String())))
		}
	}
	return failed
}

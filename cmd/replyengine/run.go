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

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/kadirpekel/replyengine/pkg/reply"
	"github.com/kadirpekel/replyengine/pkg/session"
)

// RunCmd executes a single reply turn against stdin (or --prompt) and
// prints the assistant's final text to stdout, for use from scripts and
// pipelines rather than an interactive terminal.
type RunCmd struct {
	Prompt string `help:"Prompt text. Reads stdin if omitted."`
}

func (c *RunCmd) Run(ctx context.Context, cli *CLI) error {
	prompt := c.Prompt
	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		prompt = string(data)
	}
	if prompt == "" {
		return fmt.Errorf("no prompt given (pass --prompt or pipe one to stdin)")
	}

	rt, err := buildRuntime(cli)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}
	sess := session.New("", session.TypeRegular, cwd)
	loop := rt.newLoop(sess, rt.SystemPrompt, cli.MaxTurns, rt.HasFinalOutputTool)

	rt.routeTurn(ctx, sess, prompt)

	var last string
	for event, err := range loop.Reply(ctx, prompt) {
		if err != nil {
			return err
		}
		if event.Kind == reply.EventMessage && event.Message != nil && event.Message.UserVisible {
			if text := event.Message.Text(); text != "" {
				last = text
			}
		}
	}
	fmt.Println(last)
	return nil
}

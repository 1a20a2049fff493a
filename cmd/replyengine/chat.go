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
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/kadirpekel/replyengine/pkg/reply"
	"github.com/kadirpekel/replyengine/pkg/session"
)

// ChatCmd starts an interactive, line-oriented chat session against one
// reply.Loop, with the scheduler running in the background so tasks
// created via /compact's sibling, the platform_manage_schedule tool, fire
// while the session is open.
type ChatCmd struct{}

func (c *ChatCmd) Run(ctx context.Context, cli *CLI) error {
	rt, err := buildRuntime(cli)
	if err != nil {
		return err
	}

	rt.Scheduler.Start(ctx)

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	var store *session.FileStore
	if cli.SessionDir != "" {
		store, err = session.NewFileStore(cli.SessionDir)
		if err != nil {
			return err
		}
	}

	var sess *session.Session
	switch {
	case store != nil && cli.Resume != "":
		sess, err = store.Get(ctx, cli.Resume)
		if err != nil {
			return fmt.Errorf("resume session %s: %w", cli.Resume, err)
		}
		fmt.Printf("resumed session %s (%d messages)\n", sess.ID(), len(sess.Conversation().Messages))
	case store != nil:
		sess, err = store.Create(ctx, session.TypeRegular, cwd)
		if err != nil {
			return fmt.Errorf("create durable session: %w", err)
		}
		fmt.Printf("session id: %s\n", sess.ID())
	default:
		sess = session.New("", session.TypeRegular, cwd)
	}
	loop := rt.newLoop(sess, rt.SystemPrompt, cli.MaxTurns, rt.HasFinalOutputTool)

	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("replyengine chat (%s, %s)\n", cli.Provider, rt.Model)
	fmt.Println("Type /quit or /exit to end the session.")

	for {
		fmt.Print("\n> ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			return nil
		}

		rt.routeTurn(ctx, sess, input)

		for event, err := range loop.Reply(ctx, input) {
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				break
			}
			if event.Kind == reply.EventMessage && event.Message != nil && event.Message.UserVisible {
				if text := event.Message.Text(); text != "" {
					fmt.Print(text)
				}
			}
		}
		fmt.Println()

		if store != nil {
			if err := store.Save(sess); err != nil {
				fmt.Fprintln(os.Stderr, "session save:", err)
			}
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

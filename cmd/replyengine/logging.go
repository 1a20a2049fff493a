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
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kadirpekel/replyengine/pkg/config"
)

// initLogging sets the default slog logger from CLI flags, following
// config.LoggerConfig's priority and format conventions ("simple": level +
// message, no timestamp; anything else: timestamp + level + message).
func initLogging(level, file, format string) error {
	cfg := config.LoggerConfig{Level: level, File: file, Format: format}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	var out io.Writer = os.Stderr
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", cfg.File, err)
		}
		out = f
	}

	var slogLevel slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: slogLevel}
	if cfg.Format == "simple" {
		opts.ReplaceAttr = dropTimeAttr
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, opts)))
	return nil
}

func dropTimeAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

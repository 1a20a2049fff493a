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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// ServeCmd runs the scheduler unattended, with an optional Prometheus
// metrics endpoint, until the process receives a termination signal.
type ServeCmd struct {
	MetricsAddr string `name:"metrics-addr" help:"Address for the Prometheus metrics endpoint." default:":9090"`
}

func (c *ServeCmd) Run(ctx context.Context, cli *CLI) error {
	rt, err := buildRuntime(cli)
	if err != nil {
		return err
	}

	var srv *http.Server
	if rt.Metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.Metrics.Handler())
		srv = &http.Server{Addr: c.MetricsAddr, Handler: mux}
		go func() {
			slog.Info("metrics endpoint listening", "addr", c.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	slog.Info("scheduler starting", "recipe", cli.Recipe)
	rt.Scheduler.Start(ctx)
	<-ctx.Done()

	if err := rt.Scheduler.Stop(context.Background()); err != nil {
		slog.Error("scheduler stop", "error", err)
	}
	if srv != nil {
		if err := srv.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("metrics endpoint shutdown: %w", err)
		}
	}
	return nil
}

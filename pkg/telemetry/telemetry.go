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

// Package telemetry provides Prometheus metrics for the reply loop: turns,
// tool dispatch, compaction, sub-agent delegation, and scheduled task runs.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether metrics are collected and how they're labeled.
// A zero-value Config with Enabled left false yields a nil *Metrics from
// New, and every Record/Inc/Set method on a nil *Metrics is a no-op —
// callers never need to guard call sites on whether metrics are on.
type Config struct {
	Enabled   bool
	Namespace string
}

// SetDefaults fills in a blank Namespace.
func (c *Config) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "replyengine"
	}
}

// Metrics holds every Prometheus collector this runtime exposes.
type Metrics struct {
	registry *prometheus.Registry

	turns           *prometheus.CounterVec
	turnDuration    *prometheus.HistogramVec
	turnsActive     prometheus.Gauge
	llmTokensInput  *prometheus.CounterVec
	llmTokensOutput *prometheus.CounterVec

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolErrors       *prometheus.CounterVec

	compactions        prometheus.Counter
	compactionDuration prometheus.Histogram
	tokensSaved        prometheus.Counter

	delegations      *prometheus.CounterVec
	delegationsAsync prometheus.Gauge

	scheduledRuns  *prometheus.CounterVec
	scheduledTasks prometheus.Gauge
}

// New returns a Metrics instance, or nil if cfg is nil or disabled.
func New(cfg *Config) *Metrics {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	cfg.SetDefaults()

	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initReplyMetrics(cfg.Namespace)
	m.initToolMetrics(cfg.Namespace)
	m.initCompactionMetrics(cfg.Namespace)
	m.initDelegationMetrics(cfg.Namespace)
	m.initSchedulerMetrics(cfg.Namespace)
	return m
}

func (m *Metrics) initReplyMetrics(ns string) {
	m.turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "reply", Name: "turns_total",
		Help: "Total number of reply-loop turns.",
	}, []string{"model"})

	m.turnDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "reply", Name: "turn_duration_seconds",
		Help:    "Duration of one reply-loop turn (one LLM call plus its dispatched tools).",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"model"})

	m.turnsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "reply", Name: "turns_active",
		Help: "Number of reply loops currently mid-turn.",
	})

	m.llmTokensInput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "reply", Name: "tokens_input_total",
		Help: "Total input tokens consumed.",
	}, []string{"model"})

	m.llmTokensOutput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "reply", Name: "tokens_output_total",
		Help: "Total output tokens generated.",
	}, []string{"model"})

	m.registry.MustRegister(m.turns, m.turnDuration, m.turnsActive, m.llmTokensInput, m.llmTokensOutput)
}

func (m *Metrics) initToolMetrics(ns string) {
	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "tool", Name: "calls_total",
		Help: "Total tool invocations dispatched.",
	}, []string{"tool_name"})

	m.toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "tool", Name: "call_duration_seconds",
		Help:    "Tool execution duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"tool_name"})

	m.toolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "tool", Name: "errors_total",
		Help: "Total tool invocation errors.",
	}, []string{"tool_name"})

	m.registry.MustRegister(m.toolCalls, m.toolCallDuration, m.toolErrors)
}

func (m *Metrics) initCompactionMetrics(ns string) {
	m.compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "compaction", Name: "runs_total",
		Help: "Total conversation compactions performed (manual, proactive and reactive).",
	})
	m.compactionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "compaction", Name: "duration_seconds",
		Help:    "Compaction duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	m.tokensSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "compaction", Name: "tokens_saved_total",
		Help: "Total tokens removed from conversation history by compaction.",
	})
	m.registry.MustRegister(m.compactions, m.compactionDuration, m.tokensSaved)
}

func (m *Metrics) initDelegationMetrics(ns string) {
	m.delegations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "subagent", Name: "delegations_total",
		Help: "Total sub-agent delegations started.",
	}, []string{"mode"}) // mode: sync | async

	m.delegationsAsync = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "subagent", Name: "background_tasks_active",
		Help: "Number of background sub-agent delegations currently running.",
	})

	m.registry.MustRegister(m.delegations, m.delegationsAsync)
}

func (m *Metrics) initSchedulerMetrics(ns string) {
	m.scheduledRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "scheduler", Name: "runs_total",
		Help: "Total scheduled task executions.",
	}, []string{"status"}) // status: succeeded | failed

	m.scheduledTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "scheduler", Name: "tasks_registered",
		Help: "Number of scheduled tasks currently registered.",
	})

	m.registry.MustRegister(m.scheduledRuns, m.scheduledTasks)
}

// RecordTurn records one completed reply-loop turn.
func (m *Metrics) RecordTurn(model string, duration time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(model).Inc()
	m.turnDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// IncTurnsActive/DecTurnsActive track how many loops are mid-turn.
func (m *Metrics) IncTurnsActive() {
	if m == nil {
		return
	}
	m.turnsActive.Inc()
}

func (m *Metrics) DecTurnsActive() {
	if m == nil {
		return
	}
	m.turnsActive.Dec()
}

// RecordTokens records one turn's token usage.
func (m *Metrics) RecordTokens(model string, input, output int) {
	if m == nil {
		return
	}
	m.llmTokensInput.WithLabelValues(model).Add(float64(input))
	m.llmTokensOutput.WithLabelValues(model).Add(float64(output))
}

// RecordToolCall records one dispatched tool call.
func (m *Metrics) RecordToolCall(toolName string, duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(toolName).Inc()
	m.toolCallDuration.WithLabelValues(toolName).Observe(duration.Seconds())
	if failed {
		m.toolErrors.WithLabelValues(toolName).Inc()
	}
}

// RecordCompaction records one compaction run and the tokens it freed.
func (m *Metrics) RecordCompaction(duration time.Duration, tokensSaved int) {
	if m == nil {
		return
	}
	m.compactions.Inc()
	m.compactionDuration.Observe(duration.Seconds())
	if tokensSaved > 0 {
		m.tokensSaved.Add(float64(tokensSaved))
	}
}

// RecordDelegation records one sub-agent delegation start. async is true
// for background (non-blocking) delegations.
func (m *Metrics) RecordDelegation(async bool) {
	if m == nil {
		return
	}
	mode := "sync"
	if async {
		mode = "async"
	}
	m.delegations.WithLabelValues(mode).Inc()
}

// SetBackgroundTasksActive reports the current live background-task count.
func (m *Metrics) SetBackgroundTasksActive(count int) {
	if m == nil {
		return
	}
	m.delegationsAsync.Set(float64(count))
}

// RecordScheduledRun records one scheduled task execution's outcome.
func (m *Metrics) RecordScheduledRun(succeeded bool) {
	if m == nil {
		return
	}
	status := "succeeded"
	if !succeeded {
		status = "failed"
	}
	m.scheduledRuns.WithLabelValues(status).Inc()
}

// SetScheduledTasksRegistered reports the current scheduled-task count.
func (m *Metrics) SetScheduledTasksRegistered(count int) {
	if m == nil {
		return
	}
	m.scheduledTasks.Set(float64(count))
}

// Handler returns the Prometheus scrape endpoint handler. A nil Metrics
// (collection disabled) serves 503 rather than panicking, so callers can
// register it unconditionally.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry, or nil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Taskrelay is a multi-tenant task dispatch substrate for coordinating hosted agent workers.
// Copyright (C) 2026 The Taskrelay Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package a2a adapts the agent-to-agent wire protocol's execute/cancel
// verbs onto the internal task queue: it enqueues a run for an inbound
// request, polls the run to completion, and streams status/artifact
// events back through an EventSink.
package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"taskrelay/internal/domain"
)

// Queue is the subset of the durable queue the executor drives.
type Queue interface {
	Enqueue(ctx context.Context, p EnqueueParams) (*domain.TaskRun, *domain.TaskLimitExceeded, error)
	GetRun(ctx context.Context, runID string) (*domain.TaskRun, error)
	CancelRun(ctx context.Context, runID string) (bool, error)
}

// EnqueueParams mirrors taskqueue.EnqueueParams; the executor depends on
// this narrow shape rather than the concrete taskqueue type so it can be
// tested against a fake queue.
type EnqueueParams struct {
	TaskID               string
	TenantID             string
	UserID               string
	Title                string
	Prompt               string
	ModelRef             string
	AgentType            string
	Metadata             json.RawMessage
	Priority             int
	TargetAgentName      string
	RequiredCapabilities []string
}

// Dispatcher re-notifies workers of a still-queued run, used for the
// renotify_interval budget.
type Dispatcher interface {
	NotifyClaimable(run *domain.TaskRun)
}

// requestMetadata is the subset of RequestContext.Metadata / Message.Metadata
// the executor extracts routing fields from.
type requestMetadata struct {
	UserID               string   `json:"user_id"`
	Priority             int      `json:"priority"`
	TargetAgentName      string   `json:"target_agent_name"`
	RequiredCapabilities []string `json:"required_capabilities"`
	ModelRef             string   `json:"model_ref"`
	TenantID             string   `json:"tenant_id"`
}

// Config controls the executor's poll cadence and timeouts.
type Config struct {
	PollInterval     time.Duration
	RenotifyInterval time.Duration
	MaxPollDuration  time.Duration
	MetadataSchema   *jsonschema.Schema
}

// Executor implements the A2A execute/cancel verbs.
type Executor struct {
	queue      Queue
	dispatcher Dispatcher
	cfg        Config

	mu          sync.Mutex
	runByExtID  map[string]string
}

// New constructs an Executor, defaulting Config's zero fields per the
// documented poll/renotify/timeout budget.
func New(q Queue, dispatcher Dispatcher, cfg Config) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RenotifyInterval <= 0 {
		cfg.RenotifyInterval = 5 * time.Second
	}
	if cfg.MaxPollDuration <= 0 {
		cfg.MaxPollDuration = 2 * time.Minute
	}
	return &Executor{
		queue:      q,
		dispatcher: dispatcher,
		cfg:        cfg,
		runByExtID: make(map[string]string),
	}
}

// Execute implements the protocol's execute() verb.
func (e *Executor) Execute(ctx context.Context, rc RequestContext, sink EventSink) {
	meta, err := e.extractMetadata(rc)
	if err != nil {
		sink.Put(FinalStatusEvent(rc.TaskID, StateFailed, fmt.Sprintf("invalid metadata: %v", err)))
		return
	}

	prompt := rc.Message.PromptText()
	run, limitErr, err := e.queue.Enqueue(ctx, EnqueueParams{
		TaskID:               rc.TaskID,
		TenantID:             meta.TenantID,
		UserID:               meta.UserID,
		Title:                truncateTitle(prompt),
		Prompt:               prompt,
		ModelRef:             meta.ModelRef,
		Priority:             meta.Priority,
		TargetAgentName:      meta.TargetAgentName,
		RequiredCapabilities: meta.RequiredCapabilities,
		Metadata:             rc.Metadata,
	})
	if err != nil {
		sink.Put(FinalStatusEvent(rc.TaskID, StateFailed, fmt.Sprintf("enqueue failed: %v", err)))
		return
	}
	if limitErr != nil {
		sink.Put(FinalStatusEvent(rc.TaskID, StateFailed, limitErr.Error()))
		return
	}

	e.mu.Lock()
	e.runByExtID[rc.TaskID] = run.ID
	e.mu.Unlock()

	sink.Put(StatusEvent(rc.TaskID, StateWorking, ""))
	e.pollToCompletion(ctx, rc.TaskID, run.ID, sink)
}

func (e *Executor) pollToCompletion(ctx context.Context, extTaskID, runID string, sink EventSink) {
	deadline := time.Now().Add(e.cfg.MaxPollDuration)
	lastRenotify := time.Now()
	var lastStatus domain.RunStatus

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			sink.Put(FinalStatusEvent(extTaskID, StateFailed, "timed out waiting for task completion"))
			return
		}

		run, err := e.queue.GetRun(ctx, runID)
		if err != nil {
			continue
		}

		if run.Status != lastStatus {
			lastStatus = run.Status
			if !run.Status.IsTerminal() {
				sink.Put(StatusEvent(extTaskID, stateForRunStatus(run.Status), "task is being processed"))
			}
		}

		if run.Status == domain.RunQueued && e.dispatcher != nil && time.Since(lastRenotify) >= e.cfg.RenotifyInterval {
			e.dispatcher.NotifyClaimable(run)
			lastRenotify = time.Now()
		}

		if run.Status.IsTerminal() {
			e.emitTerminal(extTaskID, run, sink)
			return
		}
	}
}

func (e *Executor) emitTerminal(extTaskID string, run *domain.TaskRun, sink EventSink) {
	if run.ResultSummary != "" {
		parts := []Part{{Text: run.ResultSummary}}
		if len(run.ResultFull) > 0 {
			parts = append(parts, Part{Data: run.ResultFull})
		}
		sink.Put(ArtifactEvent(extTaskID, run.ID, "result", parts))
	}

	switch run.Status {
	case domain.RunCompleted:
		sink.Put(FinalStatusEvent(extTaskID, StateCompleted, ""))
	case domain.RunCancelled:
		sink.Put(FinalStatusEvent(extTaskID, StateCancelled, ""))
	default:
		sink.Put(FinalStatusEvent(extTaskID, StateFailed, run.LastError))
	}
}

// Cancel implements the protocol's cancel() verb.
func (e *Executor) Cancel(ctx context.Context, rc RequestContext, sink EventSink) {
	e.mu.Lock()
	runID, ok := e.runByExtID[rc.TaskID]
	e.mu.Unlock()
	if !ok {
		sink.Put(FinalStatusEvent(rc.TaskID, StateFailed, "unknown task"))
		return
	}

	run, err := e.queue.GetRun(ctx, runID)
	if err != nil {
		sink.Put(FinalStatusEvent(rc.TaskID, StateFailed, fmt.Sprintf("lookup failed: %v", err)))
		return
	}
	if run.Status.IsTerminal() {
		sink.Put(FinalStatusEvent(rc.TaskID, stateForRunStatus(run.Status), ""))
		return
	}

	ok, err = e.queue.CancelRun(ctx, runID)
	if err != nil {
		sink.Put(FinalStatusEvent(rc.TaskID, StateFailed, fmt.Sprintf("cancel failed: %v", err)))
		return
	}
	if ok {
		sink.Put(FinalStatusEvent(rc.TaskID, StateCancelled, ""))
		return
	}
	sink.Put(StatusEvent(rc.TaskID, StateWorking, "cannot cancel, currently running"))
}

func (e *Executor) extractMetadata(rc RequestContext) (requestMetadata, error) {
	raw := rc.Metadata
	if len(raw) == 0 {
		raw = rc.Message.Metadata
	}
	var meta requestMetadata
	if len(raw) == 0 {
		return meta, nil
	}
	if e.cfg.MetadataSchema != nil {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
		if err != nil {
			return meta, fmt.Errorf("unmarshal metadata: %w", err)
		}
		if err := e.cfg.MetadataSchema.Validate(doc); err != nil {
			return meta, fmt.Errorf("metadata schema: %w", err)
		}
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

func stateForRunStatus(s domain.RunStatus) State {
	switch s {
	case domain.RunCompleted:
		return StateCompleted
	case domain.RunFailed:
		return StateFailed
	case domain.RunCancelled:
		return StateCancelled
	case domain.RunNeedsInput:
		return StateInputRequired
	case domain.RunRunning:
		return StateWorking
	default:
		return StateSubmitted
	}
}

func truncateTitle(prompt string) string {
	const maxTitleLen = 80
	prompt = strings.TrimSpace(prompt)
	if len(prompt) <= maxTitleLen {
		return prompt
	}
	return prompt[:maxTitleLen]
}

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

// Package taskqueue is the thin public face of the durable queue: it
// assigns missing task ids and the default max_attempts, passes the
// store's TaskLimitExceeded result through to the caller, and exposes
// the store's admin/operator read views.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskrelay/internal/domain"
	"taskrelay/internal/store"
)

// Queue is a TaskQueue backed by a Store.
type Queue struct {
	store       *store.Store
	maxAttempts int
}

// New builds a Queue over store, setting every enqueued run's
// max_attempts to maxAttempts (3 when maxAttempts is not positive).
func New(s *store.Store, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{store: s, maxAttempts: maxAttempts}
}

// EnqueueParams is the task content plus the routing/quota arguments
// accepted by Enqueue.
type EnqueueParams struct {
	TaskID   string
	TenantID string
	UserID   string

	Title     string
	Prompt    string
	ModelRef  string
	AgentType string
	Metadata  json.RawMessage

	Priority             int
	TargetAgentName      string
	RequiredCapabilities []string
	DeadlineAt           *time.Time
	NotifyEmail          string
	NotifyWebhookURL     string
	SkipLimitCheck       bool
}

// Enqueue creates (or locates, if TaskID already exists) a Task and
// inserts a new queued TaskRun for it, enforcing the user's quota
// unless SkipLimitCheck is set.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*domain.TaskRun, *domain.TaskLimitExceeded, error) {
	if p.TaskID == "" {
		p.TaskID = uuid.NewString()
	}
	req := domain.EnqueueRequest{
		TaskID: p.TaskID, TenantID: p.TenantID, UserID: p.UserID, Priority: p.Priority,
		TargetAgentName: p.TargetAgentName, RequiredCapabilities: p.RequiredCapabilities,
		DeadlineAt: p.DeadlineAt, NotifyEmail: p.NotifyEmail, NotifyWebhookURL: p.NotifyWebhookURL,
		SkipLimitCheck: p.SkipLimitCheck,
	}
	run, limitErr, err := q.store.EnqueueTaskRun(ctx, req, p.Title, p.Prompt, p.ModelRef, p.AgentType, p.Metadata, q.maxAttempts)
	if err != nil {
		return nil, nil, fmt.Errorf("enqueue: %w", err)
	}
	return run, limitErr, nil
}

// CancelRun cancels run if it is still queued.
func (q *Queue) CancelRun(ctx context.Context, runID string) (bool, error) {
	ok, err := q.store.CancelRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("cancel run: %w", err)
	}
	return ok, nil
}

// GetRun fetches a TaskRun by id.
func (q *Queue) GetRun(ctx context.Context, runID string) (*domain.TaskRun, error) {
	return q.store.GetRun(ctx, runID)
}

// QueueStats returns global run counts by status, the supplemented
// admin dashboard view.
func (q *Queue) QueueStats(ctx context.Context) (store.QueueCounts, error) {
	return q.store.QueueStats(ctx)
}

// UserStatus returns a user's active runs, recent runs, and quota
// headroom, the supplemented per-user operator view.
func (q *Queue) UserStatus(ctx context.Context, tenantID, userID string) (store.UserStatus, error) {
	return q.store.UserStatus(ctx, tenantID, userID, 10)
}

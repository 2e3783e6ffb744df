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

// Package domain contains the shared data model used by the queue, the
// worker registry, the SSE gateway, the hosted worker pool, the
// notification courier and the A2A executor. These types mirror the
// "tasks"/"task_runs"/"workers"/"users" tables in the persistence layer
// and are otherwise opaque to any one component.
package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is one of the defined Task states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

func (s TaskStatus) String() string { return string(s) }

// RunStatus is the lifecycle state of a TaskRun.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunRunning    RunStatus = "running"
	RunNeedsInput RunStatus = "needs_input"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

func (s RunStatus) Valid() bool {
	switch s {
	case RunQueued, RunRunning, RunNeedsInput, RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is one of completed/failed/cancelled.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

func (s RunStatus) String() string { return string(s) }

// NotificationStatus is the delivery state of a single notification
// channel (email or webhook) attached to a TaskRun.
type NotificationStatus string

const (
	NotifyPending NotificationStatus = "pending"
	NotifyClaimed NotificationStatus = "claimed"
	NotifySent    NotificationStatus = "sent"
	NotifyFailed  NotificationStatus = "failed"
)

func (s NotificationStatus) String() string { return string(s) }

// NotificationChannel distinguishes the two delivery mechanisms the
// courier understands.
type NotificationChannel string

const (
	ChannelEmail   NotificationChannel = "email"
	ChannelWebhook NotificationChannel = "webhook"
)

// WorkerStatus is the lifecycle state of a worker's persisted record.
type WorkerStatus string

const (
	WorkerActive  WorkerStatus = "active"
	WorkerStopped WorkerStatus = "stopped"
)

// Task is the business-level unit of work a tenant submits.
type Task struct {
	ID        string          `json:"task_id" db:"id"`
	TenantID  string          `json:"tenant_id" db:"tenant_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Title     string          `json:"title" db:"title"`
	Prompt    string          `json:"prompt" db:"prompt"`
	ModelRef  string          `json:"model_ref,omitempty" db:"model_ref"`
	AgentType string          `json:"agent_type,omitempty" db:"agent_type"`
	Priority  int             `json:"priority" db:"priority"`
	Metadata  json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	Status    TaskStatus      `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// NotificationState tracks one channel's delivery progress for a TaskRun.
type NotificationState struct {
	Status      NotificationStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	NextRetryAt *time.Time         `json:"next_retry_at,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
}

// TaskRun is a single attempt to execute a Task. A Task may accumulate
// several TaskRuns across retries (reclaim_expired re-queues the same
// run rather than creating a new one; attempts tracks how many times
// it has been picked up).
type TaskRun struct {
	ID       string `json:"run_id" db:"id"`
	TaskID   string `json:"task_id" db:"task_id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	UserID   string `json:"user_id" db:"user_id"`
	Priority int    `json:"priority" db:"priority"`

	// Title, Prompt, ModelRef and AgentType are denormalized from the
	// parent Task at read time so an executor never needs a second
	// lookup to learn what to run.
	Title     string `json:"title,omitempty" db:"-"`
	Prompt    string `json:"prompt,omitempty" db:"-"`
	ModelRef  string `json:"model_ref,omitempty" db:"-"`
	AgentType string `json:"agent_type,omitempty" db:"-"`

	Status      RunStatus `json:"status" db:"status"`
	Attempts    int       `json:"attempts" db:"attempts"`
	MaxAttempts int       `json:"max_attempts" db:"max_attempts"`
	LastError   string    `json:"last_error,omitempty" db:"last_error"`

	ResultSummary string          `json:"result_summary,omitempty" db:"result_summary"`
	ResultFull    json.RawMessage `json:"result_full,omitempty" db:"result_full"`

	LeaseOwner     *string    `json:"lease_owner,omitempty" db:"lease_owner"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`

	TargetAgentName      string     `json:"target_agent_name,omitempty" db:"target_agent_name"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty" db:"required_capabilities"`
	DeadlineAt           *time.Time `json:"deadline_at,omitempty" db:"deadline_at"`
	RoutingFailedAt      *time.Time `json:"routing_failed_at,omitempty" db:"routing_failed_at"`
	RoutingFailureReason string     `json:"routing_failure_reason,omitempty" db:"routing_failure_reason"`

	NotifyEmail      string             `json:"notify_email,omitempty" db:"notify_email"`
	NotifyWebhookURL string             `json:"notify_webhook_url,omitempty" db:"notify_webhook_url"`
	EmailState       *NotificationState `json:"email_state,omitempty" db:"-"`
	WebhookState     *NotificationState `json:"webhook_state,omitempty" db:"-"`

	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	RuntimeSeconds  *float64   `json:"runtime_seconds,omitempty" db:"runtime_seconds"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// HasLease reports whether the run currently holds a lease, per the
// invariant lease_owner != nil iff status in {running, needs_input}.
func (r TaskRun) HasLease() bool {
	return r.LeaseOwner != nil && (r.Status == RunRunning || r.Status == RunNeedsInput)
}

// EnqueueRequest carries the routing and quota arguments accepted by
// store.EnqueueTaskRun; TaskQueue.Enqueue builds it from EnqueueParams.
type EnqueueRequest struct {
	TaskID               string
	TenantID             string
	UserID               string
	Priority             int
	TargetAgentName      string
	RequiredCapabilities []string
	DeadlineAt           *time.Time
	NotifyEmail          string
	NotifyWebhookURL     string
	SkipLimitCheck       bool
}

// TaskLimitExceeded is the structured error enqueue returns when a
// tenant/user is over their concurrency or monthly quota. It is never
// folded into a generic error string so API callers can render the
// counts directly.
type TaskLimitExceeded struct {
	TasksUsed        int    `json:"tasks_used"`
	TasksLimit       int    `json:"tasks_limit"`
	RunningCount     int    `json:"running_count"`
	ConcurrencyLimit int    `json:"concurrency_limit"`
	Message          string `json:"message"`
}

func (e *TaskLimitExceeded) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "task_limit_exceeded"
}

// Worker is a persisted record of an execution endpoint, independent of
// whether it currently has a live SSE connection.
type Worker struct {
	ID                  string       `json:"worker_id" db:"id"`
	Hostname            string       `json:"hostname" db:"hostname"`
	ProcessID           int          `json:"process_id,omitempty" db:"process_id"`
	MaxConcurrentTasks  int          `json:"max_concurrent_tasks" db:"max_concurrent_tasks"`
	CurrentTasks        int          `json:"current_tasks" db:"current_tasks"`
	Status              WorkerStatus `json:"status" db:"status"`
	LastHeartbeat       time.Time    `json:"last_heartbeat" db:"last_heartbeat"`
	TasksCompleted      int          `json:"tasks_completed" db:"tasks_completed"`
	TasksFailed         int          `json:"tasks_failed" db:"tasks_failed"`
	TotalRuntimeSeconds float64      `json:"total_runtime_seconds" db:"total_runtime_seconds"`
	StartedAt           time.Time    `json:"started_at" db:"started_at"`
	StoppedAt           *time.Time   `json:"stopped_at,omitempty" db:"stopped_at"`
}

// Tenant is opaque to the core beyond the four counters it reads to
// enforce quotas; the core never mutates a tenant except to bump
// TasksUsedThisMonth on enqueue.
type Tenant struct {
	ID                 string
	ConcurrencyLimit   int
	TasksLimit         int
	TasksUsedThisMonth int
	MaxRuntimeSeconds  int
}

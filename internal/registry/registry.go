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

// Package registry tracks connected workers and routes task
// notifications to them. All state is in-memory and ephemeral;
// authoritative lease state always lives in the store.
package registry

import (
	"log/slog"
	"sync"
	"time"
)

// Reserved codebase tags. A worker that declares neither of these
// receives no codebase-scoped broadcasts; only "global"/"__pending__"
// tasks reach it, per the restrictive empty-set semantics.
const (
	CodebaseGlobal  = "global"
	CodebasePending = "__pending__"
)

// EventType distinguishes the frames pushed down a worker's mailbox.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventTaskAvailable EventType = "task_available"
	EventHeartbeat     EventType = "heartbeat"
)

// Event is one frame destined for a worker's outbound mailbox.
type Event struct {
	Type EventType
	Data any
}

// mailboxCapacity bounds each worker's outbound event queue so a slow
// or wedged SSE writer can never block the registry's critical section.
const mailboxCapacity = 32

// LiveWorker is a connected worker's in-memory session state.
type LiveWorker struct {
	WorkerID      string
	AgentName     string
	Queue         chan Event
	Capabilities  map[string]struct{}
	Codebases     map[string]struct{}
	IsBusy        bool
	CurrentRunID  string
	LastHeartbeat time.Time
}

// Registry is the single exclusive-lock-guarded map of connected
// workers plus the run_id -> worker_id claim map.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*LiveWorker
	claims  map[string]string // run_id -> worker_id
	logger  *slog.Logger
}

// New constructs an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workers: make(map[string]*LiveWorker),
		claims:  make(map[string]string),
		logger:  logger,
	}
}

// Register adds a newly-connected worker and returns its session.
func (r *Registry) Register(workerID, agentName string, capabilities, codebases []string) *LiveWorker {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := &LiveWorker{
		WorkerID:      workerID,
		AgentName:     agentName,
		Queue:         make(chan Event, mailboxCapacity),
		Capabilities:  toSet(capabilities),
		Codebases:     toSet(codebases),
		LastHeartbeat: time.Now().UTC(),
	}
	r.workers[workerID] = w
	r.logger.Info("worker registered", "worker_id", workerID, "agent_name", agentName, "total_workers", len(r.workers))
	return w
}

// Unregister removes a worker and every claim it holds; the reaper and
// reclaim_expired will surface those runs again via the store's own
// lease-expiry scan.
func (r *Registry) Unregister(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.workers, workerID)
	for runID, owner := range r.claims {
		if owner == workerID {
			delete(r.claims, runID)
		}
	}
	r.logger.Info("worker unregistered", "worker_id", workerID, "total_workers", len(r.workers))
}

// UpdateHeartbeat refreshes a worker's last-seen timestamp.
func (r *Registry) UpdateHeartbeat(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.LastHeartbeat = time.Now().UTC()
	}
}

// UpdateCodebases replaces a worker's codebase affinity set.
func (r *Registry) UpdateCodebases(workerID string, codebases []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.Codebases = toSet(codebases)
	}
}

// Claim records runID as claimed by workerID and marks the worker busy.
// Idempotent when the same worker re-claims the same run; returns false
// if a different worker already holds the claim. This is the in-memory
// mirror of the SQL claim — callers must perform both and roll back the
// other if either fails.
func (r *Registry) Claim(runID, workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.claims[runID]; ok {
		return owner == workerID
	}
	r.claims[runID] = workerID
	if w, ok := r.workers[workerID]; ok {
		w.IsBusy = true
		w.CurrentRunID = runID
	}
	return true
}

// Release clears a claim and marks the worker idle.
func (r *Registry) Release(runID, workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.claims[runID]; !ok || owner != workerID {
		return false
	}
	delete(r.claims, runID)
	if w, ok := r.workers[workerID]; ok {
		w.IsBusy = false
		w.CurrentRunID = ""
	}
	return true
}

// AvailableFilter narrows AvailableWorkers by routing criteria.
type AvailableFilter struct {
	CodebaseID           string
	TargetAgentName      string
	RequiredCapabilities []string
}

// AvailableWorkers returns every idle worker matching the filter. The
// codebase predicate is restrictive by default: a worker with an empty
// codebase set matches only the reserved "global"/"__pending__" tags,
// never an arbitrary codebase id.
func (r *Registry) AvailableWorkers(f AvailableFilter) []*LiveWorker {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*LiveWorker
	for _, w := range r.workers {
		if w.IsBusy {
			continue
		}
		if f.TargetAgentName != "" && w.AgentName != f.TargetAgentName {
			continue
		}
		if f.CodebaseID != "" && f.CodebaseID != CodebaseGlobal && f.CodebaseID != CodebasePending {
			if _, ok := w.Codebases[f.CodebaseID]; !ok {
				continue
			}
		}
		if len(f.RequiredCapabilities) > 0 && !hasAll(w.Capabilities, f.RequiredCapabilities) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// TaskAvailable is the payload enqueued for a task_available event.
type TaskAvailable struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Prompt               string   `json:"prompt"`
	Model                string   `json:"model,omitempty"`
	Priority             int      `json:"priority"`
	CodebaseID           string   `json:"codebase_id,omitempty"`
	TargetAgentName      string   `json:"target_agent_name,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// BroadcastTask enqueues a task_available event into every matching
// available worker's mailbox, returning the ids notified. A full
// mailbox is logged and that worker is skipped rather than blocking
// the caller.
func (r *Registry) BroadcastTask(task TaskAvailable, f AvailableFilter) []string {
	workers := r.AvailableWorkers(f)
	var notified []string
	for _, w := range workers {
		select {
		case w.Queue <- Event{Type: EventTaskAvailable, Data: task}:
			notified = append(notified, w.WorkerID)
		default:
			r.logger.Warn("worker mailbox full, dropping notification", "worker_id", w.WorkerID, "task_id", task.ID)
		}
	}
	return notified
}

// Get returns a worker's live session, if connected.
func (r *Registry) Get(workerID string) (*LiveWorker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	return w, ok
}

// Connected returns a snapshot of every currently-connected worker, for
// the operator-facing /v1/worker/connected endpoint.
func (r *Registry) Connected() []*LiveWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*LiveWorker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// WorkerIDs returns the ids of every currently-connected worker, for the
// reaper's stale-heartbeat sweep.
func (r *Registry) WorkerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	return ids
}

// LastHeartbeat returns workerID's last heartbeat time, if connected.
func (r *Registry) LastHeartbeat(workerID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return time.Time{}, false
	}
	return w.LastHeartbeat, true
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func hasAll(have map[string]struct{}, required []string) bool {
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

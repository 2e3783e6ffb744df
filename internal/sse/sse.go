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

// Package sse exposes the worker control-plane HTTP surface: a
// Server-Sent Events stream pushing task_available notifications plus
// the claim/release/codebase endpoints and the connected-workers
// listing. There is no heartbeat endpoint: a worker's registry heartbeat
// is the time its stream connected.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"taskrelay/internal/domain"
	"taskrelay/internal/registry"
)

// Store is the subset of the durable queue's store operations the
// worker control-plane endpoints need, so that claim/release commit
// back to the Store before the in-memory Registry is updated.
type Store interface {
	ClaimTaskRunByID(ctx context.Context, runID, workerID, agentName string, capabilities []string, leaseDuration time.Duration) (*domain.TaskRun, error)
	ReleaseLeaseToQueued(ctx context.Context, runID, workerID string) (bool, error)
	CompleteTaskRun(ctx context.Context, runID, workerID string, status domain.RunStatus, resultSummary string, resultFull json.RawMessage, errMsg string) (bool, error)
}

// Gateway wires the worker-facing HTTP handlers on top of a Store and a
// Registry.
type Gateway struct {
	store    Store
	registry *registry.Registry
	logger   *slog.Logger

	// HeartbeatInterval is how often a keep-alive comment frame is
	// written down an idle SSE connection to defeat intermediary
	// buffering and proxy timeouts.
	HeartbeatInterval time.Duration

	// LeaseDuration is the lease granted to a worker claiming a run
	// over the push-driven HTTP path.
	LeaseDuration time.Duration
}

// New constructs a Gateway over st and reg.
func New(st Store, reg *registry.Registry, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:             st,
		registry:          reg,
		logger:            logger,
		HeartbeatInterval: 20 * time.Second,
		LeaseDuration:     10 * time.Minute,
	}
}

// Routes registers the worker control-plane endpoints on mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/worker/tasks/stream", g.handleStream)
	mux.HandleFunc("POST /v1/worker/tasks/claim", g.handleClaim)
	mux.HandleFunc("POST /v1/worker/tasks/release", g.handleRelease)
	mux.HandleFunc("PUT /v1/worker/codebases", g.handleUpdateCodebases)
	mux.HandleFunc("GET /v1/worker/connected", g.handleConnected)
}

type connectRequest struct {
	WorkerID     string   `json:"worker_id"`
	AgentName    string   `json:"agent_name"`
	Capabilities []string `json:"capabilities"`
	Codebases    []string `json:"codebases"`
}

// handleStream upgrades the connection to an SSE stream and registers
// the worker for the lifetime of the request.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workerID := q.Get("worker_id")
	agentName := q.Get("agent_name")
	if workerID == "" {
		writeError(w, http.StatusBadRequest, "missing_worker_id", "worker_id query parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}

	caps := q["capability"]
	codebases := q["codebase"]
	worker := g.registry.Register(workerID, agentName, caps, codebases)
	defer g.registry.Unregister(workerID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "connected", map[string]string{"worker_id": workerID})
	flusher.Flush()

	ticker := time.NewTicker(g.HeartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-worker.Queue:
			if !ok {
				return
			}
			writeEvent(w, string(ev.Type), ev.Data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

type claimRequest struct {
	WorkerID string `json:"worker_id"`
	RunID    string `json:"run_id"`
}

// handleClaim is one half of the claim/release handshake that is the
// single place a push-driven worker's claim commits to both the Store
// and the Registry: SQL claim first, then registry claim, rolling the
// SQL claim back if the registry loses the race.
func (g *Gateway) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "could not decode claim request")
		return
	}
	if req.WorkerID == "" || req.RunID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "worker_id and run_id are required")
		return
	}

	live, ok := g.registry.Get(req.WorkerID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown_worker", "worker is not connected")
		return
	}

	run, err := g.store.ClaimTaskRunByID(r.Context(), req.RunID, req.WorkerID, live.AgentName, capsSlice(live.Capabilities), g.LeaseDuration)
	if err != nil {
		g.logger.Warn("store claim failed", "run_id", req.RunID, "worker_id", req.WorkerID, "error", err)
		writeError(w, http.StatusConflict, "claim_failed", "run could not be claimed")
		return
	}

	if !g.registry.Claim(req.RunID, req.WorkerID) {
		if _, rbErr := g.store.ReleaseLeaseToQueued(r.Context(), req.RunID, req.WorkerID); rbErr != nil {
			g.logger.Error("failed to roll back store claim after registry conflict", "run_id", req.RunID, "worker_id", req.WorkerID, "error", rbErr)
		}
		writeError(w, http.StatusConflict, "already_claimed", "run is already claimed by another worker")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type releaseRequest struct {
	WorkerID string          `json:"worker_id"`
	RunID    string          `json:"run_id"`
	Status   string          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// handleRelease is the completion half of the handshake: Store complete
// first, then registry release, mirroring handleClaim's ordering.
func (g *Gateway) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "could not decode release request")
		return
	}
	if req.WorkerID == "" || req.RunID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "worker_id and run_id are required")
		return
	}
	status := domain.RunStatus(req.Status)
	if !status.Valid() || !status.IsTerminal() {
		writeError(w, http.StatusBadRequest, "invalid_status", "status must be one of completed, failed, cancelled")
		return
	}

	var summary string
	if status == domain.RunCompleted {
		summary = "completed via worker control plane"
	}
	ok, err := g.store.CompleteTaskRun(r.Context(), req.RunID, req.WorkerID, status, summary, req.Result, req.Error)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "complete_failed", "could not record run completion")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "lease_not_held", "worker no longer holds the lease for this run")
		return
	}

	released := g.registry.Release(req.RunID, req.WorkerID)
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func capsSlice(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	return out
}

type updateCodebasesRequest struct {
	WorkerID  string   `json:"worker_id"`
	Codebases []string `json:"codebases"`
}

func (g *Gateway) handleUpdateCodebases(w http.ResponseWriter, r *http.Request) {
	var req updateCodebasesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "could not decode codebases request")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "missing_worker_id", "worker_id is required")
		return
	}
	g.registry.UpdateCodebases(req.WorkerID, req.Codebases)
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

type connectedWorker struct {
	WorkerID      string    `json:"worker_id"`
	AgentName     string    `json:"agent_name"`
	IsBusy        bool      `json:"is_busy"`
	CurrentRunID  string    `json:"current_run_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func (g *Gateway) handleConnected(w http.ResponseWriter, r *http.Request) {
	live := g.registry.Connected()
	out := make([]connectedWorker, 0, len(live))
	for _, lw := range live {
		out = append(out, connectedWorker{
			WorkerID:      lw.WorkerID,
			AgentName:     lw.AgentName,
			IsBusy:        lw.IsBusy,
			CurrentRunID:  lw.CurrentRunID,
			LastHeartbeat: lw.LastHeartbeat,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

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

// Package app wires the dispatch controller's components together: it
// constructs a Store, a TaskQueue, a Registry, a Dispatcher, a Reaper
// and a NotificationCourier and hands the caller a ready-to-run HTTP
// handler plus background loops. (cmd/hosted-worker opens its own Store
// directly.)
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"taskrelay/internal/a2a"
	"taskrelay/internal/config"
	"taskrelay/internal/dispatch"
	"taskrelay/internal/domain"
	"taskrelay/internal/metrics"
	"taskrelay/internal/notify"
	"taskrelay/internal/ratelimit"
	"taskrelay/internal/reaper"
	"taskrelay/internal/registry"
	"taskrelay/internal/sse"
	"taskrelay/internal/store"
	"taskrelay/internal/taskqueue"
	"taskrelay/internal/workerauth"
)

// App is the fully wired dispatch controller: every component that
// must share the same Store, Registry and Dispatcher instance.
type App struct {
	Store      *store.Store
	Queue      *taskqueue.Queue
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Reaper     *reaper.Reaper
	Courier    *notify.Courier
	Executor   *a2a.Executor
	Gateway    *sse.Gateway

	logger *slog.Logger
}

// New opens the store and constructs every component, wiring the
// dispatcher into the enqueue path so a freshly queued run is
// broadcast to idle workers immediately instead of waiting for the
// next poll.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	queue := taskqueue.New(st, cfg.MaxAttempts)
	reg := registry.New(logger)
	disp := dispatch.New(reg, logger)

	rp := reaper.New(reaper.Config{
		Store:              st,
		Logger:             logger,
		ReclaimInterval:    cfg.ReaperInterval,
		StaleWorkerTimeout: cfg.StuckTimeout,
		Workers:            reg,
		WorkerTracker:      reg,
	})

	courier := notify.New(st, notify.NewSMTPSender(notify.SMTPConfig{}), notify.Config{
		MaxAttempts: cfg.NotificationMaxAttempts,
	}, logger)

	exec := a2a.New(&enqueueNotifier{queue: queue, dispatcher: disp}, disp, a2a.Config{})
	gw := sse.New(st, reg, logger)
	gw.LeaseDuration = cfg.LeaseDuration

	return &App{
		Store:      st,
		Queue:      queue,
		Registry:   reg,
		Dispatcher: disp,
		Reaper:     rp,
		Courier:    courier,
		Executor:   exec,
		Gateway:    gw,
		logger:     logger,
	}, nil
}

// enqueueNotifier adapts taskqueue.Queue to a2a.Queue while broadcasting
// every freshly-enqueued run to idle matching workers, keeping the
// dispatcher out of both taskqueue and a2a's import graph.
type enqueueNotifier struct {
	queue      *taskqueue.Queue
	dispatcher *dispatch.Dispatcher
}

func (n *enqueueNotifier) Enqueue(ctx context.Context, p a2a.EnqueueParams) (*domain.TaskRun, *domain.TaskLimitExceeded, error) {
	run, limitErr, err := n.queue.Enqueue(ctx, taskqueue.EnqueueParams{
		TaskID: p.TaskID, TenantID: p.TenantID, UserID: p.UserID,
		Title: p.Title, Prompt: p.Prompt, ModelRef: p.ModelRef, AgentType: p.AgentType,
		Metadata: p.Metadata, Priority: p.Priority, TargetAgentName: p.TargetAgentName,
		RequiredCapabilities: p.RequiredCapabilities,
	})
	if err != nil || limitErr != nil {
		return run, limitErr, err
	}
	n.dispatcher.NotifyClaimable(run)
	return run, limitErr, nil
}

func (n *enqueueNotifier) GetRun(ctx context.Context, runID string) (*domain.TaskRun, error) {
	return n.queue.GetRun(ctx, runID)
}

func (n *enqueueNotifier) CancelRun(ctx context.Context, runID string) (bool, error) {
	return n.queue.CancelRun(ctx, runID)
}

// Close releases the store's connection.
func (a *App) Close() error {
	return a.Store.Close()
}

// Run starts every background loop (reaper, notification courier) and
// blocks until ctx is canceled.
func (a *App) Run(ctx context.Context) {
	go a.Reaper.Start(ctx)
	go a.Courier.Run(ctx)
	<-ctx.Done()
	a.Reaper.Stop()
}

// Handler builds the HTTP mux: worker control-plane SSE endpoints, an
// admin read surface, and a Prometheus scrape endpoint, all behind the
// worker-auth and rate-limit middleware.
func (a *App) Handler(cfg config.Config) http.Handler {
	mux := http.NewServeMux()
	a.Gateway.Routes(mux)

	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("GET /v1/admin/queue", func(w http.ResponseWriter, r *http.Request) {
		stats, err := a.Queue.QueueStats(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc("GET /v1/admin/users/{tenant}/{user}", func(w http.ResponseWriter, r *http.Request) {
		status, err := a.Queue.UserStatus(r.Context(), r.PathValue("tenant"), r.PathValue("user"))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	})

	authCfg := workerauth.Config{Mode: cfg.AuthMode, Token: cfg.AuthToken, TokenHash: cfg.AuthTokenHash}
	authMw := workerauth.Middleware(authCfg, a.logger)

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		BurstSize:         cfg.RateLimitBurst,
		Logger:            a.logger,
	})

	return limiter.Middleware(authMw(mux))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

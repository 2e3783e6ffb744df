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

// Package hostedworker implements the claim-execute-complete loop a
// hosted worker process runs against the durable queue: poll on a
// ticker, claim a run, dispatch it to an Executor,
// renewing the lease while the executor works, then report the
// terminal outcome back to the queue.
package hostedworker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"taskrelay/internal/domain"
	"taskrelay/internal/metrics"
)

// Queue defines the durable-queue operations the worker loop needs.
type Queue interface {
	ClaimNextTaskRun(ctx context.Context, workerID, agentName string, capabilities []string, leaseDuration time.Duration) (*domain.TaskRun, error)
	RenewTaskRunLease(ctx context.Context, runID, workerID string, duration time.Duration) (bool, error)
	CompleteTaskRun(ctx context.Context, runID, workerID string, status domain.RunStatus, resultSummary string, resultFull json.RawMessage, errMsg string) (bool, error)
}

// Executor runs a single task run to completion (or failure) and is
// supplied by the binary wiring a concrete agent implementation.
type Executor interface {
	// Execute runs runID's prompt and returns a terminal status, a short
	// summary, and the full structured result. Execute should itself
	// respect ctx cancellation; the worker cancels ctx if the lease is
	// lost mid-execution.
	Execute(ctx context.Context, run *domain.TaskRun) (status domain.RunStatus, summary string, full json.RawMessage, execErr error)
}

// Config controls worker polling, lease, and identity parameters.
type Config struct {
	WorkerID     string
	AgentName    string
	Capabilities []string

	PollInterval     time.Duration
	LeaseDuration    time.Duration
	ExtendLeaseEvery time.Duration

	Logger *slog.Logger
}

// Worker runs the claim/execute/complete loop against a Queue.
type Worker struct {
	queue    Queue
	executor Executor
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Worker, defaulting unset Config durations.
func New(q Queue, executor Executor, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.ExtendLeaseEvery <= 0 || cfg.ExtendLeaseEvery >= cfg.LeaseDuration {
		cfg.ExtendLeaseEvery = cfg.LeaseDuration / 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:    q,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls for claimable task runs until ctx is canceled, processing
// one run at a time.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("hosted worker starting", "worker_id", w.cfg.WorkerID, "agent_name", w.cfg.AgentName, "poll_interval", w.cfg.PollInterval)
	defer w.logger.Info("hosted worker stopped", "worker_id", w.cfg.WorkerID)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		start := w.now()
		run, err := w.queue.ClaimNextTaskRun(ctx, w.cfg.WorkerID, w.cfg.AgentName, w.cfg.Capabilities, w.cfg.LeaseDuration)
		if err != nil {
			metrics.ObserveClaimAttempt(w.cfg.AgentName, "error", w.now().Sub(start))
			w.logger.Error("claim_next failed", "worker_id", w.cfg.WorkerID, "error", err)
		} else if run != nil {
			metrics.ObserveClaimAttempt(w.cfg.AgentName, metrics.OutcomeClaimed, w.now().Sub(start))
			w.processRun(ctx, run)
			continue
		} else {
			metrics.ObserveClaimAttempt(w.cfg.AgentName, metrics.OutcomeEmpty, w.now().Sub(start))
		}

		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processRun executes a single claimed run, renewing its lease on a
// ticker until the executor returns, then reports the terminal status.
func (w *Worker) processRun(ctx context.Context, run *domain.TaskRun) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaseLost := make(chan struct{})
	go w.renewLeaseLoop(runCtx, run.ID, cancel, leaseLost)

	start := w.now()
	status, summary, full, execErr := w.executor.Execute(runCtx, run)
	elapsed := w.now().Sub(start)

	select {
	case <-leaseLost:
		w.logger.Warn("run lease was lost mid-execution, not reporting completion", "run_id", run.ID, "worker_id", w.cfg.WorkerID)
		return
	default:
	}

	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
		if status == "" {
			status = domain.RunFailed
		}
	}
	if status == "" {
		status = domain.RunCompleted
	}

	ok, err := w.queue.CompleteTaskRun(ctx, run.ID, w.cfg.WorkerID, status, summary, full, errMsg)
	if err != nil {
		w.logger.Error("complete_task_run failed", "run_id", run.ID, "error", err)
		return
	}
	if !ok {
		w.logger.Warn("complete_task_run rejected, lease no longer held", "run_id", run.ID)
		return
	}
	metrics.ObserveTaskRunDuration(w.cfg.AgentName, string(status), elapsed)
	w.logger.Info("run completed", "run_id", run.ID, "status", status, "duration", elapsed, "worker_id", w.cfg.WorkerID)
}

// renewLeaseLoop extends run's lease on ExtendLeaseEvery until ctx is
// canceled or a renewal is rejected (another worker stole the lease
// after reclaim_expired), in which case it closes leaseLost and then
// calls cancel, so processRun always sees leaseLost once ctx is done.
func (w *Worker) renewLeaseLoop(ctx context.Context, runID string, cancel context.CancelFunc, leaseLost chan<- struct{}) {
	ticker := time.NewTicker(w.cfg.ExtendLeaseEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.queue.RenewTaskRunLease(ctx, runID, w.cfg.WorkerID, w.cfg.LeaseDuration)
			if err != nil {
				w.logger.Error("renew_lease failed", "run_id", runID, "error", err)
				continue
			}
			if !ok {
				w.logger.Warn("lease renewal rejected, abandoning run", "run_id", runID, "worker_id", w.cfg.WorkerID)
				close(leaseLost)
				cancel()
				return
			}
		}
	}
}

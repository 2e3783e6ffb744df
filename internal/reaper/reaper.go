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

// Package reaper periodically reclaims task runs whose lease has
// expired (a worker crashed or was killed mid-run) and sweeps stale
// worker registrations out of the in-memory registry. Reclaim_expired
// runs on a plain ticker; a secondary cron-style schedule (parsed with
// robfig/cron) drives the lower-frequency stale-worker sweep so an
// operator can tune it independently via a standard 5-field expression.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"taskrelay/internal/metrics"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Store is the reclaim-related store operation the reaper drives.
type Store interface {
	ReclaimExpiredTaskRuns(ctx context.Context, staleWorkerTimeout time.Duration) (int, error)
}

// StaleWorkerTracker is the subset of Registry the reaper uses to purge
// workers that stopped sending heartbeats.
type StaleWorkerTracker interface {
	Unregister(workerID string)
}

// WorkerLister reports the live workers the reaper should evaluate for
// staleness.
type WorkerLister interface {
	WorkerIDs() []string
	LastHeartbeat(workerID string) (time.Time, bool)
}

// Config controls the reaper's reclaim and stale-worker sweep cadence.
type Config struct {
	Store  Store
	Logger *slog.Logger

	// ReclaimInterval is how often expired leases are reclaimed.
	ReclaimInterval time.Duration

	// StaleWorkerCronExpr is a standard 5-field cron expression
	// controlling how often connected workers are checked for a stale
	// heartbeat; defaults to once a minute.
	StaleWorkerCronExpr string
	StaleWorkerTimeout  time.Duration
	Workers             WorkerLister
	WorkerTracker       StaleWorkerTracker
}

// Reaper runs the reclaim and stale-worker sweep loops.
type Reaper struct {
	cfg    Config
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Reaper, defaulting Config's zero fields.
func New(cfg Config) *Reaper {
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if cfg.StaleWorkerCronExpr == "" {
		cfg.StaleWorkerCronExpr = "* * * * *"
	}
	if cfg.StaleWorkerTimeout <= 0 {
		cfg.StaleWorkerTimeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{cfg: cfg, logger: logger}
}

// Start launches the reclaim and stale-worker loops in background
// goroutines, respecting ctx for shutdown.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.reclaimLoop(ctx)
	if r.cfg.Workers != nil && r.cfg.WorkerTracker != nil {
		r.wg.Add(1)
		go r.staleWorkerLoop(ctx)
	}
	r.logger.Info("reaper started", "reclaim_interval", r.cfg.ReclaimInterval, "stale_worker_cron", r.cfg.StaleWorkerCronExpr)
}

// Stop cancels both loops and waits for them to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) reclaimLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		r.reclaimOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reaper) reclaimOnce(ctx context.Context) {
	n, err := r.cfg.Store.ReclaimExpiredTaskRuns(ctx, r.cfg.StaleWorkerTimeout)
	if err != nil {
		r.logger.Error("reclaim_expired failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("reclaimed expired leases", "count", n)
		metrics.IncLeaseReclaim(metrics.OutcomeRequeued)
	}
}

func (r *Reaper) staleWorkerLoop(ctx context.Context) {
	defer r.wg.Done()

	schedule, err := cronParser.Parse(r.cfg.StaleWorkerCronExpr)
	if err != nil {
		r.logger.Error("invalid stale worker cron expression, disabling sweep", "expr", r.cfg.StaleWorkerCronExpr, "error", err)
		return
	}

	for {
		now := time.Now()
		next := schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.sweepStaleWorkers()
		}
	}
}

func (r *Reaper) sweepStaleWorkers() {
	cutoff := time.Now().Add(-r.cfg.StaleWorkerTimeout)
	for _, id := range r.cfg.Workers.WorkerIDs() {
		last, ok := r.cfg.Workers.LastHeartbeat(id)
		if !ok || last.Before(cutoff) {
			r.logger.Warn("purging worker with stale heartbeat", "worker_id", id, "last_heartbeat", last)
			r.cfg.WorkerTracker.Unregister(id)
		}
	}
}

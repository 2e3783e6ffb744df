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

// Package dispatch bridges the durable queue and the in-memory worker
// registry: when a run is enqueued, and again when the A2A executor
// finds its run still queued, it pushes a task_available notification
// to the set of registry-available workers that could serve it, so idle
// workers do not have to poll. Releasing or reclaiming a lease does not
// trigger a push.
package dispatch

import (
	"log/slog"

	"taskrelay/internal/domain"
	"taskrelay/internal/registry"
)

// Registry is the subset of *registry.Registry the Dispatcher needs.
type Registry interface {
	BroadcastTask(task registry.TaskAvailable, f registry.AvailableFilter) []string
}

// Dispatcher turns newly-claimable runs into registry broadcasts.
type Dispatcher struct {
	registry Registry
	logger   *slog.Logger
}

// New constructs a Dispatcher over reg.
func New(reg Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: reg, logger: logger}
}

// NotifyClaimable pushes a task_available event to every registry
// worker whose agent name and capabilities could serve run; no codebase
// filter is applied, so codebase affinity does not narrow the set. It
// is advisory only: if no worker is notified (none connected, or the
// notification mailbox is briefly full), the run remains claimable and
// a hosted worker's regular poll loop will still pick it up.
func (d *Dispatcher) NotifyClaimable(run *domain.TaskRun) {
	task := registry.TaskAvailable{
		ID:                   run.ID,
		Priority:             run.Priority,
		TargetAgentName:      run.TargetAgentName,
		RequiredCapabilities: run.RequiredCapabilities,
	}
	filter := registry.AvailableFilter{
		TargetAgentName:      run.TargetAgentName,
		RequiredCapabilities: run.RequiredCapabilities,
	}
	notified := d.registry.BroadcastTask(task, filter)
	d.logger.Debug("dispatched claimable run", "run_id", run.ID, "notified_workers", len(notified))
}

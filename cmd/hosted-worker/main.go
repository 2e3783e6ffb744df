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

// Command hosted-worker runs the claim/execute/complete loop directly
// against the controller's SQLite database, for agent runtimes that
// are colocated with the controller rather than driven over the
// worker SSE control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"taskrelay/internal/config"
	"taskrelay/internal/hostedworker"
	"taskrelay/internal/logging"
	"taskrelay/internal/store"
)

func main() {
	fs := flag.NewFlagSet("hosted-worker", flag.ExitOnError)
	agentEndpoint := fs.String("agent-endpoint", "http://127.0.0.1:9000/run", "HTTP endpoint the worker posts prompts to")
	cfg := config.Parse(fs, os.Args[1:])
	logger := logging.New(cfg.LogLevel)
	cfg.Log(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = fmt.Sprintf("hosted-worker-%s", uuid.NewString())
	}

	executor := hostedworker.NewHTTPExecutor(*agentEndpoint, 0)
	w := hostedworker.New(st, executor, hostedworker.Config{
		WorkerID:         workerID,
		AgentName:        cfg.WorkerAgent,
		Capabilities:     cfg.WorkerCaps,
		PollInterval:     cfg.PollInterval,
		LeaseDuration:    cfg.LeaseDuration,
		ExtendLeaseEvery: cfg.LeaseDuration / 2,
		Logger:           logger,
	})

	logger.Info("hosted worker starting", "worker_id", workerID, "agent_endpoint", *agentEndpoint)
	w.Run(ctx)
	logger.Info("hosted worker stopped")
}

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

package hostedworker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"taskrelay/internal/domain"
)

type fakeQueue struct {
	mu         sync.Mutex
	runs       []*domain.TaskRun
	renewCalls int
	renewOK    bool
	completed  []string
	completeOK bool
}

func (f *fakeQueue) ClaimNextTaskRun(ctx context.Context, workerID, agentName string, capabilities []string, leaseDuration time.Duration) (*domain.TaskRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) == 0 {
		return nil, nil
	}
	run := f.runs[0]
	f.runs = f.runs[1:]
	return run, nil
}

func (f *fakeQueue) RenewTaskRunLease(ctx context.Context, runID, workerID string, duration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewCalls++
	return f.renewOK, nil
}

func (f *fakeQueue) CompleteTaskRun(ctx context.Context, runID, workerID string, status domain.RunStatus, resultSummary string, resultFull json.RawMessage, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, string(status))
	return f.completeOK, nil
}

type fakeExecutor struct {
	status domain.RunStatus
	delay  time.Duration
}

func (f *fakeExecutor) Execute(ctx context.Context, run *domain.TaskRun) (domain.RunStatus, string, json.RawMessage, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", "", nil, ctx.Err()
		}
	}
	return f.status, "done", nil, nil
}

func TestWorkerClaimsExecutesAndCompletes(t *testing.T) {
	q := &fakeQueue{
		runs:       []*domain.TaskRun{{ID: "run-1"}},
		renewOK:    true,
		completeOK: true,
	}
	exec := &fakeExecutor{status: domain.RunCompleted}
	w := New(q, exec, Config{WorkerID: "w1", AgentName: "agent-a", PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.completed) != 1 || q.completed[0] != string(domain.RunCompleted) {
		t.Fatalf("expected one completed run with status completed, got %v", q.completed)
	}
}

func TestWorkerAbandonsRunWhenLeaseRenewalRejected(t *testing.T) {
	q := &fakeQueue{
		runs:       []*domain.TaskRun{{ID: "run-1"}},
		renewOK:    false,
		completeOK: true,
	}
	exec := &fakeExecutor{status: domain.RunCompleted, delay: 50 * time.Millisecond}
	w := New(q, exec, Config{
		WorkerID:         "w1",
		AgentName:        "agent-a",
		PollInterval:     5 * time.Millisecond,
		LeaseDuration:    20 * time.Millisecond,
		ExtendLeaseEvery: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.completed) != 0 {
		t.Fatalf("expected no completion reported once the lease was lost, got %v", q.completed)
	}
	if q.renewCalls == 0 {
		t.Fatalf("expected at least one renewal attempt")
	}
}

func TestWorkerNoRunsDoesNotCallComplete(t *testing.T) {
	q := &fakeQueue{completeOK: true}
	exec := &fakeExecutor{status: domain.RunCompleted}
	w := New(q, exec, Config{WorkerID: "w1", AgentName: "agent-a", PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.completed) != 0 {
		t.Fatalf("expected no completions when no run was available, got %v", q.completed)
	}
}

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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"taskrelay/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func enqueueTestRun(t *testing.T, s *Store, taskID, userID string, priority int) *domain.TaskRun {
	t.Helper()
	run, limitErr, err := s.EnqueueTaskRun(context.Background(), domain.EnqueueRequest{
		TaskID: taskID, TenantID: "t1", UserID: userID, Priority: priority,
	}, "title", "prompt", "", "", nil, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if limitErr != nil {
		t.Fatalf("unexpected limit error: %+v", limitErr)
	}
	return run
}

func TestEnqueueAndClaimNext(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := enqueueTestRun(t, s, "task-1", "user-1", 5)
	if run.Status != domain.RunQueued {
		t.Fatalf("expected queued, got %s", run.Status)
	}

	claimed, err := s.ClaimNextTaskRun(ctx, "worker-a", "", nil, 10*time.Minute)
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if claimed.ID != run.ID {
		t.Fatalf("expected to claim %s, got %s", run.ID, claimed.ID)
	}
	if claimed.Status != domain.RunRunning {
		t.Fatalf("expected running, got %s", claimed.Status)
	}
	if claimed.LeaseOwner == nil || *claimed.LeaseOwner != "worker-a" {
		t.Fatalf("expected lease owner worker-a, got %v", claimed.LeaseOwner)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", claimed.Attempts)
	}
}

func TestClaimNextMutualExclusion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := enqueueTestRun(t, s, "task-1", "user-1", 1)

	a, errA := s.ClaimNextTaskRun(ctx, "worker-a", "", nil, 10*time.Minute)
	b, errB := s.ClaimNextTaskRun(ctx, "worker-b", "", nil, 10*time.Minute)

	gotA := errA == nil && a != nil && a.ID == run.ID
	gotB := errB == nil && b != nil && b.ID == run.ID
	if gotA == gotB {
		t.Fatalf("expected exactly one claimant; gotA=%v gotB=%v errA=%v errB=%v", gotA, gotB, errA, errB)
	}
}

func TestClaimNextPriorityOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	low := enqueueTestRun(t, s, "task-low", "user-1", 1)
	high := enqueueTestRun(t, s, "task-high", "user-1", 10)
	_ = low

	claimed, err := s.ClaimNextTaskRun(ctx, "worker-a", "", nil, 10*time.Minute)
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if claimed.ID != high.ID {
		t.Fatalf("expected higher priority run claimed first, got %s", claimed.ID)
	}
}

func TestRenewLeaseMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := enqueueTestRun(t, s, "task-1", "user-1", 1)
	claimed, err := s.ClaimNextTaskRun(ctx, "worker-a", "", nil, 1*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := s.RenewTaskRunLease(ctx, claimed.ID, "worker-a", 10*time.Minute)
	if err != nil || !ok {
		t.Fatalf("renew: ok=%v err=%v", ok, err)
	}
	after, err := s.GetRun(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !after.LeaseExpiresAt.After(*claimed.LeaseExpiresAt) {
		t.Fatalf("expected lease to strictly extend: before=%v after=%v", claimed.LeaseExpiresAt, after.LeaseExpiresAt)
	}

	ok, err = s.RenewTaskRunLease(ctx, claimed.ID, "worker-b", 10*time.Minute)
	if err != nil {
		t.Fatalf("renew by non-owner: %v", err)
	}
	if ok {
		t.Fatalf("expected renew by non-owner to fail")
	}
}

func TestCompleteTaskRunRequiresLeaseOwner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := enqueueTestRun(t, s, "task-1", "user-1", 1)
	claimed, err := s.ClaimNextTaskRun(ctx, "worker-a", "", nil, 10*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := s.CompleteTaskRun(ctx, claimed.ID, "worker-b", domain.RunCompleted, "done", nil, "")
	if err != nil {
		t.Fatalf("complete by wrong owner: %v", err)
	}
	if ok {
		t.Fatalf("expected complete by non-owner to fail")
	}

	ok, err = s.CompleteTaskRun(ctx, claimed.ID, "worker-a", domain.RunCompleted, "done", nil, "")
	if err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	final, err := s.GetRun(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Status != domain.RunCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.LeaseOwner != nil {
		t.Fatalf("expected lease cleared, got %v", final.LeaseOwner)
	}
	_ = run
}

func TestReclaimExpiredRequeuesUnderMaxAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := enqueueTestRun(t, s, "task-1", "user-1", 1)

	claimed, err := s.ClaimNextTaskRun(ctx, "worker-a", "", nil, -1*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := s.ReclaimExpiredTaskRuns(ctx, time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}

	after, err := s.GetRun(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if after.Status != domain.RunQueued {
		t.Fatalf("expected requeued, got %s", after.Status)
	}
	if after.Attempts != 1 {
		t.Fatalf("expected attempts preserved at 1, got %d", after.Attempts)
	}
	_ = run
}

func TestReclaimExpiredSkipsRunWhoseWorkerIsStillHeartbeating(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueueTestRun(t, s, "task-1", "user-1", 1)

	claimed, err := s.ClaimNextTaskRun(ctx, "worker-a", "", nil, -1*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.UpsertWorkerHeartbeat(ctx, domain.Worker{ID: "worker-a", Hostname: "h1", MaxConcurrentTasks: 1}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	n, err := s.ReclaimExpiredTaskRuns(ctx, time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 reclaimed while worker is alive, got %d", n)
	}

	after, err := s.GetRun(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if after.Status != domain.RunRunning {
		t.Fatalf("expected run left running, got %s", after.Status)
	}
}

func TestReclaimExpiredFailsAtMaxAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueueTestRun(t, s, "task-1", "user-1", 1)

	var runID string
	for i := 0; i < 3; i++ {
		claimed, err := s.ClaimNextTaskRun(ctx, "worker-a", "", nil, -1*time.Second)
		if err != nil {
			t.Fatalf("claim attempt %d: %v", i, err)
		}
		runID = claimed.ID
		if _, err := s.ReclaimExpiredTaskRuns(ctx, time.Minute); err != nil {
			t.Fatalf("reclaim attempt %d: %v", i, err)
		}
	}

	final, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Status != domain.RunFailed {
		t.Fatalf("expected failed after max attempts, got %s", final.Status)
	}
}

func TestCancelRunOnlyFromQueued(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := enqueueTestRun(t, s, "task-1", "user-1", 1)

	ok, err := s.CancelRun(ctx, run.ID)
	if err != nil || !ok {
		t.Fatalf("cancel queued: ok=%v err=%v", ok, err)
	}

	run2 := enqueueTestRun(t, s, "task-2", "user-1", 1)
	claimed, err := s.ClaimNextTaskRun(ctx, "worker-a", "", nil, 10*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != run2.ID {
		t.Fatalf("expected to claim task-2, got %s", claimed.ID)
	}
	ok, err = s.CancelRun(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	if ok {
		t.Fatalf("expected cancel of running run to fail")
	}
}

func TestNotificationClaimSendSettleCycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, _, err := s.EnqueueTaskRun(ctx, domain.EnqueueRequest{
		TaskID: "task-1", TenantID: "t1", UserID: "user-1", Priority: 1,
		NotifyWebhookURL: "https://example.com/hook",
	}, "title", "prompt", "", "", nil, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ok, err := s.ClaimForSend(ctx, run.ID, domain.ChannelWebhook, 3)
	if err != nil || !ok {
		t.Fatalf("claim for send: ok=%v err=%v", ok, err)
	}

	// A second concurrent claim attempt must lose.
	ok2, err := s.ClaimForSend(ctx, run.ID, domain.ChannelWebhook, 3)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok2 {
		t.Fatalf("expected second claim to fail while already claimed")
	}

	if err := s.MarkSent(ctx, run.ID, domain.ChannelWebhook); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.WebhookState.Status != domain.NotifySent {
		t.Fatalf("expected sent, got %s", got.WebhookState.Status)
	}
}

func TestNotificationRetryBackoffSchedulesFutureRetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, _, err := s.EnqueueTaskRun(ctx, domain.EnqueueRequest{
		TaskID: "task-1", TenantID: "t1", UserID: "user-1", Priority: 1,
		NotifyWebhookURL: "https://example.com/hook",
	}, "title", "prompt", "", "", nil, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ok, err := s.ClaimForSend(ctx, run.ID, domain.ChannelWebhook, 3)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := s.MarkFailed(ctx, run.ID, domain.ChannelWebhook, "connection refused", 1, 3, 30*time.Second); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.WebhookState.Status != domain.NotifyFailed {
		t.Fatalf("expected failed, got %s", got.WebhookState.Status)
	}
	if got.WebhookState.NextRetryAt == nil || !got.WebhookState.NextRetryAt.After(time.Now()) {
		t.Fatalf("expected a future retry time, got %v", got.WebhookState.NextRetryAt)
	}
}

func TestCheckUserTaskLimitsConcurrency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.UpsertTenant(ctx, domain.Tenant{ID: "t1", ConcurrencyLimit: 1, TasksLimit: 100}); err != nil {
		t.Fatalf("upsert tenant: %v", err)
	}

	run1, limitErr, err := s.EnqueueTaskRun(ctx, domain.EnqueueRequest{
		TaskID: "task-1", TenantID: "t1", UserID: "user-1", Priority: 1,
	}, "t", "p", "", "", nil, 3)
	if err != nil || limitErr != nil {
		t.Fatalf("enqueue 1: run=%v limitErr=%+v err=%v", run1, limitErr, err)
	}
	if _, err := s.ClaimNextTaskRun(ctx, "worker-a", "", nil, 10*time.Minute); err != nil {
		t.Fatalf("claim 1: %v", err)
	}

	_, limitErr, err = s.EnqueueTaskRun(ctx, domain.EnqueueRequest{
		TaskID: "task-2", TenantID: "t1", UserID: "user-1", Priority: 1,
	}, "t", "p", "", "", nil, 3)
	if err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if limitErr == nil {
		t.Fatalf("expected concurrency limit exceeded on second enqueue")
	}
}

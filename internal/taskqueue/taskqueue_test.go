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

package taskqueue

import (
	"context"
	"path/filepath"
	"testing"

	"taskrelay/internal/domain"
	"taskrelay/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, 3)
}

func TestEnqueueAssignsTaskID(t *testing.T) {
	q := newTestQueue(t)
	run, limitErr, err := q.Enqueue(context.Background(), EnqueueParams{
		TenantID: "t1", UserID: "u1", Title: "a", Prompt: "b", Priority: 1,
	})
	if err != nil || limitErr != nil {
		t.Fatalf("enqueue: run=%v limitErr=%+v err=%v", run, limitErr, err)
	}
	if run.TaskID == "" {
		t.Fatalf("expected generated task id")
	}
	if run.Status != domain.RunQueued {
		t.Fatalf("expected queued, got %s", run.Status)
	}
}

func TestCancelRunAndGetRun(t *testing.T) {
	q := newTestQueue(t)
	run, _, err := q.Enqueue(context.Background(), EnqueueParams{TenantID: "t1", UserID: "u1", Title: "a", Prompt: "b"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ok, err := q.CancelRun(context.Background(), run.ID)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	got, err := q.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestQueueStatsCountsByStatus(t *testing.T) {
	q := newTestQueue(t)
	if _, _, err := q.Enqueue(context.Background(), EnqueueParams{TenantID: "t1", UserID: "u1", Title: "a", Prompt: "b"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	stats, err := q.QueueStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Queued != 1 {
		t.Fatalf("expected 1 queued, got %d", stats.Queued)
	}
}

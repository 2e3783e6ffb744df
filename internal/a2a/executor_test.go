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

package a2a

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"taskrelay/internal/domain"
)

type fakeQueue struct {
	mu       sync.Mutex
	runs     map[string]*domain.TaskRun
	limitErr *domain.TaskLimitExceeded
	enqueued []EnqueueParams
	cancelOK bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{runs: make(map[string]*domain.TaskRun)}
}

func (f *fakeQueue) Enqueue(ctx context.Context, p EnqueueParams) (*domain.TaskRun, *domain.TaskLimitExceeded, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, p)
	if f.limitErr != nil {
		return nil, f.limitErr, nil
	}
	run := &domain.TaskRun{ID: "run-" + p.TaskID, TaskID: p.TaskID, Status: domain.RunQueued}
	f.runs[run.ID] = run
	return run, nil, nil
}

func (f *fakeQueue) GetRun(ctx context.Context, runID string) (*domain.TaskRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[runID]
	cp := *run
	return &cp, nil
}

func (f *fakeQueue) CancelRun(ctx context.Context, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cancelOK {
		return false, nil
	}
	f.runs[runID].Status = domain.RunCancelled
	return true, nil
}

func (f *fakeQueue) setStatus(runID string, s domain.RunStatus, summary string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[runID].Status = s
	f.runs[runID].ResultSummary = summary
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Put(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestExecuteRunsThroughToCompletedWithArtifact(t *testing.T) {
	q := newFakeQueue()
	exec := New(q, nil, Config{PollInterval: 5 * time.Millisecond, MaxPollDuration: time.Second})
	sink := &recordingSink{}

	rc := RequestContext{TaskID: "ext-1", Message: Message{Parts: []Part{{Text: "hello"}, {Text: "world"}}}}

	done := make(chan struct{})
	go func() {
		exec.Execute(context.Background(), rc, sink)
		close(done)
	}()

	time.Sleep(15 * time.Millisecond)
	q.setStatus("run-ext-1", domain.RunCompleted, "done")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Execute did not return")
	}

	events := sink.snapshot()
	if len(events) < 3 {
		t.Fatalf("expected at least 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Status == nil || events[0].Status.State != StateWorking {
		t.Fatalf("expected first event to be working status, got %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Status == nil || last.Status.State != StateCompleted || !last.Final {
		t.Fatalf("expected final completed status, got %+v", last)
	}

	var sawArtifact bool
	for _, e := range events {
		if e.Type == EventArtifact && e.Artifact != nil && e.Artifact.Parts[0].Text == "done" {
			sawArtifact = true
		}
	}
	if !sawArtifact {
		t.Fatalf("expected an artifact event carrying the result summary, got %+v", events)
	}

	q.mu.Lock()
	prompt := q.enqueued[0].Prompt
	q.mu.Unlock()
	if prompt != "hello\nworld" {
		t.Fatalf("expected joined prompt %q, got %q", "hello\nworld", prompt)
	}
}

func TestExecuteSurfacesQuotaExceeded(t *testing.T) {
	q := newFakeQueue()
	q.limitErr = &domain.TaskLimitExceeded{TasksUsed: 5, TasksLimit: 5, Message: "quota exceeded"}
	exec := New(q, nil, Config{})
	sink := &recordingSink{}

	exec.Execute(context.Background(), RequestContext{TaskID: "ext-2", Message: Message{Parts: []Part{{Text: "hi"}}}}, sink)

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	if events[0].Status.State != StateFailed || !events[0].Final {
		t.Fatalf("expected a final failed event, got %+v", events[0])
	}
}

func TestExecuteTimesOutAfterMaxPollDuration(t *testing.T) {
	q := newFakeQueue()
	exec := New(q, nil, Config{PollInterval: 2 * time.Millisecond, MaxPollDuration: 10 * time.Millisecond})
	sink := &recordingSink{}

	exec.Execute(context.Background(), RequestContext{TaskID: "ext-3", Message: Message{Parts: []Part{{Text: "stuck"}}}}, sink)

	events := sink.snapshot()
	last := events[len(events)-1]
	if last.Status.State != StateFailed || !last.Final {
		t.Fatalf("expected final failed timeout event, got %+v", last)
	}
}

func TestCancelOnUnknownTaskReturnsFailed(t *testing.T) {
	q := newFakeQueue()
	exec := New(q, nil, Config{})
	sink := &recordingSink{}

	exec.Cancel(context.Background(), RequestContext{TaskID: "never-seen"}, sink)

	events := sink.snapshot()
	if len(events) != 1 || events[0].Status.State != StateFailed {
		t.Fatalf("expected a single failed event, got %+v", events)
	}
}

func TestCancelSucceedsWhenStillQueued(t *testing.T) {
	q := newFakeQueue()
	q.cancelOK = true
	exec := New(q, nil, Config{})
	sink := &recordingSink{}

	exec.Execute(context.Background(), RequestContext{TaskID: "ext-4", Message: Message{Parts: []Part{{Text: "hi"}}}}, &recordingSink{})
	q.setStatus("run-ext-4", domain.RunQueued, "")

	exec.Cancel(context.Background(), RequestContext{TaskID: "ext-4"}, sink)

	events := sink.snapshot()
	last := events[len(events)-1]
	if last.Status.State != StateCancelled || !last.Final {
		t.Fatalf("expected final cancelled event, got %+v", last)
	}
}

func TestCancelRejectedWhileRunning(t *testing.T) {
	q := newFakeQueue()
	q.cancelOK = false
	exec := New(q, nil, Config{})

	exec.Execute(context.Background(), RequestContext{TaskID: "ext-5", Message: Message{Parts: []Part{{Text: "hi"}}}}, &recordingSink{})
	q.setStatus("run-ext-5", domain.RunRunning, "")

	sink := &recordingSink{}
	exec.Cancel(context.Background(), RequestContext{TaskID: "ext-5"}, sink)

	events := sink.snapshot()
	if len(events) != 1 || events[0].Final {
		t.Fatalf("expected a single non-final event, got %+v", events)
	}
	if events[0].Status.Message != "cannot cancel, currently running" {
		t.Fatalf("unexpected message: %q", events[0].Status.Message)
	}
}

func TestExtractMetadataDecodesRoutingFields(t *testing.T) {
	exec := New(newFakeQueue(), nil, Config{})
	raw, _ := json.Marshal(requestMetadata{UserID: "u1", Priority: 7, TargetAgentName: "coder"})
	meta, err := exec.extractMetadata(RequestContext{Metadata: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.UserID != "u1" || meta.Priority != 7 || meta.TargetAgentName != "coder" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
)

// fakeQueue はテスト用の Queue です。状態は直接書き換えます。
type fakeQueue struct {
	mu         sync.Mutex
	seq        uint64
	jobs       map[JobID]*QueuedJob
	enqueueErr error
	removeErr  error
	removed    []JobID
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[JobID]*QueuedJob)}
}

func (q *fakeQueue) NextID(ctx context.Context) (JobID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	return JobID(q.seq), nil
}

func (q *fakeQueue) Enqueue(ctx context.Context, id JobID, payload Payload, policy RetryPolicy) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	if _, ok := q.jobs[id]; ok {
		return ErrDuplicateJob
	}
	q.jobs[id] = &QueuedJob{ID: id, State: StateWaiting, Payload: payload}
	return nil
}

func (q *fakeQueue) Lookup(ctx context.Context, id JobID) (*QueuedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (q *fakeQueue) List(ctx context.Context, states ...State) ([]*QueuedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*QueuedJob
	for _, job := range q.jobs {
		for _, s := range states {
			if job.State == s {
				copied := *job
				out = append(out, &copied)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *fakeQueue) Remove(ctx context.Context, id JobID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.removeErr != nil {
		return q.removeErr
	}
	q.removed = append(q.removed, id)
	delete(q.jobs, id)
	return nil
}

func (q *fakeQueue) setState(id JobID, state State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[id].State = state
}

func newTestManager(t *testing.T) (*Manager, *fakeQueue, *Registry, *Hub) {
	t.Helper()
	queue := newFakeQueue()
	registry := NewRegistry()
	hub := NewHub(nil, discardLogger())
	m, err := NewManager(queue, registry, hub, DefaultRetryPolicy, discardLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, queue, registry, hub
}

func submitSample(t *testing.T, m *Manager, brand Brand) JobID {
	t.Helper()
	sub, err := m.Submit(context.Background(), SubmitRequest{Kind: KindTextGeneration, Brand: brand, Prompt: "  write a haiku  "})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return sub.JobID
}

func TestSubmitValidates(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	cases := []SubmitRequest{
		{Kind: "unknown", Brand: Brand1, Prompt: "p"},
		{Kind: KindTextGeneration, Brand: "Brand9", Prompt: "p"},
		{Kind: KindTextGeneration, Brand: Brand1, Prompt: "   "},
		{Kind: KindTextGeneration, Brand: Brand1, Prompt: strings.Repeat("a", MaxPromptLength+1)},
		{Kind: KindTextGeneration, Brand: Brand1, Prompt: "p", WebhookURL: "ftp://example.test"},
	}
	for i, req := range cases {
		_, err := m.Submit(context.Background(), req)
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
		var jobErr *Error
		if !errors.As(err, &jobErr) || jobErr.Code != "VALIDATION_ERROR" {
			t.Fatalf("case %d: expected VALIDATION_ERROR, got %v", i, err)
		}
	}
}

func TestSubmitQueuesJob(t *testing.T) {
	m, queue, _, _ := newTestManager(t)
	sub, err := m.Submit(context.Background(), SubmitRequest{
		Kind:       KindImageGeneration,
		Brand:      Brand2,
		Prompt:     "  a cat  ",
		WebhookURL: "https://hooks.example.test/x",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.JobID != 1 || sub.Status != StatusQueued || sub.Progress != 0 || sub.Prompt != "a cat" {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	job, _ := queue.Lookup(context.Background(), 1)
	if job == nil || job.Payload.WebhookURL != "https://hooks.example.test/x" {
		t.Fatalf("job not queued with payload: %+v", job)
	}
}

func TestNormalizeStripsMarkup(t *testing.T) {
	cases := []struct{ in, want string }{
		{"  <b>a cat</b> on a mat ", "a cat on a mat"},
		{"<script>alert(1)</script>hello", "hello"},
		{`<img src=x onerror="alert(1)">tea & cake`, "tea & cake"},
		{`say "hi" it's fine`, `say "hi" it's fine`},
		{"1 &lt; 2", "1 &lt; 2"},
	}
	for _, tc := range cases {
		if got := (SubmitRequest{Prompt: tc.in}).Normalize().Prompt; got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSubmitRejectsMarkupOnlyPrompt(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	_, err := m.Submit(context.Background(), SubmitRequest{Kind: KindTextGeneration, Brand: Brand1, Prompt: "<script>alert(1)</script>"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCancelWaitingJobRemovesAndBroadcasts(t *testing.T) {
	m, queue, registry, hub := newTestManager(t)
	id := submitSample(t, m, Brand1)
	sub := hub.Subscribe(id)

	outcome, err := m.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if outcome != CancelCompleted {
		t.Fatalf("outcome = %s, want cancelled", outcome)
	}
	if !registry.IsCancelled(id) {
		t.Fatal("job should be marked cancelled")
	}
	if _, ok := registry.Archived(id); !ok {
		t.Fatal("payload should be archived")
	}
	if len(queue.removed) != 1 || queue.removed[0] != id {
		t.Fatalf("job should be removed from queue, removed=%v", queue.removed)
	}
	got := updatesFrom(t, sub)
	if len(got) != 1 || got[0].Status != StatusCancelled {
		t.Fatalf("updates = %v", got)
	}

	again, err := m.Cancel(context.Background(), id)
	if err != nil || again != CancelAlreadyDone {
		t.Fatalf("second cancel = %s, %v", again, err)
	}
}

func TestCancelActiveJobOnlyFlags(t *testing.T) {
	m, queue, registry, hub := newTestManager(t)
	id := submitSample(t, m, Brand1)
	queue.setState(id, StateActive)
	sub := hub.Subscribe(id)

	outcome, err := m.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if outcome != CancelRequested {
		t.Fatalf("outcome = %s, want requested", outcome)
	}
	if !registry.IsCancelled(id) || len(queue.removed) != 0 {
		t.Fatal("active job should be flagged but not removed")
	}
	if got := updatesFrom(t, sub); len(got) != 0 {
		t.Fatalf("active cancel should not broadcast, got %v", got)
	}
}

func TestCancelRaceWithWorkerPickup(t *testing.T) {
	m, queue, registry, hub := newTestManager(t)
	id := submitSample(t, m, Brand1)
	queue.removeErr = ErrJobActive
	sub := hub.Subscribe(id)

	outcome, err := m.Cancel(context.Background(), id)
	if err != nil || outcome != CancelRequested {
		t.Fatalf("Cancel = %s, %v", outcome, err)
	}
	if !registry.IsCancelled(id) {
		t.Fatal("job should be flagged")
	}
	if got := updatesFrom(t, sub); len(got) != 0 {
		t.Fatalf("cancel should be left to the worker, got %v", got)
	}
}

func TestCancelFinishedJobIsInvalid(t *testing.T) {
	for _, state := range []State{StateCompleted, StateFailed} {
		m, queue, registry, _ := newTestManager(t)
		id := submitSample(t, m, Brand1)
		queue.setState(id, state)

		_, err := m.Cancel(context.Background(), id)
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("%s: expected ErrInvalidState, got %v", state, err)
		}
		if registry.IsCancelled(id) {
			t.Fatalf("%s: job should not be flagged", state)
		}
	}
}

func TestCancelUnknownJob(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	_, err := m.Cancel(context.Background(), 404)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetryFailedJobReusesID(t *testing.T) {
	m, queue, _, hub := newTestManager(t)
	id := submitSample(t, m, Brand2)
	queue.setState(id, StateFailed)
	sub := hub.Subscribe(id)

	out, err := m.Retry(context.Background(), id)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if out.JobID != id || out.Status != StatusQueued {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	job, _ := queue.Lookup(context.Background(), id)
	if job == nil || job.State != StateWaiting || job.Payload.Brand != Brand2 {
		t.Fatalf("job not re-queued: %+v", job)
	}
	got := updatesFrom(t, sub)
	if len(got) != 1 || got[0].Status != StatusQueued {
		t.Fatalf("updates = %v", got)
	}
}

func TestRetryCancelledJobFromArchive(t *testing.T) {
	m, queue, registry, _ := newTestManager(t)
	id := submitSample(t, m, Brand3)
	if _, err := m.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, err := m.Retry(context.Background(), id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if registry.IsCancelled(id) {
		t.Fatal("retry should clear the cancelled flag")
	}
	if _, ok := registry.Archived(id); ok {
		t.Fatal("retry should clear the archive entry")
	}
	job, _ := queue.Lookup(context.Background(), id)
	if job == nil || job.Payload.Prompt != "write a haiku" {
		t.Fatalf("job not restored from archive: %+v", job)
	}
}

func TestRetryRejectsOtherStates(t *testing.T) {
	for _, state := range []State{StateWaiting, StateActive, StateCompleted, StateDelayed} {
		m, queue, _, _ := newTestManager(t)
		id := submitSample(t, m, Brand1)
		queue.setState(id, state)

		if _, err := m.Retry(context.Background(), id); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("%s: expected ErrInvalidState, got %v", state, err)
		}
	}
}

func TestRetryActiveCancelledJobWaitsForWorker(t *testing.T) {
	m, queue, _, _ := newTestManager(t)
	id := submitSample(t, m, Brand1)
	queue.setState(id, StateActive)
	if _, err := m.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := m.Retry(context.Background(), id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestRetryUnknownJob(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if _, err := m.Retry(context.Background(), 77); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetryEnqueueFailureKeepsArchive(t *testing.T) {
	m, queue, registry, _ := newTestManager(t)
	id := submitSample(t, m, Brand1)
	if _, err := m.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	queue.enqueueErr = errors.New("redis down")

	if _, err := m.Retry(context.Background(), id); err == nil {
		t.Fatal("expected retry error")
	}
	if !registry.IsCancelled(id) {
		t.Fatal("cancelled flag should be restored")
	}
	if _, ok := registry.Archived(id); !ok {
		t.Fatal("archive should be restored")
	}
}

func TestRetryOverlappingWithEarlierRetryLeavesItQueued(t *testing.T) {
	m, queue, registry, hub := newTestManager(t)
	id := submitSample(t, m, Brand1)
	if _, err := m.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	sub := hub.Subscribe(id)
	drain(sub)
	// 先行したリトライがLookupとEnqueueの間に同じIDを投入した状態
	queue.enqueueErr = fmt.Errorf("%w: %s", ErrDuplicateJob, id)

	_, err := m.Retry(context.Background(), id)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if registry.IsCancelled(id) {
		t.Fatal("cancelled flag must not be restored over the queued retry")
	}
	if _, ok := registry.Archived(id); ok {
		t.Fatal("archive must not be restored over the queued retry")
	}
	if got := drain(sub); len(got) != 0 {
		t.Fatalf("no update expected, got %d", len(got))
	}
}

func TestListProjectsAndFilters(t *testing.T) {
	m, queue, _, _ := newTestManager(t)
	a := submitSample(t, m, Brand1)
	b := submitSample(t, m, Brand2)
	c := submitSample(t, m, Brand1)
	queue.setState(a, StateCompleted)
	queue.mu.Lock()
	queue.jobs[a].Progress = 100
	queue.jobs[a].Return = &ReturnValue{Result: []byte(`{"url":"/assets/x"}`)}
	queue.mu.Unlock()
	if _, err := m.Cancel(context.Background(), c); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	all, err := m.List(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].JobID != b || all[1].JobID != a {
		t.Fatalf("unexpected list: %+v", all)
	}
	if all[1].Status != StatusCompleted || all[1].Result == nil || all[1].CompletedAt == nil {
		t.Fatalf("completed record not projected: %+v", all[1])
	}

	brand1, err := m.List(context.Background(), ListFilter{Brand: Brand1, IncludeCancelled: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(brand1) != 2 || brand1[0].JobID != c || brand1[0].Status != StatusCancelled || brand1[1].JobID != a {
		t.Fatalf("unexpected brand filter result: %+v", brand1)
	}
}

func TestSubscribeSendsSnapshot(t *testing.T) {
	m, queue, _, _ := newTestManager(t)
	id := submitSample(t, m, Brand1)
	queue.setState(id, StateActive)
	queue.mu.Lock()
	queue.jobs[id].Progress = 60
	queue.mu.Unlock()

	sub, err := m.Subscribe(context.Background(), id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer m.Unsubscribe(sub)

	got := updatesFrom(t, sub)
	if len(got) != 1 || got[0].Status != Status(StateActive) || got[0].Progress != 60 {
		t.Fatalf("snapshot = %v", got)
	}
}

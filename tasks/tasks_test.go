package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/GlacierEQ/God-Mind/state"
)

func newTestManager(t *testing.T) (*Manager, func()) {
	t.Helper()
	store := state.NewMemoryStore()
	mgr := NewManager(store)
	return mgr, func() {
		mgr.Close()
		store.Close()
	}
}

func submitTask(t *testing.T, mgr *Manager, task Task) string {
	t.Helper()
	if task.Provider == "" {
		task.Provider = "github"
	}
	if task.Operation == "" {
		task.Operation = "search_code"
	}
	id, err := mgr.Submit(context.Background(), task)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return id
}

func TestManagerSubmit(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()

	task := Task{
		IdempotencyKey: "test-key-1",
		Provider:       "github",
		Operation:      "search_code",
		Args:           []byte(`{"query":"TODO"}`),
		MaxAttempts:    3,
	}

	id, err := mgr.Submit(ctx, task)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected non-empty task ID")
	}

	got, err := mgr.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Expected status pending, got %s", got.Status)
	}
	if got.Provider != "github" {
		t.Errorf("Expected provider github, got %s", got.Provider)
	}
	if got.Attempts != 0 {
		t.Errorf("Expected 0 attempts at submit, got %d", got.Attempts)
	}
}

func TestManagerSubmitValidation(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()

	// Missing provider
	_, err := mgr.Submit(ctx, Task{Operation: "op"})
	if err != ErrInvalidTask {
		t.Errorf("Expected ErrInvalidTask for missing provider, got %v", err)
	}

	// Missing operation
	_, err = mgr.Submit(ctx, Task{Provider: "github"})
	if err != ErrInvalidTask {
		t.Errorf("Expected ErrInvalidTask for missing operation, got %v", err)
	}
}

func TestManagerIdempotency(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()

	id1 := submitTask(t, mgr, Task{IdempotencyKey: "idempotent-key"})
	id2 := submitTask(t, mgr, Task{IdempotencyKey: "idempotent-key"})

	if id1 != id2 {
		t.Errorf("Expected same ID for idempotent submissions, got %s and %s", id1, id2)
	}

	tasks, err := mgr.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("Expected 1 task, got %d", len(tasks))
	}
}

func TestManagerFullLifecycle(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{})

	// Dispatch
	if err := mgr.MarkDispatched(ctx, id, "agent-1"); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	task, _ := mgr.Get(ctx, id)
	if task.Status != StatusDispatched {
		t.Errorf("Expected dispatched, got %s", task.Status)
	}
	if task.AgentID != "agent-1" {
		t.Errorf("Expected agent-1, got %s", task.AgentID)
	}
	if task.Attempts != 1 {
		t.Errorf("Expected 1 attempt after dispatch, got %d", task.Attempts)
	}

	// Run
	if err := mgr.MarkRunning(ctx, id, "agent-1"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	task, _ = mgr.Get(ctx, id)
	if task.Status != StatusRunning {
		t.Errorf("Expected running, got %s", task.Status)
	}
	if task.StartedAt == nil {
		t.Error("Expected StartedAt to be set")
	}

	// Complete
	if err := mgr.Complete(ctx, id, []byte("output")); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	task, _ = mgr.Get(ctx, id)
	if task.Status != StatusSucceeded {
		t.Errorf("Expected succeeded, got %s", task.Status)
	}
	if string(task.Result) != "output" {
		t.Errorf("Expected result output, got %s", task.Result)
	}
	if task.CompletedAt == nil {
		t.Error("Expected CompletedAt to be set")
	}
}

func TestManagerMarkRunningWrongAgent(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{})
	mgr.MarkDispatched(ctx, id, "agent-1")

	err := mgr.MarkRunning(ctx, id, "agent-2")
	if err != ErrWrongAgent {
		t.Errorf("Expected ErrWrongAgent, got %v", err)
	}
}

func TestManagerCompleteRequiresRunning(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{})

	// Complete from pending
	if err := mgr.Complete(ctx, id, nil); err != ErrInvalidTransition {
		t.Errorf("Expected ErrInvalidTransition from pending, got %v", err)
	}

	// Complete from dispatched
	mgr.MarkDispatched(ctx, id, "agent-1")
	if err := mgr.Complete(ctx, id, nil); err != ErrInvalidTransition {
		t.Errorf("Expected ErrInvalidTransition from dispatched, got %v", err)
	}
}

func TestManagerRetryFlow(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{MaxAttempts: 3})

	// First attempt fails with a retryable error
	mgr.MarkDispatched(ctx, id, "agent-1")
	mgr.MarkRunning(ctx, id, "agent-1")

	notBefore := time.Now().Add(100 * time.Millisecond)
	err := mgr.MarkRetrying(ctx, id, "provider unavailable", "PROVIDER_UNAVAILABLE", notBefore)
	if err != nil {
		t.Fatalf("MarkRetrying failed: %v", err)
	}

	task, _ := mgr.Get(ctx, id)
	if task.Status != StatusRetrying {
		t.Errorf("Expected retrying, got %s", task.Status)
	}
	if task.AgentID != "" {
		t.Errorf("Expected cleared agent, got %s", task.AgentID)
	}
	if !task.NotBefore.Equal(notBefore) {
		t.Errorf("Expected NotBefore %v, got %v", notBefore, task.NotBefore)
	}
	if task.ErrorCode != "PROVIDER_UNAVAILABLE" {
		t.Errorf("Expected PROVIDER_UNAVAILABLE, got %s", task.ErrorCode)
	}

	// Second attempt succeeds
	if err := mgr.MarkDispatched(ctx, id, "agent-2"); err != nil {
		t.Fatalf("Re-dispatch failed: %v", err)
	}
	mgr.MarkRunning(ctx, id, "agent-2")
	mgr.Complete(ctx, id, []byte("done"))

	task, _ = mgr.Get(ctx, id)
	if task.Status != StatusSucceeded {
		t.Errorf("Expected succeeded, got %s", task.Status)
	}
	if task.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", task.Attempts)
	}
}

func TestManagerRetryExhaustsAttempts(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{MaxAttempts: 2})

	// Burn both attempts
	for i := 0; i < 2; i++ {
		if err := mgr.MarkDispatched(ctx, id, "agent-1"); err != nil {
			t.Fatalf("Dispatch %d failed: %v", i+1, err)
		}
		mgr.MarkRunning(ctx, id, "agent-1")
		if i == 0 {
			if err := mgr.MarkRetrying(ctx, id, "err", "PROVIDER_TIMEOUT", time.Time{}); err != nil {
				t.Fatalf("MarkRetrying failed: %v", err)
			}
		}
	}

	// No attempts remain: retry refused
	err := mgr.MarkRetrying(ctx, id, "err", "PROVIDER_TIMEOUT", time.Time{})
	if err != ErrMaxAttemptsReached {
		t.Errorf("Expected ErrMaxAttemptsReached, got %v", err)
	}

	// Finalize instead
	if err := mgr.Fail(ctx, id, "retry budget exhausted", "MAX_RETRIES_EXCEEDED"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	task, _ := mgr.Get(ctx, id)
	if task.Status != StatusFailed {
		t.Errorf("Expected failed, got %s", task.Status)
	}
	if task.ErrorCode != "MAX_RETRIES_EXCEEDED" {
		t.Errorf("Expected MAX_RETRIES_EXCEEDED, got %s", task.ErrorCode)
	}
}

func TestManagerUnlimitedAttempts(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{MaxAttempts: 0})

	// Retry repeatedly, should never hit the cap
	for i := 0; i < 5; i++ {
		if err := mgr.MarkDispatched(ctx, id, "agent-1"); err != nil {
			t.Fatalf("Dispatch %d failed: %v", i+1, err)
		}
		mgr.MarkRunning(ctx, id, "agent-1")
		if err := mgr.MarkRetrying(ctx, id, "err", "PROVIDER_UNAVAILABLE", time.Time{}); err != nil {
			t.Fatalf("MarkRetrying %d failed: %v", i+1, err)
		}
	}
}

func TestManagerFailIdempotent(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{})
	mgr.MarkDispatched(ctx, id, "agent-1")
	mgr.MarkRunning(ctx, id, "agent-1")
	mgr.Fail(ctx, id, "boom", "PROTOCOL_ERROR")

	if err := mgr.Fail(ctx, id, "again", "PROTOCOL_ERROR"); err != nil {
		t.Errorf("Fail on already-failed task should succeed (idempotent), got %v", err)
	}
}

func TestManagerCompleteIdempotent(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{})
	mgr.MarkDispatched(ctx, id, "agent-1")
	mgr.MarkRunning(ctx, id, "agent-1")
	mgr.Complete(ctx, id, []byte("result"))

	if err := mgr.Complete(ctx, id, []byte("different result")); err != nil {
		t.Errorf("Complete on already-succeeded task should succeed (idempotent), got %v", err)
	}
}

func TestManagerCancelPendingImmediate(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{})

	task, err := mgr.RequestCancel(ctx, id)
	if err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if task.Status != StatusCancelled {
		t.Errorf("Expected pending task cancelled on the spot, got %s", task.Status)
	}
	if task.Attempts != 0 {
		t.Errorf("Expected zero attempts for cancelled-while-pending task, got %d", task.Attempts)
	}

	// Dispatcher racing the cancel must be refused
	err = mgr.MarkDispatched(ctx, id, "agent-1")
	if err != ErrTaskFinalized {
		t.Errorf("Expected ErrTaskFinalized dispatching a cancelled task, got %v", err)
	}
}

func TestManagerCancelRetryingImmediate(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{MaxAttempts: 3})
	mgr.MarkDispatched(ctx, id, "agent-1")
	mgr.MarkRunning(ctx, id, "agent-1")
	mgr.MarkRetrying(ctx, id, "err", "PROVIDER_TIMEOUT", time.Now().Add(time.Hour))

	task, err := mgr.RequestCancel(ctx, id)
	if err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if task.Status != StatusCancelled {
		t.Errorf("Expected retrying task cancelled on the spot, got %s", task.Status)
	}
}

func TestManagerCancelRunningCooperative(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{})
	mgr.MarkDispatched(ctx, id, "agent-1")
	mgr.MarkRunning(ctx, id, "agent-1")

	// Request only sets the flag
	task, err := mgr.RequestCancel(ctx, id)
	if err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if task.Status != StatusRunning {
		t.Errorf("Expected running task to stay running, got %s", task.Status)
	}
	if !task.CancelRequested {
		t.Error("Expected CancelRequested flag to be set")
	}

	// Agent observes the flag and aborts
	if err := mgr.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	task, _ = mgr.Get(ctx, id)
	if task.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", task.Status)
	}
}

func TestManagerCancelRaceResultWins(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{})
	mgr.MarkDispatched(ctx, id, "agent-1")
	mgr.MarkRunning(ctx, id, "agent-1")
	mgr.RequestCancel(ctx, id)

	// Result arrives before the agent observes the flag
	if err := mgr.Complete(ctx, id, []byte("made it")); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// The late cancel loses
	if err := mgr.Cancel(ctx, id); err != ErrTaskFinalized {
		t.Errorf("Expected ErrTaskFinalized for cancel after success, got %v", err)
	}

	task, _ := mgr.Get(ctx, id)
	if task.Status != StatusSucceeded {
		t.Errorf("Expected succeeded, got %s", task.Status)
	}
}

func TestManagerCancelRaceCancelWins(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{})
	mgr.MarkDispatched(ctx, id, "agent-1")
	mgr.MarkRunning(ctx, id, "agent-1")
	mgr.RequestCancel(ctx, id)

	// Agent aborts before any result
	if err := mgr.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// The late result loses
	if err := mgr.Complete(ctx, id, []byte("too late")); err != ErrTaskFinalized {
		t.Errorf("Expected ErrTaskFinalized for result after cancel, got %v", err)
	}

	task, _ := mgr.Get(ctx, id)
	if task.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", task.Status)
	}
}

func TestManagerRequestCancelTerminalNoop(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{})
	mgr.MarkDispatched(ctx, id, "agent-1")
	mgr.MarkRunning(ctx, id, "agent-1")
	mgr.Complete(ctx, id, nil)

	task, err := mgr.RequestCancel(ctx, id)
	if err != nil {
		t.Fatalf("RequestCancel on terminal task failed: %v", err)
	}
	if task.Status != StatusSucceeded {
		t.Errorf("Expected succeeded unchanged, got %s", task.Status)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{StatusPending, StatusDispatched, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusRunning, false},
		{StatusPending, StatusSucceeded, false},
		{StatusDispatched, StatusRunning, true},
		{StatusDispatched, StatusRetrying, true},
		{StatusDispatched, StatusFailed, true},
		{StatusDispatched, StatusCancelled, true},
		{StatusDispatched, StatusPending, false},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusRetrying, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusRetrying, StatusDispatched, true},
		{StatusRetrying, StatusFailed, true},
		{StatusRetrying, StatusCancelled, true},
		{StatusRetrying, StatusRunning, false},
		{StatusSucceeded, StatusPending, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusFailed, StatusRetrying, false},
		{StatusCancelled, StatusDispatched, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusDispatched, false},
		{StatusRunning, false},
		{StatusRetrying, false},
		{StatusSucceeded, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		if tt.status.IsTerminal() != tt.terminal {
			t.Errorf("Status %s: expected terminal=%v", tt.status, tt.terminal)
		}
	}
}

func TestTaskClone(t *testing.T) {
	now := time.Now()
	original := &Task{
		ID:             "test-id",
		IdempotencyKey: "test-key",
		Provider:       "github",
		Operation:      "search_code",
		Args:           []byte(`{"q":"x"}`),
		Status:         StatusRunning,
		Attempts:       1,
		MaxAttempts:    3,
		AgentID:        "agent-1",
		CreatedAt:      now,
		StartedAt:      &now,
		Result:         []byte("result"),
		Error:          "some error",
		Metadata:       map[string]string{"origin": "test"},
	}

	clone := original.Clone()

	// Modify original
	original.Args[0] = 'X'
	original.Result[0] = 'Y'
	original.Metadata["origin"] = "changed"

	if clone.Args[0] == 'X' {
		t.Error("Clone args should not be affected by original modification")
	}
	if clone.Result[0] == 'Y' {
		t.Error("Clone result should not be affected by original modification")
	}
	if clone.Metadata["origin"] != "test" {
		t.Error("Clone metadata should not be affected by original modification")
	}
}

func TestTaskRetriesRemaining(t *testing.T) {
	tests := []struct {
		attempts, max int
		want          bool
	}{
		{0, 3, true},
		{2, 3, true},
		{3, 3, false},
		{4, 3, false},
		{10, 0, true}, // zero cap = unlimited
	}

	for _, tt := range tests {
		task := &Task{Attempts: tt.attempts, MaxAttempts: tt.max}
		if got := task.RetriesRemaining(); got != tt.want {
			t.Errorf("RetriesRemaining(attempts=%d, max=%d) = %v, want %v", tt.attempts, tt.max, got, tt.want)
		}
	}
}

func TestManagerGetByIdempotencyKey(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{IdempotencyKey: "lookup-key"})

	task, err := mgr.GetByIdempotencyKey(ctx, "lookup-key")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey failed: %v", err)
	}
	if task.ID != id {
		t.Errorf("Expected ID %s, got %s", id, task.ID)
	}

	_, err = mgr.GetByIdempotencyKey(ctx, "no-such-key")
	if err != ErrTaskNotFound {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}

	_, err = mgr.GetByIdempotencyKey(ctx, "")
	if err != ErrTaskNotFound {
		t.Errorf("Expected ErrTaskNotFound for empty key, got %v", err)
	}
}

func TestManagerListByStatus(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()

	id1 := submitTask(t, mgr, Task{})
	id2 := submitTask(t, mgr, Task{})
	id3 := submitTask(t, mgr, Task{})

	mgr.MarkDispatched(ctx, id2, "agent-1")
	mgr.MarkDispatched(ctx, id3, "agent-2")
	mgr.MarkRunning(ctx, id3, "agent-2")
	mgr.Complete(ctx, id3, nil)

	pending, _ := mgr.List(ctx, StatusPending)
	if len(pending) != 1 || pending[0].ID != id1 {
		t.Errorf("Expected 1 pending task (id1)")
	}

	dispatched, _ := mgr.List(ctx, StatusDispatched)
	if len(dispatched) != 1 || dispatched[0].ID != id2 {
		t.Errorf("Expected 1 dispatched task (id2)")
	}

	succeeded, _ := mgr.List(ctx, StatusSucceeded)
	if len(succeeded) != 1 || succeeded[0].ID != id3 {
		t.Errorf("Expected 1 succeeded task (id3)")
	}

	all, _ := mgr.List(ctx, "")
	if len(all) != 3 {
		t.Errorf("Expected 3 total tasks, got %d", len(all))
	}
}

func TestManagerCountByStatus(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()

	submitTask(t, mgr, Task{})
	submitTask(t, mgr, Task{})
	id3 := submitTask(t, mgr, Task{})
	mgr.MarkDispatched(ctx, id3, "agent-1")

	counts, err := mgr.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[StatusPending] != 2 {
		t.Errorf("Expected 2 pending, got %d", counts[StatusPending])
	}
	if counts[StatusDispatched] != 1 {
		t.Errorf("Expected 1 dispatched, got %d", counts[StatusDispatched])
	}
}

func TestManagerDelete(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{IdempotencyKey: "delete-test"})
	mgr.MarkDispatched(ctx, id, "agent-1")
	mgr.MarkRunning(ctx, id, "agent-1")
	mgr.Complete(ctx, id, nil)

	if err := mgr.Delete(ctx, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, err := mgr.Get(ctx, id)
	if err != ErrTaskNotFound {
		t.Errorf("Expected ErrTaskNotFound after delete, got %v", err)
	}
}

func TestManagerDeleteOnActive(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	ctx := context.Background()
	id := submitTask(t, mgr, Task{})

	if err := mgr.Delete(ctx, id); err != ErrTaskActive {
		t.Errorf("Expected ErrTaskActive deleting pending task, got %v", err)
	}

	mgr.MarkDispatched(ctx, id, "agent-1")
	if err := mgr.Delete(ctx, id); err != ErrTaskActive {
		t.Errorf("Expected ErrTaskActive deleting dispatched task, got %v", err)
	}
}

func TestManagerDeleteNonExistent(t *testing.T) {
	mgr, done := newTestManager(t)
	defer done()

	err := mgr.Delete(context.Background(), "non-existent-id")
	if err != ErrTaskNotFound {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestManagerDoubleClose(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()

	mgr := NewManager(store)

	if err := mgr.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}

func TestManagerOperationsAfterClose(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()

	mgr := NewManager(store)
	ctx := context.Background()

	id, _ := mgr.Submit(ctx, Task{Provider: "github", Operation: "op"})
	mgr.Close()

	if _, err := mgr.Submit(ctx, Task{Provider: "github", Operation: "op"}); err != ErrStoreClosed {
		t.Errorf("Submit after close: expected ErrStoreClosed, got %v", err)
	}
	if err := mgr.MarkDispatched(ctx, id, "agent-1"); err != ErrStoreClosed {
		t.Errorf("MarkDispatched after close: expected ErrStoreClosed, got %v", err)
	}
	if err := mgr.MarkRunning(ctx, id, "agent-1"); err != ErrStoreClosed {
		t.Errorf("MarkRunning after close: expected ErrStoreClosed, got %v", err)
	}
	if err := mgr.Complete(ctx, id, nil); err != ErrStoreClosed {
		t.Errorf("Complete after close: expected ErrStoreClosed, got %v", err)
	}
	if err := mgr.Fail(ctx, id, "e", "c"); err != ErrStoreClosed {
		t.Errorf("Fail after close: expected ErrStoreClosed, got %v", err)
	}
	if err := mgr.MarkRetrying(ctx, id, "e", "c", time.Time{}); err != ErrStoreClosed {
		t.Errorf("MarkRetrying after close: expected ErrStoreClosed, got %v", err)
	}
	if _, err := mgr.RequestCancel(ctx, id); err != ErrStoreClosed {
		t.Errorf("RequestCancel after close: expected ErrStoreClosed, got %v", err)
	}
	if err := mgr.Cancel(ctx, id); err != ErrStoreClosed {
		t.Errorf("Cancel after close: expected ErrStoreClosed, got %v", err)
	}
	if _, err := mgr.Get(ctx, id); err != ErrStoreClosed {
		t.Errorf("Get after close: expected ErrStoreClosed, got %v", err)
	}
	if _, err := mgr.List(ctx, ""); err != ErrStoreClosed {
		t.Errorf("List after close: expected ErrStoreClosed, got %v", err)
	}
	if err := mgr.Delete(ctx, id); err != ErrStoreClosed {
		t.Errorf("Delete after close: expected ErrStoreClosed, got %v", err)
	}
}

func TestWithIDGenerator(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()

	customID := "custom-task-id-123"
	mgr := NewManager(store, WithIDGenerator(func() string {
		return customID
	}))
	defer mgr.Close()

	id, err := mgr.Submit(context.Background(), Task{Provider: "github", Operation: "op"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id != customID {
		t.Errorf("Expected custom ID %s, got %s", customID, id)
	}
}

func TestSubmissionValidate(t *testing.T) {
	tests := []struct {
		name    string
		sub     Submission
		wantErr bool
	}{
		{"valid", Submission{Provider: "github", Operation: "search_code"}, false},
		{"missing provider", Submission{Operation: "search_code"}, true},
		{"missing operation", Submission{Provider: "github"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sub.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubmissionToTask(t *testing.T) {
	sub := Submission{
		Provider:       "memory",
		Operation:      "store",
		Args:           []byte(`{"key":"k"}`),
		Priority:       5,
		IdempotencyKey: "idem",
		MaxAttempts:    2,
		Metadata:       map[string]string{"a": "b"},
	}

	task := sub.Task()
	if task.Provider != "memory" || task.Operation != "store" {
		t.Errorf("Routing not carried over: %+v", task)
	}
	if task.Priority != 5 {
		t.Errorf("Expected priority 5, got %d", task.Priority)
	}
	if task.MaxAttempts != 2 {
		t.Errorf("Expected max attempts 2, got %d", task.MaxAttempts)
	}
	if task.IdempotencyKey != "idem" {
		t.Errorf("Expected idempotency key idem, got %s", task.IdempotencyKey)
	}
}

func TestTaskResultRoundtrip(t *testing.T) {
	r := NewTaskResult("t-1", "agent-1", ResultFailed)
	r.Provider = "github"
	r.Error = "provider unavailable"
	r.Code = "PROVIDER_UNAVAILABLE"
	r.Attempt = 2

	data, err := r.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := UnmarshalTaskResult(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.TaskID != "t-1" || got.Status != ResultFailed || got.Code != "PROVIDER_UNAVAILABLE" {
		t.Errorf("Roundtrip mismatch: %+v", got)
	}
}

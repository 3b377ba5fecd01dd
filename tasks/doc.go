// Package tasks provides the task model and lifecycle for the
// orchestration core.
//
// A task is one provider operation to invoke. The TaskManager owns the
// authoritative records and enforces forward-only transitions:
//
//	Pending → Dispatched → Running → Succeeded
//	                 ↘         ↘  ↘
//	                  Retrying → Failed
//	                      ↓
//	                  Dispatched (next attempt)
//
// Cancelled is reachable from every non-terminal state. A task reaches
// exactly one of Succeeded, Failed or Cancelled and never leaves it.
//
// # Basic Usage
//
// Create a task manager backed by a state store:
//
//	store := state.NewMemoryStore()
//	mgr := tasks.NewManager(store)
//
//	// Submit a task with an idempotency key
//	task := tasks.Task{
//	    IdempotencyKey: "repo-scan-123",
//	    Provider:       "github",
//	    Operation:      "search_code",
//	    Args:           []byte(`{"query": "TODO"}`),
//	    MaxAttempts:    4,
//	}
//	taskID, err := mgr.Submit(ctx, task)
//
//	// Dispatcher hands the task to an agent
//	err = mgr.MarkDispatched(ctx, taskID, "agent-007")
//	// Agent acquires its provider slot, then the call starts
//	err = mgr.MarkRunning(ctx, taskID, "agent-007")
//	// ... provider call ...
//	err = mgr.Complete(ctx, taskID, output)
//
// # Idempotency
//
// The idempotency key ensures duplicate submissions return the existing task:
//
//	id1, _ := mgr.Submit(ctx, tasks.Task{IdempotencyKey: "k", Provider: "github", Operation: "op"})
//	id2, _ := mgr.Submit(ctx, tasks.Task{IdempotencyKey: "k", Provider: "github", Operation: "op"})
//	// id1 == id2, no duplicate task created
//
// # Cancellation
//
// RequestCancel cancels a queued (pending or retrying) task on the
// spot; the provider is never contacted for it. For a dispatched or
// running task it only sets the cooperative flag. The attempt then
// resolves to exactly one of Succeeded or Cancelled, whichever commits
// first.
//
// # Thread Safety
//
// All TaskManager implementations are safe for concurrent use.
package tasks

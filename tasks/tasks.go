package tasks

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskFinalized indicates the task is already in a terminal state.
	ErrTaskFinalized = errors.New("task already finalized")

	// ErrInvalidTransition indicates the requested state change is not
	// allowed from the task's current state.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrMaxAttemptsReached indicates no more attempts are allowed.
	ErrMaxAttemptsReached = errors.New("maximum attempts reached")

	// ErrInvalidTask indicates the task is invalid (missing required fields).
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidAgentID indicates the agent ID is invalid.
	ErrInvalidAgentID = errors.New("invalid agent ID")

	// ErrWrongAgent indicates the operation was attempted by an agent
	// that does not hold the task.
	ErrWrongAgent = errors.New("task held by different agent")

	// ErrTaskActive indicates the task is not yet terminal.
	ErrTaskActive = errors.New("task still active")

	// ErrStoreClosed indicates the underlying store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// StatusPending indicates the task is queued and waiting for dispatch.
	StatusPending TaskStatus = "pending"

	// StatusDispatched indicates the task has been assigned to an agent
	// but the provider call has not started yet.
	StatusDispatched TaskStatus = "dispatched"

	// StatusRunning indicates the provider call is in flight.
	StatusRunning TaskStatus = "running"

	// StatusSucceeded indicates the task completed successfully.
	StatusSucceeded TaskStatus = "succeeded"

	// StatusFailed indicates the task failed permanently.
	StatusFailed TaskStatus = "failed"

	// StatusRetrying indicates the task failed with a retryable error
	// and is waiting for its backoff delay before re-dispatch.
	StatusRetrying TaskStatus = "retrying"

	// StatusCancelled indicates the task was cancelled.
	StatusCancelled TaskStatus = "cancelled"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state.
// A task reaches exactly one terminal state and never leaves it.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// transitions is the set of allowed state changes. Terminal states
// have no exits; everything else moves strictly forward.
var transitions = map[TaskStatus]map[TaskStatus]bool{
	StatusPending: {
		StatusDispatched: true,
		StatusCancelled:  true,
	},
	StatusDispatched: {
		StatusRunning:   true,
		StatusRetrying:  true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusRetrying:  true,
		StatusCancelled: true,
	},
	StatusRetrying: {
		StatusDispatched: true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	return transitions[from][to]
}

// Task represents a unit of work: one provider operation to invoke.
type Task struct {
	// ID is the unique identifier for the task.
	// Generated automatically on submission if empty.
	ID string

	// IdempotencyKey is used for deduplication.
	// Tasks with the same IdempotencyKey will not be duplicated.
	IdempotencyKey string

	// Provider names the protocol provider this task targets.
	Provider string

	// Operation is the operation to invoke on the provider.
	Operation string

	// Args is the JSON-encoded arguments for the operation.
	Args []byte

	// Priority orders dispatch: higher values dispatch first, equal
	// values in submission order.
	Priority int

	// Status is the current state of the task.
	Status TaskStatus

	// Attempts is the number of dispatch attempts started.
	Attempts int

	// MaxAttempts caps the total attempts (initial try plus retries).
	// Zero means the orchestrator default applies.
	MaxAttempts int

	// AgentID is the agent currently holding the task.
	AgentID string

	// CancelRequested marks a cooperative cancellation request for a
	// task that is already dispatched or running.
	CancelRequested bool

	// NotBefore gates re-dispatch of a retrying task until the backoff
	// delay has elapsed. Zero means immediately eligible.
	NotBefore time.Time

	// CreatedAt is when the task was submitted.
	CreatedAt time.Time

	// DispatchedAt is when the task was last assigned to an agent.
	DispatchedAt *time.Time

	// StartedAt is when the provider call last began.
	StartedAt *time.Time

	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time

	// Result is the provider output on success.
	Result []byte

	// Error is the last error message, retained across retries.
	Error string

	// ErrorCode is the taxonomy code of the last error.
	ErrorCode string

	// Metadata contains caller-supplied key-value pairs.
	Metadata map[string]string
}

// Clone creates a deep copy of the task.
func (t *Task) Clone() *Task {
	clone := &Task{
		ID:              t.ID,
		IdempotencyKey:  t.IdempotencyKey,
		Provider:        t.Provider,
		Operation:       t.Operation,
		Priority:        t.Priority,
		Status:          t.Status,
		Attempts:        t.Attempts,
		MaxAttempts:     t.MaxAttempts,
		AgentID:         t.AgentID,
		CancelRequested: t.CancelRequested,
		NotBefore:       t.NotBefore,
		CreatedAt:       t.CreatedAt,
		Error:           t.Error,
		ErrorCode:       t.ErrorCode,
	}

	if t.Args != nil {
		clone.Args = make([]byte, len(t.Args))
		copy(clone.Args, t.Args)
	}

	if t.DispatchedAt != nil {
		dispatched := *t.DispatchedAt
		clone.DispatchedAt = &dispatched
	}

	if t.StartedAt != nil {
		started := *t.StartedAt
		clone.StartedAt = &started
	}

	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}

	if t.Result != nil {
		clone.Result = make([]byte, len(t.Result))
		copy(clone.Result, t.Result)
	}

	if t.Metadata != nil {
		clone.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}

	return clone
}

// RetriesRemaining reports whether another attempt is allowed.
func (t *Task) RetriesRemaining() bool {
	return t.MaxAttempts <= 0 || t.Attempts < t.MaxAttempts
}

// TaskManager owns the authoritative task records and enforces the
// task lifecycle.
type TaskManager interface {
	// Submit creates a new task or returns the existing task ID if
	// a task with the same IdempotencyKey already exists.
	// Returns the task ID.
	Submit(ctx context.Context, task Task) (string, error)

	// MarkDispatched assigns a pending or retrying task to an agent
	// and starts a new attempt.
	MarkDispatched(ctx context.Context, taskID, agentID string) error

	// MarkRunning records that the provider call for a dispatched task
	// has begun. Only the holding agent may call this.
	MarkRunning(ctx context.Context, taskID, agentID string) error

	// Complete finalizes a running task as succeeded with the given result.
	// Completing an already-succeeded task is idempotent.
	Complete(ctx context.Context, taskID string, result []byte) error

	// Fail finalizes a task as permanently failed.
	// Failing an already-failed task is idempotent.
	Fail(ctx context.Context, taskID, message, code string) error

	// MarkRetrying moves a dispatched or running task back to the
	// retry queue. notBefore gates its next dispatch.
	// Returns ErrMaxAttemptsReached if no attempts remain.
	MarkRetrying(ctx context.Context, taskID, message, code string, notBefore time.Time) error

	// RequestCancel requests cancellation. Pending and retrying tasks
	// are cancelled immediately; dispatched and running tasks get the
	// cooperative flag set. Terminal tasks are returned unchanged.
	// Returns the task after the request was applied.
	RequestCancel(ctx context.Context, taskID string) (*Task, error)

	// Cancel finalizes a non-terminal task as cancelled.
	// Cancelling an already-cancelled task is idempotent.
	Cancel(ctx context.Context, taskID string) error

	// Get retrieves a task by ID.
	// Returns ErrTaskNotFound if the task does not exist.
	Get(ctx context.Context, taskID string) (*Task, error)

	// GetByIdempotencyKey retrieves a task by its idempotency key.
	// Returns ErrTaskNotFound if no task exists with that key.
	GetByIdempotencyKey(ctx context.Context, key string) (*Task, error)

	// List returns all tasks matching the given status filter.
	// If status is empty, returns all tasks.
	List(ctx context.Context, status TaskStatus) ([]*Task, error)

	// CountByStatus returns the number of tasks in each state.
	CountByStatus(ctx context.Context) (map[TaskStatus]int, error)

	// Delete removes a task by ID.
	// Only terminal tasks can be deleted.
	Delete(ctx context.Context, taskID string) error

	// Close releases resources held by the manager.
	Close() error
}

package results

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("result not found")
	ErrFinalized     = errors.New("result already finalized")
	ErrClosed        = errors.New("publisher closed")
	ErrInvalidTaskID = errors.New("invalid task ID")
	ErrInvalidStatus = errors.New("invalid result status")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ResultStatus represents the state of a task result.
type ResultStatus string

const (
	// StatusPending indicates the task has not reached a terminal state.
	// Pending results carry progress: the latest attempt and, for a
	// scheduled retry, when the next attempt becomes eligible.
	StatusPending ResultStatus = "pending"

	// StatusSuccess indicates the task completed successfully.
	StatusSuccess ResultStatus = "success"

	// StatusFailed indicates the task failed permanently.
	StatusFailed ResultStatus = "failed"

	// StatusCancelled indicates the task was cancelled before completing.
	StatusCancelled ResultStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s ResultStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status represents a final state.
func (s ResultStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Result is the caller-visible outcome of a task. A terminal result is
// written exactly once and never changes afterwards; pending results
// may be updated until the terminal one lands.
type Result struct {
	// TaskID uniquely identifies the task.
	TaskID string `json:"task_id"`

	// Status indicates the current state of the result.
	Status ResultStatus `json:"status"`

	// Provider is the provider the task ran against.
	Provider string `json:"provider,omitempty"`

	// Output contains the task's output data.
	// Empty unless Status is StatusSuccess.
	Output []byte `json:"output,omitempty"`

	// Error contains the error message if Status is StatusFailed.
	Error string `json:"error,omitempty"`

	// Code is the taxonomy code of the error, if any.
	Code string `json:"code,omitempty"`

	// AgentID is the agent that executed the final attempt.
	AgentID string `json:"agent_id,omitempty"`

	// Attempts is how many attempts the task consumed.
	Attempts int `json:"attempts,omitempty"`

	// Metadata contains additional key-value data about the result.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the result was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the result was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}

	clone := &Result{
		TaskID:    r.TaskID,
		Status:    r.Status,
		Provider:  r.Provider,
		Error:     r.Error,
		Code:      r.Code,
		AgentID:   r.AgentID,
		Attempts:  r.Attempts,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}

	if r.Output != nil {
		clone.Output = make([]byte, len(r.Output))
		copy(clone.Output, r.Output)
	}

	if r.Metadata != nil {
		clone.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}

	return clone
}

// ResultFilter specifies criteria for listing results.
type ResultFilter struct {
	// Status filters by result status. Empty means all statuses.
	Status ResultStatus

	// Provider filters by provider name.
	Provider string

	// Code filters by error taxonomy code.
	Code string

	// TaskIDPrefix filters by task ID prefix.
	TaskIDPrefix string

	// CreatedAfter filters results created after this time.
	CreatedAfter time.Time

	// CreatedBefore filters results created before this time.
	CreatedBefore time.Time

	// Limit caps the number of results returned. 0 means no limit.
	Limit int

	// Metadata filters by metadata key-value pairs (all must match).
	Metadata map[string]string
}

// Matches returns true if the result matches the filter criteria.
func (f ResultFilter) Matches(r *Result) bool {
	if r == nil {
		return false
	}

	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.Code != "" && r.Code != f.Code {
		return false
	}
	if f.TaskIDPrefix != "" && !hasPrefix(r.TaskID, f.TaskIDPrefix) {
		return false
	}

	if !f.CreatedAfter.IsZero() && !r.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
		return false
	}

	// Metadata filter (all must match)
	if f.Metadata != nil {
		for k, v := range f.Metadata {
			if r.Metadata == nil || r.Metadata[k] != v {
				return false
			}
		}
	}

	return true
}

// hasPrefix checks if s starts with prefix.
func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// ResultPublisher provides result storage, retrieval, and subscription.
type ResultPublisher interface {
	// Publish stores or updates a task result. Once a terminal result
	// is stored the record is immutable: any further Publish for the
	// task fails with ErrFinalized.
	Publish(ctx context.Context, taskID string, result Result) error

	// Get retrieves a result by task ID.
	// Returns ErrNotFound if the result doesn't exist.
	Get(ctx context.Context, taskID string) (*Result, error)

	// Subscribe returns a channel that receives updates for a task.
	// The channel is closed after the terminal result is delivered or
	// when the subscription is cancelled. If a result already exists,
	// it is sent immediately.
	Subscribe(taskID string) (<-chan *Result, error)

	// List returns results matching the filter criteria.
	List(filter ResultFilter) ([]*Result, error)

	// Delete removes a result by task ID.
	// Returns ErrNotFound if the result doesn't exist.
	Delete(ctx context.Context, taskID string) error

	// Close shuts down the publisher and releases resources.
	Close() error
}

// Subscription represents an active result subscription.
type Subscription interface {
	// Results returns the channel for incoming result updates.
	Results() <-chan *Result

	// Cancel cancels the subscription.
	Cancel() error
}

// ValidateTaskID checks if a task ID is valid.
func ValidateTaskID(taskID string) error {
	if taskID == "" {
		return ErrInvalidTaskID
	}
	return nil
}

// ValidateResult checks if a result is valid for publishing.
func ValidateResult(r Result) error {
	if err := ValidateTaskID(r.TaskID); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}

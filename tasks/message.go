package tasks

import (
	"encoding/json"
	"time"
)

// Submission is the wire format for submitting a task. It is the
// payload of the orchestrate.submit control method and the shape
// callers hand to the orchestrator.
type Submission struct {
	// Routing
	Provider  string          `json:"provider"`            // Protocol provider to invoke
	Operation string          `json:"operation"`           // Operation name on the provider
	Args      json.RawMessage `json:"args,omitempty"`      // Operation arguments

	// Scheduling
	Priority int `json:"priority,omitempty"` // Higher dispatches first

	// Execution Control
	IdempotencyKey string `json:"idempotency_key,omitempty"` // Same key = same logical work (for dedup)
	MaxAttempts    int    `json:"max_attempts,omitempty"`    // Attempt cap (0 = orchestrator default)
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // Per-call timeout (0 = provider default)

	// Metadata
	Metadata map[string]string `json:"metadata,omitempty"` // Arbitrary key-value pairs
}

// Validate checks if the submission has required fields.
func (s *Submission) Validate() error {
	if s.Provider == "" {
		return ErrInvalidTask
	}
	if s.Operation == "" {
		return ErrInvalidTask
	}
	return nil
}

// Task converts the submission into a task record.
func (s *Submission) Task() Task {
	return Task{
		IdempotencyKey: s.IdempotencyKey,
		Provider:       s.Provider,
		Operation:      s.Operation,
		Args:           s.Args,
		Priority:       s.Priority,
		MaxAttempts:    s.MaxAttempts,
		Metadata:       s.Metadata,
	}
}

// Marshal serializes the submission to JSON.
func (s *Submission) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSubmission deserializes a submission from JSON.
func UnmarshalSubmission(data []byte) (*Submission, error) {
	var s Submission
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ResultStatus represents the outcome of one task attempt.
type ResultStatus string

const (
	ResultSuccess   ResultStatus = "success"
	ResultFailed    ResultStatus = "failed"
	ResultCancelled ResultStatus = "cancelled"
)

// TaskResult is what an agent reports after an attempt finishes.
// The aggregator decides from it whether the task is finalized,
// retried or cancelled.
type TaskResult struct {
	// Identity
	TaskID   string `json:"task_id"`
	Provider string `json:"provider,omitempty"`

	// Outcome
	Status ResultStatus    `json:"status"`
	Output json.RawMessage `json:"output,omitempty"` // Provider output on success
	Error  string          `json:"error,omitempty"`  // Error message if failed
	Code   string          `json:"code,omitempty"`   // Taxonomy code of the error

	// Retryable carries the reporter's retryability classification when
	// it had a structured error in hand. Nil means unclassified; the
	// aggregator falls back to the code's default. A code like
	// PROTOCOL_ERROR is transient or permanent per occurrence, so the
	// flag travels with the result rather than being re-derived.
	Retryable *bool `json:"retryable,omitempty"`

	// Execution Info
	AgentID     string    `json:"agent_id"`
	Attempt     int       `json:"attempt"`     // Which attempt this was
	DurationMs  int64     `json:"duration_ms"` // Attempt execution time
	CompletedAt time.Time `json:"completed_at"`

	// Metadata
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Marshal serializes the task result to JSON.
func (r *TaskResult) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalTaskResult deserializes a task result from JSON.
func UnmarshalTaskResult(data []byte) (*TaskResult, error) {
	var r TaskResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// NewTaskResult creates a new task result.
func NewTaskResult(taskID, agentID string, status ResultStatus) *TaskResult {
	return &TaskResult{
		TaskID:      taskID,
		AgentID:     agentID,
		Status:      status,
		CompletedAt: time.Now(),
	}
}

// Package memory archives finalized task outcomes in a searchable
// index. Each terminal task leaves one document recording what ran,
// where it ran and how it ended, so outcomes stay queryable after the
// result channels are gone.
package memory

import (
	"errors"
	"time"

	"github.com/GlacierEQ/God-Mind/results"
	"github.com/GlacierEQ/God-Mind/tasks"
)

// Common errors.
var (
	ErrNotFound       = errors.New("outcome not found")
	ErrClosed         = errors.New("archive closed")
	ErrInvalidOutcome = errors.New("invalid outcome")
)

const (
	// defaultSearchLimit caps searches that do not set a limit.
	defaultSearchLimit = 10

	// maxIndexedOutput caps how much task output is archived per task.
	maxIndexedOutput = 4096
)

// Outcome is one archived task outcome, flattened for indexing.
type Outcome struct {
	// TaskID identifies the task. Also the index document ID.
	TaskID string `json:"task_id"`

	// Provider is the provider the task ran against.
	Provider string `json:"provider"`

	// Operation is the operation invoked on the provider.
	Operation string `json:"operation"`

	// Status is the terminal status the task reached.
	Status results.ResultStatus `json:"status"`

	// Code is the error taxonomy code for failed outcomes.
	Code string `json:"code,omitempty"`

	// Error is the final error message for failed outcomes.
	Error string `json:"error,omitempty"`

	// Output is the task output, truncated for indexing.
	Output string `json:"output,omitempty"`

	// AgentID is the agent that ran the final attempt.
	AgentID string `json:"agent_id,omitempty"`

	// Attempts is how many attempts the task consumed.
	Attempts int `json:"attempts"`

	// DurationMS is submission-to-completion wall time in milliseconds.
	DurationMS int64 `json:"duration_ms"`

	// SubmittedAt is when the task was submitted.
	SubmittedAt time.Time `json:"submitted_at"`

	// CompletedAt is when the task reached its terminal status.
	CompletedAt time.Time `json:"completed_at"`
}

// OutcomeMatch is an archived outcome with its search relevance score.
type OutcomeMatch struct {
	Outcome
	Score float32 `json:"score"` // relevance 0-1
}

// OutcomeFilter narrows archive searches. Zero-value fields do not
// filter.
type OutcomeFilter struct {
	// Provider filters by provider name.
	Provider string

	// Operation filters by operation name.
	Operation string

	// Status filters by terminal status.
	Status results.ResultStatus

	// Code filters by error taxonomy code.
	Code string

	// AgentID filters by the agent that ran the final attempt.
	AgentID string

	// CompletedAfter keeps outcomes completed after this time.
	CompletedAfter time.Time

	// CompletedBefore keeps outcomes completed before this time.
	CompletedBefore time.Time

	// Limit caps the matches returned. 0 means a default of 10.
	Limit int
}

// Matches returns true if the outcome satisfies every set filter field.
func (f OutcomeFilter) Matches(o *Outcome) bool {
	if o == nil {
		return false
	}

	if f.Provider != "" && o.Provider != f.Provider {
		return false
	}
	if f.Operation != "" && o.Operation != f.Operation {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.Code != "" && o.Code != f.Code {
		return false
	}
	if f.AgentID != "" && o.AgentID != f.AgentID {
		return false
	}

	if !f.CompletedAfter.IsZero() && !o.CompletedAt.After(f.CompletedAfter) {
		return false
	}
	if !f.CompletedBefore.IsZero() && !o.CompletedAt.Before(f.CompletedBefore) {
		return false
	}

	return true
}

// newOutcome flattens a finalized task and its result into an archive
// document. Only terminal results can be archived.
func newOutcome(task *tasks.Task, res *results.Result) (Outcome, error) {
	if task == nil || res == nil {
		return Outcome{}, ErrInvalidOutcome
	}
	if !res.Status.IsTerminal() {
		return Outcome{}, ErrInvalidOutcome
	}

	id := task.ID
	if id == "" {
		id = res.TaskID
	}
	if id == "" {
		return Outcome{}, ErrInvalidOutcome
	}

	completed := time.Now()
	if task.CompletedAt != nil {
		completed = *task.CompletedAt
	}

	var durationMS int64
	if !task.CreatedAt.IsZero() {
		durationMS = completed.Sub(task.CreatedAt).Milliseconds()
	}

	output := string(res.Output)
	if len(output) > maxIndexedOutput {
		output = output[:maxIndexedOutput] + "...[truncated]"
	}

	provider := task.Provider
	if provider == "" {
		provider = res.Provider
	}

	return Outcome{
		TaskID:      id,
		Provider:    provider,
		Operation:   task.Operation,
		Status:      res.Status,
		Code:        res.Code,
		Error:       res.Error,
		Output:      output,
		AgentID:     res.AgentID,
		Attempts:    task.Attempts,
		DurationMS:  durationMS,
		SubmittedAt: task.CreatedAt,
		CompletedAt: completed,
	}, nil
}

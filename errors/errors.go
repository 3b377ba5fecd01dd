package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// SwarmError is the interface for all structured errors in the orchestration
// core. It extends the standard error interface with the context the retry
// policy and the supervisors need to make decisions.
type SwarmError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of SwarmError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on code
	timestamp time.Time
	provider  string // provider involved, if applicable
	agentID   string // worker agent involved, if applicable
	taskID    string // related task, if applicable
}

// Ensure Error implements SwarmError and json.Marshaler/Unmarshaler.
var (
	_ SwarmError       = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.code.DefaultRetryable()
}

// Metadata returns the error metadata.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return make(map[string]string)
	}
	// Return a copy to prevent modification
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Provider returns the provider name, if set.
func (e *Error) Provider() string {
	return e.provider
}

// AgentID returns the worker agent ID, if set.
func (e *Error) AgentID() string {
	return e.agentID
}

// TaskID returns the related task ID, if set.
func (e *Error) TaskID() string {
	return e.taskID
}

// errorJSON is the JSON representation of an Error.
type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp string            `json:"timestamp,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		Provider:  e.provider,
		AgentID:   e.agentID,
		TaskID:    e.taskID,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.provider = j.Provider
	e.agentID = j.AgentID
	e.taskID = j.TaskID
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithMetadataMap adds multiple metadata key-value pairs.
func WithMetadataMap(m map[string]string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		for k, v := range m {
			e.metadata[k] = v
		}
	}
}

// WithProvider sets the provider involved in the failure.
func WithProvider(name string) Option {
	return func(e *Error) {
		e.provider = name
	}
}

// WithAgentID sets the worker agent ID.
func WithAgentID(id string) Option {
	return func(e *Error) {
		e.agentID = id
	}
}

// WithTaskID sets the related task ID.
func WithTaskID(id string) Option {
	return func(e *Error) {
		e.taskID = id
	}
}

// WithTimestamp sets a custom timestamp.
func WithTimestamp(t time.Time) Option {
	return func(e *Error) {
		e.timestamp = t
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// ProviderUnavailable creates a provider unavailable error.
func ProviderUnavailable(provider string, opts ...Option) *Error {
	opts = append([]Option{WithProvider(provider)}, opts...)
	return New(ErrCodeProviderUnavailable, fmt.Sprintf("provider %s unavailable", provider), opts...)
}

// ProviderTimeout creates a provider timeout error.
func ProviderTimeout(provider, operation string, opts ...Option) *Error {
	opts = append([]Option{WithProvider(provider), WithMetadata("operation", operation)}, opts...)
	return New(ErrCodeProviderTimeout, fmt.Sprintf("provider %s timed out on %s", provider, operation), opts...)
}

// ProtocolError creates a protocol error. transient controls whether the
// retry policy will reissue the task.
func ProtocolError(provider, message string, transient bool, opts ...Option) *Error {
	opts = append([]Option{WithProvider(provider), WithRetryable(transient)}, opts...)
	if !transient {
		opts = append(opts, WithCategory(CategoryPermanent))
	}
	return New(ErrCodeProtocolError, message, opts...)
}

// QueueFull creates a queue full error.
func QueueFull(depth, bound int, opts ...Option) *Error {
	opts = append([]Option{
		WithMetadata("depth", fmt.Sprintf("%d", depth)),
		WithMetadata("bound", fmt.Sprintf("%d", bound)),
	}, opts...)
	return New(ErrCodeQueueFull, fmt.Sprintf("queue full (%d/%d)", depth, bound), opts...)
}

// AgentDead creates an agent dead error.
func AgentDead(agentID string, opts ...Option) *Error {
	opts = append([]Option{WithAgentID(agentID)}, opts...)
	return New(ErrCodeAgentDead, fmt.Sprintf("agent %s missed heartbeat deadline", agentID), opts...)
}

// Cancelled creates a task cancelled error.
func Cancelled(taskID string, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID)}, opts...)
	return New(ErrCodeTaskCancelled, fmt.Sprintf("task %s cancelled", taskID), opts...)
}

// MaxRetriesExceeded creates a retries exhausted error. The last failure is
// carried as the cause so callers can see what finally gave out.
func MaxRetriesExceeded(taskID string, attempts int, last error, opts ...Option) *Error {
	opts = append([]Option{
		WithTaskID(taskID),
		WithMetadata("attempts", fmt.Sprintf("%d", attempts)),
		WithCause(last),
	}, opts...)
	return New(ErrCodeMaxRetriesExceeded, fmt.Sprintf("task %s failed after %d attempts", taskID, attempts), opts...)
}

// ProviderNotFound creates a provider not found error.
func ProviderNotFound(provider string, opts ...Option) *Error {
	opts = append([]Option{WithProvider(provider)}, opts...)
	return New(ErrCodeProviderNotFound, fmt.Sprintf("provider %s not registered", provider), opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// RateLimited creates a rate limit error.
func RateLimited(provider string, opts ...Option) *Error {
	opts = append([]Option{WithProvider(provider)}, opts...)
	return New(ErrCodeRateLimited, fmt.Sprintf("provider %s rate limited", provider), opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

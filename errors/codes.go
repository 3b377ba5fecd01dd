package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: provider connection loss, invocation timeouts.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed arguments, cancellation, exhausted retries.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates capacity or quota exhaustion.
	// Examples: full submission queue, provider rate limits.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates faults of the orchestration core itself.
	// Examples: dead worker agents, state machine violations, panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for the orchestration failure taxonomy.
const (
	// Provider-level failures surfaced by the protocol hub.
	ErrCodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE" // Provider unreachable or disconnected
	ErrCodeProviderTimeout     ErrorCode = "PROVIDER_TIMEOUT"     // Invocation exceeded its deadline
	ErrCodeProtocolError       ErrorCode = "PROTOCOL_ERROR"       // Provider spoke the protocol wrong
	ErrCodeRateLimited         ErrorCode = "RATE_LIMITED"         // Provider asked us to slow down

	// Caller-visible submission failures.
	ErrCodeQueueFull     ErrorCode = "QUEUE_FULL"     // Submission queue at its bound
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"  // Malformed task specification
	ErrCodeTaskNotFound  ErrorCode = "TASK_NOT_FOUND" // Unknown task id
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"   // Provider rejected our credentials

	// Terminal task outcomes.
	ErrCodeTaskCancelled      ErrorCode = "TASK_CANCELLED"       // Caller cancelled the task
	ErrCodeMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED" // Retry budget exhausted

	// Routing failures.
	ErrCodeProviderNotFound  ErrorCode = "PROVIDER_NOT_FOUND"  // No provider registered under that name
	ErrCodeCapabilityMissing ErrorCode = "CAPABILITY_MISSING"  // No provider advertises the capability
	ErrCodeProviderDegraded  ErrorCode = "PROVIDER_DEGRADED"   // Provider registered but not accepting work

	// Faults internal to the core. Never shown to callers directly.
	ErrCodeAgentDead ErrorCode = "AGENT_DEAD" // Worker missed its heartbeat deadline
	ErrCodeInternal  ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeAssertion ErrorCode = "ASSERTION"  // State machine invariant violated
	ErrCodePanic     ErrorCode = "PANIC"      // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	// Transient
	case ErrCodeProviderUnavailable, ErrCodeProviderTimeout:
		return CategoryTransient

	// Protocol errors default to transient; callers reclassify permanent
	// ones (bad method, bad params) via WithRetryable(false).
	case ErrCodeProtocolError:
		return CategoryTransient

	// Resource
	case ErrCodeQueueFull, ErrCodeRateLimited:
		return CategoryResource

	// Permanent
	case ErrCodeInvalidInput, ErrCodeTaskNotFound, ErrCodeUnauthorized,
		ErrCodeTaskCancelled, ErrCodeMaxRetriesExceeded,
		ErrCodeProviderNotFound, ErrCodeCapabilityMissing, ErrCodeProviderDegraded:
		return CategoryPermanent

	// Internal
	case ErrCodeAgentDead, ErrCodeInternal, ErrCodeAssertion, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	switch c {
	// Agent death says nothing about the task itself; the work is safe to
	// reissue on another agent even though the category is internal.
	case ErrCodeAgentDead:
		return true
	// A full queue is the caller's problem, not the retry loop's.
	case ErrCodeQueueFull:
		return false
	default:
		return c.DefaultCategory().IsRetryable()
	}
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeProviderUnavailable: "provider unavailable",
	ErrCodeProviderTimeout:     "provider invocation timed out",
	ErrCodeProtocolError:       "provider protocol error",
	ErrCodeRateLimited:         "provider rate limit exceeded",
	ErrCodeQueueFull:           "submission queue full",
	ErrCodeInvalidInput:        "invalid task specification",
	ErrCodeTaskNotFound:        "task not found",
	ErrCodeUnauthorized:        "provider rejected credentials",
	ErrCodeTaskCancelled:       "task cancelled",
	ErrCodeMaxRetriesExceeded:  "retry budget exhausted",
	ErrCodeProviderNotFound:    "provider not registered",
	ErrCodeCapabilityMissing:   "no provider advertises capability",
	ErrCodeProviderDegraded:    "provider not accepting work",
	ErrCodeAgentDead:           "agent missed heartbeat deadline",
	ErrCodeInternal:            "internal error",
	ErrCodeAssertion:           "state invariant violated",
	ErrCodePanic:               "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}

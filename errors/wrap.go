package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a structured Error, its code, category, retryability and
// identifiers carry through to the wrapper.
// Otherwise, it creates a new Internal error wrapping the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		wrapped := &Error{
			code:      swarmErr.code,
			category:  swarmErr.category,
			message:   message,
			cause:     err,
			metadata:  swarmErr.Metadata(),
			retryable: swarmErr.retryable,
			provider:  swarmErr.provider,
			agentID:   swarmErr.agentID,
			taskID:    swarmErr.taskID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	// Context errors map onto the invocation taxonomy: a deadline is a
	// provider timeout, a cancellation is a task cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeProviderTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeTaskCancelled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsSwarmError attempts to extract a structured error from an error chain.
// Returns nil if none is found.
func AsSwarmError(err error) SwarmError {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable. Non-structured errors are
// never retried; the retry policy only trusts the taxonomy.
func IsRetryable(err error) bool {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr.Retryable()
	}
	return false
}

// IsTransient checks if the error is transient.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransient)
}

// IsPermanent checks if the error is permanent.
func IsPermanent(err error) bool {
	return IsCategory(err, CategoryPermanent)
}

// IsTerminal reports whether the error should finalize a task with no
// further retry: either it is not retryable, or it is a cancellation.
func IsTerminal(err error) bool {
	return !IsRetryable(err)
}

// Code extracts the error code from an error, if available.
// Returns empty string if err is not structured.
func Code(err error) ErrorCode {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr.code
	}
	return ""
}

// Category extracts the error category from an error, if available.
// Returns empty string if err is not structured.
func Category(err error) ErrorCategory {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr.category
	}
	return ""
}

// GetMetadata extracts metadata from an error.
// Returns nil if err is not structured.
func GetMetadata(err error) map[string]string {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr.Metadata()
	}
	return nil
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// Join combines multiple errors into a single error.
// Uses errors.Join from the standard library.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error. Worker agents
// use this so a panicking provider call fails one task instead of the pool.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}

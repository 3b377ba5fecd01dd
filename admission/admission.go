package admission

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("gate closed")
	ErrProviderUnknown = errors.New("unknown provider")
	ErrSuspended       = errors.New("provider admissions suspended")
	ErrInvalidLimit    = errors.New("invalid concurrency limit")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// SubjectPrefix is the message bus subject prefix for capacity updates.
// The full subject is SubjectPrefix + provider name.
const SubjectPrefix = "capacity."

// Gate admits invocations against per-provider concurrency limits.
type Gate interface {
	// Acquire blocks until an invocation slot is free for the provider.
	// The returned release function frees the slot and must be called
	// exactly once when the invocation finishes. Releases issued before
	// a Resume are discarded, so a hung invocation from a previous
	// connection cannot corrupt the count.
	// Returns context.Canceled or context.DeadlineExceeded if ctx ends,
	// ErrSuspended while admissions are suspended, and ErrProviderUnknown
	// if the provider has no configured limit.
	Acquire(ctx context.Context, provider string) (release func(), err error)

	// TryAcquire attempts to take a slot without blocking.
	TryAcquire(provider string) (release func(), ok bool)

	// Free reports the number of open slots for the provider.
	// Returns 0 for unknown or suspended providers.
	Free(provider string) int

	// SetLimit configures the concurrency limit for a provider.
	// A limit of zero or less removes the provider; waiters are
	// released with ErrProviderUnknown.
	SetLimit(provider string, limit int)

	// Suspend closes admissions for a provider. Waiters and new
	// callers fail fast with ErrSuspended. Slots already held stay
	// counted until Resume discards them.
	Suspend(provider string)

	// Resume reopens admissions after a suspension and resets the
	// in-flight count to zero. Outstanding release functions from
	// before the Resume become no-ops.
	Resume(provider string)

	// Snapshot returns the current slot accounting for a provider.
	// Returns nil if the provider is unknown.
	Snapshot(provider string) *Capacity

	// Snapshots returns slot accounting for all providers, sorted by name.
	Snapshots() []*Capacity

	// Close shuts down the gate and releases all waiters.
	Close() error
}

// Capacity describes the slot accounting for one provider.
type Capacity struct {
	// Provider is the provider name.
	Provider string

	// Limit is the configured concurrency limit.
	Limit int

	// InFlight is the number of slots currently held.
	InFlight int

	// Free is the number of open slots. Zero while suspended.
	Free int

	// Waiters is the number of callers blocked in Acquire.
	Waiters int

	// Suspended reports whether admissions are closed.
	Suspended bool
}

// CapacityUpdate is broadcast on the bus when a provider's slot
// accounting changes in a way that may unblock queued work.
type CapacityUpdate struct {
	// Provider that changed.
	Provider string `json:"provider"`

	// Source identifies the component that sent the update.
	Source string `json:"source"`

	// Event describes what changed: "released", "suspended",
	// "resumed" or "limit_changed".
	Event string `json:"event"`

	// Limit is the concurrency limit after the change.
	Limit int `json:"limit"`

	// Free is the number of open slots after the change.
	Free int `json:"free"`

	// Reason for the change, if any.
	Reason string `json:"reason,omitempty"`

	// Timestamp of the update.
	Timestamp time.Time `json:"timestamp"`
}

// Capacity update event names.
const (
	EventReleased     = "released"
	EventSuspended    = "suspended"
	EventResumed      = "resumed"
	EventLimitChanged = "limit_changed"
)

// OnCapacityChange is a callback for capacity update notifications.
type OnCapacityChange func(update *CapacityUpdate)

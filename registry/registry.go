package registry

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound  = errors.New("agent not found")
	ErrClosed    = errors.New("registry closed")
	ErrInvalidID = errors.New("invalid agent ID")
	ErrAgentBusy = errors.New("agent not idle")
	ErrNotDead   = errors.New("agent not dead")
)

// Status represents an agent slot's operational state.
type Status string

const (
	// StatusIdle marks a slot waiting for an assignment.
	StatusIdle Status = "idle"

	// StatusBusy marks a slot executing a task.
	StatusBusy Status = "busy"

	// StatusDead marks a slot whose agent missed its heartbeats.
	// The slot keeps its last task binding until it is revived, so
	// the supervisor can requeue what the agent was holding.
	StatusDead Status = "dead"

	// StatusDraining marks a slot finishing its current task before
	// shutdown.
	StatusDraining Status = "draining"
)

// AgentInfo is the registry record for one agent slot.
type AgentInfo struct {
	// ID uniquely identifies the slot. Respawns reuse the ID.
	ID string

	// Shard is the ID of the supervisor that owns this slot.
	Shard string

	// Status is the slot's current operational state.
	Status Status

	// TaskID is the task bound to the slot, if any.
	TaskID string

	// Generation counts incarnations of the slot. It starts at 1 and
	// increments each time a dead slot is revived.
	Generation int

	// Metadata contains additional key-value pairs.
	Metadata map[string]string

	// LastSeen is when the slot's record was last updated.
	LastSeen time.Time
}

// Filter specifies criteria for listing agent slots.
type Filter struct {
	// Status filters by operational state. Empty means all.
	Status Status

	// Shard filters to slots owned by this supervisor. Empty means all.
	Shard string
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event represents a change in the registry.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// Agent contains the slot information.
	// For removal events, this contains the last known state.
	Agent AgentInfo
}

// Registry is the agent slot table: who exists, which supervisor owns
// them, what they are doing, and whether they are alive.
type Registry interface {
	// Register adds or updates a slot in the registry.
	// If a slot with the same ID exists, it updates the entry.
	Register(info AgentInfo) error

	// Deregister removes a slot from the registry.
	// Returns ErrNotFound if the slot doesn't exist.
	Deregister(id string) error

	// Get retrieves a specific slot by ID.
	// Returns nil, ErrNotFound if not found.
	Get(id string) (*AgentInfo, error)

	// List returns all slots matching the optional filter,
	// sorted by ID. Pass nil for no filtering.
	List(filter *Filter) ([]AgentInfo, error)

	// Idle returns all idle slots sorted by ID. It is the dispatcher's
	// match-loop query.
	Idle() ([]AgentInfo, error)

	// SetBusy binds a task to the slot and marks it busy.
	// Returns ErrAgentBusy unless the slot is idle.
	SetBusy(id, taskID string) error

	// SetIdle clears the slot's task binding and marks it idle.
	SetIdle(id string) error

	// MarkDead marks the slot dead, preserving its task binding so the
	// supervisor can requeue the held task.
	MarkDead(id string) error

	// Revive resets a dead slot for its next incarnation: idle, no
	// task, generation incremented. Returns the updated record.
	// Returns ErrNotDead if the slot is not dead.
	Revive(id string) (*AgentInfo, error)

	// Migrate moves an idle slot to another supervisor's shard.
	// Returns ErrAgentBusy unless the slot is idle.
	Migrate(id, shard string) error

	// Counts returns the number of slots per status.
	Counts() (map[Status]int, error)

	// Watch returns a channel of registry events.
	// The channel is closed when the registry is closed.
	// Multiple watchers are supported.
	Watch() (<-chan Event, error)

	// Close shuts down the registry.
	Close() error
}

// ValidateAgentInfo checks if slot info is valid.
func ValidateAgentInfo(info AgentInfo) error {
	if info.ID == "" {
		return ErrInvalidID
	}
	return nil
}

// MatchesFilter checks if a slot matches the filter criteria.
func MatchesFilter(info AgentInfo, filter *Filter) bool {
	if filter == nil {
		return true
	}

	if filter.Status != "" && info.Status != filter.Status {
		return false
	}

	if filter.Shard != "" && info.Shard != filter.Shard {
		return false
	}

	return true
}

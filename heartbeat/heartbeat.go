package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/GlacierEQ/God-Mind/bus"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// SubjectPrefix is the subject prefix for heartbeat messages.
const SubjectPrefix = "heartbeat."

// Agent statuses carried in heartbeats.
const (
	// StatusStarting marks an agent that has been spawned but has not
	// reported yet. Used to seed tracking so a spawn that never comes
	// up is still detected.
	StatusStarting = "starting"

	// StatusIdle marks an agent waiting for an assignment.
	StatusIdle = "idle"

	// StatusBusy marks an agent executing a task.
	StatusBusy = "busy"

	// StatusDraining marks an agent finishing its current task before
	// shutdown.
	StatusDraining = "draining"
)

// Heartbeat is a single liveness report from an agent.
type Heartbeat struct {
	// AgentID uniquely identifies the sending agent.
	AgentID string `json:"agent_id"`

	// Timestamp when the heartbeat was generated.
	Timestamp time.Time `json:"timestamp"`

	// Status of the agent: starting, idle, busy or draining.
	Status string `json:"status"`

	// TaskID is the task the agent is executing, if any. Lets the
	// supervisor log what a dead agent was holding when last seen.
	TaskID string `json:"task_id,omitempty"`

	// Metadata contains additional key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Subject returns the subject for this heartbeat.
func (h *Heartbeat) Subject() string {
	return SubjectPrefix + h.AgentID
}

// Sender sends periodic heartbeats.
type Sender interface {
	// Start begins sending heartbeats at the configured interval.
	// Returns ErrAlreadyStarted if already running.
	Start(ctx context.Context) error

	// SetStatus updates the status included in heartbeats.
	SetStatus(status string)

	// SetTask records the task the agent is executing.
	SetTask(taskID string)

	// ClearTask removes the current task from heartbeats.
	ClearTask()

	// SetMetadata updates a metadata field.
	SetMetadata(key, value string)

	// Stop stops sending heartbeats.
	// Returns ErrNotStarted if not running.
	Stop() error
}

// Monitor observes heartbeats and detects dead agents.
type Monitor interface {
	// Watch returns a channel of heartbeats for a specific agent.
	Watch(agentID string) (<-chan *Heartbeat, error)

	// WatchAll returns a channel of all heartbeats.
	WatchAll() (<-chan *Heartbeat, error)

	// Track seeds liveness tracking for a freshly spawned agent, so an
	// agent that never reports is still declared dead after the timeout.
	Track(agentID string)

	// Forget drops tracking for an agent that was stopped on purpose,
	// so its silence does not fire a death report.
	Forget(agentID string)

	// IsAlive checks if an agent has sent a heartbeat within timeout.
	IsAlive(agentID string, timeout time.Duration) bool

	// LastHeartbeat returns the last heartbeat from an agent, if any.
	LastHeartbeat(agentID string) *Heartbeat

	// OnDead registers a callback for when an agent is presumed dead.
	// The callback receives the agent ID.
	OnDead(callback func(agentID string))

	// Stop stops monitoring.
	Stop() error
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus is the message bus for publishing heartbeats.
	Bus bus.MessageBus

	// AgentID is the unique identifier for this agent.
	AgentID string

	// Interval between heartbeats.
	// Default: 5 seconds
	Interval time.Duration

	// InitialStatus is the starting status.
	// Default: StatusIdle
	InitialStatus string
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	if c.AgentID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval:      5 * time.Second,
		InitialStatus: StatusIdle,
	}
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	// Bus is the message bus for subscribing to heartbeats.
	Bus bus.MessageBus

	// Timeout for considering an agent dead.
	// Should be 2-3x the expected heartbeat interval.
	// Default: 15 seconds
	Timeout time.Duration

	// CheckInterval for the dead agent checker.
	// Default: 1 second
	CheckInterval time.Duration
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       15 * time.Second,
		CheckInterval: 1 * time.Second,
	}
}

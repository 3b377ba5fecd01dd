package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/GlacierEQ/God-Mind/bus"
	"github.com/GlacierEQ/God-Mind/logging"
	"github.com/GlacierEQ/God-Mind/registry"
	"github.com/GlacierEQ/God-Mind/tasks"
)

// Common errors.
var (
	ErrAgentUnknown   = errors.New("agent unknown")
	ErrAgentOccupied  = errors.New("agent already holds an assignment")
	ErrNotRunning     = errors.New("pool not running")
	ErrAlreadyRunning = errors.New("pool already running")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// DefaultSize is the number of agent slots a pool spawns when the
// configuration does not say otherwise.
const DefaultSize = 200

// Invoker is the protocol hub surface an agent needs: one call that
// waits for an admission slot and reports the moment it holds one.
type Invoker interface {
	InvokeAdmitted(ctx context.Context, provider, operation string, args json.RawMessage, admitted func()) (json.RawMessage, error)
}

// ResultSink receives the outcome of every attempt. The result
// aggregator implements it; it alone decides whether an outcome
// finalizes the task, retries it or cancels it.
type ResultSink interface {
	Report(ctx context.Context, result *tasks.TaskResult) error
}

// Config holds pool configuration.
type Config struct {
	// Size is the number of agent slots. Default: DefaultSize.
	Size int

	// Shards are the supervisor IDs agent slots are distributed over,
	// round robin. Required, at least one.
	Shards []string

	// HeartbeatInterval between agent liveness reports.
	// Default: 5 seconds.
	HeartbeatInterval time.Duration

	// Bus carries agent heartbeats. Required.
	Bus bus.MessageBus

	// Registry is the agent slot table. Required.
	Registry registry.Registry

	// Manager owns the task records. Required.
	Manager tasks.TaskManager

	// Invoker executes provider operations. Required.
	Invoker Invoker

	// Sink receives attempt outcomes. Required.
	Sink ResultSink

	// Logger for pool events. Defaults to a new logger.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Shards) == 0 {
		return ErrInvalidConfig
	}
	if c.Bus == nil || c.Registry == nil || c.Manager == nil {
		return ErrInvalidConfig
	}
	if c.Invoker == nil || c.Sink == nil {
		return ErrInvalidConfig
	}
	if c.Size < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Size:              DefaultSize,
		HeartbeatInterval: 5 * time.Second,
	}
}

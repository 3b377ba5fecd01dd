package dispatch

import (
	"errors"

	"github.com/GlacierEQ/God-Mind/admission"
	"github.com/GlacierEQ/God-Mind/bus"
	"github.com/GlacierEQ/God-Mind/logging"
	"github.com/GlacierEQ/God-Mind/registry"
	"github.com/GlacierEQ/God-Mind/tasks"
)

// Common errors.
var (
	ErrNotRunning     = errors.New("dispatcher not running")
	ErrAlreadyRunning = errors.New("dispatcher already running")
	ErrNotQueueable   = errors.New("task not in a queueable state")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// DefaultQueueBound is the submission queue capacity when the
// configuration does not say otherwise.
const DefaultQueueBound = 1024

// AgentPool is the swarm surface the dispatcher needs: hand a task to
// an idle agent, and abort the in-flight call of a running one.
type AgentPool interface {
	Assign(agentID string, task *tasks.Task) error
	Interrupt(taskID string) bool
}

// Config holds dispatcher configuration.
type Config struct {
	// QueueBound caps tasks waiting for dispatch. Submissions beyond
	// the bound fail fast with QUEUE_FULL. Requeued retries are not
	// subject to the bound: a task that already consumed a submission
	// slot never gets lost to backpressure.
	// Default: DefaultQueueBound.
	QueueBound int

	// Gate is the admission gate; the dispatcher reads provider limits
	// and suspension state from it. Required.
	Gate admission.Gate

	// Bus carries capacity updates that wake the match loop. Required.
	Bus bus.MessageBus

	// Registry is the agent slot table. Required.
	Registry registry.Registry

	// Manager owns the task records. Required.
	Manager tasks.TaskManager

	// Pool executes assignments. Required.
	Pool AgentPool

	// Logger for dispatch events. Defaults to a new logger.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.QueueBound < 0 {
		return ErrInvalidConfig
	}
	if c.Gate == nil || c.Bus == nil || c.Registry == nil {
		return ErrInvalidConfig
	}
	if c.Manager == nil || c.Pool == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueBound: DefaultQueueBound,
	}
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	// Queued is the number of tasks waiting for dispatch, ready and
	// delayed together.
	Queued int

	// Delayed is the number of retrying tasks still inside their
	// backoff window.
	Delayed int

	// Outstanding maps provider name to tasks dispatched against it
	// that have not yet freed their agent.
	Outstanding map[string]int

	// Bound is the configured queue capacity.
	Bound int
}

package shutdown

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrTimeout indicates the drain did not complete within the
	// context deadline.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates at least one handler returned an
	// error; the report names them.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Handler is implemented by components that participate in the drain.
type Handler interface {
	// OnShutdown stops the component. The context carries the drain
	// deadline; implementations stop accepting work, finish what is
	// in flight if time permits, and release resources.
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is one handler's outcome in the drain report.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Report is the complete drain outcome, available once Done closes.
type Report struct {
	// TotalDuration covers every phase that ran.
	TotalDuration time.Duration

	// Results holds one entry per handler, in execution order.
	Results []HandlerResult

	// Err is nil when every handler succeeded.
	Err error
}

// Failed returns the names of handlers that returned errors.
func (r *Report) Failed() []string {
	var names []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			names = append(names, hr.Name)
		}
	}
	return names
}

// Config configures the coordinator.
type Config struct {
	// DefaultTimeout bounds signal-triggered and timeout-wrapper
	// shutdowns. Zero applies DefaultConfig's value.
	DefaultTimeout time.Duration

	// DefaultPhase is assigned by Register and RegisterFunc. Zero
	// applies DefaultConfig's value.
	DefaultPhase int

	// ContinueOnError keeps later phases draining after a handler
	// fails. A false value stops at the first failing phase.
	ContinueOnError bool

	// OnProgress, when set, observes each handler's result as it
	// completes.
	OnProgress func(HandlerResult)
}

// DefaultConfig returns the defaults the orchestrator drains with.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		DefaultPhase:    100,
		ContinueOnError: true,
	}
}

// registration pairs a handler with its drain phase.
type registration struct {
	name    string
	handler Handler
	phase   int
}

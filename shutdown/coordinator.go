package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Coordinator runs registered handlers in ascending phase order when
// shutdown is initiated. Shutdown runs at most once; later calls
// return the first run's error.
type Coordinator struct {
	config Config

	mu       sync.Mutex
	handlers []registration
	report   *Report
	err      error

	once    sync.Once
	done    chan struct{}
	signals chan os.Signal
}

// NewCoordinator builds a coordinator. Zero config fields take the
// DefaultConfig values.
func NewCoordinator(config Config) *Coordinator {
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = DefaultConfig().DefaultPhase
	}
	return &Coordinator{
		config:  config,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler at the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler. Lower phases drain first; handlers
// sharing a phase drain concurrently.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc adds a plain function at the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, HandlerFunc(fn))
}

// RegisterFuncWithPhase adds a plain function at the given phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Shutdown drains every registered handler in phase order. Only the
// first call runs; concurrent and later calls block until that run
// finishes and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.drain(ctx)
		close(c.done)
	})
	<-c.done
	return c.err
}

// ShutdownWithTimeout drains with a fresh deadline. A zero timeout
// applies the configured default.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals traps SIGTERM and SIGINT and drains with the default
// timeout when one arrives.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-c.signals
		_ = c.ShutdownWithTimeout(c.config.DefaultTimeout)
	}()
}

// Trigger injects a synthetic signal, as if SIGTERM arrived.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done closes when the drain has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the drain error, nil before Done closes.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Report returns the per-handler outcome, nil before Done closes.
func (c *Coordinator) Report() *Report {
	select {
	case <-c.done:
		return c.report
	default:
		return nil
	}
}

func (c *Coordinator) drain(ctx context.Context) error {
	start := time.Now()

	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	report := &Report{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) error {
		report.Err = err
		report.TotalDuration = time.Since(start)
		c.mu.Lock()
		c.report = report
		c.mu.Unlock()
		return err
	}

	var failed bool
	for _, phase := range groupByPhase(handlers) {
		select {
		case <-ctx.Done():
			// Phases past the deadline never start; what already ran
			// stays in the report.
			return finish(ErrTimeout)
		default:
		}

		results := c.runPhase(ctx, phase)
		report.Results = append(report.Results, results...)
		for _, hr := range results {
			if hr.Err == nil {
				continue
			}
			failed = true
			if !c.config.ContinueOnError {
				return finish(ErrHandlerFailed)
			}
		}
	}

	if failed {
		return finish(ErrHandlerFailed)
	}
	return finish(nil)
}

// runPhase drains one phase's handlers concurrently and returns their
// results in registration order.
func (c *Coordinator) runPhase(ctx context.Context, phase []registration) []HandlerResult {
	results := make([]HandlerResult, len(phase))
	var wg sync.WaitGroup
	for i, reg := range phase {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()
			start := time.Now()
			err := reg.handler.OnShutdown(ctx)
			results[i] = HandlerResult{
				Name:     reg.name,
				Phase:    reg.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			if c.config.OnProgress != nil {
				c.config.OnProgress(results[i])
			}
		}(i, reg)
	}
	wg.Wait()
	return results
}

// groupByPhase splits phase-sorted registrations into runs of equal
// phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}

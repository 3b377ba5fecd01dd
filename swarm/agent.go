package swarm

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/GlacierEQ/God-Mind/errors"
	"github.com/GlacierEQ/God-Mind/heartbeat"
	"github.com/GlacierEQ/God-Mind/logging"
	"github.com/GlacierEQ/God-Mind/registry"
	"github.com/GlacierEQ/God-Mind/tasks"
	"github.com/GlacierEQ/God-Mind/telemetry"
)

// Agent is one worker incarnation bound to a pool slot. It waits for an
// assignment, runs the provider call through the hub's admission gate,
// reports the outcome and returns to idle. Agents hold no retry or
// publication logic; every outcome goes to the sink.
type Agent struct {
	id         string
	generation int

	manager    tasks.TaskManager
	invoker    Invoker
	sink       ResultSink
	registry   registry.Registry
	sender     heartbeat.Sender
	interrupts *interruptTable
	logger     *logging.Logger

	assignCh chan *tasks.Task
	ctx      context.Context
	cancel   context.CancelFunc

	// retired marks a superseded incarnation. A retired agent reports
	// nothing and touches no shared state; whatever it was doing is
	// void and the aggregator or supervisor already took over the task.
	retired atomic.Bool
}

// ID returns the agent's slot identifier.
func (a *Agent) ID() string {
	return a.id
}

// Generation returns which incarnation of the slot this agent is.
func (a *Agent) Generation() int {
	return a.generation
}

// Assign hands a dispatched task to the agent. It fails with
// ErrAgentOccupied if the agent has not finished its previous
// assignment, and ErrAgentUnknown if the incarnation is retired.
func (a *Agent) Assign(task *tasks.Task) error {
	if a.retired.Load() {
		return ErrAgentUnknown
	}
	select {
	case a.assignCh <- task:
		return nil
	default:
		return ErrAgentOccupied
	}
}

// retire invalidates the incarnation: its context is cancelled so any
// in-flight provider call aborts, and its outcome is discarded.
func (a *Agent) retire() {
	a.retired.Store(true)
	a.cancel()
	a.sender.Stop()
}

func (a *Agent) run() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case task := <-a.assignCh:
			a.execute(task)
		}
	}
}

func (a *Agent) execute(task *tasks.Task) {
	start := time.Now()
	result := a.attempt(task)
	result.DurationMs = time.Since(start).Milliseconds()
	result.CompletedAt = time.Now()

	if a.retired.Load() {
		// A superseded incarnation's outcome is void. The provider may
		// have run; retries re-execute, which is why idempotency keys
		// exist.
		return
	}

	if err := a.sink.Report(context.Background(), result); err != nil {
		a.logger.Error("result report failed", map[string]interface{}{
			"agent_id": a.id,
			"task_id":  task.ID,
			"error":    err.Error(),
		})
	}

	a.sender.ClearTask()
	a.sender.SetStatus(heartbeat.StatusIdle)
	if err := a.registry.SetIdle(a.id); err != nil {
		a.logger.Warn("idle transition failed", map[string]interface{}{
			"agent_id": a.id,
			"error":    err.Error(),
		})
	}
}

// attempt runs one provider call for the task and shapes the outcome
// into a result. It never lets a panic escape the agent loop.
func (a *Agent) attempt(task *tasks.Task) (result *tasks.TaskResult) {
	result = tasks.NewTaskResult(task.ID, a.id, tasks.ResultFailed)
	result.Provider = task.Provider
	result.Attempt = task.Attempts

	defer func() {
		if r := recover(); r != nil {
			perr := errors.RecoverPanic(r)
			result.Status = tasks.ResultFailed
			result.Error = perr.Error()
			result.Code = string(perr.Code())
			a.logger.Error("agent panic recovered", map[string]interface{}{
				"agent_id": a.id,
				"task_id":  task.ID,
				"error":    perr.Error(),
			})
		}
	}()

	a.sender.SetTask(task.ID)
	a.sender.SetStatus(heartbeat.StatusBusy)

	// A cancellation that arrived between dispatch and here means the
	// provider is never contacted.
	if current, err := a.manager.Get(a.ctx, task.ID); err == nil && current.CancelRequested {
		result.Status = tasks.ResultCancelled
		result.Code = string(errors.ErrCodeTaskCancelled)
		result.Error = "cancelled before execution"
		return result
	}

	ictx, cancel := context.WithCancel(a.ctx)
	defer cancel()
	a.interrupts.register(task.ID, cancel)
	defer a.interrupts.unregister(task.ID)

	tr := telemetry.GetTracer()
	sctx, span := tr.StartInvokeSpan(ictx, task.Provider, task.Operation)

	var lostTask error
	output, err := a.invoker.InvokeAdmitted(sctx, task.Provider, task.Operation, task.Args, func() {
		// The task is running from the moment the admission gate counts
		// it, never before; the concurrency limit and the running count
		// agree at all times.
		if merr := a.manager.MarkRunning(a.ctx, task.ID, a.id); merr != nil {
			lostTask = merr
			cancel()
		}
	})

	tr.EndInvokeSpan(span, telemetry.InvokeSpanOptions{
		TaskID:  task.ID,
		AgentID: a.id,
		Attempt: task.Attempts,
		Output:  string(output),
	}, err)

	if lostTask != nil {
		// The slot was rebound while we waited for admission, most
		// likely after a false death report. The aggregator discards
		// this result as stale.
		result.Status = tasks.ResultFailed
		result.Code = string(errors.ErrCodeInternal)
		result.Error = "lost task ownership: " + lostTask.Error()
		a.logger.Warn("task ownership lost at admission", map[string]interface{}{
			"agent_id": a.id,
			"task_id":  task.ID,
			"error":    lostTask.Error(),
		})
		return result
	}

	if err != nil {
		if errors.Is(err, errors.ErrCodeTaskCancelled) || ictx.Err() != nil {
			// Either the adapter classified the abort, or our own
			// interrupt tore the call down before it could.
			result.Status = tasks.ResultCancelled
			result.Code = string(errors.ErrCodeTaskCancelled)
			result.Error = err.Error()
			return result
		}
		result.Status = tasks.ResultFailed
		result.Error = err.Error()
		if se := errors.AsSwarmError(err); se != nil {
			result.Code = string(se.Code())
			retryable := se.Retryable()
			result.Retryable = &retryable
		} else {
			result.Code = string(errors.ErrCodeInternal)
		}
		return result
	}

	result.Status = tasks.ResultSuccess
	result.Output = output
	return result
}

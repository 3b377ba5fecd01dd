// Package shutdown drains the orchestration pipeline in phases.
//
// # Phases
//
// Handlers register with a phase number; lower phases drain first and
// handlers sharing a phase drain concurrently. The orchestrator uses
// four:
//
//   - 10: dispatcher (stop assigning work)
//   - 20: swarm (agents finish or abandon their current task)
//   - 30: providers (hub closes connections and subprocesses)
//   - 40: stores (publisher, state, bus, ledger, archive)
//
// The ordering is the write-dependency order reversed: nothing drains
// before the components that still send into it.
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFuncWithPhase("dispatcher", d.Stop, 10)
//	coord.RegisterFuncWithPhase("stores", closeStores, 40)
//
//	if err := coord.Shutdown(ctx); err != nil {
//	    log.Printf("drain incomplete: %v", err)
//	}
//
// Handlers receive the Shutdown context and must respect its deadline:
// finish what is in flight if time permits, abandon it otherwise. A
// phase whose deadline expires before it starts is skipped and
// Shutdown returns ErrTimeout; with ContinueOnError (the default) a
// failing handler does not stop later phases, it only surfaces in the
// report.
//
// HandleSignals installs a SIGTERM/SIGINT trap that runs Shutdown with
// the default timeout; Done and Report expose completion and the
// per-handler outcome afterwards.
package shutdown

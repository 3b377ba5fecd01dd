// Package swarm runs the fixed-size agent pool and its supervisors.
//
// # Agents
//
// The pool spawns one agent goroutine per identity slot at startup.
// An agent waits for an assignment from the dispatcher, executes the
// task's provider call through the hub's admission gate, reports the
// outcome to the result sink and returns to idle. Agents carry no
// retry or publication logic; the sink owns both.
//
// The task flips to running inside the admission hook, at the exact
// moment the gate counts the invocation. A task waiting for a provider
// slot is dispatched, not running, so the number of running tasks per
// provider never exceeds the provider's concurrency limit.
//
// # Supervision
//
// The swarm is partitioned into disjoint shards, one supervisor each.
// A supervisor tracks the heartbeats of its shard's agents. When an
// agent misses the heartbeat deadline the supervisor marks the slot
// dead, reports the held task as a failed AGENT_DEAD attempt (the sink
// decides whether to requeue it) and respawns the slot under the same
// identity with the generation bumped:
//
//	pool, _ := swarm.NewPool(cfg)
//	pool.Start(ctx)
//
//	set, _ := swarm.NewSupervisorSet(supCfg)
//	set.Start(ctx)
//
// # Incarnations
//
// A respawn retires the previous incarnation. Retired incarnations
// report nothing: whatever a presumed-dead agent was still computing is
// void, because the task has already been requeued and may be running
// elsewhere. At-least-once execution is the contract; callers that need
// exactly-once effects use idempotency keys at the provider.
package swarm

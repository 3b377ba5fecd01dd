// Package heartbeat provides agent liveness detection for the swarm.
//
// # Overview
//
// Every agent in the swarm periodically broadcasts "I'm alive" signals
// carrying its status and the task it is holding. Supervisors track
// these signals and invoke callbacks when an agent misses enough
// heartbeats to be presumed dead, which triggers respawn and requeue
// of the task the agent was executing.
//
// # Architecture
//
//	┌─────────────┐    heartbeat.<agent-id>    ┌──────────────┐
//	│   Sender    │ ────────────────────────>  │   Monitor    │
//	│  (Agent A)  │                            │ (Supervisor) │
//	└─────────────┘                            └──────────────┘
//
// # Usage
//
// Sending heartbeats from an agent:
//
//	sender, _ := heartbeat.NewBusSender(heartbeat.SenderConfig{
//	    Bus:      b,
//	    AgentID:  "agent-1",
//	    Interval: 5 * time.Second,
//	})
//	sender.SetStatus(heartbeat.StatusBusy)
//	sender.SetTask("task-42")
//	sender.Start(ctx)
//
// Monitoring heartbeats from a supervisor:
//
//	monitor, _ := heartbeat.NewBusMonitor(heartbeat.MonitorConfig{
//	    Bus:     b,
//	    Timeout: 15 * time.Second, // 3 missed heartbeats
//	})
//	monitor.OnDead(func(agentID string) {
//	    // respawn the slot, requeue the held task
//	})
//	monitor.WatchAll()
//
// The supervisor calls Track when it spawns an agent, so a spawn that
// never reports is still declared dead one timeout later, and Forget
// when it stops an agent on purpose, so the silence is not mistaken
// for a death.
//
// # Subject Convention
//
// Heartbeats are published to heartbeat.<agent-id>; the monitor
// subscribes to heartbeat.*.
//
// # Recommendations
//
//   - Set timeout to 2-3x the heartbeat interval
//   - Handle OnDead callbacks idempotently; a dead agent is reported
//     once until it is seen again
package heartbeat

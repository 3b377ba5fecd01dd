// Package registry is the agent slot table for the swarm.
//
// # Overview
//
// The pool spawns a fixed set of agent slots at startup. The registry
// records, for each slot, which supervisor shard owns it, what it is
// doing (idle, busy with a task, dead, draining) and how many times it
// has been respawned. The dispatcher queries it for idle slots; the
// supervisors mutate it as agents live, die and move between shards.
//
// # Basic Usage
//
// Register a slot at spawn:
//
//	reg := registry.NewMemoryRegistry()
//	err := reg.Register(registry.AgentInfo{
//	    ID:    "agent-17",
//	    Shard: "sup-2",
//	})
//
// Drive the slot through its lifecycle:
//
//	reg.SetBusy("agent-17", "task-42")  // dispatcher assigned a task
//	reg.SetIdle("agent-17")             // agent reported the result
//
// Handle a death:
//
//	reg.MarkDead("agent-17")            // missed heartbeats
//	info, _ := reg.Get("agent-17")
//	// info.TaskID is still task-42: requeue it
//	revived, _ := reg.Revive("agent-17") // same ID, Generation+1
//
// Watch for changes:
//
//	events, _ := reg.Watch()
//	for event := range events {
//	    if event.Agent.Status == registry.StatusIdle {
//	        // an agent freed up: re-run the match loop
//	    }
//	}
//
// # Identity Slots
//
// A slot's ID is stable across respawns; the Generation field counts
// incarnations. A result reported by a previous incarnation can be
// told apart from the current one by comparing generations.
//
// # Migration
//
// Supervisors may rebalance shards by migrating slots. Only idle slots
// move; Migrate returns ErrAgentBusy otherwise, so a task never changes
// supervisor mid-flight.
package registry

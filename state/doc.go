// Package state provides the authoritative key-value store behind the
// orchestration core.
//
// The StateStore interface offers key-value storage with TTL, watch
// notifications and advisory locking. The task manager keeps task
// records under "task.<id>" and the agent registry keeps slot records
// under "agent.<id>"; watches on those prefixes are how other
// components observe lifecycle changes without polling.
//
// # Key Features
//
//   - Key-value operations: Get, Put, Delete with optional TTL
//   - Watch: Subscribe to changes on key patterns
//   - Advisory locks: Acquire/release with automatic expiry
//
// Two implementations exist: MemoryStore for tests and ephemeral runs,
// and SQLiteStore for a durable task ledger that survives restarts, so
// startup recovery can reseed the dispatch queue from what the last
// process left behind.
//
// # Usage
//
//	store := state.NewMemoryStore()
//
//	// Key-value operations
//	store.Put("task.t-042", record, 0)
//	val, _ := store.Get("task.t-042")
//
//	// Watch for changes
//	ch, _ := store.Watch("task.*")
//	for kv := range ch {
//	    fmt.Printf("Key %s changed: %s\n", kv.Key, kv.Value)
//	}
//
//	// Advisory locking (e.g. serializing respawn against migration
//	// for one agent slot)
//	lock, _ := store.Lock("agent.agent-7", 30*time.Second)
//	defer lock.Unlock()
//	// ... critical section ...
package state

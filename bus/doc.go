// Package bus provides in-process messaging between orchestration components.
//
// # Overview
//
// The MessageBus interface enables pub/sub and request/reply patterns with
// channel-based APIs for Go-idiomatic concurrent use. Heartbeats, provider
// capacity announcements and task result notifications all travel over the
// bus, which keeps the swarm, the supervisors and the result aggregator
// decoupled from each other.
//
// # Subjects
//
// Subjects are dot-separated tokens. Subscription patterns may use "*" to
// match a single token or a trailing ">" to match the rest:
//
//	heartbeat.<agent-id>    agent liveness beacons
//	capacity.<provider>     admission gate capacity announcements
//	results.done            terminal task results
//
// # Patterns
//
// Pub/Sub - broadcast to all subscribers:
//
//	bus.Publish("results.done", data)
//	sub, _ := bus.Subscribe("results.done")
//	for msg := range sub.Messages() {
//	    // Handle message
//	}
//
// Queue Groups - load balanced across workers:
//
//	sub, _ := bus.QueueSubscribe("results.done", "archivers")
//	// Only one worker in the group receives each message
//
// Request/Reply - synchronous RPC:
//
//	// Responder
//	sub, _ := bus.Subscribe("service")
//	for msg := range sub.Messages() {
//	    bus.Publish(msg.Reply, response)
//	}
//
//	// Requester
//	reply, _ := bus.Request("service", data, timeout)
//
// # Delivery Semantics
//
// Delivery is at-most-once: subscription channels are buffered and a
// message is dropped for a subscriber whose buffer is full. Components
// that cannot tolerate loss (the heartbeat monitor, the capacity
// listener) treat the bus as a hint stream and reconcile from
// authoritative state on their own schedule.
package bus

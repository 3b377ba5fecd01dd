// Package dispatch matches queued tasks to idle agents and free
// provider slots.
//
// # Queueing
//
// Submit files a task into a bounded priority queue: higher priority
// dispatches first, equal priority in submission order. The bound is
// backpressure, not buffering; a submission beyond it fails fast with
// QUEUE_FULL and creates nothing. Requeued retries bypass the bound,
// since a task that was already admitted must never be lost to it, and
// wait out their backoff in a delay heap before re-entering.
//
// # The match loop
//
// One goroutine runs the match loop: pick the highest-priority ready
// task whose provider has a free concurrency slot, claim an idle agent,
// mark the task dispatched and hand it over. Providers with ready work
// are served round-robin so a busy provider cannot starve a quiet one.
//
// The loop never polls. It blocks until a wake source fires:
//
//   - Submit or Requeue filed new work
//   - an agent went idle (registry events)
//   - a provider slot freed or a suspension lifted (capacity updates)
//   - the earliest retry backoff expired (timer)
//
// # Capacity
//
// The dispatcher counts work it has dispatched per provider and stops
// at the provider's configured limit, so agents hand their invocation
// to the admission gate without queueing behind it. Suspended and
// unregistered providers have no free slots; their tasks wait.
package dispatch

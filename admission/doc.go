// Package admission provides per-provider concurrency gates.
//
// Every provider connection has a concurrency limit: the maximum number
// of invocations that may be in flight against it at once. The gate is
// the single enforcement point for that limit. Callers take a slot
// before invoking a provider and release it when the invocation
// finishes; when no slot is free the caller suspends until one opens.
//
// # Slot Accounting
//
// The MemoryGate tracks in-flight slots per provider:
//
//	gate := admission.NewMemoryGate()
//	gate.SetLimit("github", 10)
//
//	// Suspend until a slot is free
//	release, err := gate.Acquire(ctx, "github")
//	if err != nil {
//	    return err // context ended, provider suspended, or unknown
//	}
//	defer release()
//
//	// Non-blocking attempt
//	if release, ok := gate.TryAcquire("github"); ok {
//	    defer release()
//	    // Invoke the provider
//	}
//
// # Disconnect Handling
//
// When a provider connection drops, the hub suspends its gate: waiters
// and new callers fail fast with ErrSuspended instead of queueing
// against a dead connection. On reconnect the hub resumes the gate,
// which resets the in-flight count to zero. Release functions handed
// out before the resume become no-ops, so an invocation that hangs
// across a reconnect cannot skew the accounting when it finally
// unwinds.
//
// # Capacity Updates
//
// The AnnouncingGate wraps a Gate and publishes a CapacityUpdate on the
// message bus whenever a slot frees or a provider is suspended, resumed
// or reconfigured:
//
//	gate, err := admission.NewAnnouncingGate(inner, admission.AnnounceConfig{
//	    Bus: b,
//	})
//
// The dispatcher watches these updates to re-run its match loop the
// moment a provider can take more work:
//
//	sub, err := admission.WatchCapacity(b, func(u *admission.CapacityUpdate) {
//	    // wake the match loop
//	})
//	defer sub.Unsubscribe()
//
// Updates are delivered at most once; observers reconcile from Snapshot
// on their next pass if one is dropped.
package admission

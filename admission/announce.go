package admission

import (
	"context"
	"encoding/json"
	"time"

	"github.com/GlacierEQ/God-Mind/bus"
)

// AnnounceConfig configures an announcing gate.
type AnnounceConfig struct {
	// Bus is the message bus capacity updates are published on.
	Bus bus.MessageBus

	// Source identifies the publishing component in updates.
	// Default: "hub"
	Source string
}

// Validate checks the configuration.
func (c *AnnounceConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultAnnounceConfig returns configuration with sensible defaults.
func DefaultAnnounceConfig() AnnounceConfig {
	return AnnounceConfig{
		Source: "hub",
	}
}

// AnnouncingGate wraps a Gate and publishes a CapacityUpdate whenever
// slot accounting changes in a way observers care about: a slot is
// released, admissions are suspended or resumed, or a limit changes.
// The dispatcher subscribes to these updates to re-run its match loop
// the moment a provider can take more work.
type AnnouncingGate struct {
	config AnnounceConfig
	inner  Gate
}

// NewAnnouncingGate wraps inner so its capacity changes are broadcast.
func NewAnnouncingGate(inner Gate, config AnnounceConfig) (*AnnouncingGate, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Source == "" {
		config.Source = DefaultAnnounceConfig().Source
	}

	return &AnnouncingGate{
		config: config,
		inner:  inner,
	}, nil
}

// Acquire blocks until an invocation slot is free for the provider.
// The returned release function publishes a "released" update after
// freeing the slot.
func (a *AnnouncingGate) Acquire(ctx context.Context, provider string) (func(), error) {
	release, err := a.inner.Acquire(ctx, provider)
	if err != nil {
		return nil, err
	}
	return a.announcingRelease(provider, release), nil
}

// TryAcquire attempts to take a slot without blocking.
func (a *AnnouncingGate) TryAcquire(provider string) (func(), bool) {
	release, ok := a.inner.TryAcquire(provider)
	if !ok {
		return nil, false
	}
	return a.announcingRelease(provider, release), true
}

func (a *AnnouncingGate) announcingRelease(provider string, release func()) func() {
	return func() {
		release()
		a.publish(provider, EventReleased, "")
	}
}

// Free reports the number of open slots for the provider.
func (a *AnnouncingGate) Free(provider string) int {
	return a.inner.Free(provider)
}

// SetLimit configures the concurrency limit for a provider.
func (a *AnnouncingGate) SetLimit(provider string, limit int) {
	a.inner.SetLimit(provider, limit)
	a.publish(provider, EventLimitChanged, "")
}

// Suspend closes admissions for a provider.
func (a *AnnouncingGate) Suspend(provider string) {
	a.inner.Suspend(provider)
	a.publish(provider, EventSuspended, "provider disconnected")
}

// Resume reopens admissions and resets the in-flight count.
func (a *AnnouncingGate) Resume(provider string) {
	a.inner.Resume(provider)
	a.publish(provider, EventResumed, "provider reconnected")
}

// Snapshot returns the current slot accounting for a provider.
func (a *AnnouncingGate) Snapshot(provider string) *Capacity {
	return a.inner.Snapshot(provider)
}

// Snapshots returns slot accounting for all providers, sorted by name.
func (a *AnnouncingGate) Snapshots() []*Capacity {
	return a.inner.Snapshots()
}

// Close shuts down the underlying gate.
func (a *AnnouncingGate) Close() error {
	return a.inner.Close()
}

// publish broadcasts a capacity update. Publish failures are dropped;
// observers reconcile from Snapshot on their next pass.
func (a *AnnouncingGate) publish(provider, event, reason string) {
	update := CapacityUpdate{
		Provider:  provider,
		Source:    a.config.Source,
		Event:     event,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	if snap := a.inner.Snapshot(provider); snap != nil {
		update.Limit = snap.Limit
		update.Free = snap.Free
	}

	data, err := json.Marshal(update)
	if err != nil {
		return
	}

	_ = a.config.Bus.Publish(SubjectPrefix+provider, data)
}

// WatchCapacity subscribes to capacity updates for all providers and
// invokes cb for each one. Malformed messages are skipped. The watch
// stops when the returned subscription is unsubscribed or the bus
// closes.
func WatchCapacity(b bus.MessageBus, cb OnCapacityChange) (bus.Subscription, error) {
	sub, err := b.Subscribe(SubjectPrefix + "*")
	if err != nil {
		return nil, err
	}

	go func() {
		for msg := range sub.Messages() {
			var update CapacityUpdate
			if err := json.Unmarshal(msg.Data, &update); err != nil {
				continue
			}
			cb(&update)
		}
	}()

	return sub, nil
}

// Ensure AnnouncingGate implements Gate.
var _ Gate = (*AnnouncingGate)(nil)

package admission

import (
	"context"
	"sort"
	"sync"
)

// slotGate tracks slot accounting for one provider.
type slotGate struct {
	limit     int
	inFlight  int
	waiters   int
	suspended bool
	epoch     uint64 // bumped on Resume; stale releases are discarded
	cond      *sync.Cond
}

// MemoryGate provides in-process admission control using per-provider
// slot counters. It is safe for concurrent use.
type MemoryGate struct {
	mu     sync.Mutex
	gates  map[string]*slotGate
	closed bool
}

// NewMemoryGate creates a new in-memory admission gate.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{
		gates: make(map[string]*slotGate),
	}
}

// SetLimit configures the concurrency limit for a provider.
func (m *MemoryGate) SetLimit(provider string, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	g, exists := m.gates[provider]

	if limit <= 0 {
		if exists {
			g.cond.Broadcast()
			delete(m.gates, provider)
		}
		return
	}

	if exists {
		g.limit = limit
		g.cond.Broadcast()
		return
	}

	m.gates[provider] = &slotGate{
		limit: limit,
		cond:  sync.NewCond(&m.mu),
	}
}

// Acquire blocks until an invocation slot is free for the provider.
func (m *MemoryGate) Acquire(ctx context.Context, provider string) (func(), error) {
	// Fast path: take a slot without waiting.
	if release, ok := m.TryAcquire(provider); ok {
		return release, nil
	}

	// Wake the waiter loop when the context ends.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			if g, exists := m.gates[provider]; exists {
				g.cond.Broadcast()
			}
			m.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.closed {
			return nil, ErrClosed
		}

		g, exists := m.gates[provider]
		if !exists {
			return nil, ErrProviderUnknown
		}
		if g.suspended {
			return nil, ErrSuspended
		}

		if g.inFlight < g.limit {
			g.inFlight++
			return m.releaseFunc(provider, g.epoch), nil
		}

		g.waiters++
		g.cond.Wait()
		g.waiters--
	}
}

// TryAcquire attempts to take a slot without blocking.
func (m *MemoryGate) TryAcquire(provider string) (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false
	}

	g, exists := m.gates[provider]
	if !exists || g.suspended {
		return nil, false
	}

	if g.inFlight < g.limit {
		g.inFlight++
		return m.releaseFunc(provider, g.epoch), true
	}

	return nil, false
}

// releaseFunc builds the release closure for one admitted slot.
// The caller must hold m.mu.
func (m *MemoryGate) releaseFunc(provider string, epoch uint64) func() {
	released := false
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if released {
			return
		}
		released = true

		g, exists := m.gates[provider]
		if !exists || g.epoch != epoch {
			return
		}

		if g.inFlight > 0 {
			g.inFlight--
		}
		g.cond.Signal()
	}
}

// Free reports the number of open slots for the provider.
func (m *MemoryGate) Free(provider string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, exists := m.gates[provider]
	if !exists || g.suspended {
		return 0
	}

	free := g.limit - g.inFlight
	if free < 0 {
		free = 0
	}
	return free
}

// Suspend closes admissions for a provider.
func (m *MemoryGate) Suspend(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, exists := m.gates[provider]
	if !exists {
		return
	}

	g.suspended = true
	g.cond.Broadcast()
}

// Resume reopens admissions and resets the in-flight count.
func (m *MemoryGate) Resume(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, exists := m.gates[provider]
	if !exists {
		return
	}

	g.suspended = false
	g.inFlight = 0
	g.epoch++
	g.cond.Broadcast()
}

// Snapshot returns the current slot accounting for a provider.
func (m *MemoryGate) Snapshot(provider string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, exists := m.gates[provider]
	if !exists {
		return nil
	}

	return snapshotLocked(provider, g)
}

// Snapshots returns slot accounting for all providers, sorted by name.
func (m *MemoryGate) Snapshots() []*Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	caps := make([]*Capacity, 0, len(m.gates))
	for provider, g := range m.gates {
		caps = append(caps, snapshotLocked(provider, g))
	}

	sort.Slice(caps, func(i, j int) bool {
		return caps[i].Provider < caps[j].Provider
	})
	return caps
}

func snapshotLocked(provider string, g *slotGate) *Capacity {
	free := g.limit - g.inFlight
	if free < 0 || g.suspended {
		free = 0
	}
	return &Capacity{
		Provider:  provider,
		Limit:     g.limit,
		InFlight:  g.inFlight,
		Free:      free,
		Waiters:   g.waiters,
		Suspended: g.suspended,
	}
}

// Close shuts down the gate and releases all waiters.
func (m *MemoryGate) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.closed = true

	for _, g := range m.gates {
		g.cond.Broadcast()
	}

	return nil
}

// Ensure MemoryGate implements Gate.
var _ Gate = (*MemoryGate)(nil)

package registry

import (
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory implementation of Registry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	agents   map[string]AgentInfo
	watchers []chan Event
	closed   bool
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		agents:   make(map[string]AgentInfo),
		watchers: make([]chan Event, 0),
	}
}

// Register adds or updates a slot in the registry.
func (r *MemoryRegistry) Register(info AgentInfo) error {
	if err := ValidateAgentInfo(info); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	info.LastSeen = time.Now()
	if info.Status == "" {
		info.Status = StatusIdle
	}
	if info.Generation <= 0 {
		info.Generation = 1
	}

	_, exists := r.agents[info.ID]
	r.agents[info.ID] = info

	eventType := EventAdded
	if exists {
		eventType = EventUpdated
	}
	r.notifyWatchers(Event{Type: eventType, Agent: info})

	return nil
}

// Deregister removes a slot from the registry.
func (r *MemoryRegistry) Deregister(id string) error {
	if id == "" {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists {
		return ErrNotFound
	}

	delete(r.agents, id)
	r.notifyWatchers(Event{Type: EventRemoved, Agent: agent})

	return nil
}

// Get retrieves a specific slot by ID.
func (r *MemoryRegistry) Get(id string) (*AgentInfo, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists {
		return nil, ErrNotFound
	}

	return &agent, nil
}

// List returns all slots matching the filter, sorted by ID.
func (r *MemoryRegistry) List(filter *Filter) ([]AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []AgentInfo
	for _, agent := range r.agents {
		if MatchesFilter(agent, filter) {
			result = append(result, agent)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// Idle returns all idle slots sorted by ID.
func (r *MemoryRegistry) Idle() ([]AgentInfo, error) {
	return r.List(&Filter{Status: StatusIdle})
}

// SetBusy binds a task to the slot and marks it busy. Only an idle slot
// can be claimed: a dead slot belongs to its supervisor until respawn,
// and a busy one already holds a task.
func (r *MemoryRegistry) SetBusy(id, taskID string) error {
	return r.update(id, func(agent *AgentInfo) error {
		if agent.Status != StatusIdle {
			return ErrAgentBusy
		}
		agent.Status = StatusBusy
		agent.TaskID = taskID
		return nil
	})
}

// SetIdle clears the slot's task binding and marks it idle.
func (r *MemoryRegistry) SetIdle(id string) error {
	return r.update(id, func(agent *AgentInfo) error {
		agent.Status = StatusIdle
		agent.TaskID = ""
		return nil
	})
}

// MarkDead marks the slot dead. The task binding is preserved so the
// supervisor can requeue what the agent was holding.
func (r *MemoryRegistry) MarkDead(id string) error {
	return r.update(id, func(agent *AgentInfo) error {
		agent.Status = StatusDead
		return nil
	})
}

// Revive resets a dead slot for its next incarnation.
func (r *MemoryRegistry) Revive(id string) (*AgentInfo, error) {
	var revived AgentInfo
	err := r.update(id, func(agent *AgentInfo) error {
		if agent.Status != StatusDead {
			return ErrNotDead
		}
		agent.Status = StatusIdle
		agent.TaskID = ""
		agent.Generation++
		revived = *agent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &revived, nil
}

// Migrate moves an idle slot to another supervisor's shard.
func (r *MemoryRegistry) Migrate(id, shard string) error {
	return r.update(id, func(agent *AgentInfo) error {
		if agent.Status != StatusIdle {
			return ErrAgentBusy
		}
		agent.Shard = shard
		return nil
	})
}

// update applies a mutation to one slot under the write lock and
// notifies watchers on success.
func (r *MemoryRegistry) update(id string, fn func(*AgentInfo) error) error {
	if id == "" {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists {
		return ErrNotFound
	}

	if err := fn(&agent); err != nil {
		return err
	}

	agent.LastSeen = time.Now()
	r.agents[id] = agent
	r.notifyWatchers(Event{Type: EventUpdated, Agent: agent})

	return nil
}

// Counts returns the number of slots per status.
func (r *MemoryRegistry) Counts() (map[Status]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	counts := make(map[Status]int)
	for _, agent := range r.agents {
		counts[agent.Status]++
	}
	return counts, nil
}

// Watch returns a channel of registry events.
func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)

	return ch, nil
}

// Close shuts down the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return nil
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (r *MemoryRegistry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// Ensure MemoryRegistry implements Registry.
var _ Registry = (*MemoryRegistry)(nil)

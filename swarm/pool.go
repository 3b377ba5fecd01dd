package swarm

import (
	"context"
	"fmt"
	"sync"

	"github.com/GlacierEQ/God-Mind/heartbeat"
	"github.com/GlacierEQ/God-Mind/logging"
	"github.com/GlacierEQ/God-Mind/registry"
	"github.com/GlacierEQ/God-Mind/tasks"
)

// interruptTable maps in-flight task IDs to the cancel functions of
// their invocation contexts, so a cooperative cancellation can abort
// the provider call.
type interruptTable struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newInterruptTable() *interruptTable {
	return &interruptTable{cancels: make(map[string]context.CancelFunc)}
}

func (t *interruptTable) register(taskID string, cancel context.CancelFunc) {
	t.mu.Lock()
	t.cancels[taskID] = cancel
	t.mu.Unlock()
}

func (t *interruptTable) unregister(taskID string) {
	t.mu.Lock()
	delete(t.cancels, taskID)
	t.mu.Unlock()
}

func (t *interruptTable) fire(taskID string) bool {
	t.mu.Lock()
	cancel, ok := t.cancels[taskID]
	delete(t.cancels, taskID)
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Pool is the fixed-size agent swarm. It spawns one agent per slot,
// registers the slots, routes assignments and interrupts, and respawns
// dead slots into fresh incarnations under the same identity.
type Pool struct {
	config Config
	logger *logging.Logger

	mu         sync.Mutex
	agents     map[string]*Agent
	running    bool
	interrupts *interruptTable

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool from the configuration.
func NewPool(config Config) (*Pool, error) {
	if config.Size == 0 {
		config.Size = DefaultSize
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if config.Logger == nil {
		config.Logger = logging.New()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Pool{
		config:     config,
		logger:     config.Logger.WithComponent("swarm"),
		agents:     make(map[string]*Agent),
		interrupts: newInterruptTable(),
	}, nil
}

// Start spawns every agent slot. Slot IDs are stable across restarts
// and respawns; shards are distributed round robin over the configured
// supervisors.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := 0; i < p.config.Size; i++ {
		id := SlotID(i)
		shard := p.config.Shards[i%len(p.config.Shards)]

		if err := p.config.Registry.Register(registry.AgentInfo{
			ID:     id,
			Shard:  shard,
			Status: registry.StatusIdle,
		}); err != nil {
			p.cancel()
			p.running = false
			return fmt.Errorf("register slot %s: %w", id, err)
		}

		if err := p.spawnLocked(id, 1); err != nil {
			p.cancel()
			p.running = false
			return err
		}
	}

	p.logger.Info("swarm started", map[string]interface{}{
		"size":   p.config.Size,
		"shards": len(p.config.Shards),
	})
	return nil
}

// SlotID returns the stable identifier for slot index i.
func SlotID(i int) string {
	return fmt.Sprintf("agent-%03d", i)
}

// spawnLocked creates and starts one agent incarnation. Caller holds p.mu.
func (p *Pool) spawnLocked(id string, generation int) error {
	agentCtx, cancel := context.WithCancel(p.ctx)

	sender, err := heartbeat.NewBusSender(heartbeat.SenderConfig{
		Bus:           p.config.Bus,
		AgentID:       id,
		Interval:      p.config.HeartbeatInterval,
		InitialStatus: heartbeat.StatusIdle,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("spawn %s: %w", id, err)
	}

	a := &Agent{
		id:         id,
		generation: generation,
		manager:    p.config.Manager,
		invoker:    p.config.Invoker,
		sink:       p.config.Sink,
		registry:   p.config.Registry,
		sender:     sender,
		interrupts: p.interrupts,
		logger:     p.logger,
		assignCh:   make(chan *tasks.Task, 1),
		ctx:        agentCtx,
		cancel:     cancel,
	}

	if err := sender.Start(agentCtx); err != nil {
		cancel()
		return fmt.Errorf("spawn %s: %w", id, err)
	}

	p.agents[id] = a
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		a.run()
	}()
	return nil
}

// Assign routes a dispatched task to its agent.
func (p *Pool) Assign(agentID string, task *tasks.Task) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	a, ok := p.agents[agentID]
	p.mu.Unlock()

	if !ok {
		return ErrAgentUnknown
	}
	return a.Assign(task)
}

// Interrupt aborts the in-flight provider call for a task, if any.
// Returns true if a call was interrupted. Used for cooperative
// cancellation of running tasks.
func (p *Pool) Interrupt(taskID string) bool {
	return p.interrupts.fire(taskID)
}

// Respawn replaces a dead slot with a fresh incarnation under the same
// identity. The old incarnation, if its goroutine still exists, is
// retired: its context is cancelled and its outcome discarded.
// The slot must have been marked dead in the registry first.
func (p *Pool) Respawn(agentID string) (*registry.AgentInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil, ErrNotRunning
	}

	if old, ok := p.agents[agentID]; ok {
		old.retire()
	}

	info, err := p.config.Registry.Revive(agentID)
	if err != nil {
		return nil, err
	}

	if err := p.spawnLocked(agentID, info.Generation); err != nil {
		return nil, err
	}
	return info, nil
}

// Halt simulates a crash for chaos and failure testing: the agent's
// incarnation stops without reporting anything, its heartbeats stop,
// and whatever it held stays bound to the slot until the supervisor
// notices the silence.
func (p *Pool) Halt(agentID string) error {
	p.mu.Lock()
	a, ok := p.agents[agentID]
	p.mu.Unlock()

	if !ok {
		return ErrAgentUnknown
	}
	a.retire()
	return nil
}

// Agent returns the current incarnation for a slot.
func (p *Pool) Agent(agentID string) (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentID]
	return a, ok
}

// AgentIDs returns all slot IDs, in spawn order.
func (p *Pool) AgentIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.agents))
	for i := 0; i < p.config.Size; i++ {
		id := SlotID(i)
		if _, ok := p.agents[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Size returns the configured slot count.
func (p *Pool) Size() int {
	return p.config.Size
}

// Stop retires every agent and waits for their goroutines, bounded by
// ctx. In-flight provider calls are cancelled cooperatively.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("swarm stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package swarm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GlacierEQ/God-Mind/errors"
	"github.com/GlacierEQ/God-Mind/heartbeat"
	"github.com/GlacierEQ/God-Mind/logging"
	"github.com/GlacierEQ/God-Mind/registry"
	"github.com/GlacierEQ/God-Mind/tasks"
)

// DefaultSupervisorCount is the number of shards the swarm is split
// into when the configuration does not say otherwise.
const DefaultSupervisorCount = 4

// SupervisorConfig wires one supervisor to its collaborators.
type SupervisorConfig struct {
	// ID names the supervisor. It doubles as the shard name in the
	// registry: a supervisor watches exactly the slots whose Shard
	// matches its ID.
	ID string

	// Monitor delivers heartbeat-based death verdicts.
	Monitor heartbeat.Monitor

	// Registry holds slot state.
	Registry registry.Registry

	// Pool respawns dead slots.
	Pool *Pool

	// Manager resolves the task a dead agent was holding.
	Manager tasks.TaskManager

	// Sink receives the synthetic failed attempt for a held task. The
	// sink owns retry policy; the supervisor only reports what it saw.
	Sink ResultSink

	// Logger for supervision events.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *SupervisorConfig) Validate() error {
	if c.ID == "" {
		return ErrInvalidConfig
	}
	if c.Monitor == nil || c.Registry == nil || c.Pool == nil ||
		c.Manager == nil || c.Sink == nil {
		return ErrInvalidConfig
	}
	return nil
}

// Supervisor watches one shard of the swarm. When an agent in its
// shard goes silent past the heartbeat deadline it declares the slot
// dead, reports the held task as a failed attempt, and respawns the
// slot under the same identity.
type Supervisor struct {
	id       string
	monitor  heartbeat.Monitor
	registry registry.Registry
	pool     *Pool
	manager  tasks.TaskManager
	sink     ResultSink
	logger   *logging.Logger

	stopped atomic.Bool
}

// NewSupervisor creates a supervisor for one shard.
func NewSupervisor(config SupervisorConfig) (*Supervisor, error) {
	if config.Logger == nil {
		config.Logger = logging.New()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		id:       config.ID,
		monitor:  config.Monitor,
		registry: config.Registry,
		pool:     config.Pool,
		manager:  config.Manager,
		sink:     config.Sink,
		logger:   config.Logger.WithComponent("supervisor"),
	}, nil
}

// ID returns the supervisor's shard name.
func (s *Supervisor) ID() string {
	return s.id
}

// Start seeds liveness tracking for every slot in the shard and
// registers the death callback.
func (s *Supervisor) Start(ctx context.Context) error {
	slots, err := s.registry.List(&registry.Filter{Shard: s.id})
	if err != nil {
		return fmt.Errorf("list shard %s: %w", s.id, err)
	}
	for _, slot := range slots {
		s.monitor.Track(slot.ID)
	}

	// The monitor has no callback unregistration; the stopped flag
	// makes callbacks after Stop inert.
	s.monitor.OnDead(s.onDead)

	s.logger.Info("supervisor started", map[string]interface{}{
		"supervisor": s.id,
		"slots":      len(slots),
	})
	return nil
}

// Stop makes further death callbacks inert. The shared monitor is
// owned by the caller and keeps running.
func (s *Supervisor) Stop() {
	s.stopped.Store(true)
}

// onDead handles a death verdict from the monitor. Verdicts for other
// shards are ignored; every supervisor sees every verdict because the
// monitor is shared.
func (s *Supervisor) onDead(agentID string) {
	if s.stopped.Load() {
		return
	}

	info, err := s.registry.Get(agentID)
	if err != nil {
		return
	}
	if info.Shard != s.id {
		return
	}
	if info.Status == registry.StatusDead {
		// Another path already handled this death.
		return
	}

	if err := s.registry.MarkDead(agentID); err != nil {
		s.logger.Error("mark dead failed", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
		return
	}

	var lastSeen time.Time
	if hb := s.monitor.LastHeartbeat(agentID); hb != nil {
		lastSeen = hb.Timestamp
	}
	s.logger.AgentDead(agentID, s.id, lastSeen)

	if info.TaskID != "" {
		s.reportHeldTask(agentID, info.TaskID)
	}

	revived, err := s.pool.Respawn(agentID)
	if err != nil {
		s.logger.Error("respawn failed", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
		return
	}
	s.monitor.Track(agentID)
	s.logger.AgentRespawned(agentID, s.id)
	s.logger.Debug("slot revived", map[string]interface{}{
		"agent_id":   agentID,
		"generation": revived.Generation,
	})
}

// reportHeldTask reports the task a dead agent was holding as a failed
// attempt. The sink decides whether that means a retry, a terminal
// failure or a cancellation; the supervisor never touches the
// lifecycle directly.
func (s *Supervisor) reportHeldTask(agentID, taskID string) {
	ctx := context.Background()

	task, err := s.manager.Get(ctx, taskID)
	if err != nil {
		return
	}
	if task.Status.IsTerminal() {
		return
	}
	if task.AgentID != agentID {
		// Ownership already moved on; the verdict is stale.
		return
	}

	result := tasks.NewTaskResult(taskID, agentID, tasks.ResultFailed)
	result.Provider = task.Provider
	result.Attempt = task.Attempts
	result.Code = string(errors.ErrCodeAgentDead)
	result.Error = fmt.Sprintf("agent %s missed its heartbeat deadline", agentID)
	result.CompletedAt = time.Now().UTC()

	if err := s.sink.Report(ctx, result); err != nil {
		s.logger.Error("held task report failed", map[string]interface{}{
			"agent_id": agentID,
			"task_id":  taskID,
			"error":    err.Error(),
		})
	}
}

// SupervisorSetConfig configures the full supervisor set.
type SupervisorSetConfig struct {
	// Count is the number of supervisors. Default: 4.
	Count int

	// Monitor is shared by all supervisors.
	Monitor heartbeat.Monitor

	// Registry holds slot state.
	Registry registry.Registry

	// Pool respawns dead slots.
	Pool *Pool

	// Manager resolves held tasks.
	Manager tasks.TaskManager

	// Sink receives synthetic failed attempts.
	Sink ResultSink

	// Logger for supervision events.
	Logger *logging.Logger
}

// SupervisorSet runs one supervisor per shard. Shards partition the
// swarm disjointly; every slot belongs to exactly one supervisor.
type SupervisorSet struct {
	mu          sync.Mutex
	supervisors map[string]*Supervisor
	order       []string
	registry    registry.Registry
	logger      *logging.Logger
}

// ShardName returns the shard name for supervisor index i.
func ShardName(i int) string {
	return fmt.Sprintf("sup-%d", i)
}

// ShardNames returns the shard names for a supervisor count, in order.
// Pool configuration and supervisor set configuration must use the
// same count so slot shards and supervisors line up.
func ShardNames(count int) []string {
	if count <= 0 {
		count = DefaultSupervisorCount
	}
	names := make([]string, count)
	for i := range names {
		names[i] = ShardName(i)
	}
	return names
}

// NewSupervisorSet creates one supervisor per shard.
func NewSupervisorSet(config SupervisorSetConfig) (*SupervisorSet, error) {
	if config.Count <= 0 {
		config.Count = DefaultSupervisorCount
	}
	if config.Logger == nil {
		config.Logger = logging.New()
	}

	set := &SupervisorSet{
		supervisors: make(map[string]*Supervisor),
		registry:    config.Registry,
		logger:      config.Logger.WithComponent("supervisor"),
	}
	for _, shard := range ShardNames(config.Count) {
		sup, err := NewSupervisor(SupervisorConfig{
			ID:       shard,
			Monitor:  config.Monitor,
			Registry: config.Registry,
			Pool:     config.Pool,
			Manager:  config.Manager,
			Sink:     config.Sink,
			Logger:   config.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("supervisor %s: %w", shard, err)
		}
		set.supervisors[shard] = sup
		set.order = append(set.order, shard)
	}
	return set, nil
}

// Shards returns the shard names, in order.
func (set *SupervisorSet) Shards() []string {
	set.mu.Lock()
	defer set.mu.Unlock()
	out := make([]string, len(set.order))
	copy(out, set.order)
	return out
}

// Supervisor returns the supervisor for a shard.
func (set *SupervisorSet) Supervisor(shard string) (*Supervisor, bool) {
	set.mu.Lock()
	defer set.mu.Unlock()
	sup, ok := set.supervisors[shard]
	return sup, ok
}

// Start starts every supervisor.
func (set *SupervisorSet) Start(ctx context.Context) error {
	set.mu.Lock()
	defer set.mu.Unlock()
	for _, shard := range set.order {
		if err := set.supervisors[shard].Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every supervisor.
func (set *SupervisorSet) Stop() {
	set.mu.Lock()
	defer set.mu.Unlock()
	for _, shard := range set.order {
		set.supervisors[shard].Stop()
	}
}

// Migrate reassigns an idle slot to another supervisor's shard. Busy
// slots cannot move; callers retry after the slot drains.
func (set *SupervisorSet) Migrate(agentID, toShard string) error {
	set.mu.Lock()
	_, ok := set.supervisors[toShard]
	set.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown shard %s", ErrInvalidConfig, toShard)
	}

	info, err := set.registry.Get(agentID)
	if err != nil {
		return err
	}
	fromShard := info.Shard

	if err := set.registry.Migrate(agentID, toShard); err != nil {
		return err
	}
	set.logger.AgentMigrated(agentID, fromShard, toShard)
	return nil
}

// Rebalance moves idle capacity toward starved shards: a shard with
// live slots but no idle ones receives one idle agent from the shard
// with the most idle slots, provided that donor stays fully idle
// without it. One move per starved shard per pass keeps the swarm from
// thrashing; callers run passes periodically. Returns the number of
// agents moved.
func (set *SupervisorSet) Rebalance() (int, error) {
	all, err := set.registry.List(nil)
	if err != nil {
		return 0, err
	}

	type occupancy struct {
		live int
		idle []string
	}
	shards := make(map[string]*occupancy)
	for _, shard := range set.Shards() {
		shards[shard] = &occupancy{}
	}
	for _, info := range all {
		occ, ok := shards[info.Shard]
		if !ok {
			continue
		}
		if info.Status != registry.StatusDead {
			occ.live++
		}
		if info.Status == registry.StatusIdle {
			occ.idle = append(occ.idle, info.ID)
		}
	}

	moved := 0
	for _, starved := range set.Shards() {
		occ := shards[starved]
		if occ.live == 0 || len(occ.idle) > 0 {
			continue
		}

		// Donor: the fully idle shard with the most slots to spare.
		donor := ""
		for _, shard := range set.Shards() {
			if shard == starved {
				continue
			}
			cand := shards[shard]
			if cand.live < 2 || len(cand.idle) != cand.live {
				continue
			}
			if donor == "" || len(cand.idle) > len(shards[donor].idle) {
				donor = shard
			}
		}
		if donor == "" {
			continue
		}

		occDonor := shards[donor]
		agentID := occDonor.idle[len(occDonor.idle)-1]
		if err := set.Migrate(agentID, starved); err != nil {
			// The slot may have gone busy or dead since the listing;
			// the next pass sees fresh state.
			continue
		}
		occDonor.idle = occDonor.idle[:len(occDonor.idle)-1]
		occDonor.live--
		occ.live++
		occ.idle = append(occ.idle, agentID)
		moved++
	}
	return moved, nil
}

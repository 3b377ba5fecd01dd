package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/GlacierEQ/God-Mind/admission"
	"github.com/GlacierEQ/God-Mind/bus"
	"github.com/GlacierEQ/God-Mind/config"
	"github.com/GlacierEQ/God-Mind/credentials"
	"github.com/GlacierEQ/God-Mind/dispatch"
	"github.com/GlacierEQ/God-Mind/heartbeat"
	"github.com/GlacierEQ/God-Mind/hub"
	"github.com/GlacierEQ/God-Mind/ledger"
	"github.com/GlacierEQ/God-Mind/logging"
	"github.com/GlacierEQ/God-Mind/mcp"
	"github.com/GlacierEQ/God-Mind/memory"
	"github.com/GlacierEQ/God-Mind/policy"
	"github.com/GlacierEQ/God-Mind/registry"
	"github.com/GlacierEQ/God-Mind/results"
	"github.com/GlacierEQ/God-Mind/shutdown"
	"github.com/GlacierEQ/God-Mind/state"
	"github.com/GlacierEQ/God-Mind/swarm"
	"github.com/GlacierEQ/God-Mind/tasks"
	"github.com/GlacierEQ/God-Mind/telemetry"
)

// Common errors.
var (
	ErrNotRunning     = stderrors.New("orchestrator not running")
	ErrAlreadyRunning = stderrors.New("orchestrator already running")
)

// Config assembles the orchestration core.
type Config struct {
	// Core is the orchestrator configuration. A zero value applies
	// config.DefaultConfig.
	Core config.Config

	// Registry overrides the provider registry file. When nil and
	// Core.ProvidersPath is set, the file is loaded at Start. When
	// both are absent no providers are registered at startup; callers
	// register them through RegisterProvider.
	Registry *config.Registry

	// Policy gates which commands stdio providers may spawn and which
	// environment variables they see. Optional.
	Policy *policy.Policy

	// Credentials resolves API keys for model providers whose registry
	// entry carries none. Loaded lazily from the standard paths when
	// nil and a key is needed.
	Credentials *credentials.Credentials

	// Telemetry enables OpenTelemetry tracing when set.
	Telemetry *telemetry.ProviderConfig

	// Logger for orchestrator events. Defaults to a new logger at
	// Core.LogLevel.
	Logger *logging.Logger
}

// Orchestrator is the assembled core: protocol hub, dispatcher, agent
// swarm with supervisors, and result aggregator behind one facade.
type Orchestrator struct {
	config Config
	logger *logging.Logger

	bus       *bus.MemoryBus
	store     state.StateStore
	manager   *tasks.Manager
	gate      *admission.AnnouncingGate
	hub       *hub.Hub
	publisher *results.BusPublisher
	agents    registry.Registry
	monitor   *heartbeat.BusMonitor

	pool        *swarm.Pool
	supervisors *swarm.SupervisorSet
	dispatcher  *dispatch.Dispatcher
	aggregator  *results.Aggregator

	fleet   *mcp.Manager
	ledger  *ledger.Ledger
	archive *memory.BleveArchive

	coordinator *shutdown.Coordinator
	telemetry   *telemetry.Provider

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	recorder *recorder
	wg       sync.WaitGroup
}

// sinkRef breaks the construction cycle between the pool (which needs
// a result sink) and the aggregator (which needs the dispatcher). It
// is filled before anything runs.
type sinkRef struct {
	agg *results.Aggregator
}

func (s *sinkRef) Report(ctx context.Context, res *tasks.TaskResult) error {
	return s.agg.Report(ctx, res)
}

// queueRef is the Requeuer seam handed to the aggregator before the
// dispatcher exists.
type queueRef struct {
	d *dispatch.Dispatcher
}

func (q *queueRef) Requeue(ctx context.Context, taskID string, notBefore time.Time) error {
	return q.d.Requeue(ctx, taskID, notBefore)
}

// New builds every component of the core but starts nothing. The
// ledger and the outcome archive are opened here when configured, so
// a bad path fails construction rather than startup.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Core == (config.Config{}) {
		cfg.Core = config.DefaultConfig()
	}
	core := cfg.Core
	if err := core.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
		logger.SetLevel(logging.ParseLevel(core.LogLevel))
	}

	mbus := bus.NewMemoryBus(bus.DefaultConfig())

	var store state.StateStore
	if core.StatePath != "" {
		durable, err := state.NewSQLiteStore(core.StatePath)
		if err != nil {
			return nil, fmt.Errorf("opening task store: %w", err)
		}
		store = durable
	} else {
		store = state.NewMemoryStore()
	}
	manager := tasks.NewManager(store)

	gate, err := admission.NewAnnouncingGate(admission.NewMemoryGate(), admission.AnnounceConfig{Bus: mbus})
	if err != nil {
		return nil, err
	}

	hubCfg := hub.DefaultConfig(gate)
	hubCfg.Logger = logger
	hubCfg.DefaultLimit = core.ProviderConcurrencyLimit
	hubCfg.InvokeTimeout = core.ProviderTimeout
	hubCfg.ReconnectBase = core.RetryBackoffBase
	hubCfg.ReconnectMultiplier = core.RetryBackoffMultiplier
	hubCfg.ReconnectMax = core.RetryBackoffMax
	h, err := hub.New(hubCfg)
	if err != nil {
		return nil, err
	}

	publisher := results.NewBusPublisher(mbus, results.DefaultBusPublisherConfig())
	agents := registry.NewMemoryRegistry()

	monitor, err := heartbeat.NewBusMonitor(heartbeat.MonitorConfig{
		Bus:           mbus,
		Timeout:       core.HeartbeatTimeout,
		CheckInterval: core.HeartbeatInterval / 2,
	})
	if err != nil {
		return nil, err
	}

	sink := &sinkRef{}
	queue := &queueRef{}

	pool, err := swarm.NewPool(swarm.Config{
		Size:              core.SwarmSize,
		Shards:            swarm.ShardNames(core.SupervisorCount),
		HeartbeatInterval: core.HeartbeatInterval,
		Bus:               mbus,
		Registry:          agents,
		Manager:           manager,
		Invoker:           h,
		Sink:              sink,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	supervisors, err := swarm.NewSupervisorSet(swarm.SupervisorSetConfig{
		Count:    core.SupervisorCount,
		Monitor:  monitor,
		Registry: agents,
		Pool:     pool,
		Manager:  manager,
		Sink:     sink,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		QueueBound: core.QueueBound,
		Gate:       gate,
		Bus:        mbus,
		Registry:   agents,
		Manager:    manager,
		Pool:       pool,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	queue.d = dispatcher

	var archive *memory.BleveArchive
	if core.ArchivePath != "" {
		archive, err = memory.NewBleveArchive(core.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("opening outcome archive: %w", err)
		}
	}

	aggCfg := results.AggregatorConfig{
		Manager:   manager,
		Publisher: publisher,
		Queue:     queue,
		Policy: results.RetryPolicy{
			Base:       core.RetryBackoffBase,
			Multiplier: core.RetryBackoffMultiplier,
			Max:        core.RetryBackoffMax,
			Jitter:     0.2,
		},
		Logger: logger,
	}
	if archive != nil {
		aggCfg.Archive = archive
	}
	aggregator, err := results.NewAggregator(aggCfg)
	if err != nil {
		return nil, err
	}
	sink.agg = aggregator

	var led *ledger.Ledger
	if core.LedgerPath != "" {
		led, err = ledger.Open(ledger.Config{Path: core.LedgerPath, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("opening task ledger: %w", err)
		}
	}

	o := &Orchestrator{
		config:      cfg,
		logger:      logger.WithComponent("orchestrator"),
		bus:         mbus,
		store:       store,
		manager:     manager,
		gate:        gate,
		hub:         h,
		publisher:   publisher,
		agents:      agents,
		monitor:     monitor,
		pool:        pool,
		supervisors: supervisors,
		dispatcher:  dispatcher,
		aggregator:  aggregator,
		fleet:       mcp.NewManager(logger),
		ledger:      led,
		archive:     archive,
	}
	if cfg.Policy != nil {
		o.fleet.SetSpawnCheck(cfg.Policy.SpawnCheck())
	}
	o.coordinator = o.buildCoordinator()
	return o, nil
}

// buildCoordinator registers the phased shutdown order: dispatcher
// first so nothing new is assigned, then the swarm, then providers,
// then stores, so nothing writes into a closed collaborator.
func (o *Orchestrator) buildCoordinator() *shutdown.Coordinator {
	c := shutdown.NewCoordinator(shutdown.DefaultConfig())

	c.RegisterFuncWithPhase("dispatcher", func(ctx context.Context) error {
		err := o.dispatcher.Stop(ctx)
		if err == dispatch.ErrNotRunning {
			return nil
		}
		return err
	}, 10)

	c.RegisterFuncWithPhase("swarm", func(ctx context.Context) error {
		o.supervisors.Stop()
		err := o.pool.Stop(ctx)
		if err == swarm.ErrNotRunning {
			err = nil
		}
		if mErr := o.monitor.Stop(); mErr != nil && mErr != heartbeat.ErrNotStarted && err == nil {
			err = mErr
		}
		return err
	}, 20)

	c.RegisterFuncWithPhase("providers", func(ctx context.Context) error {
		return o.hub.Close()
	}, 30)

	c.RegisterFuncWithPhase("stores", func(ctx context.Context) error {
		var errs []error
		errs = append(errs, o.publisher.Close())
		errs = append(errs, o.manager.Close())
		errs = append(errs, o.gate.Close())
		if o.archive != nil {
			errs = append(errs, o.archive.Close())
		}
		if o.ledger != nil {
			errs = append(errs, o.ledger.Close())
		}
		errs = append(errs, o.store.Close())
		errs = append(errs, o.bus.Close())
		if o.telemetry != nil {
			errs = append(errs, o.telemetry.Shutdown(ctx))
		}
		return stderrors.Join(errs...)
	}, 40)

	return c
}

// Start brings the core up: heartbeat monitoring, the agent swarm,
// the supervisors, the dispatcher, then the provider fleet from the
// registry, and finally ledger recovery.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	// A coordinator drains once; each run gets its own.
	o.coordinator = o.buildCoordinator()
	o.mu.Unlock()

	if o.config.Telemetry != nil {
		tp, err := telemetry.InitProvider(ctx, *o.config.Telemetry)
		if err != nil {
			o.logger.Warn("telemetry disabled", map[string]interface{}{"error": err.Error()})
		} else {
			o.telemetry = tp
		}
	}

	beats, err := o.monitor.WatchAll()
	if err != nil {
		return fmt.Errorf("starting heartbeat monitor: %w", err)
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for range beats {
		}
	}()

	if o.ledger != nil {
		o.recorder = newRecorder(o.ledger, o.store, o.logger)
		if err := o.recorder.start(); err != nil {
			return fmt.Errorf("starting ledger recorder: %w", err)
		}
	}

	if err := o.pool.Start(runCtx); err != nil {
		return fmt.Errorf("starting swarm: %w", err)
	}
	if err := o.supervisors.Start(runCtx); err != nil {
		return fmt.Errorf("starting supervisors: %w", err)
	}
	if err := o.dispatcher.Start(runCtx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}

	o.wg.Add(1)
	go o.rebalanceLoop(runCtx)

	if err := o.registerFleet(ctx); err != nil {
		// A degraded fleet is reduced capacity, not failure; Status
		// names what is missing.
		o.logger.Warn("provider fleet degraded", map[string]interface{}{"error": err.Error()})
	}

	if err := o.recover(ctx); err != nil {
		return fmt.Errorf("ledger recovery: %w", err)
	}

	o.logger.Info("orchestrator started", map[string]interface{}{
		"swarm_size":  o.pool.Size(),
		"supervisors": len(o.supervisors.Shards()),
		"providers":   len(o.hub.Providers()),
	})
	return nil
}

// Stop drains the core through the phased shutdown coordinator.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	err := o.coordinator.Shutdown(ctx)
	cancel()
	if o.recorder != nil {
		o.recorder.stop()
	}
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
	return err
}

// rebalanceLoop periodically moves idle agents toward starved shards.
func (o *Orchestrator) rebalanceLoop(ctx context.Context) {
	defer o.wg.Done()

	interval := o.config.Core.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.supervisors.Rebalance(); err != nil {
				o.logger.Warn("rebalance pass failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// recover reseeds the dispatch queue with tasks the ledger recorded as
// non-terminal at the last shutdown. Recovered tasks restart with a
// fresh attempt budget; their ledger trail keeps the earlier attempts.
func (o *Orchestrator) recover(ctx context.Context) error {
	if o.ledger == nil {
		return nil
	}

	recovered, err := o.ledger.Recover(ctx)
	if err != nil {
		return err
	}
	reseeded := 0
	for _, t := range recovered {
		id, err := o.manager.Submit(ctx, *t)
		if err != nil {
			o.logger.Warn("recovered task rejected", map[string]interface{}{
				"task_id": t.ID,
				"error":   err.Error(),
			})
			continue
		}
		if err := o.dispatcher.Requeue(ctx, id, time.Time{}); err != nil {
			o.logger.Warn("recovered task not requeued", map[string]interface{}{
				"task_id": id,
				"error":   err.Error(),
			})
			continue
		}
		reseeded++
	}
	if reseeded > 0 {
		o.logger.Info("recovered unfinished tasks", map[string]interface{}{"count": reseeded})
	}
	return nil
}

// Submit enqueues a task and returns its ID. Tasks that do not cap
// their own attempts get the configured default.
func (o *Orchestrator) Submit(ctx context.Context, sub tasks.Submission) (string, error) {
	if err := sub.Validate(); err != nil {
		return "", err
	}
	task := sub.Task()
	if task.MaxAttempts <= 0 {
		// max_retries counts retries on top of the initial try.
		task.MaxAttempts = o.config.Core.MaxRetries + 1
	}

	id, err := o.dispatcher.Submit(ctx, task)
	if err != nil {
		return "", err
	}

	if o.ledger != nil {
		if rec, gErr := o.manager.Get(ctx, id); gErr == nil {
			if lErr := o.ledger.RecordSubmission(ctx, rec); lErr != nil {
				o.logger.Warn("submission not recorded", map[string]interface{}{
					"task_id": id,
					"error":   lErr.Error(),
				})
			}
		}
	}
	return id, nil
}

// Query returns the current task record, including its result fields
// once terminal.
func (o *Orchestrator) Query(ctx context.Context, taskID string) (*tasks.Task, error) {
	return o.manager.Get(ctx, taskID)
}

// Cancel requests cancellation. A queued task finalizes as cancelled
// with no provider contact; a dispatched or running task stops
// cooperatively, racing its in-flight call. The returned record shows
// the state after the request.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (*tasks.Task, error) {
	rec, err := o.dispatcher.Cancel(ctx, taskID)
	if err != nil {
		return nil, err
	}
	// Publishes the terminal result for queue-removed cancellations;
	// a no-op for the cooperative in-flight path.
	if err := o.aggregator.Cancelled(ctx, taskID); err != nil {
		o.logger.Warn("cancellation result not published", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
	}
	if rec.Status == tasks.StatusCancelled {
		return rec, nil
	}
	return o.manager.Get(ctx, taskID)
}

// Await blocks until the task reaches a terminal state and returns its
// result.
func (o *Orchestrator) Await(ctx context.Context, taskID string) (*results.Result, error) {
	ch, err := o.publisher.Subscribe(taskID)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-ch:
			if !ok {
				// Channel closed on terminal delivery; fetch the
				// stored result.
				return o.publisher.Get(ctx, taskID)
			}
			if res.Status.IsTerminal() {
				return res, nil
			}
		}
	}
}

// Result returns the stored result for a task, terminal or not.
func (o *Orchestrator) Result(ctx context.Context, taskID string) (*results.Result, error) {
	return o.publisher.Get(ctx, taskID)
}

// RegisterProvider registers an in-process provider with the hub. A
// non-positive limit applies the configured default.
func (o *Orchestrator) RegisterProvider(ctx context.Context, p hub.Provider, limit int) error {
	if err := o.hub.Register(ctx, p, limit); err != nil {
		return err
	}
	o.snapshotProvider(ctx, p.Name(), "func")
	return nil
}

// Hub exposes the protocol hub for capability lookup.
func (o *Orchestrator) Hub() *hub.Hub {
	return o.hub
}

// snapshotProvider records a provider registration in the ledger.
func (o *Orchestrator) snapshotProvider(ctx context.Context, name, kind string) {
	if o.ledger == nil {
		return
	}
	p, ok := o.hub.Get(name)
	if !ok {
		return
	}
	st, _ := o.hub.State(name)
	snap := ledger.ProviderSnapshot{
		Name:             name,
		Kind:             kind,
		Capabilities:     p.Capabilities(),
		ConcurrencyLimit: o.hub.Limit(name),
		State:            string(st),
		UpdatedAt:        time.Now().UTC(),
	}
	if err := o.ledger.SnapshotProvider(ctx, snap); err != nil {
		o.logger.Warn("provider snapshot not recorded", map[string]interface{}{
			"provider": name,
			"error":    err.Error(),
		})
	}
}

// ShardOccupancy counts one shard's slots by status.
type ShardOccupancy struct {
	Idle int `json:"idle"`
	Busy int `json:"busy"`
	Dead int `json:"dead"`
}

// QueueStatus is the dispatch queue portion of a status snapshot.
type QueueStatus struct {
	Queued  int `json:"queued"`
	Delayed int `json:"delayed"`
	Bound   int `json:"bound"`
}

// Status is a point-in-time snapshot of the whole core. It marshals
// directly as the orchestrate.status result.
type Status struct {
	Running   bool                      `json:"running"`
	SwarmSize int                       `json:"swarm_size"`
	Agents    map[string]int            `json:"agents"`
	Shards    map[string]ShardOccupancy `json:"shards"`
	Queue     QueueStatus               `json:"queue"`
	Providers []*hub.ProviderStatus     `json:"providers,omitempty"`
	Degraded  []string                  `json:"degraded,omitempty"`
	Tasks     map[string]int            `json:"tasks"`
}

// Status reports agents by status and shard, queue depth, per-provider
// connection state with in-flight counts, the degraded providers, and
// task counts by state.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()

	snap := &Status{
		Running:   running,
		SwarmSize: o.pool.Size(),
		Agents:    make(map[string]int),
		Shards:    make(map[string]ShardOccupancy),
		Tasks:     make(map[string]int),
	}

	slots, err := o.agents.List(nil)
	if err != nil {
		return nil, err
	}
	for _, info := range slots {
		snap.Agents[string(info.Status)]++
		occ := snap.Shards[info.Shard]
		switch info.Status {
		case registry.StatusIdle:
			occ.Idle++
		case registry.StatusBusy, registry.StatusDraining:
			occ.Busy++
		case registry.StatusDead:
			occ.Dead++
		}
		snap.Shards[info.Shard] = occ
	}

	stats := o.dispatcher.Stats()
	snap.Queue = QueueStatus{Queued: stats.Queued, Delayed: stats.Delayed, Bound: stats.Bound}

	hs := o.hub.Status()
	snap.Providers = hs.Providers
	snap.Degraded = hs.Degraded

	counts, err := o.manager.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for status, n := range counts {
		snap.Tasks[string(status)] = n
	}
	return snap, nil
}

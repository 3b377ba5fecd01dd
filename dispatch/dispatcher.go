package dispatch

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/GlacierEQ/God-Mind/admission"
	"github.com/GlacierEQ/God-Mind/bus"
	"github.com/GlacierEQ/God-Mind/errors"
	"github.com/GlacierEQ/God-Mind/logging"
	"github.com/GlacierEQ/God-Mind/registry"
	"github.com/GlacierEQ/God-Mind/tasks"
	"github.com/GlacierEQ/God-Mind/telemetry"
)

// Dispatcher owns the bounded priority queue and the match loop. It
// assigns the highest-priority ready task to an idle agent whenever the
// task's provider has a free concurrency slot, round-robin across
// providers so a hot provider cannot starve a quiet one.
type Dispatcher struct {
	config Config
	logger *logging.Logger

	mu           sync.Mutex
	queues       map[string]*providerQueue
	ring         []string
	ringPos      int
	delayed      delayHeap
	delayedCount int
	entries      map[string]*entry
	waiting      int
	seq          uint64
	outstanding  map[string]int
	byAgent      map[string]string
	running      bool

	wake   chan struct{}
	capSub bus.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher from the configuration.
func New(config Config) (*Dispatcher, error) {
	if config.QueueBound == 0 {
		config.QueueBound = DefaultQueueBound
	}
	if config.Logger == nil {
		config.Logger = logging.New()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Dispatcher{
		config:      config,
		logger:      config.Logger.WithComponent("dispatch"),
		queues:      make(map[string]*providerQueue),
		entries:     make(map[string]*entry),
		outstanding: make(map[string]int),
		byAgent:     make(map[string]string),
		wake:        make(chan struct{}, 1),
	}, nil
}

// Start launches the match loop and its wake sources: registry events
// for agents going idle, capacity updates for provider slots freeing,
// and the retry-due timer inside the loop itself.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	d.mu.Unlock()

	regCh, err := d.config.Registry.Watch()
	if err != nil {
		d.fail()
		return err
	}

	capSub, err := admission.WatchCapacity(d.config.Bus, func(u *admission.CapacityUpdate) {
		switch u.Event {
		case admission.EventReleased, admission.EventResumed, admission.EventLimitChanged:
			d.signal()
		}
	})
	if err != nil {
		d.fail()
		return err
	}
	d.capSub = capSub

	d.wg.Add(2)
	go d.loop()
	go d.watchRegistry(regCh)

	d.logger.Info("dispatcher started", map[string]interface{}{
		"queue_bound": d.config.QueueBound,
	})
	return nil
}

func (d *Dispatcher) fail() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.cancel()
}

// Stop halts the match loop. Queued tasks stay in the task manager;
// recovery reseeds them on the next start.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.running = false
	d.mu.Unlock()

	d.cancel()
	if d.capSub != nil {
		d.capSub.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit creates a task and enqueues it for dispatch. Submissions
// beyond the queue bound fail with QUEUE_FULL and leave no task record
// behind. Resubmitting an idempotency key returns the existing task ID
// without queueing a duplicate.
func (d *Dispatcher) Submit(ctx context.Context, task tasks.Task) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return "", ErrNotRunning
	}
	if d.waiting >= d.config.QueueBound {
		return "", errors.QueueFull(d.waiting, d.config.QueueBound)
	}

	id, err := d.config.Manager.Submit(ctx, task)
	if err != nil {
		return "", err
	}
	if _, dup := d.entries[id]; dup {
		return id, nil
	}
	rec, err := d.config.Manager.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.Status != tasks.StatusPending {
		// Idempotency hit on a task already past the queue.
		return id, nil
	}

	d.seq++
	d.enqueueLocked(&entry{
		taskID:   id,
		provider: rec.Provider,
		priority: rec.Priority,
		seq:      d.seq,
	})
	d.logger.TaskSubmitted(id, rec.Provider, rec.Operation, rec.Priority)
	d.signal()
	return id, nil
}

// Requeue re-enters a retrying task into the queue, gated by its
// backoff deadline. Pending tasks are accepted too, so recovery can
// reseed the queue from the ledger. Requeues bypass the queue bound.
func (d *Dispatcher) Requeue(ctx context.Context, taskID string, notBefore time.Time) error {
	rec, err := d.config.Manager.Get(ctx, taskID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return ErrNotRunning
	}
	if rec.Status != tasks.StatusRetrying && rec.Status != tasks.StatusPending {
		return ErrNotQueueable
	}
	if _, dup := d.entries[taskID]; dup {
		return nil
	}

	d.seq++
	d.enqueueLocked(&entry{
		taskID:    taskID,
		provider:  rec.Provider,
		priority:  rec.Priority,
		seq:       d.seq,
		notBefore: notBefore,
		retry:     true,
		delayed:   notBefore.After(time.Now()),
	})
	d.signal()
	return nil
}

// Remove takes a queued task out of the queue. Returns false if the
// task was not queued.
func (d *Dispatcher) Remove(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(taskID)
}

func (d *Dispatcher) removeLocked(taskID string) bool {
	e, ok := d.entries[taskID]
	if !ok {
		return false
	}
	e.removed = true
	delete(d.entries, taskID)
	d.waiting--
	if e.delayed {
		d.delayedCount--
	} else if q := d.queues[e.provider]; q != nil {
		q.live--
	}
	return true
}

// Cancel requests cancellation of a task. A queued task is removed and
// finalized without any provider contact; a dispatched or running task
// gets the cooperative flag and its in-flight call interrupted. The
// returned record reflects the state after the request.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (*tasks.Task, error) {
	rec, err := d.config.Manager.RequestCancel(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case tasks.StatusCancelled:
		d.Remove(taskID)
	case tasks.StatusDispatched, tasks.StatusRunning:
		d.config.Pool.Interrupt(taskID)
	}
	return rec, nil
}

// Stats returns a snapshot of queue occupancy.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	outstanding := make(map[string]int, len(d.outstanding))
	for name, n := range d.outstanding {
		outstanding[name] = n
	}
	return Stats{
		Queued:      d.waiting,
		Delayed:     d.delayedCount,
		Outstanding: outstanding,
		Bound:       d.config.QueueBound,
	}
}

// signal wakes the match loop. Signals coalesce; one wake drains all
// pending work.
func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// enqueueLocked files an entry into the delayed heap or its provider's
// ready queue. Caller holds d.mu.
func (d *Dispatcher) enqueueLocked(e *entry) {
	if e.delayed {
		heap.Push(&d.delayed, e)
		d.delayedCount++
	} else {
		d.readyQueueLocked(e.provider).push(e)
	}
	d.entries[e.taskID] = e
	d.waiting++
}

// readyQueueLocked returns the provider's ready queue, creating it and
// adding the provider to the fairness ring on first use.
func (d *Dispatcher) readyQueueLocked(provider string) *providerQueue {
	q := d.queues[provider]
	if q == nil {
		q = &providerQueue{}
		d.queues[provider] = q
		d.ring = append(d.ring, provider)
	}
	return q
}

// loop is the continuous match loop. It blocks until something that
// could enable a dispatch happens: a submission or requeue, an agent
// going idle, a provider slot freeing, or a retry backoff expiring.
func (d *Dispatcher) loop() {
	defer d.wg.Done()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		d.mu.Lock()
		d.promoteDueLocked(time.Now())
		d.matchLocked()
		next := d.nextDueLocked()
		d.mu.Unlock()

		var timerC <-chan time.Time
		if !next.IsZero() {
			wait := time.Until(next)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		case <-timerC:
			timerC = nil
		}

		if timerC != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// watchRegistry consumes slot events. An agent leaving its dispatch
// (idle again, or dead) frees its provider's outstanding slot; idle
// slots additionally wake the match loop.
func (d *Dispatcher) watchRegistry(events <-chan registry.Event) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.onSlotEvent(ev)
		}
	}
}

func (d *Dispatcher) onSlotEvent(ev registry.Event) {
	status := ev.Agent.Status
	freed := status == registry.StatusIdle || status == registry.StatusDead ||
		ev.Type == registry.EventRemoved
	if !freed {
		return
	}

	d.mu.Lock()
	if provider, ok := d.byAgent[ev.Agent.ID]; ok {
		d.outstanding[provider]--
		if d.outstanding[provider] <= 0 {
			delete(d.outstanding, provider)
		}
		delete(d.byAgent, ev.Agent.ID)
	}
	d.mu.Unlock()

	d.signal()
}

// promoteDueLocked moves retrying entries whose backoff expired into
// their ready queues. Caller holds d.mu.
func (d *Dispatcher) promoteDueLocked(now time.Time) {
	for d.delayed.Len() > 0 {
		top := d.delayed[0]
		if top.removed {
			heap.Pop(&d.delayed)
			continue
		}
		if top.notBefore.After(now) {
			return
		}
		heap.Pop(&d.delayed)
		d.delayedCount--
		top.delayed = false
		d.readyQueueLocked(top.provider).push(top)
	}
}

// nextDueLocked returns the earliest backoff deadline still pending,
// or the zero time if none. Caller holds d.mu.
func (d *Dispatcher) nextDueLocked() time.Time {
	for d.delayed.Len() > 0 {
		top := d.delayed[0]
		if top.removed {
			heap.Pop(&d.delayed)
			continue
		}
		return top.notBefore
	}
	return time.Time{}
}

// matchLocked dispatches every (task, agent, slot) triple it can form.
// Providers are served round-robin: after each dispatch the scan
// restarts from the provider after the one just served. Caller holds
// d.mu.
func (d *Dispatcher) matchLocked() {
	idle, err := d.config.Registry.Idle()
	if err != nil || len(idle) == 0 {
		return
	}

	cursor := 0
	for cursor < len(idle) {
		dispatched := false
		for i := 0; i < len(d.ring); i++ {
			idx := (d.ringPos + i) % len(d.ring)
			name := d.ring[idx]
			q := d.queues[name]
			if q == nil || q.live == 0 {
				continue
			}
			if d.freeSlotsLocked(name) <= 0 {
				continue
			}
			ok, agentsLeft := d.dispatchFrom(name, q, idle, &cursor)
			if ok {
				d.ringPos = (idx + 1) % len(d.ring)
				dispatched = true
				break
			}
			if !agentsLeft {
				return
			}
		}
		if !dispatched {
			return
		}
	}
}

// freeSlotsLocked computes how many more tasks the provider can take:
// its configured limit minus work already dispatched against it. A
// suspended or unregistered provider has no free slots.
func (d *Dispatcher) freeSlotsLocked(provider string) int {
	snap := d.config.Gate.Snapshot(provider)
	if snap == nil || snap.Suspended {
		return 0
	}
	inUse := d.outstanding[provider]
	if snap.InFlight > inUse {
		inUse = snap.InFlight
	}
	return snap.Limit - inUse
}

// dispatchFrom starts at most one task from the provider's queue.
// Returns whether a task was dispatched and whether idle agents
// remain. Caller holds d.mu.
func (d *Dispatcher) dispatchFrom(provider string, q *providerQueue, idle []registry.AgentInfo, cursor *int) (bool, bool) {
	for q.live > 0 {
		e := q.pop()
		if e == nil {
			return false, true
		}

		agentID := ""
		for *cursor < len(idle) {
			candidate := idle[*cursor]
			*cursor++
			if err := d.config.Registry.SetBusy(candidate.ID, e.taskID); err == nil {
				agentID = candidate.ID
				break
			}
		}
		if agentID == "" {
			// No claimable agent; keep the entry's queue position.
			q.push(e)
			return false, false
		}

		ctx := d.ctx
		if err := d.config.Manager.MarkDispatched(ctx, e.taskID, agentID); err != nil {
			// The task left the lifecycle while queued, most often a
			// cancellation that raced the match loop.
			d.config.Registry.SetIdle(agentID)
			delete(d.entries, e.taskID)
			d.waiting--
			continue
		}

		snapshot, err := d.config.Manager.Get(ctx, e.taskID)
		if err == nil {
			tr := telemetry.GetTracer()
			_, span := tr.StartDispatchSpan(ctx, provider, snapshot.Operation)
			err = d.config.Pool.Assign(agentID, snapshot)
			tr.EndDispatchSpan(span, telemetry.DispatchSpanOptions{
				TaskID:   e.taskID,
				AgentID:  agentID,
				Priority: snapshot.Priority,
				Queued:   time.Since(snapshot.CreatedAt),
			}, err)
		}
		if err != nil {
			// The slot refused the hand-off. Put the task back into
			// rotation rather than losing it.
			d.config.Registry.SetIdle(agentID)
			d.logger.Warn("assignment refused", map[string]interface{}{
				"task_id":  e.taskID,
				"agent_id": agentID,
				"error":    err.Error(),
			})
			if merr := d.config.Manager.MarkRetrying(ctx, e.taskID, "assignment failed: "+err.Error(),
				string(errors.ErrCodeInternal), time.Time{}); merr != nil {
				// No attempts left to roll back into; the task must
				// still end terminal.
				d.config.Manager.Fail(ctx, e.taskID, "assignment failed: "+err.Error(),
					string(errors.ErrCodeMaxRetriesExceeded))
				delete(d.entries, e.taskID)
				d.waiting--
				continue
			}
			d.seq++
			e.seq = d.seq
			q.push(e)
			continue
		}

		delete(d.entries, e.taskID)
		d.waiting--
		d.outstanding[provider]++
		d.byAgent[agentID] = provider
		d.logger.TaskDispatched(e.taskID, agentID)
		return true, *cursor < len(idle)
	}
	return false, true
}

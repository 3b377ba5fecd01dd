package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/GlacierEQ/God-Mind/admission"
	"github.com/GlacierEQ/God-Mind/bus"
	"github.com/GlacierEQ/God-Mind/errors"
	"github.com/GlacierEQ/God-Mind/logging"
	"github.com/GlacierEQ/God-Mind/registry"
	"github.com/GlacierEQ/God-Mind/state"
	"github.com/GlacierEQ/God-Mind/tasks"
)

// --- Test Doubles ---

type poolAssign struct {
	agentID string
	task    *tasks.Task
}

// fakePool records assignments and interrupts. Refusals can be
// scripted for the rollback path.
type fakePool struct {
	mu          sync.Mutex
	refusals    int
	interrupted []string
	ch          chan poolAssign
}

func newFakePool() *fakePool {
	return &fakePool{ch: make(chan poolAssign, 256)}
}

func (f *fakePool) refuse(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refusals = n
}

func (f *fakePool) Assign(agentID string, task *tasks.Task) error {
	f.mu.Lock()
	if f.refusals > 0 {
		f.refusals--
		f.mu.Unlock()
		return stderrors.New("assignment refused")
	}
	f.mu.Unlock()
	f.ch <- poolAssign{agentID: agentID, task: task}
	return nil
}

func (f *fakePool) Interrupt(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = append(f.interrupted, taskID)
	return true
}

func (f *fakePool) interrupts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.interrupted))
	copy(out, f.interrupted)
	return out
}

func (f *fakePool) await(t *testing.T, timeout time.Duration) poolAssign {
	t.Helper()
	select {
	case a := <-f.ch:
		return a
	case <-time.After(timeout):
		t.Fatal("timed out waiting for an assignment")
		return poolAssign{}
	}
}

func (f *fakePool) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case a := <-f.ch:
		t.Fatalf("unexpected assignment: task=%s agent=%s", a.task.ID, a.agentID)
	case <-time.After(wait):
	}
}

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(io.Discard)
	return l
}

// --- Harness ---

type dispatchHarness struct {
	d       *Dispatcher
	gate    admission.Gate
	manager tasks.TaskManager
	reg     registry.Registry
	pool    *fakePool
}

func newDispatchHarness(t *testing.T, bound int) *dispatchHarness {
	t.Helper()

	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	gate, err := admission.NewAnnouncingGate(admission.NewMemoryGate(), admission.AnnounceConfig{
		Bus:    msgBus,
		Source: "test",
	})
	if err != nil {
		t.Fatalf("NewAnnouncingGate() error = %v", err)
	}
	reg := registry.NewMemoryRegistry()
	manager := tasks.NewManager(state.NewMemoryStore())
	pool := newFakePool()

	d, err := New(Config{
		QueueBound: bound,
		Gate:       gate,
		Bus:        msgBus,
		Registry:   reg,
		Manager:    manager,
		Pool:       pool,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
		manager.Close()
		reg.Close()
		gate.Close()
		msgBus.Close()
	})

	return &dispatchHarness{d: d, gate: gate, manager: manager, reg: reg, pool: pool}
}

// addAgents registers n idle slots.
func (h *dispatchHarness) addAgents(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := h.reg.Register(registry.AgentInfo{
			ID:     fmt.Sprintf("agent-%03d", i),
			Shard:  "sup-0",
			Status: registry.StatusIdle,
		})
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
}

// submit files a task through the dispatcher.
func (h *dispatchHarness) submit(t *testing.T, provider string, priority int) string {
	t.Helper()
	id, err := h.d.Submit(context.Background(), tasks.Task{
		Provider:  provider,
		Operation: "run",
		Args:      []byte(`{}`),
		Priority:  priority,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return id
}

// finish simulates an agent completing its work and going idle.
func (h *dispatchHarness) finish(t *testing.T, agentID string) {
	t.Helper()
	if err := h.reg.SetIdle(agentID); err != nil {
		t.Fatalf("SetIdle() error = %v", err)
	}
}

// --- Dispatcher Tests ---

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() with empty config succeeded, want error")
	}
}

func TestDispatcher_DispatchesWhenCapacityAndAgentExist(t *testing.T) {
	h := newDispatchHarness(t, 100)
	h.gate.SetLimit("github", 5)
	h.addAgents(t, 1)

	id := h.submit(t, "github", 0)

	got := h.pool.await(t, time.Second)
	if got.task.ID != id {
		t.Errorf("task = %s, want %s", got.task.ID, id)
	}
	if got.agentID != "agent-000" {
		t.Errorf("agent = %s, want agent-000", got.agentID)
	}
	if got.task.Status != tasks.StatusDispatched {
		t.Errorf("Status = %s, want %s", got.task.Status, tasks.StatusDispatched)
	}
	if got.task.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.task.Attempts)
	}

	info, err := h.reg.Get("agent-000")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if info.Status != registry.StatusBusy || info.TaskID != id {
		t.Errorf("slot = %s/%s, want busy/%s", info.Status, info.TaskID, id)
	}
}

// staleIdleRegistry serves an idle snapshot that still lists a slot
// whose real status has moved on. It reproduces the window between the
// match loop's idle query and its claim.
type staleIdleRegistry struct {
	registry.Registry
	stale registry.AgentInfo
}

func (r *staleIdleRegistry) Idle() ([]registry.AgentInfo, error) {
	idle, err := r.Registry.Idle()
	if err != nil {
		return nil, err
	}
	return append([]registry.AgentInfo{r.stale}, idle...), nil
}

func TestDispatcher_UnclaimableCandidateSkipped(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	gate, err := admission.NewAnnouncingGate(admission.NewMemoryGate(), admission.AnnounceConfig{
		Bus:    msgBus,
		Source: "test",
	})
	if err != nil {
		t.Fatalf("NewAnnouncingGate() error = %v", err)
	}
	inner := registry.NewMemoryRegistry()
	manager := tasks.NewManager(state.NewMemoryStore())
	pool := newFakePool()

	// agent-000 is dead but still shows up in the idle snapshot.
	for _, info := range []registry.AgentInfo{
		{ID: "agent-000", Shard: "sup-0", Status: registry.StatusIdle},
		{ID: "agent-001", Shard: "sup-0", Status: registry.StatusIdle},
	} {
		if err := inner.Register(info); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	if err := inner.MarkDead("agent-000"); err != nil {
		t.Fatalf("MarkDead() error = %v", err)
	}
	dead, _ := inner.Get("agent-000")

	d, err := New(Config{
		QueueBound: 100,
		Gate:       gate,
		Bus:        msgBus,
		Registry:   &staleIdleRegistry{Registry: inner, stale: *dead},
		Manager:    manager,
		Pool:       pool,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
		manager.Close()
		inner.Close()
		gate.Close()
		msgBus.Close()
	})

	gate.SetLimit("github", 5)
	id, err := d.Submit(context.Background(), tasks.Task{
		Provider:  "github",
		Operation: "run",
		Args:      []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// The dead slot can't be claimed; the task lands on the live one.
	got := pool.await(t, time.Second)
	if got.task.ID != id {
		t.Errorf("task = %s, want %s", got.task.ID, id)
	}
	if got.agentID != "agent-001" {
		t.Errorf("agent = %s, want agent-001", got.agentID)
	}

	info, _ := inner.Get("agent-000")
	if info.Status != registry.StatusDead || info.TaskID != "" {
		t.Errorf("dead slot = %s/%q, want dead with no binding", info.Status, info.TaskID)
	}
}

func TestDispatcher_PriorityOrderWithFIFOTieBreak(t *testing.T) {
	h := newDispatchHarness(t, 100)

	// No capacity yet: the queue fills in a known order.
	low := h.submit(t, "github", 1)
	highFirst := h.submit(t, "github", 9)
	highSecond := h.submit(t, "github", 9)
	mid := h.submit(t, "github", 5)

	h.gate.SetLimit("github", 1)
	h.addAgents(t, 1)

	want := []string{highFirst, highSecond, mid, low}
	for i, wantID := range want {
		got := h.pool.await(t, time.Second)
		if got.task.ID != wantID {
			t.Fatalf("dispatch %d = %s, want %s", i, got.task.ID, wantID)
		}
		h.finish(t, got.agentID)
	}
}

func TestDispatcher_RoundRobinAcrossProviders(t *testing.T) {
	h := newDispatchHarness(t, 100)

	for i := 0; i < 3; i++ {
		h.submit(t, "alpha", 0)
		h.submit(t, "beta", 0)
	}

	h.gate.SetLimit("alpha", 10)
	h.gate.SetLimit("beta", 10)
	h.addAgents(t, 6)

	var order []string
	for i := 0; i < 6; i++ {
		got := h.pool.await(t, time.Second)
		order = append(order, got.task.Provider)
	}

	// Strict alternation: alpha cannot drain fully before beta is
	// served, whichever provider goes first.
	for i := 1; i < len(order); i++ {
		if order[i] == order[i-1] {
			t.Fatalf("order = %v: providers must interleave", order)
		}
	}
}

func TestDispatcher_ProviderLimitCapsOutstanding(t *testing.T) {
	h := newDispatchHarness(t, 100)
	h.gate.SetLimit("github", 2)
	h.addAgents(t, 5)

	for i := 0; i < 5; i++ {
		h.submit(t, "github", 0)
	}

	first := h.pool.await(t, time.Second)
	h.pool.await(t, time.Second)

	// Two dispatched, limit reached: the third waits for a free slot.
	h.pool.expectNone(t, 150*time.Millisecond)

	h.finish(t, first.agentID)
	h.pool.await(t, time.Second)

	// Back at the limit.
	h.pool.expectNone(t, 150*time.Millisecond)
}

func TestDispatcher_QueueBoundBackpressure(t *testing.T) {
	h := newDispatchHarness(t, 100)

	// No capacity anywhere: nothing drains while submissions pour in.
	var accepted, rejected int
	for i := 0; i < 150; i++ {
		_, err := h.d.Submit(context.Background(), tasks.Task{
			Provider:  "github",
			Operation: "run",
		})
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, errors.ErrCodeQueueFull):
			rejected++
		default:
			t.Fatalf("Submit() error = %v, want QUEUE_FULL", err)
		}
	}

	if accepted != 100 {
		t.Errorf("accepted = %d, want 100", accepted)
	}
	if rejected != 50 {
		t.Errorf("rejected = %d, want 50", rejected)
	}

	stats := h.d.Stats()
	if stats.Queued != 100 {
		t.Errorf("Queued = %d, want 100", stats.Queued)
	}

	// Rejected submissions left no task record behind.
	all, err := h.manager.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 100 {
		t.Errorf("task records = %d, want 100", len(all))
	}
}

func TestDispatcher_QueueFullNotRetryable(t *testing.T) {
	h := newDispatchHarness(t, 1)
	h.submit(t, "github", 0)

	_, err := h.d.Submit(context.Background(), tasks.Task{Provider: "github", Operation: "run"})
	if !errors.Is(err, errors.ErrCodeQueueFull) {
		t.Fatalf("Submit() error = %v, want QUEUE_FULL", err)
	}
	if errors.IsRetryable(err) {
		t.Error("QUEUE_FULL reported retryable; backpressure is the caller's problem")
	}
}

func TestDispatcher_RequeueBypassesBound(t *testing.T) {
	h := newDispatchHarness(t, 1)
	h.submit(t, "github", 0)

	// A retry re-enters even with the queue at its bound.
	id, err := h.manager.Submit(context.Background(), tasks.Task{
		Provider:  "github",
		Operation: "run",
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := h.d.Requeue(context.Background(), id, time.Time{}); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}

	stats := h.d.Stats()
	if stats.Queued != 2 {
		t.Errorf("Queued = %d, want 2: the retry bypasses the bound", stats.Queued)
	}

	// A fresh submission still sees a full queue.
	if _, err := h.d.Submit(context.Background(), tasks.Task{Provider: "github", Operation: "run"}); !errors.Is(err, errors.ErrCodeQueueFull) {
		t.Errorf("Submit() error = %v, want QUEUE_FULL", err)
	}
}

func TestDispatcher_RequeueRejectsNonQueueable(t *testing.T) {
	h := newDispatchHarness(t, 100)
	h.gate.SetLimit("github", 1)
	h.addAgents(t, 1)

	id := h.submit(t, "github", 0)
	h.pool.await(t, time.Second)

	// Dispatched tasks are not queueable again.
	if err := h.d.Requeue(context.Background(), id, time.Time{}); err != ErrNotQueueable {
		t.Errorf("Requeue() error = %v, want ErrNotQueueable", err)
	}
}

func TestDispatcher_RetryBackoffDelaysRedispatch(t *testing.T) {
	h := newDispatchHarness(t, 100)
	h.gate.SetLimit("github", 1)
	h.addAgents(t, 1)

	id := h.submit(t, "github", 0)
	first := h.pool.await(t, time.Second)
	if first.task.ID != id {
		t.Fatalf("task = %s, want %s", first.task.ID, id)
	}

	// The attempt fails retryably; the agent frees up.
	ctx := context.Background()
	if err := h.manager.MarkRetrying(ctx, id, "provider unavailable", "PROVIDER_UNAVAILABLE", time.Time{}); err != nil {
		t.Fatalf("MarkRetrying() error = %v", err)
	}
	h.finish(t, first.agentID)

	notBefore := time.Now().Add(120 * time.Millisecond)
	if err := h.d.Requeue(ctx, id, notBefore); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}

	// Still inside the backoff window.
	h.pool.expectNone(t, 60*time.Millisecond)

	second := h.pool.await(t, time.Second)
	if second.task.ID != id {
		t.Errorf("task = %s, want %s", second.task.ID, id)
	}
	if second.task.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", second.task.Attempts)
	}
	if time.Now().Before(notBefore) {
		t.Error("redispatch happened before the backoff deadline")
	}
}

func TestDispatcher_WakesOnLimitChange(t *testing.T) {
	h := newDispatchHarness(t, 100)
	h.addAgents(t, 1)

	id := h.submit(t, "github", 0)

	// Unknown provider: no slots, the task waits.
	h.pool.expectNone(t, 100*time.Millisecond)

	h.gate.SetLimit("github", 1)
	got := h.pool.await(t, time.Second)
	if got.task.ID != id {
		t.Errorf("task = %s, want %s", got.task.ID, id)
	}
}

func TestDispatcher_SuspendedProviderGetsNothing(t *testing.T) {
	h := newDispatchHarness(t, 100)
	h.gate.SetLimit("github", 5)
	h.gate.Suspend("github")
	h.addAgents(t, 1)

	h.submit(t, "github", 0)
	h.pool.expectNone(t, 100*time.Millisecond)

	// Reconnection resumes the gate; the queued task flows.
	h.gate.Resume("github")
	h.pool.await(t, time.Second)
}

func TestDispatcher_IdempotentSubmitQueuesOnce(t *testing.T) {
	h := newDispatchHarness(t, 100)

	spec := tasks.Task{
		Provider:       "github",
		Operation:      "run",
		IdempotencyKey: "once",
	}
	first, err := h.d.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	second, err := h.d.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("resubmit error = %v", err)
	}
	if first != second {
		t.Errorf("ids differ: %s vs %s", first, second)
	}
	if stats := h.d.Stats(); stats.Queued != 1 {
		t.Errorf("Queued = %d, want 1", stats.Queued)
	}
}

func TestDispatcher_CancelQueuedRemovesWithoutDispatch(t *testing.T) {
	h := newDispatchHarness(t, 100)

	id := h.submit(t, "github", 0)

	rec, err := h.d.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if rec.Status != tasks.StatusCancelled {
		t.Errorf("Status = %s, want %s", rec.Status, tasks.StatusCancelled)
	}
	if stats := h.d.Stats(); stats.Queued != 0 {
		t.Errorf("Queued = %d, want 0", stats.Queued)
	}

	// Capacity appears later: the cancelled task must not dispatch.
	h.gate.SetLimit("github", 5)
	h.addAgents(t, 1)
	h.pool.expectNone(t, 150*time.Millisecond)
}

func TestDispatcher_CancelRunningInterrupts(t *testing.T) {
	h := newDispatchHarness(t, 100)
	h.gate.SetLimit("github", 1)
	h.addAgents(t, 1)

	id := h.submit(t, "github", 0)
	got := h.pool.await(t, time.Second)

	ctx := context.Background()
	if err := h.manager.MarkRunning(ctx, id, got.agentID); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}

	rec, err := h.d.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if rec.Status != tasks.StatusRunning {
		t.Errorf("Status = %s, want %s (cooperative)", rec.Status, tasks.StatusRunning)
	}
	if !rec.CancelRequested {
		t.Error("CancelRequested = false, want true")
	}

	interrupts := h.pool.interrupts()
	if len(interrupts) != 1 || interrupts[0] != id {
		t.Errorf("interrupts = %v, want [%s]", interrupts, id)
	}
}

func TestDispatcher_AssignmentRefusedRollsBack(t *testing.T) {
	h := newDispatchHarness(t, 100)
	h.pool.refuse(1)

	h.gate.SetLimit("github", 1)
	h.addAgents(t, 1)

	id := h.submit(t, "github", 0)

	// The refused hand-off rolls the task back and retries it on the
	// next wake; the second attempt lands.
	got := h.pool.await(t, time.Second)
	if got.task.ID != id {
		t.Errorf("task = %s, want %s", got.task.ID, id)
	}
	if got.task.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.task.Attempts)
	}
}

func TestDispatcher_SubmitAfterStop(t *testing.T) {
	h := newDispatchHarness(t, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.d.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if _, err := h.d.Submit(context.Background(), tasks.Task{Provider: "p", Operation: "o"}); err != ErrNotRunning {
		t.Errorf("Submit() error = %v, want ErrNotRunning", err)
	}
	if err := h.d.Stop(ctx); err != ErrNotRunning {
		t.Errorf("second Stop() error = %v, want ErrNotRunning", err)
	}
}

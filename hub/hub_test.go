package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GlacierEQ/God-Mind/admission"
	"github.com/GlacierEQ/God-Mind/errors"
)

func newTestHub(t *testing.T) (*Hub, admission.Gate) {
	t.Helper()
	gate := admission.NewMemoryGate()
	config := DefaultConfig(gate)
	config.ReconnectBase = 10 * time.Millisecond
	config.ReconnectMax = 50 * time.Millisecond
	h, err := New(config)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() {
		h.Close()
		gate.Close()
	})
	return h, gate
}

func echoProvider(name string, capabilities ...string) *FuncProvider {
	p := NewFuncProvider(name, capabilities...)
	p.Handle("echo", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	})
	return p
}

// reconnectingProvider simulates a provider whose connection can be
// restored after a configurable number of attempts.
type reconnectingProvider struct {
	*FuncProvider

	mu           sync.Mutex
	down         bool
	failAttempts int
	attempts     int
}

func (p *reconnectingProvider) Invoke(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	down := p.down
	p.mu.Unlock()
	if down {
		return nil, errors.ProviderUnavailable(p.Name())
	}
	return p.FuncProvider.Invoke(ctx, operation, args)
}

func (p *reconnectingProvider) Reconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.attempts <= p.failAttempts {
		return errors.ProviderUnavailable(p.Name())
	}
	p.down = false
	return nil
}

func (p *reconnectingProvider) disconnect() {
	p.mu.Lock()
	p.down = true
	p.mu.Unlock()
}

// --- Registration Tests ---

func TestHub_Register(t *testing.T) {
	h, _ := newTestHub(t)

	if err := h.Register(context.Background(), echoProvider("github", "search"), 5); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	state, ok := h.State("github")
	if !ok || state != StateConnected {
		t.Errorf("State = %v, %v; want connected, true", state, ok)
	}
	if got := h.FreeSlots("github"); got != 5 {
		t.Errorf("FreeSlots = %d, want 5", got)
	}
}

func TestHub_RegisterUnhealthy(t *testing.T) {
	h, _ := newTestHub(t)

	p := echoProvider("github")
	p.SetHealthErr(errors.ProviderUnavailable("github"))

	err := h.Register(context.Background(), p, 5)
	if !errors.Is(err, errors.ErrCodeProviderUnavailable) {
		t.Errorf("expected PROVIDER_UNAVAILABLE, got %v", err)
	}
	if _, ok := h.Get("github"); ok {
		t.Error("unhealthy provider should not be registered")
	}
}

func TestHub_RegisterDuplicate(t *testing.T) {
	h, _ := newTestHub(t)

	h.Register(context.Background(), echoProvider("github"), 5)
	err := h.Register(context.Background(), echoProvider("github"), 5)
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestHub_RegisterDefaultLimit(t *testing.T) {
	h, _ := newTestHub(t)

	h.Register(context.Background(), echoProvider("github"), 0)
	if got := h.FreeSlots("github"); got != 10 {
		t.Errorf("FreeSlots = %d, want default 10", got)
	}
}

func TestHub_Deregister(t *testing.T) {
	h, _ := newTestHub(t)

	h.Register(context.Background(), echoProvider("github"), 5)
	if err := h.Deregister("github"); err != nil {
		t.Fatalf("Deregister error: %v", err)
	}

	_, err := h.Invoke(context.Background(), "github", "echo", nil)
	if !errors.Is(err, errors.ErrCodeProviderNotFound) {
		t.Errorf("expected PROVIDER_NOT_FOUND, got %v", err)
	}

	err = h.Deregister("github")
	if !errors.Is(err, errors.ErrCodeProviderNotFound) {
		t.Errorf("second deregister: expected PROVIDER_NOT_FOUND, got %v", err)
	}
}

// --- Invocation Tests ---

func TestHub_Invoke(t *testing.T) {
	h, _ := newTestHub(t)

	h.Register(context.Background(), echoProvider("github"), 5)

	args := json.RawMessage(`{"query":"orchestrator"}`)
	result, err := h.Invoke(context.Background(), "github", "echo", args)
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if string(result) != string(args) {
		t.Errorf("result = %s, want %s", result, args)
	}
}

func TestHub_InvokeUnknownProvider(t *testing.T) {
	h, _ := newTestHub(t)

	_, err := h.Invoke(context.Background(), "ghost", "echo", nil)
	if !errors.Is(err, errors.ErrCodeProviderNotFound) {
		t.Errorf("expected PROVIDER_NOT_FOUND, got %v", err)
	}
}

func TestHub_InvokeAdmittedHook(t *testing.T) {
	h, _ := newTestHub(t)

	inFlightAtAdmission := -1
	p := NewFuncProvider("github")
	p.Handle("echo", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	})
	h.Register(context.Background(), p, 5)

	_, err := h.InvokeAdmitted(context.Background(), "github", "echo", nil, func() {
		inFlightAtAdmission = h.InFlight("github")
	})
	if err != nil {
		t.Fatalf("InvokeAdmitted error: %v", err)
	}

	// The hook runs while the invocation holds its slot.
	if inFlightAtAdmission != 1 {
		t.Errorf("in-flight at admission = %d, want 1", inFlightAtAdmission)
	}
	if got := h.InFlight("github"); got != 0 {
		t.Errorf("in-flight after return = %d, want 0", got)
	}
}

func TestHub_InvokeAdmittedHookSkippedOnRejection(t *testing.T) {
	h, _ := newTestHub(t)

	called := false
	_, err := h.InvokeAdmitted(context.Background(), "ghost", "echo", nil, func() {
		called = true
	})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if called {
		t.Error("admission hook must not run when the invocation is rejected")
	}
}

func TestHub_Limit(t *testing.T) {
	h, _ := newTestHub(t)

	h.Register(context.Background(), echoProvider("github"), 7)

	if got := h.Limit("github"); got != 7 {
		t.Errorf("Limit(github) = %d, want 7", got)
	}
	if got := h.Limit("ghost"); got != 0 {
		t.Errorf("Limit(ghost) = %d, want 0", got)
	}
}

func TestHub_InvokeUnknownOperation(t *testing.T) {
	h, _ := newTestHub(t)

	h.Register(context.Background(), echoProvider("github"), 5)

	_, err := h.Invoke(context.Background(), "github", "nope", nil)
	if !errors.Is(err, errors.ErrCodeProtocolError) {
		t.Errorf("expected PROTOCOL_ERROR, got %v", err)
	}
	if errors.IsRetryable(err) {
		t.Error("unknown operation should not be retryable")
	}
}

func TestHub_InvokeUnstructuredError(t *testing.T) {
	h, _ := newTestHub(t)

	p := NewFuncProvider("github")
	p.Handle("boom", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, context.DeadlineExceeded
	})
	h.Register(context.Background(), p, 5)

	_, err := h.Invoke(context.Background(), "github", "boom", nil)
	if !errors.Is(err, errors.ErrCodeProviderTimeout) {
		t.Errorf("expected PROVIDER_TIMEOUT, got %v", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
}

func TestHub_InvokeTimeout(t *testing.T) {
	gate := admission.NewMemoryGate()
	config := DefaultConfig(gate)
	config.InvokeTimeout = 20 * time.Millisecond
	h, err := New(config)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer h.Close()
	defer gate.Close()

	p := NewFuncProvider("slow")
	p.Handle("sleep", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return json.RawMessage(`"done"`), nil
		}
	})
	h.Register(context.Background(), p, 5)

	_, err = h.Invoke(context.Background(), "slow", "sleep", nil)
	if !errors.Is(err, errors.ErrCodeProviderTimeout) {
		t.Errorf("expected PROVIDER_TIMEOUT, got %v", err)
	}
}

// --- Admission Tests ---

func TestHub_ConcurrencyLimit(t *testing.T) {
	h, _ := newTestHub(t)

	const limit = 3
	var running, peak atomic.Int64

	p := NewFuncProvider("github")
	p.Handle("work", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	})
	h.Register(context.Background(), p, limit)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Invoke(context.Background(), "github", "work", nil)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > limit {
		t.Errorf("peak concurrent invocations = %d, want <= %d", got, limit)
	}
	if got := running.Load(); got != 0 {
		t.Errorf("running = %d after drain, want 0", got)
	}
	if got := h.InFlight("github"); got != 0 {
		t.Errorf("InFlight = %d after drain, want 0", got)
	}
}

func TestHub_InvokeSuspendsOverLimit(t *testing.T) {
	h, _ := newTestHub(t)

	block := make(chan struct{})
	p := NewFuncProvider("github")
	p.Handle("hold", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		<-block
		return nil, nil
	})
	h.Register(context.Background(), p, 1)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.Invoke(context.Background(), "github", "hold", nil)
			done <- err
		}()
	}

	// Second invocation must be suspended, not failed.
	select {
	case err := <-done:
		t.Fatalf("invocation finished early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(block)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Errorf("invocation %d error: %v", i, err)
		}
	}
}

// --- Disconnect / Reconnect Tests ---

func TestHub_DisconnectTransitionsState(t *testing.T) {
	h, _ := newTestHub(t)

	p := &reconnectingProvider{FuncProvider: echoProvider("github"), failAttempts: 1000}
	h.Register(context.Background(), p, 5)
	p.disconnect()

	_, err := h.Invoke(context.Background(), "github", "echo", nil)
	if !errors.Is(err, errors.ErrCodeProviderUnavailable) {
		t.Fatalf("expected PROVIDER_UNAVAILABLE, got %v", err)
	}

	state, _ := h.State("github")
	if state != StateReconnecting {
		t.Errorf("State = %v, want reconnecting", state)
	}

	// While degraded, invocations fail fast rather than queue.
	_, err = h.Invoke(context.Background(), "github", "echo", nil)
	if !errors.Is(err, errors.ErrCodeProviderUnavailable) {
		t.Errorf("expected fail-fast PROVIDER_UNAVAILABLE, got %v", err)
	}
}

func TestHub_DisconnectWithoutReconnecter(t *testing.T) {
	h, _ := newTestHub(t)

	p := NewFuncProvider("github")
	p.Handle("fail", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, errors.ProviderUnavailable("github")
	})
	h.Register(context.Background(), p, 5)

	h.Invoke(context.Background(), "github", "fail", nil)

	state, _ := h.State("github")
	if state != StateDisconnected {
		t.Errorf("State = %v, want disconnected", state)
	}
}

func TestHub_ReconnectRestoresProvider(t *testing.T) {
	h, _ := newTestHub(t)

	p := &reconnectingProvider{FuncProvider: echoProvider("github"), failAttempts: 2}
	h.Register(context.Background(), p, 5)
	p.disconnect()

	h.Invoke(context.Background(), "github", "echo", nil)

	// Two attempts fail, the third succeeds.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if state, _ := h.State("github"); state == StateConnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("provider never reconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := h.Invoke(context.Background(), "github", "echo", nil); err != nil {
		t.Errorf("Invoke after reconnect: %v", err)
	}
	if got := h.InFlight("github"); got != 0 {
		t.Errorf("InFlight = %d after reconnect, want 0", got)
	}
}

func TestHub_MarkDisconnected(t *testing.T) {
	h, _ := newTestHub(t)

	h.Register(context.Background(), echoProvider("github"), 5)
	h.MarkDisconnected("github", errors.ProviderUnavailable("github"))

	state, _ := h.State("github")
	if state != StateDisconnected {
		t.Errorf("State = %v, want disconnected", state)
	}

	// Idempotent on an already-degraded provider
	h.MarkDisconnected("github", errors.ProviderUnavailable("github"))
}

// --- Lookup Tests ---

func TestHub_FindByCapability(t *testing.T) {
	h, _ := newTestHub(t)

	h.Register(context.Background(), echoProvider("github", "code", "issues"), 5)
	h.Register(context.Background(), echoProvider("filesystem", "files"), 5)
	h.Register(context.Background(), echoProvider("memory", "code"), 5)

	got := h.FindByCapability("code")
	if len(got) != 2 || got[0] != "github" || got[1] != "memory" {
		t.Errorf("FindByCapability(code) = %v, want [github memory]", got)
	}

	if got := h.FindByCapability("video"); len(got) != 0 {
		t.Errorf("FindByCapability(video) = %v, want empty", got)
	}
}

func TestHub_FindByCapabilitySkipsDegraded(t *testing.T) {
	h, _ := newTestHub(t)

	h.Register(context.Background(), echoProvider("github", "code"), 5)
	h.MarkDisconnected("github", errors.ProviderUnavailable("github"))

	if got := h.FindByCapability("code"); len(got) != 0 {
		t.Errorf("FindByCapability = %v, want empty while degraded", got)
	}
}

// --- Status Tests ---

func TestHub_Status(t *testing.T) {
	h, _ := newTestHub(t)

	h.Register(context.Background(), echoProvider("github", "code"), 5)
	h.Register(context.Background(), echoProvider("filesystem"), 3)
	h.MarkDisconnected("filesystem", errors.ProviderUnavailable("filesystem"))

	status := h.Status()
	if len(status.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(status.Providers))
	}

	// Sorted by name: filesystem then github
	fs := status.Providers[0]
	if fs.Provider != "filesystem" || fs.State != StateDisconnected {
		t.Errorf("filesystem status = %+v", fs)
	}
	if fs.LastError == "" {
		t.Error("degraded provider should carry its last error")
	}

	gh := status.Providers[1]
	if gh.Provider != "github" || gh.State != StateConnected || gh.Limit != 5 {
		t.Errorf("github status = %+v", gh)
	}

	if len(status.Degraded) != 1 || status.Degraded[0] != "filesystem" {
		t.Errorf("Degraded = %v, want [filesystem]", status.Degraded)
	}
}

func TestHub_StatusTracksInFlight(t *testing.T) {
	h, _ := newTestHub(t)

	block := make(chan struct{})
	p := NewFuncProvider("github")
	p.Handle("hold", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		<-block
		return nil, nil
	})
	h.Register(context.Background(), p, 5)

	done := make(chan struct{})
	go func() {
		h.Invoke(context.Background(), "github", "hold", nil)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for h.InFlight("github") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("InFlight never reached 1")
		}
		time.Sleep(time.Millisecond)
	}
	if got := h.FreeSlots("github"); got != 4 {
		t.Errorf("FreeSlots = %d, want 4", got)
	}

	close(block)
	<-done
}

// --- Close Tests ---

func TestHub_Close(t *testing.T) {
	gate := admission.NewMemoryGate()
	defer gate.Close()
	h, err := New(DefaultConfig(gate))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	h.Register(context.Background(), echoProvider("github"), 5)

	if err := h.Close(); err != nil {
		t.Errorf("Close error: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}

	err = h.Register(context.Background(), echoProvider("openai"), 5)
	if err == nil {
		t.Error("Register after Close should fail")
	}
}

func TestHub_ConfigValidation(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Error("expected error for missing gate")
	}
}

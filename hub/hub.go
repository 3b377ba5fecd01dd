package hub

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/GlacierEQ/God-Mind/admission"
	"github.com/GlacierEQ/God-Mind/errors"
	"github.com/GlacierEQ/God-Mind/logging"
)

// ConnState is the connection state of a registered provider.
type ConnState string

const (
	// StateConnected means the provider is reachable and accepting invocations.
	StateConnected ConnState = "connected"

	// StateDisconnected means the provider is unreachable and cannot recover
	// on its own. Invocations fail fast until it is re-registered.
	StateDisconnected ConnState = "disconnected"

	// StateReconnecting means the provider is unreachable and a backoff loop
	// is trying to restore it. Invocations fail fast in the meantime.
	StateReconnecting ConnState = "reconnecting"
)

// Provider is the uniform contract every backend speaks, whether it is a
// subprocess, a remote API or an in-process function.
type Provider interface {
	// Name returns the provider's unique name.
	Name() string

	// Capabilities returns the capability strings this provider advertises.
	Capabilities() []string

	// Invoke executes one operation. Errors should be structured taxonomy
	// errors; anything else is treated as a protocol violation.
	Invoke(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error)

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the provider's resources.
	Close() error
}

// Reconnecter is implemented by providers that can restore a broken
// connection. The hub runs its backoff loop only for these; providers
// without it go straight to StateDisconnected on failure.
type Reconnecter interface {
	Reconnect(ctx context.Context) error
}

// ProviderStatus is a point-in-time snapshot of one registered provider.
type ProviderStatus struct {
	Provider     string    `json:"provider"`
	State        ConnState `json:"state"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Limit        int       `json:"limit"`
	InFlight     int       `json:"in_flight"`
	Free         int       `json:"free"`
	LastError    string    `json:"last_error,omitempty"`
	Since        time.Time `json:"since"`
}

// Status is a snapshot of the whole hub. Degraded names every provider that
// is not currently connected; a non-empty list means reduced capacity, not
// failure.
type Status struct {
	Providers []*ProviderStatus `json:"providers"`
	Degraded  []string          `json:"degraded,omitempty"`
}

// Config holds hub configuration.
type Config struct {
	// Gate is the admission gate enforcing per-provider concurrency limits.
	// Required.
	Gate admission.Gate

	// Logger for hub events. Defaults to a new logger.
	Logger *logging.Logger

	// DefaultLimit is used when Register is called with a non-positive limit.
	// Defaults to 10.
	DefaultLimit int

	// InvokeTimeout bounds each invocation. Zero disables the hub-level
	// timeout (the caller's context still applies).
	InvokeTimeout time.Duration

	// ReconnectBase is the first reconnect delay. Defaults to 500ms.
	ReconnectBase time.Duration

	// ReconnectMultiplier grows the delay between attempts. Defaults to 2.0.
	ReconnectMultiplier float64

	// ReconnectMax caps the reconnect delay. Defaults to 30s.
	ReconnectMax time.Duration
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Gate == nil {
		return stderrors.New("hub: Gate is required")
	}
	if c.ReconnectMultiplier < 0 {
		return stderrors.New("hub: ReconnectMultiplier must not be negative")
	}
	return nil
}

// DefaultConfig returns a Config with sensible defaults applied on top of
// the given gate.
func DefaultConfig(gate admission.Gate) Config {
	return Config{
		Gate:                gate,
		DefaultLimit:        10,
		InvokeTimeout:       30 * time.Second,
		ReconnectBase:       500 * time.Millisecond,
		ReconnectMultiplier: 2.0,
		ReconnectMax:        30 * time.Second,
	}
}

type providerEntry struct {
	provider Provider
	state    ConnState
	caps     []string
	limit    int
	lastErr  error
	since    time.Time

	cancelReconnect context.CancelFunc
}

// Hub routes invocations to registered providers through the admission gate
// and supervises their connection state.
type Hub struct {
	config Config

	mu        sync.RWMutex
	providers map[string]*providerEntry
	closed    bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Hub.
func New(config Config) (*Hub, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = logging.New()
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = 10
	}
	if config.ReconnectBase <= 0 {
		config.ReconnectBase = 500 * time.Millisecond
	}
	if config.ReconnectMultiplier == 0 {
		config.ReconnectMultiplier = 2.0
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		config:    config,
		providers: make(map[string]*providerEntry),
		baseCtx:   ctx,
		cancel:    cancel,
	}, nil
}

// Register adds a provider with the given concurrency limit. It performs a
// health check handshake first and fails with PROVIDER_UNAVAILABLE if the
// provider is unreachable. A non-positive limit uses the default.
func (h *Hub) Register(ctx context.Context, p Provider, limit int) error {
	if p == nil || p.Name() == "" {
		return errors.InvalidInput("provider must have a name")
	}
	name := p.Name()
	if limit <= 0 {
		limit = h.config.DefaultLimit
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.Internal("hub is closed")
	}
	if _, exists := h.providers[name]; exists {
		h.mu.Unlock()
		return errors.InvalidInput("provider already registered", errors.WithProvider(name))
	}
	h.mu.Unlock()

	// Handshake outside the lock; a slow provider must not stall the hub.
	if err := p.HealthCheck(ctx); err != nil {
		return errors.ProviderUnavailable(name, errors.WithCause(err))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.Internal("hub is closed")
	}
	if _, exists := h.providers[name]; exists {
		return errors.InvalidInput("provider already registered", errors.WithProvider(name))
	}

	h.config.Gate.SetLimit(name, limit)
	h.providers[name] = &providerEntry{
		provider: p,
		state:    StateConnected,
		caps:     append([]string(nil), p.Capabilities()...),
		limit:    limit,
		since:    time.Now(),
	}
	h.config.Logger.ProviderState(name, "", string(StateConnected))
	return nil
}

// Deregister removes a provider, stops any reconnect loop for it, wakes
// callers waiting on its gate and closes it.
func (h *Hub) Deregister(name string) error {
	h.mu.Lock()
	entry, ok := h.providers[name]
	if !ok {
		h.mu.Unlock()
		return errors.ProviderNotFound(name)
	}
	if entry.cancelReconnect != nil {
		entry.cancelReconnect()
		entry.cancelReconnect = nil
	}
	delete(h.providers, name)
	h.mu.Unlock()

	h.config.Gate.SetLimit(name, 0)
	return entry.provider.Close()
}

// Invoke executes one operation on a named provider. It acquires a gate
// slot first, so at most the provider's limit of invocations run at once;
// callers above the limit suspend until a slot frees. A provider that is
// suspended or unknown fails fast.
func (h *Hub) Invoke(ctx context.Context, provider, operation string, args json.RawMessage) (json.RawMessage, error) {
	return h.InvokeAdmitted(ctx, provider, operation, args, nil)
}

// InvokeAdmitted is Invoke with an admission hook: admitted runs after the
// invocation holds a gate slot and before the provider call starts. Callers
// tracking invocation state use it to flip a task to running at the exact
// moment the concurrency limit accounts for it.
func (h *Hub) InvokeAdmitted(ctx context.Context, provider, operation string, args json.RawMessage, admitted func()) (json.RawMessage, error) {
	h.mu.RLock()
	entry, ok := h.providers[provider]
	if !ok {
		h.mu.RUnlock()
		return nil, errors.ProviderNotFound(provider)
	}
	if entry.state != StateConnected {
		h.mu.RUnlock()
		return nil, errors.ProviderUnavailable(provider,
			errors.WithMetadata("state", string(entry.state)))
	}
	p := entry.provider
	h.mu.RUnlock()

	release, err := h.config.Gate.Acquire(ctx, provider)
	if err != nil {
		switch {
		case stderrors.Is(err, admission.ErrSuspended), stderrors.Is(err, admission.ErrClosed):
			return nil, errors.ProviderUnavailable(provider, errors.WithCause(err))
		case stderrors.Is(err, admission.ErrProviderUnknown):
			return nil, errors.ProviderNotFound(provider)
		default:
			return nil, errors.Wrap(err, "admission failed", errors.WithProvider(provider))
		}
	}
	defer release()

	if admitted != nil {
		admitted()
	}

	ictx := ctx
	if h.config.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, h.config.InvokeTimeout)
		defer cancel()
	}

	result, err := p.Invoke(ictx, operation, args)
	if err != nil {
		cerr := h.classifyInvokeError(provider, operation, err)
		if errors.Is(cerr, errors.ErrCodeProviderUnavailable) {
			h.handleDisconnect(provider, cerr)
		}
		return nil, cerr
	}
	return result, nil
}

// classifyInvokeError maps a provider error onto the taxonomy. Structured
// errors pass through; context errors become timeouts or cancellations;
// anything else is a protocol violation and is not retried.
func (h *Hub) classifyInvokeError(provider, operation string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ProviderTimeout(provider, operation, errors.WithCause(err))
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.Cancelled("", errors.WithProvider(provider), errors.WithCause(err))
	}
	if se := errors.AsSwarmError(err); se != nil {
		return err
	}
	return errors.ProtocolError(provider, err.Error(), false,
		errors.WithMetadata("operation", operation), errors.WithCause(err))
}

// MarkDisconnected reports a lost connection for a provider. The gate is
// suspended so queued and future invocations fail fast, and a reconnect
// loop starts if the provider supports it. Reporting an already-degraded
// provider is a no-op.
func (h *Hub) MarkDisconnected(name string, cause error) {
	h.handleDisconnect(name, cause)
}

func (h *Hub) handleDisconnect(name string, cause error) {
	h.mu.Lock()
	entry, ok := h.providers[name]
	if !ok || h.closed || entry.state != StateConnected {
		h.mu.Unlock()
		return
	}
	entry.lastErr = cause
	entry.since = time.Now()

	rc, canReconnect := entry.provider.(Reconnecter)
	if canReconnect {
		entry.state = StateReconnecting
		rctx, cancel := context.WithCancel(h.baseCtx)
		entry.cancelReconnect = cancel
		h.wg.Add(1)
		go h.reconnectLoop(rctx, name, rc)
	} else {
		entry.state = StateDisconnected
	}
	to := entry.state
	h.mu.Unlock()

	// Suspending wakes every waiter with a fail-fast error and invalidates
	// releases from invocations already in flight.
	h.config.Gate.Suspend(name)
	h.config.Logger.ProviderState(name, string(StateConnected), string(to))
}

func (h *Hub) reconnectLoop(ctx context.Context, name string, rc Reconnecter) {
	defer h.wg.Done()

	delay := h.config.ReconnectBase
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		err := rc.Reconnect(ctx)
		if err == nil {
			h.mu.Lock()
			entry, ok := h.providers[name]
			if !ok || entry.state != StateReconnecting {
				h.mu.Unlock()
				return
			}
			entry.state = StateConnected
			entry.lastErr = nil
			entry.since = time.Now()
			entry.cancelReconnect = nil
			h.mu.Unlock()

			// Resume resets in-flight accounting to zero; releases from
			// invocations that straddled the outage are discarded.
			h.config.Gate.Resume(name)
			h.config.Logger.ProviderState(name, string(StateReconnecting), string(StateConnected))
			return
		}

		h.config.Logger.Warn("reconnect attempt failed", map[string]interface{}{
			"provider": name,
			"attempt":  attempt,
			"delay":    delay.String(),
			"error":    err.Error(),
		})

		delay = time.Duration(float64(delay) * h.config.ReconnectMultiplier)
		if delay > h.config.ReconnectMax {
			delay = h.config.ReconnectMax
		}
	}
}

// Get returns a registered provider.
func (h *Hub) Get(name string) (Provider, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.providers[name]
	if !ok {
		return nil, false
	}
	return entry.provider, true
}

// State returns the connection state of a provider.
func (h *Hub) State(name string) (ConnState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.providers[name]
	if !ok {
		return "", false
	}
	return entry.state, true
}

// FindByCapability returns the names of connected providers advertising the
// capability, sorted.
func (h *Hub) FindByCapability(capability string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var names []string
	for name, entry := range h.providers {
		if entry.state != StateConnected {
			continue
		}
		for _, c := range entry.caps {
			if c == capability {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// Providers returns the names of all registered providers, sorted.
func (h *Hub) Providers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.providers))
	for name := range h.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InFlight returns the number of invocations currently running against a
// provider.
func (h *Hub) InFlight(name string) int {
	if snap := h.config.Gate.Snapshot(name); snap != nil {
		return snap.InFlight
	}
	return 0
}

// FreeSlots returns the number of admission slots currently free for a
// provider.
func (h *Hub) FreeSlots(name string) int {
	if snap := h.config.Gate.Snapshot(name); snap != nil {
		return snap.Free
	}
	return 0
}

// Limit returns the provider's configured concurrency limit, or zero for
// an unknown provider.
func (h *Hub) Limit(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if entry, ok := h.providers[name]; ok {
		return entry.limit
	}
	return 0
}

// Status reports every provider's state and in-flight count, and names the
// degraded providers.
func (h *Hub) Status() *Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := &Status{}
	names := make([]string, 0, len(h.providers))
	for name := range h.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := h.providers[name]
		ps := &ProviderStatus{
			Provider:     name,
			State:        entry.state,
			Capabilities: append([]string(nil), entry.caps...),
			Limit:        entry.limit,
			Since:        entry.since,
		}
		if snap := h.config.Gate.Snapshot(name); snap != nil {
			ps.InFlight = snap.InFlight
			ps.Free = snap.Free
		}
		if entry.lastErr != nil {
			ps.LastError = entry.lastErr.Error()
		}
		status.Providers = append(status.Providers, ps)
		if entry.state != StateConnected {
			status.Degraded = append(status.Degraded, name)
		}
	}
	return status
}

// Close stops reconnect loops and closes every provider. The admission gate
// is owned by the caller and is not closed here.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	entries := make([]*providerEntry, 0, len(h.providers))
	for _, entry := range h.providers {
		entries = append(entries, entry)
	}
	h.providers = make(map[string]*providerEntry)
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()

	var errs []error
	for _, entry := range entries {
		if err := entry.provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

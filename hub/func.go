package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/GlacierEQ/God-Mind/errors"
)

// InvokeFunc handles one operation for a FuncProvider.
type InvokeFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// FuncProvider is an in-process provider backed by plain functions. It is
// used for local tools and in tests, where spawning a subprocess or calling
// a remote API would be overkill.
type FuncProvider struct {
	name string
	caps []string

	mu        sync.RWMutex
	ops       map[string]InvokeFunc
	healthErr error
	closed    bool
}

// NewFuncProvider creates a FuncProvider with the given name and
// capabilities.
func NewFuncProvider(name string, capabilities ...string) *FuncProvider {
	return &FuncProvider{
		name: name,
		caps: capabilities,
		ops:  make(map[string]InvokeFunc),
	}
}

// Handle registers a handler for an operation, replacing any previous one.
// It returns the provider for chaining.
func (p *FuncProvider) Handle(operation string, fn InvokeFunc) *FuncProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops[operation] = fn
	return p
}

// SetHealthErr sets the error HealthCheck returns. Passing nil marks the
// provider healthy again.
func (p *FuncProvider) SetHealthErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthErr = err
}

// Name implements Provider.
func (p *FuncProvider) Name() string { return p.name }

// Capabilities implements Provider.
func (p *FuncProvider) Capabilities() []string {
	return append([]string(nil), p.caps...)
}

// Invoke implements Provider. Unknown operations fail with a permanent
// protocol error.
func (p *FuncProvider) Invoke(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error) {
	p.mu.RLock()
	fn, ok := p.ops[operation]
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return nil, errors.ProviderUnavailable(p.name)
	}
	if !ok {
		return nil, errors.ProtocolError(p.name, "unknown operation: "+operation, false,
			errors.WithMetadata("operation", operation))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(ctx, args)
}

// HealthCheck implements Provider.
func (p *FuncProvider) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.ProviderUnavailable(p.name)
	}
	return p.healthErr
}

// Close implements Provider.
func (p *FuncProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

var _ Provider = (*FuncProvider)(nil)

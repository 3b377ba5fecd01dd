package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/GlacierEQ/God-Mind/errors"
	"github.com/GlacierEQ/God-Mind/hub"
	"github.com/GlacierEQ/God-Mind/logging"
)

const closeGrace = 2 * time.Second

// Provider exposes one tool server subprocess as a hub provider. Every
// operation name is a tool name on the server. The provider supports
// restart, so the hub's reconnect loop can bring a crashed server back.
type Provider struct {
	name   string
	config ServerConfig
	logger *logging.Logger

	mu     sync.Mutex
	client *Client
	closed bool
}

// NewProvider creates a provider for a configured server. The subprocess
// is not spawned until Connect.
func NewProvider(name string, config ServerConfig, logger *logging.Logger) (*Provider, error) {
	if name == "" {
		return nil, errors.InvalidInput("provider name is required")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.InvalidInput(err.Error(), errors.WithProvider(name))
	}
	if logger == nil {
		logger = logging.New()
	}
	return &Provider{
		name:   name,
		config: config,
		logger: logger.WithComponent("mcp." + name),
	}, nil
}

// Connect spawns the subprocess, performs the handshake and fetches the
// tool list. Calling Connect on a live provider is a no-op.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.ProviderUnavailable(p.name,
			errors.WithMetadata("reason", "provider closed"))
	}
	if p.client != nil && p.client.Alive() {
		return nil
	}
	return p.connectLocked(ctx)
}

func (p *Provider) connectLocked(ctx context.Context) error {
	if p.client != nil {
		p.client.Kill()
		p.client = nil
	}

	client, err := NewClient(p.name, p.config)
	if err != nil {
		return errors.ProviderUnavailable(p.name, errors.WithCause(err))
	}
	if err := client.Initialize(ctx); err != nil {
		client.Close(closeGrace)
		return errors.ProviderUnavailable(p.name, errors.WithCause(err))
	}
	if _, err := client.ListTools(ctx); err != nil {
		client.Close(closeGrace)
		return errors.ProviderUnavailable(p.name, errors.WithCause(err))
	}

	p.client = client
	p.logger.Info("server connected", map[string]interface{}{
		"command": p.config.Command,
		"tools":   len(client.Tools()),
	})
	return nil
}

// Name implements hub.Provider.
func (p *Provider) Name() string { return p.name }

// Capabilities implements hub.Provider. Capabilities come from the server
// registry entry.
func (p *Provider) Capabilities() []string {
	return append([]string(nil), p.config.Capabilities...)
}

// Limit returns the configured concurrency limit, zero when unset.
func (p *Provider) Limit() int { return p.config.Limit }

// Tools returns the connected server's tool list.
func (p *Provider) Tools() []Tool {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Tools()
}

// Invoke implements hub.Provider. The operation is the tool name; args are
// the tool arguments as a JSON object. A tool-level failure reported by the
// server surfaces as a permanent protocol error, since replaying the same
// arguments would fail the same way.
func (p *Provider) Invoke(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	client := p.client
	closed := p.closed
	p.mu.Unlock()

	if closed || client == nil {
		return nil, errors.ProviderUnavailable(p.name)
	}

	var arguments map[string]interface{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, errors.InvalidInput("args must be a JSON object",
				errors.WithProvider(p.name), errors.WithCause(err))
		}
	}

	result, err := client.CallTool(ctx, operation, arguments)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, errors.ProtocolError(p.name, result.Text(), false,
			errors.WithMetadata("operation", operation))
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Internal("marshal tool result", errors.WithCause(err))
	}
	return out, nil
}

// HealthCheck implements hub.Provider. It connects on first use, then
// pings the live server.
func (p *Provider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	client := p.client
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return errors.ProviderUnavailable(p.name,
			errors.WithMetadata("reason", "provider closed"))
	}
	if client == nil || !client.Alive() {
		return p.Connect(ctx)
	}
	return client.Ping(ctx)
}

// Reconnect implements hub.Reconnecter by replacing the subprocess.
func (p *Provider) Reconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.ProviderUnavailable(p.name,
			errors.WithMetadata("reason", "provider closed"))
	}
	return p.connectLocked(ctx)
}

// Close implements hub.Provider.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.client != nil {
		p.client.Close(closeGrace)
		p.client = nil
	}
	return nil
}

var (
	_ hub.Provider    = (*Provider)(nil)
	_ hub.Reconnecter = (*Provider)(nil)
)

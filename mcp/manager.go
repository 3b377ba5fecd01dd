package mcp

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/GlacierEQ/God-Mind/errors"
	"github.com/GlacierEQ/God-Mind/hub"
	"github.com/GlacierEQ/God-Mind/logging"
)

// SpawnCheck approves or rejects a server command before it is spawned.
type SpawnCheck func(command string, args []string) error

// Manager holds the tool server fleet: the set of configured subprocess
// providers, created from the server registry and registered with the hub
// as a group. A server that fails to come up degrades the fleet instead of
// failing it.
type Manager struct {
	logger     *logging.Logger
	spawnCheck SpawnCheck

	mu        sync.RWMutex
	providers map[string]*Provider
}

// NewManager creates an empty fleet manager.
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.New()
	}
	return &Manager{
		logger:    logger.WithComponent("mcp"),
		providers: make(map[string]*Provider),
	}
}

// SetSpawnCheck installs a policy hook consulted before any server command
// is spawned.
func (m *Manager) SetSpawnCheck(check SpawnCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawnCheck = check
}

// Add creates a provider for a configured server. The subprocess is not
// spawned until the provider connects.
func (m *Manager) Add(name string, config ServerConfig) (*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.providers[name]; exists {
		return nil, errors.InvalidInput("server already configured", errors.WithProvider(name))
	}
	if m.spawnCheck != nil {
		if err := m.spawnCheck(config.Command, config.Args); err != nil {
			return nil, errors.New(errors.ErrCodeUnauthorized, "server command rejected by policy",
				errors.WithProvider(name), errors.WithCause(err))
		}
	}

	provider, err := NewProvider(name, config, m.logger)
	if err != nil {
		return nil, err
	}
	m.providers[name] = provider
	return provider, nil
}

// RegisterAll registers every configured server with the hub. Servers that
// fail their handshake are logged and skipped; the rest come up. The
// returned error joins the individual failures, with at least one
// successful registration reported by the count.
func (m *Manager) RegisterAll(ctx context.Context, h *hub.Hub, defaultLimit int) (int, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	registered := 0
	var errs []error
	for _, name := range names {
		m.mu.RLock()
		provider := m.providers[name]
		m.mu.RUnlock()
		if provider == nil {
			continue
		}

		limit := provider.Limit()
		if limit <= 0 {
			limit = defaultLimit
		}
		if err := h.Register(ctx, provider, limit); err != nil {
			m.logger.Warn("server failed to register", map[string]interface{}{
				"server": name,
				"error":  err.Error(),
			})
			errs = append(errs, err)
			continue
		}
		registered++
	}
	return registered, stderrors.Join(errs...)
}

// Get returns a configured provider.
func (m *Manager) Get(name string) (*Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	return p, ok
}

// Servers returns the configured server names, sorted.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerCount returns the number of configured servers.
func (m *Manager) ServerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.providers)
}

// FindTool reports which server advertises a tool. Only connected servers
// with a fetched tool list are searched.
func (m *Manager) FindTool(tool string) (server string, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, t := range m.providers[name].Tools() {
			if t.Name == tool {
				return name, true
			}
		}
	}
	return "", false
}

// Close shuts down every server in the fleet.
func (m *Manager) Close() error {
	m.mu.Lock()
	providers := make([]*Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.providers = make(map[string]*Provider)
	m.mu.Unlock()

	var errs []error
	for _, p := range providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

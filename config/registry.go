package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
)

// Provider kinds. Stdio providers are spawned subprocesses; the model
// kinds select an LLM adapter; func providers are registered in code
// and only carry capabilities and limits here.
const (
	KindStdio            = "stdio"
	KindAnthropic        = "anthropic"
	KindOpenAI           = "openai"
	KindGoogle           = "google"
	KindOpenAICompatible = "openai-compatible"
	KindFunc             = "func"
)

// ProviderEntry describes one provider in the registry file.
type ProviderEntry struct {
	// Kind selects the provider type. Defaults to stdio when a
	// command is present.
	Kind string `json:"kind,omitempty"`

	// Command and Args launch a stdio provider subprocess.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// Env is passed to the spawned subprocess on top of the parent
	// environment.
	Env map[string]string `json:"env,omitempty"`

	// Model, BaseURL, APIKey and MaxTokens configure model providers.
	// A missing APIKey falls back to credential resolution.
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`

	// Capabilities advertises what operations this provider serves.
	Capabilities []string `json:"capabilities,omitempty"`

	// ConcurrencyLimit caps in-flight invocations. Zero applies the
	// configured default.
	ConcurrencyLimit int `json:"concurrency_limit,omitempty"`
}

// Registry is the parsed provider registry file.
type Registry struct {
	Providers map[string]ProviderEntry `json:"providers"`
}

// LoadRegistry reads a provider registry JSON file. ${VAR} patterns
// anywhere in the file are replaced with environment values before
// decoding; unset variables become empty strings.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading provider registry: %w", err)
	}
	return ParseRegistry(string(data))
}

// ParseRegistry parses provider registry JSON content after ${VAR}
// expansion.
func ParseRegistry(content string) (*Registry, error) {
	expanded := expandEnvVars(content)

	var reg Registry
	if err := json.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, fmt.Errorf("parsing provider registry: %w", err)
	}

	for name, entry := range reg.Providers {
		entry.normalize()
		if err := entry.validate(name); err != nil {
			return nil, err
		}
		reg.Providers[name] = entry
	}
	return &reg, nil
}

// DefaultRegistry returns the built-in provider fleet used when no
// registry file is configured: the github, memory, filesystem and
// playwright stdio servers. Env placeholders resolve at call time.
func DefaultRegistry() *Registry {
	entries := map[string]ProviderEntry{
		"github": {
			Kind:    KindStdio,
			Command: "npx",
			Args:    []string{"-y", "@smithery/github-mcp-server"},
			Env: map[string]string{
				"GITHUB_PERSONAL_ACCESS_TOKEN": "${GITHUB_TOKEN}",
			},
			Capabilities: []string{"repository_management", "code_operations"},
		},
		"memory": {
			Kind:    KindStdio,
			Command: "npx",
			Args:    []string{"-y", "@memoryplugin/mcp-server"},
			Env: map[string]string{
				"MEMORY_PLUGIN_TOKEN": "${SUPERMEMORY_KEY}",
			},
			Capabilities: []string{"persistent_memory", "context_storage"},
		},
		"filesystem": {
			Kind:    KindStdio,
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-filesystem"},
			Env: map[string]string{
				"FILESYSTEM_ROOT": "./workspace",
			},
			Capabilities: []string{"file_operations", "directory_management"},
		},
		"playwright": {
			Kind:    KindStdio,
			Command: "npx",
			Args:    []string{"-y", "@executeautomation/playwright-mcp-server"},
			Env: map[string]string{
				"BROWSER_TYPE": "chromium",
			},
			Capabilities: []string{"browser_automation", "web_scraping"},
		},
	}

	for name, entry := range entries {
		for k, v := range entry.Env {
			entry.Env[k] = expandEnvVars(v)
		}
		entries[name] = entry
	}
	return &Registry{Providers: entries}
}

// Names returns the provider names in sorted order so registration is
// deterministic.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Providers))
	for name := range r.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *ProviderEntry) normalize() {
	if e.Kind == "" && e.Command != "" {
		e.Kind = KindStdio
	}
}

func (e *ProviderEntry) validate(name string) error {
	switch e.Kind {
	case KindStdio:
		if e.Command == "" {
			return fmt.Errorf("provider %q: command is required for stdio providers", name)
		}
	case KindAnthropic, KindOpenAI, KindGoogle:
		if e.Model == "" {
			return fmt.Errorf("provider %q: model is required for %s providers", name, e.Kind)
		}
	case KindOpenAICompatible:
		if e.Model == "" {
			return fmt.Errorf("provider %q: model is required for %s providers", name, e.Kind)
		}
		if e.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required for %s providers", name, e.Kind)
		}
	case KindFunc:
	case "":
		return fmt.Errorf("provider %q: kind is required", name)
	default:
		return fmt.Errorf("provider %q: unknown kind %q", name, e.Kind)
	}
	if e.ConcurrencyLimit < 0 {
		return fmt.Errorf("provider %q: concurrency_limit cannot be negative", name)
	}
	return nil
}

// envVarPattern matches ${VAR_NAME} placeholders.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} patterns with environment values.
// Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Package policy provides spawn policy loading and enforcement.
//
// A policy decides which commands the provider manager may launch for
// stdio providers, and which environment variables pass into the
// spawned processes. Deny rules always win over allow rules.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/GlacierEQ/God-Mind/errors"
)

// Policy decides which provider commands may be spawned.
type Policy struct {
	// DefaultDeny blocks commands that match no allowlist entry even
	// when the allowlist is empty.
	DefaultDeny bool

	// Allowlist holds command patterns like "npx -y *". Empty means
	// any command passes unless DefaultDeny is set.
	Allowlist []string

	// Denylist holds command patterns that always block.
	Denylist []string

	// AllowPaths restricts commands given by explicit path to these
	// prefixes. Bare command names resolve through PATH and are not
	// affected.
	AllowPaths []string

	// Env controls which environment variables reach spawned servers.
	Env *EnvPolicy
}

// EnvPolicy filters the environment passed to spawned providers.
type EnvPolicy struct {
	// Passthrough lists variable name patterns allowed through
	// ("PATH", "GITHUB_*"). Empty allows everything not denied.
	Passthrough []string

	// Deny lists variable name patterns that never pass.
	Deny []string
}

// tomlPolicy is the TOML representation.
type tomlPolicy struct {
	DefaultDeny bool     `toml:"default_deny"`
	Allowlist   []string `toml:"allowlist"`
	Denylist    []string `toml:"denylist"`
	AllowPaths  []string `toml:"allow_paths"`
	Env         *struct {
		Passthrough []string `toml:"passthrough"`
		Deny        []string `toml:"deny"`
	} `toml:"env"`
}

// New creates a permissive policy.
func New() *Policy {
	return &Policy{}
}

// NewRestrictive creates a policy that denies every command not
// explicitly allowlisted.
func NewRestrictive() *Policy {
	return &Policy{DefaultDeny: true}
}

// LoadFile loads a policy from a TOML file.
func LoadFile(path string) (*Policy, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(string(content))
}

// Parse parses a policy from TOML content.
func Parse(content string) (*Policy, error) {
	var raw tomlPolicy
	if _, err := toml.Decode(content, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	pol := &Policy{
		DefaultDeny: raw.DefaultDeny,
		Allowlist:   raw.Allowlist,
		Denylist:    raw.Denylist,
		AllowPaths:  raw.AllowPaths,
	}
	if raw.Env != nil {
		pol.Env = &EnvPolicy{
			Passthrough: raw.Env.Passthrough,
			Deny:        raw.Env.Deny,
		}
	}
	return pol, nil
}

// CheckCommand decides whether a provider command may be spawned.
// Returns the decision and a reason when denied.
func (p *Policy) CheckCommand(command string, args []string) (bool, string) {
	if p == nil {
		return true, ""
	}
	if command == "" {
		return false, "empty command"
	}
	// A command name with shell metacharacters never matches anything
	// legitimate.
	if strings.ContainsAny(command, ";|&<>`$\n") {
		return false, "command name contains shell metacharacters"
	}

	full := command
	if len(args) > 0 {
		full = command + " " + strings.Join(args, " ")
	}

	// Deny wins
	for _, pattern := range p.Denylist {
		if matchCommand(pattern, full) {
			return false, fmt.Sprintf("command matches deny pattern: %s", pattern)
		}
	}

	if ok, reason := p.checkPath(command); !ok {
		return false, reason
	}

	if len(p.Allowlist) > 0 {
		for _, pattern := range p.Allowlist {
			if matchCommand(pattern, full) {
				return true, ""
			}
		}
		return false, "command not in allowlist"
	}

	if p.DefaultDeny {
		return false, "command not in allowlist (default_deny=true)"
	}
	return true, ""
}

// SpawnCheck returns a hook shaped for the provider manager's
// spawn-check seam. Denied commands fail with UNAUTHORIZED.
func (p *Policy) SpawnCheck() func(command string, args []string) error {
	return func(command string, args []string) error {
		if ok, reason := p.CheckCommand(command, args); !ok {
			return errors.New(errors.ErrCodeUnauthorized, "spawn denied: "+reason)
		}
		return nil
	}
}

// checkPath enforces AllowPaths for commands given by explicit path.
func (p *Policy) checkPath(command string) (bool, string) {
	if len(p.AllowPaths) == 0 || !strings.ContainsRune(command, os.PathSeparator) {
		return true, ""
	}
	clean := filepath.Clean(command)
	for _, prefix := range p.AllowPaths {
		pfx := filepath.Clean(prefix)
		if clean == pfx || strings.HasPrefix(clean, pfx+string(os.PathSeparator)) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("command path %s not under an allowed prefix", command)
}

// AllowEnv reports whether one variable may pass into a spawned
// provider.
func (p *Policy) AllowEnv(name string) bool {
	if p == nil || p.Env == nil {
		return true
	}
	for _, pattern := range p.Env.Deny {
		if matchName(pattern, name) {
			return false
		}
	}
	if len(p.Env.Passthrough) > 0 {
		for _, pattern := range p.Env.Passthrough {
			if matchName(pattern, name) {
				return true
			}
		}
		return false
	}
	return true
}

// FilterEnv returns only the variables the policy allows through.
func (p *Policy) FilterEnv(env map[string]string) map[string]string {
	if p == nil || p.Env == nil || len(env) == 0 {
		return env
	}
	filtered := make(map[string]string, len(env))
	for k, v := range env {
		if p.AllowEnv(k) {
			filtered[k] = v
		}
	}
	return filtered
}

// matchCommand matches a command line against a pattern word-wise. A
// trailing "*" matches any remaining arguments.
func matchCommand(pattern, cmd string) bool {
	patternWords := strings.Fields(pattern)
	cmdWords := strings.Fields(cmd)

	if len(patternWords) == 0 {
		return false
	}

	// First word must match (command name)
	if len(cmdWords) == 0 || patternWords[0] != cmdWords[0] {
		return false
	}

	if len(patternWords) >= 2 && patternWords[len(patternWords)-1] == "*" {
		for i := 0; i < len(patternWords)-1; i++ {
			if i >= len(cmdWords) || patternWords[i] != cmdWords[i] {
				return false
			}
		}
		return true
	}

	if len(patternWords) != len(cmdWords) {
		return false
	}
	for i := range patternWords {
		if patternWords[i] != cmdWords[i] {
			return false
		}
	}
	return true
}

// matchName matches an environment variable name against a pattern.
// A trailing "*" matches any suffix.
func matchName(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

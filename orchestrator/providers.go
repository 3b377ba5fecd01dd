package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/GlacierEQ/God-Mind/config"
	"github.com/GlacierEQ/God-Mind/credentials"
	"github.com/GlacierEQ/God-Mind/llm"
	"github.com/GlacierEQ/God-Mind/mcp"
)

// defaultModelMaxTokens applies to model providers whose registry
// entry does not set max_tokens.
const defaultModelMaxTokens = 4096

// registerFleet builds the provider fleet from the registry and
// registers it with the hub. Per-provider failures degrade the fleet;
// the joined error reports what is missing.
func (o *Orchestrator) registerFleet(ctx context.Context) error {
	reg := o.config.Registry
	if reg == nil && o.config.Core.ProvidersPath != "" {
		loaded, err := config.LoadRegistry(o.config.Core.ProvidersPath)
		if err != nil {
			return err
		}
		reg = loaded
	}
	if reg == nil {
		return nil
	}

	var errs []error
	stdio := 0
	for _, name := range reg.Names() {
		entry := reg.Providers[name]
		switch entry.Kind {
		case config.KindStdio:
			if err := o.addStdioProvider(name, entry); err != nil {
				errs = append(errs, fmt.Errorf("provider %s: %w", name, err))
				continue
			}
			stdio++
		case config.KindAnthropic, config.KindOpenAI, config.KindGoogle, config.KindOpenAICompatible:
			if err := o.registerModelProvider(ctx, name, entry); err != nil {
				errs = append(errs, fmt.Errorf("provider %s: %w", name, err))
				continue
			}
			o.snapshotProvider(ctx, name, entry.Kind)
		case config.KindFunc:
			// Func providers are registered in code via
			// RegisterProvider; the registry entry only documents them.
			o.logger.Debug("func provider awaits code registration", map[string]interface{}{
				"provider": name,
			})
		}
	}

	if stdio > 0 {
		registered, err := o.fleet.RegisterAll(ctx, o.hub, o.config.Core.ProviderConcurrencyLimit)
		if err != nil {
			errs = append(errs, err)
		}
		for _, name := range o.fleet.Servers() {
			if _, ok := o.hub.Get(name); ok {
				o.snapshotProvider(ctx, name, config.KindStdio)
			}
		}
		o.logger.Info("tool server fleet registered", map[string]interface{}{
			"configured": stdio,
			"registered": registered,
		})
	}
	return stderrors.Join(errs...)
}

// addStdioProvider configures one tool server subprocess. The spawn
// policy filters its environment and may reject the command outright.
func (o *Orchestrator) addStdioProvider(name string, entry config.ProviderEntry) error {
	env := entry.Env
	if o.config.Policy != nil {
		env = o.config.Policy.FilterEnv(env)
	}
	_, err := o.fleet.Add(name, mcp.ServerConfig{
		Command:      entry.Command,
		Args:         entry.Args,
		Env:          env,
		Capabilities: entry.Capabilities,
		Limit:        entry.ConcurrencyLimit,
	})
	return err
}

// registerModelProvider builds an LLM adapter and registers it with
// the hub. Missing API keys resolve through the credential chain.
func (o *Orchestrator) registerModelProvider(ctx context.Context, name string, entry config.ProviderEntry) error {
	apiKey := entry.APIKey
	if apiKey == "" {
		apiKey = o.resolveAPIKey(entry.Kind)
	}
	maxTokens := entry.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultModelMaxTokens
	}

	model, err := llm.NewChatModel(llm.ChatConfig{
		Provider:  modelProviderName(entry.Kind),
		Model:     entry.Model,
		APIKey:    apiKey,
		MaxTokens: maxTokens,
		BaseURL:   entry.BaseURL,
	})
	if err != nil {
		return err
	}
	p := llm.NewChatProvider(name, model, entry.Capabilities...)
	return o.hub.Register(ctx, p, entry.ConcurrencyLimit)
}

// resolveAPIKey consults the configured credentials, loading the
// standard files on first use when none were supplied.
func (o *Orchestrator) resolveAPIKey(kind string) string {
	creds := o.config.Credentials
	if creds == nil {
		loaded, path, err := credentials.Load()
		if err != nil {
			o.logger.Debug("credential file unavailable", map[string]interface{}{
				"error": err.Error(),
			})
			loaded = &credentials.Credentials{}
		} else if path != "" {
			o.logger.Debug("credentials loaded", map[string]interface{}{"path": path})
		}
		creds = loaded
		o.config.Credentials = creds
	}
	return creds.GetAPIKey(modelProviderName(kind))
}

// modelProviderName maps a registry kind to the llm adapter name.
func modelProviderName(kind string) string {
	if kind == config.KindOpenAICompatible {
		return "openai-compat"
	}
	return kind
}

package llm

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/GlacierEQ/God-Mind/errors"
)

// NewChatModel creates a vendor adapter based on the configuration.
// If Provider is empty, it is inferred from the model name.
func NewChatModel(cfg ChatConfig) (ChatModel, error) {
	if cfg.Provider == "" && cfg.Model != "" {
		cfg.Provider = InferProviderFromModel(cfg.Model)
		if cfg.Provider == "" {
			return nil, errors.InvalidInput("cannot determine provider for model " + cfg.Model + "; set provider explicitly")
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.InvalidInput(err.Error())
	}

	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicModel(AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	case "openai":
		return NewOpenAIModel(OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	case "google":
		return NewGoogleModel(GoogleConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	case "groq":
		return NewGroqModel(OpenAICompatConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	case "mistral":
		return NewMistralModel(OpenAICompatConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	case "xai":
		return NewXAIModel(OpenAICompatConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	case "openrouter":
		return NewOpenRouterModel(OpenAICompatConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})

	case "openai-compat", "litellm":
		if cfg.BaseURL == "" {
			return nil, errors.InvalidInput("base_url is required for provider " + cfg.Provider)
		}
		return NewOpenAICompatModel(OpenAICompatConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			Model:        cfg.Model,
			MaxTokens:    cfg.MaxTokens,
			ProviderName: cfg.Provider,
		})

	default:
		return nil, errors.InvalidInput("unsupported provider: " + cfg.Provider)
	}
}

// InferProviderFromModel returns the provider name based on model name
// patterns, so configurations can name just a model.
func InferProviderFromModel(model string) string {
	model = strings.ToLower(model)

	if strings.HasPrefix(model, "claude") {
		return "anthropic"
	}

	if strings.HasPrefix(model, "gpt-") ||
		strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "chatgpt") {
		return "openai"
	}

	if strings.HasPrefix(model, "gemini") ||
		strings.HasPrefix(model, "gemma") {
		return "google"
	}

	if strings.HasPrefix(model, "llama") ||
		strings.HasPrefix(model, "mixtral") && strings.Contains(model, "groq") {
		return "groq"
	}

	if strings.HasPrefix(model, "mistral") ||
		strings.HasPrefix(model, "mixtral") ||
		strings.HasPrefix(model, "codestral") ||
		strings.HasPrefix(model, "pixtral") {
		return "mistral"
	}

	if strings.HasPrefix(model, "grok") {
		return "xai"
	}

	return ""
}

// isRateLimitError checks if the error is a rate limit error.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "capacity")
}

// isServerError checks if the error is a transient server error (5xx).
func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") ||
		strings.Contains(errStr, "temporarily unavailable")
}

// isConnectionError checks if the error is a transport-level failure.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "broken pipe")
}

// isBillingError checks if the error is a billing/payment/quota error.
func isBillingError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "credits") ||
		strings.Contains(errStr, "quota exceeded") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402") ||
		strings.Contains(errStr, "subscription") ||
		strings.Contains(errStr, "expired")
}

// classifyAPIError maps a raw vendor API error onto the taxonomy. The
// vendor SDKs do not expose stable error types, so classification uses
// status codes and message text. Unrecognized errors become permanent
// protocol errors so the retry loop does not replay them blindly.
func classifyAPIError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if se := errors.AsSwarmError(err); se != nil {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.Wrap(err, "chat request aborted", errors.WithProvider(provider))
	}
	switch {
	case isBillingError(err):
		return errors.New(errors.ErrCodeUnauthorized, "billing or quota failure",
			errors.WithProvider(provider), errors.WithCause(err))
	case isRateLimitError(err):
		return errors.RateLimited(provider, errors.WithCause(err))
	case isServerError(err), isConnectionError(err):
		return errors.ProviderUnavailable(provider, errors.WithCause(err))
	default:
		return errors.ProtocolError(provider, err.Error(), false, errors.WithCause(err))
	}
}

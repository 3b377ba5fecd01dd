package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/GlacierEQ/God-Mind/errors"
)

// OpenAICompatModel implements ChatModel for OpenAI-compatible APIs:
// Groq, Mistral, xAI, OpenRouter, LiteLLM, local servers.
type OpenAICompatModel struct {
	apiKey       string
	baseURL      string
	model        string
	maxTokens    int
	providerName string
	client       *http.Client
}

// OpenAICompatConfig holds configuration for OpenAI-compatible adapters.
type OpenAICompatConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	ProviderName string // for error attribution
}

// NewOpenAICompatModel creates an OpenAI-compatible adapter.
func NewOpenAICompatModel(cfg OpenAICompatConfig) (*OpenAICompatModel, error) {
	if cfg.BaseURL == "" {
		return nil, errors.InvalidInput("base_url is required for openai-compatible provider")
	}
	if cfg.Model == "" {
		return nil, errors.InvalidInput("model is required")
	}
	if cfg.MaxTokens == 0 {
		return nil, errors.InvalidInput("max_tokens is required")
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai-compat"
	}

	return &OpenAICompatModel{
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		providerName: cfg.ProviderName,
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}, nil
}

// OpenAI-compatible request/response types

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiTool struct {
	Type     string            `json:"type"`
	Function oaiToolDefinition `json:"function"`
}

type oaiToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Tools       []oaiTool    `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type oaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Chat implements ChatModel.
func (p *OpenAICompatModel) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := make([]oaiMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		msg := oaiMessage{
			Role:    m.Role,
			Content: m.Content,
		}

		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			for _, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				msg.ToolCalls = append(msg.ToolCalls, oaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: oaiFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
		}

		if m.Role == "tool" {
			msg.ToolCallID = m.ToolCallID
		}

		messages = append(messages, msg)
	}

	tools := make([]oaiTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, oaiTool{
			Type: "function",
			Function: oaiToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	oaiReq := oaiRequest{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if len(tools) > 0 {
		oaiReq.Tools = tools
	}

	resp, err := p.doRequest(ctx, oaiReq)
	if err != nil {
		return nil, classifyAPIError(p.providerName, err)
	}

	result := &ChatResponse{
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Content = choice.Message.Content
		result.StopReason = choice.FinishReason

		for _, tc := range choice.Message.ToolCalls {
			var args map[string]interface{}
			json.Unmarshal([]byte(tc.Function.Arguments), &args)
			result.ToolCalls = append(result.ToolCalls, ToolCallResponse{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: args,
			})
		}
	}

	return result, nil
}

// doRequest makes the HTTP request.
func (p *OpenAICompatModel) doRequest(ctx context.Context, req oaiRequest) (*oaiResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		if httpResp.StatusCode == 429 {
			return nil, fmt.Errorf("rate limit exceeded: %s", string(respBody))
		}
		if httpResp.StatusCode == 402 {
			return nil, fmt.Errorf("payment required: %s", string(respBody))
		}
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var resp oaiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}

	return &resp, nil
}

// Provider-specific base URLs
const (
	GroqBaseURL       = "https://api.groq.com/openai/v1"
	MistralBaseURL    = "https://api.mistral.ai/v1"
	XAIBaseURL        = "https://api.x.ai/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// NewGroqModel creates a Groq adapter (OpenAI-compatible API).
func NewGroqModel(cfg OpenAICompatConfig) (*OpenAICompatModel, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = GroqBaseURL
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "groq"
	}
	return NewOpenAICompatModel(cfg)
}

// NewMistralModel creates a Mistral adapter (OpenAI-compatible API).
func NewMistralModel(cfg OpenAICompatConfig) (*OpenAICompatModel, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = MistralBaseURL
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "mistral"
	}
	return NewOpenAICompatModel(cfg)
}

// NewXAIModel creates an xAI (Grok) adapter (OpenAI-compatible API).
func NewXAIModel(cfg OpenAICompatConfig) (*OpenAICompatModel, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = XAIBaseURL
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "xai"
	}
	return NewOpenAICompatModel(cfg)
}

// NewOpenRouterModel creates an OpenRouter adapter (OpenAI-compatible API).
func NewOpenRouterModel(cfg OpenAICompatConfig) (*OpenAICompatModel, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenRouterBaseURL
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openrouter"
	}
	return NewOpenAICompatModel(cfg)
}

var _ ChatModel = (*OpenAICompatModel)(nil)

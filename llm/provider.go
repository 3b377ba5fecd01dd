// Package llm adapts model APIs to the protocol hub provider contract.
// Each adapter is a thin translator around one vendor SDK or wire format;
// retry policy is deliberately absent here, it belongs to the result
// aggregator.
package llm

import (
	"context"
	"fmt"
	"sync"
)

// Message represents a chat message.
type Message struct {
	Role       string             `json:"role"` // user, assistant, tool, system
	Content    string             `json:"content"`
	ToolCalls  []ToolCallResponse `json:"tool_calls,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"` // for tool result messages
}

// ToolDef represents a tool definition offered to the model.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolCallResponse represents a tool call requested by the model.
type ToolCallResponse struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ChatRequest is the argument payload of the chat operation.
type ChatRequest struct {
	Messages  []Message `json:"messages"`
	Tools     []ToolDef `json:"tools,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// ChatResponse is the result payload of the chat operation.
type ChatResponse struct {
	Content      string             `json:"content"`
	ToolCalls    []ToolCallResponse `json:"tool_calls,omitempty"`
	StopReason   string             `json:"stop_reason"`
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
	Model        string             `json:"model"`
}

// ChatModel is the internal contract each vendor adapter implements.
type ChatModel interface {
	// Chat sends one chat request and returns the response. Errors are
	// structured taxonomy errors.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatConfig selects and configures a vendor adapter.
type ChatConfig struct {
	Provider  string `json:"provider"` // anthropic, openai, google, groq, mistral, xai, openrouter, openai-compat
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	MaxTokens int    `json:"max_tokens"`
	BaseURL   string `json:"base_url,omitempty"` // custom endpoint (OpenRouter, LiteLLM, local servers)
}

// Validate validates the configuration.
func (c *ChatConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if c.MaxTokens == 0 {
		return fmt.Errorf("max_tokens is required")
	}
	return nil
}

// --- Mock Model for Testing ---

// MockModel is a scriptable ChatModel for tests.
type MockModel struct {
	mu           sync.Mutex
	response     string
	toolCalls    []ToolCallResponse
	stopReason   string
	inputTokens  int
	outputTokens int
	lastRequest  *ChatRequest
	err          error
	callCount    int

	// ChatFunc can be overridden for custom behavior.
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// NewMockModel creates a new mock model.
func NewMockModel() *MockModel {
	return &MockModel{stopReason: "end_turn"}
}

// SetResponse sets the response content.
func (p *MockModel) SetResponse(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.response = content
}

// SetToolCall sets a single tool call response.
func (p *MockModel) SetToolCall(name string, args map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolCalls = []ToolCallResponse{{ID: "tc-1", Name: name, Args: args}}
}

// SetToolCalls sets multiple tool call responses.
func (p *MockModel) SetToolCalls(calls []ToolCallResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolCalls = calls
}

// SetTokenCounts sets the token counts.
func (p *MockModel) SetTokenCounts(input, output int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputTokens = input
	p.outputTokens = output
}

// SetStopReason sets the stop reason.
func (p *MockModel) SetStopReason(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopReason = reason
}

// SetError sets an error to return.
func (p *MockModel) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// LastRequest returns the last request.
func (p *MockModel) LastRequest() *ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRequest
}

// CallCount returns the number of Chat calls made.
func (p *MockModel) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

// Chat implements ChatModel.
func (p *MockModel) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	p.callCount++
	p.lastRequest = &req
	fn := p.ChatFunc
	err := p.err
	resp := &ChatResponse{
		Content:      p.response,
		ToolCalls:    p.toolCalls,
		StopReason:   p.stopReason,
		InputTokens:  p.inputTokens,
		OutputTokens: p.outputTokens,
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

var _ ChatModel = (*MockModel)(nil)

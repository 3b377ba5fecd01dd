package llm

import (
	"context"
	"encoding/json"
	"io"

	"github.com/GlacierEQ/God-Mind/errors"
	"github.com/GlacierEQ/God-Mind/hub"
)

// OpChat is the operation name a ChatProvider serves.
const OpChat = "chat"

// ChatProvider exposes a ChatModel on the protocol hub. The hub sees a
// provider with a single "chat" operation whose arguments and result are
// the JSON encodings of ChatRequest and ChatResponse.
type ChatProvider struct {
	name  string
	caps  []string
	model ChatModel
}

// NewChatProvider wraps a chat model as a hub provider. Capabilities
// default to ["chat"] when none are given.
func NewChatProvider(name string, model ChatModel, capabilities ...string) *ChatProvider {
	if len(capabilities) == 0 {
		capabilities = []string{"chat"}
	}
	return &ChatProvider{
		name:  name,
		caps:  capabilities,
		model: model,
	}
}

// NewHubProvider builds the adapter for cfg and wraps it as a hub
// provider named after cfg.Provider.
func NewHubProvider(cfg ChatConfig, capabilities ...string) (*ChatProvider, error) {
	model, err := NewChatModel(cfg)
	if err != nil {
		return nil, err
	}
	return NewChatProvider(cfg.Provider, model, capabilities...), nil
}

// Name implements hub.Provider.
func (p *ChatProvider) Name() string {
	return p.name
}

// Capabilities implements hub.Provider.
func (p *ChatProvider) Capabilities() []string {
	out := make([]string, len(p.caps))
	copy(out, p.caps)
	return out
}

// Invoke implements hub.Provider.
func (p *ChatProvider) Invoke(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error) {
	if operation != OpChat {
		return nil, errors.ProtocolError(p.name, "unknown operation: "+operation, false)
	}

	var req ChatRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errors.InvalidInput("malformed chat request: " + err.Error())
	}

	resp, err := p.model.Chat(ctx, req)
	if err != nil {
		// Adapters classify their own errors; pass them through so the
		// hub and the retry policy see the original code.
		return nil, err
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return nil, errors.ProtocolError(p.name, "encode chat response: "+err.Error(), false)
	}
	return out, nil
}

// HealthCheck implements hub.Provider. Model APIs have no cheap liveness
// probe, so a constructed adapter is assumed reachable.
func (p *ChatProvider) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Reconnect implements hub.Reconnecter optimistically. HTTP adapters hold
// no connection state to restore; if the backend is still down, the next
// invocation degrades the provider again.
func (p *ChatProvider) Reconnect(ctx context.Context) error {
	return ctx.Err()
}

// Close implements hub.Provider.
func (p *ChatProvider) Close() error {
	if c, ok := p.model.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var (
	_ hub.Provider    = (*ChatProvider)(nil)
	_ hub.Reconnecter = (*ChatProvider)(nil)
)

package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/GlacierEQ/God-Mind/logging"
)

// Common errors.
var (
	ErrClosed      = errors.New("transport closed")
	ErrSendTimeout = errors.New("send timeout")
)

// Transport provides bidirectional JSON-RPC message passing.
type Transport interface {
	// Recv returns channel for incoming messages.
	// Channel is closed when transport shuts down.
	Recv() <-chan *InboundMessage

	// Send queues a message for delivery.
	// Returns ErrClosed if transport is closed.
	Send(msg *OutboundMessage) error

	// Run starts the transport, blocks until ctx cancelled or error.
	// Returns nil on graceful shutdown, error otherwise.
	Run(ctx context.Context) error

	// Close initiates graceful shutdown.
	// Drains pending sends before returning.
	Close() error
}

// InboundMessage wraps an incoming JSON-RPC message.
type InboundMessage struct {
	// Request is set if this is a JSON-RPC request (has ID).
	Request *Request

	// Notification is set if this is a notification (no ID).
	Notification *Notification

	// Raw contains the original bytes for passthrough scenarios.
	Raw json.RawMessage
}

// OutboundMessage wraps an outgoing JSON-RPC message.
type OutboundMessage struct {
	// Response is set when replying to a request.
	Response *Response

	// Notification is set when sending an unsolicited notification.
	Notification *Notification
}

// ParseInbound parses raw JSON into an InboundMessage.
func ParseInbound(data []byte) (*InboundMessage, error) {
	// First, parse to check structure
	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	if raw.JSONRPC != "2.0" {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be 2.0"}
	}

	msg := &InboundMessage{Raw: data}

	// If ID is present and not null, it's a request
	if len(raw.ID) > 0 && string(raw.ID) != "null" {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
		}
		msg.Request = &req
	} else {
		// It's a notification
		var notif Notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
		}
		msg.Notification = &notif
	}

	return msg, nil
}

// MarshalOutbound serializes an OutboundMessage to JSON.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	if msg.Response != nil {
		return json.Marshal(msg.Response)
	}
	if msg.Notification != nil {
		return json.Marshal(msg.Notification)
	}
	return nil, errors.New("empty outbound message")
}

// ServeTransport dispatches requests arriving on t to handler until
// the transport shuts down or ctx is cancelled. Inbound notifications
// are passed to the handler without a reply.
func ServeTransport(ctx context.Context, t Transport, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-t.Recv():
			if !ok {
				return nil
			}

			switch {
			case msg.Request != nil:
				result, err := handler.Handle(ctx, msg.Request.Method, msg.Request.Params)
				resp := &Response{JSONRPC: "2.0", ID: msg.Request.ID}
				if err != nil {
					resp.Error = AsError(err)
				} else {
					resp.Result = result
				}
				if err := t.Send(&OutboundMessage{Response: resp}); err != nil {
					return err
				}
			case msg.Notification != nil:
				handler.Handle(ctx, msg.Notification.Method, rawParams(msg.Notification.Params))
			}
		}
	}
}

// rawParams re-encodes decoded notification params for the handler.
func rawParams(params interface{}) json.RawMessage {
	if params == nil {
		return nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return data
}

// Config holds common transport configuration.
type Config struct {
	// RecvBufferSize is the size of the receive channel buffer.
	// Default: 100
	RecvBufferSize int

	// SendBufferSize is the size of the internal send buffer.
	// Default: 100
	SendBufferSize int

	// Logger receives transport lifecycle events and write failures.
	// Defaults to a fresh logger.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
		SendBufferSize: 100,
	}
}

package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GlacierEQ/God-Mind/logging"
)

// WebSocketTransport carries JSON-RPC frames over a websocket
// connection, one message per frame. Socket clients use it to drive
// the same control surface stdio serves locally.
type WebSocketTransport struct {
	conn   *websocket.Conn
	config WebSocketConfig
	logger *logging.Logger

	recv   chan *InboundMessage
	send   chan *OutboundMessage
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// WebSocketConfig extends the base transport config with socket
// timings.
type WebSocketConfig struct {
	Config

	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration

	// ReadTimeout bounds reads; zero disables the deadline.
	ReadTimeout time.Duration

	// MaxMessageSize limits inbound frame size.
	MaxMessageSize int64

	// PingInterval spaces keepalive pings; zero disables them.
	PingInterval time.Duration
}

// DefaultWebSocketConfig returns the socket defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    0,
		MaxMessageSize: maxLineBytes,
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketTransport wraps an already-established connection. Zero
// buffer sizes take the DefaultConfig values.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = DefaultConfig().RecvBufferSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultConfig().SendBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}

	conn.SetReadLimit(cfg.MaxMessageSize)

	return &WebSocketTransport{
		conn:   conn,
		config: cfg,
		logger: logger.WithComponent("transport"),
		recv:   make(chan *InboundMessage, cfg.RecvBufferSize),
		send:   make(chan *OutboundMessage, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// NewWebSocketUpgrader returns an upgrader for accepting connections.
// CheckOrigin accepts everything; deployments behind a proxy should
// replace it.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// Recv returns the channel of parsed inbound messages. It closes when
// the peer disconnects or the transport shuts down.
func (t *WebSocketTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

// Send queues a message for delivery.
func (t *WebSocketTransport) Send(msg *OutboundMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run pumps both directions until the context is cancelled.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	t.logger.Debug("websocket transport started", map[string]interface{}{
		"remote": t.conn.RemoteAddr().String(),
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		t.writeLoop(ctx)
	}()

	<-ctx.Done()
	t.Close()
	wg.Wait()

	t.logger.Debug("websocket transport stopped")
	return ctx.Err()
}

// Close sends a close frame and tears the connection down.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}

// readLoop parses inbound frames into recv. Malformed frames get an
// error response instead of killing the connection.
func (t *WebSocketTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			t.logger.Debug("websocket read failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		msg, parseErr := ParseInbound(data)
		if parseErr != nil {
			t.logger.Debug("malformed inbound message", map[string]interface{}{
				"error": parseErr.Error(),
			})
			t.sendParseError(data, parseErr)
			continue
		}

		select {
		case t.recv <- msg:
		case <-ctx.Done():
			return
		case <-t.done:
			return
		}
	}
}

// writeLoop serializes queued messages and spaces keepalive pings.
func (t *WebSocketTransport) writeLoop(ctx context.Context) {
	ticker := t.pingTicker()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.drainSendQueue()
			return
		case <-t.done:
			t.drainSendQueue()
			return
		case <-ticker.C:
			t.writePing()
		case msg, ok := <-t.send:
			if !ok {
				return
			}
			t.writeMessage(msg)
		}
	}
}

// pingTicker returns the keepalive ticker, stopped when pings are
// disabled.
func (t *WebSocketTransport) pingTicker() *time.Ticker {
	if t.config.PingInterval > 0 {
		return time.NewTicker(t.config.PingInterval)
	}
	ticker := time.NewTicker(time.Hour)
	ticker.Stop()
	return ticker
}

func (t *WebSocketTransport) writePing() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

// drainSendQueue writes whatever is still buffered at shutdown.
func (t *WebSocketTransport) drainSendQueue() {
	for {
		select {
		case msg, ok := <-t.send:
			if !ok {
				return
			}
			t.writeMessage(msg)
		default:
			return
		}
	}
}

func (t *WebSocketTransport) writeMessage(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		t.logger.Warn("failed to marshal outbound message", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.logger.Warn("write failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// sendParseError answers a malformed frame with a JSON-RPC error. The
// request id is unrecoverable here, so it goes out null.
func (t *WebSocketTransport) sendParseError(raw []byte, parseErr error) {
	rpcErr, ok := parseErr.(*Error)
	if !ok {
		rpcErr = &Error{Code: ParseError, Message: "Parse error", Data: parseErr.Error()}
	}

	t.Send(&OutboundMessage{
		Response: &Response{
			JSONRPC: "2.0",
			ID:      nil,
			Error:   rpcErr,
		},
	})
}

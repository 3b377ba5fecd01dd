package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/GlacierEQ/God-Mind/logging"
)

// maxLineBytes bounds a single newline-delimited frame.
const maxLineBytes = 1024 * 1024

// StdioTransport frames JSON-RPC messages as newline-delimited JSON
// over a reader/writer pair, typically stdin and stdout.
type StdioTransport struct {
	reader io.Reader
	writer io.Writer
	config Config
	logger *logging.Logger

	recv     chan *InboundMessage
	send     chan *OutboundMessage
	done     chan struct{}
	closeErr error
	mu       sync.Mutex
	closed   bool
}

// NewStdioTransport creates a transport over the given streams. Zero
// buffer sizes take the DefaultConfig values.
func NewStdioTransport(r io.Reader, w io.Writer, cfg Config) *StdioTransport {
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

	return &StdioTransport{
		reader: r,
		writer: w,
		config: cfg,
		logger: logger.WithComponent("transport"),
		recv:   make(chan *InboundMessage, cfg.RecvBufferSize),
		send:   make(chan *OutboundMessage, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// Recv returns the channel of parsed inbound messages. It closes when
// the input stream ends or the transport shuts down.
func (t *StdioTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

// Send queues a message for delivery.
func (t *StdioTransport) Send(msg *OutboundMessage) error {
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
func (t *StdioTransport) Run(ctx context.Context) error {
	t.logger.Debug("stdio transport started")

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

	t.logger.Debug("stdio transport stopped")
	return ctx.Err()
}

// Close initiates shutdown. Queued outbound messages still drain.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()
	return nil
}

// readLoop scans frames off the input and hands parsed messages to
// recv. Malformed frames get an error response instead of killing the
// stream.
func (t *StdioTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, maxLineBytes), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := ParseInbound(line)
		if err != nil {
			t.logger.Debug("malformed inbound message", map[string]interface{}{
				"error": err.Error(),
			})
			t.replyParseError(line, err)
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

// writeLoop serializes queued messages to the output stream.
func (t *StdioTransport) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.flushQueued()
			return
		case <-t.done:
			t.flushQueued()
			return
		case msg, ok := <-t.send:
			if !ok {
				return
			}
			t.writeMessage(msg)
		}
	}
}

// flushQueued writes whatever is still buffered at shutdown.
func (t *StdioTransport) flushQueued() {
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

func (t *StdioTransport) writeMessage(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		t.logger.Warn("failed to marshal outbound message", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	t.mu.Lock()
	_, err = t.writer.Write(append(data, '\n'))
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("write failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// replyParseError answers a malformed frame with a JSON-RPC error,
// echoing the request id when one can be salvaged.
func (t *StdioTransport) replyParseError(raw []byte, parseErr error) {
	var partial struct {
		ID interface{} `json:"id"`
	}
	json.Unmarshal(raw, &partial)

	rpcErr, ok := parseErr.(*Error)
	if !ok {
		rpcErr = &Error{Code: ParseError, Message: "Parse error", Data: parseErr.Error()}
	}

	t.Send(&OutboundMessage{
		Response: &Response{
			JSONRPC: "2.0",
			ID:      partial.ID,
			Error:   rpcErr,
		},
	})
}

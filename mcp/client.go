// Package mcp speaks JSON-RPC 2.0 to tool servers over stdin/stdout and
// exposes each server as a protocol hub provider.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GlacierEQ/God-Mind/errors"
)

// Tool is a tool definition advertised by a server.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// JSON-RPC 2.0 reserved error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Transient reports whether retrying the same call could succeed. Requests
// the server rejected as malformed or unknown will fail again identically;
// server-side internal errors may not.
func (e *RPCError) Transient() bool {
	switch e.Code {
	case CodeParseError, CodeInvalidRequest, CodeMethodNotFound, CodeInvalidParams:
		return false
	}
	return true
}

// ToolsListResult is the result of tools/list.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ToolCallParams are the parameters for tools/call.
type ToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolCallResult is the result of tools/call.
type ToolCallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// Content is one content item in a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"` // base64 for images
}

// Text returns the concatenated text content of a tool result.
func (r *ToolCallResult) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out
}

// ServerConfig configures one tool server. It matches the JSON registry
// format (command, args, env per server) plus the orchestration fields.
type ServerConfig struct {
	Command      string            `json:"command"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Limit        int               `json:"concurrency_limit,omitempty"`
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("mcp: command is required")
	}
	return nil
}

// Client runs one tool server subprocess and multiplexes JSON-RPC calls
// over its stdio. When the subprocess exits, every pending call fails with
// a retryable unavailability error so callers can requeue instead of hang.
type Client struct {
	server string
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	writeMu sync.Mutex
	id      atomic.Int64

	pendMu  sync.Mutex
	pending map[int64]chan *Response
	dead    bool
	deadErr error

	stateMu sync.Mutex
	ready   bool
	tools   []Tool

	waitDone chan struct{}
}

// NewClient spawns the server subprocess and starts the response reader.
// The returned client is not usable until Initialize succeeds.
func NewClient(server string, config ServerConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.Command(config.Command, config.Args...)
	cmd.Env = os.Environ()
	for k, v := range config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	c := &Client{
		server:   server,
		cmd:      cmd,
		stdin:    stdin,
		pending:  make(map[int64]chan *Response),
		waitDone: make(chan struct{}),
	}

	go c.readResponses(stdout)
	return c, nil
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) error {
	_, err := c.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "god-mind",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return errors.Wrap(err, "initialize failed", errors.WithProvider(c.server))
	}

	c.notify("notifications/initialized", nil)

	c.stateMu.Lock()
	c.ready = true
	c.stateMu.Unlock()
	return nil
}

// ListTools fetches and caches the server's tool list.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if !c.isReady() {
		return nil, errors.ProviderUnavailable(c.server,
			errors.WithMetadata("reason", "client not initialized"))
	}

	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult ToolsListResult
	if err := json.Unmarshal(result, &listResult); err != nil {
		return nil, errors.ProtocolError(c.server, "malformed tools list", true,
			errors.WithCause(err))
	}

	c.stateMu.Lock()
	c.tools = listResult.Tools
	c.stateMu.Unlock()
	return listResult.Tools, nil
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolCallResult, error) {
	if !c.isReady() {
		return nil, errors.ProviderUnavailable(c.server,
			errors.WithMetadata("reason", "client not initialized"))
	}

	result, err := c.call(ctx, "tools/call", ToolCallParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, errors.ProtocolError(c.server, "malformed tool result", true,
			errors.WithCause(err))
	}
	return &callResult, nil
}

// Ping checks that the server still answers. Servers without a ping method
// still count as alive when they answer "method not found"; a dead process
// answers nothing.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	if err == nil {
		return nil
	}
	if rpcErr, ok := errors.Cause(err).(*RPCError); ok && rpcErr.Code == CodeMethodNotFound {
		return nil
	}
	return err
}

// Tools returns the cached tool list.
func (c *Client) Tools() []Tool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return append([]Tool(nil), c.tools...)
}

// Alive reports whether the subprocess is still running.
func (c *Client) Alive() bool {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	return !c.dead
}

// Close shuts the server down: stdin closes first so a well-behaved server
// exits on EOF, then the process is killed if it lingers past the grace
// period.
func (c *Client) Close(grace time.Duration) error {
	c.writeMu.Lock()
	c.stdin.Close()
	c.writeMu.Unlock()

	select {
	case <-c.waitDone:
		return nil
	case <-time.After(grace):
	}

	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	<-c.waitDone
	return nil
}

// Kill terminates the subprocess immediately.
func (c *Client) Kill() {
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	<-c.waitDone
}

func (c *Client) isReady() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.ready
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.id.Add(1)

	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	respCh := make(chan *Response, 1)
	c.pendMu.Lock()
	if c.dead {
		err := c.deadErr
		c.pendMu.Unlock()
		return nil, errors.ProviderUnavailable(c.server, errors.WithCause(err))
	}
	c.pending[id] = respCh
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, errors.ProviderUnavailable(c.server, errors.WithCause(err))
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, errors.ProviderUnavailable(c.server,
				errors.WithMetadata("reason", "server exited"))
		}
		if resp.Error != nil {
			return nil, errors.ProtocolError(c.server, resp.Error.Message, resp.Error.Transient(),
				errors.WithMetadata("rpc_code", fmt.Sprintf("%d", resp.Error.Code)),
				errors.WithCause(resp.Error))
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) notify(method string, params interface{}) error {
	req := struct {
		JSONRPC string      `json:"jsonrpc"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}
	return c.send(req)
}

func (c *Client) send(msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.stdin, "%s\n", data)
	return err
}

func (c *Client) readResponses(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue // skip notifications and malformed lines
		}

		c.pendMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendMu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	// The subprocess is gone. Fail every pending call so its task can be
	// requeued instead of waiting out its deadline.
	err := scanner.Err()
	c.pendMu.Lock()
	c.dead = true
	c.deadErr = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendMu.Unlock()

	c.stateMu.Lock()
	c.ready = false
	c.stateMu.Unlock()

	c.cmd.Wait()
	close(c.waitDone)
}

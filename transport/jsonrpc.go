package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// TaskError is the implementation-defined code for task failures.
	// The data field carries the error taxonomy code.
	TaskError = -32000
)

// AsError converts any error into a JSON-RPC error. Structured errors
// pass through unchanged; everything else becomes InternalError.
func AsError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: InternalError, Message: "Internal error", Data: err.Error()}
}

// Notification represents a JSON-RPC 2.0 notification (no ID).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Handler handles JSON-RPC requests.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return f(ctx, method, params)
}

// Server is a line-delimited JSON-RPC 2.0 server over a reader/writer
// pair, typically stdin/stdout.
type Server struct {
	reader  *bufio.Reader
	writer  io.Writer
	handler Handler
	mu      sync.Mutex

	// NotifyFunc is called to send notifications
	NotifyFunc func(method string, params interface{})
}

// NewServer creates a new JSON-RPC server.
func NewServer(r io.Reader, w io.Writer, handler Handler) *Server {
	s := &Server{
		reader:  bufio.NewReader(r),
		writer:  w,
		handler: handler,
	}
	s.NotifyFunc = s.notify
	return s
}

// Serve reads and handles requests until EOF or error.
func (s *Server) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()})
			continue
		}

		if req.JSONRPC != "2.0" {
			s.sendError(req.ID, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be 2.0"})
			continue
		}

		result, err := s.handler.Handle(ctx, req.Method, req.Params)
		if err != nil {
			if req.ID != nil {
				s.sendError(req.ID, AsError(err))
			}
			continue
		}

		// Only requests get a response; notifications carry no ID
		if req.ID != nil {
			s.sendResult(req.ID, result)
		}
	}
}

// sendResult sends a successful response.
func (s *Server) sendResult(id interface{}, result interface{}) {
	s.send(Response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

// sendError sends an error response.
func (s *Server) sendError(id interface{}, rpcErr *Error) {
	s.send(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcErr,
	})
}

// notify sends a notification.
func (s *Server) notify(method string, params interface{}) {
	s.send(Notification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
}

// Notify sends a notification to the client.
func (s *Server) Notify(method string, params interface{}) {
	s.NotifyFunc(method, params)
}

// send writes a JSON message to the output.
func (s *Server) send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = s.writer.Write(append(data, '\n'))
	return err
}

// --- Orchestration Methods ---

// Methods served by the orchestration control surface.
const (
	MethodSubmit = "orchestrate.submit"
	MethodQuery  = "orchestrate.query"
	MethodCancel = "orchestrate.cancel"
	MethodStatus = "orchestrate.status"
)

// SubmitParams are the parameters for orchestrate.submit.
type SubmitParams struct {
	Provider       string          `json:"provider"`
	Operation      string          `json:"operation"`
	Args           json.RawMessage `json:"args,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	MaxRetries     int             `json:"max_retries,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// SubmitResult is the result of orchestrate.submit.
type SubmitResult struct {
	TaskID string `json:"task_id"`
}

// QueryParams are the parameters for orchestrate.query.
type QueryParams struct {
	TaskID string `json:"task_id"`
}

// QueryResult is the result of orchestrate.query.
type QueryResult struct {
	TaskID      string          `json:"task_id"`
	Status      string          `json:"status"`
	Provider    string          `json:"provider,omitempty"`
	Operation   string          `json:"operation,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Code        string          `json:"code,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// CancelParams are the parameters for orchestrate.cancel.
type CancelParams struct {
	TaskID string `json:"task_id"`
}

// CancelResult is the result of orchestrate.cancel.
type CancelResult struct {
	TaskID string `json:"task_id"`

	// Status is the task status after the cancel request: cancelled
	// for queued tasks, unchanged for in-flight tasks that will stop
	// cooperatively.
	Status string `json:"status"`
}

// Event types for notifications
const (
	EventTaskUpdate = "task_update"
)

// TaskUpdateParams are params for the task_update event.
type TaskUpdateParams struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts,omitempty"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
	RetryAt  string `json:"retry_at,omitempty"`
	Terminal bool   `json:"terminal"`
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestServer_ParseError(t *testing.T) {
	input := "not valid json\n"
	output := &bytes.Buffer{}

	handler := HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return nil, nil
	})

	server := NewServer(strings.NewReader(input), output, handler)
	server.Serve(context.Background())

	var resp Response
	if err := json.Unmarshal(output.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp.Error == nil {
		t.Fatal("expected error response")
	}
	if resp.Error.Code != ParseError {
		t.Errorf("expected ParseError code, got %d", resp.Error.Code)
	}
}

func TestServer_InvalidRequest(t *testing.T) {
	input := `{"jsonrpc":"1.0","method":"orchestrate.status","id":1}` + "\n"
	output := &bytes.Buffer{}

	handler := HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return nil, nil
	})

	server := NewServer(strings.NewReader(input), output, handler)
	server.Serve(context.Background())

	var resp Response
	if err := json.Unmarshal(output.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp.Error == nil {
		t.Fatal("expected error response")
	}
	if resp.Error.Code != InvalidRequest {
		t.Errorf("expected InvalidRequest code, got %d", resp.Error.Code)
	}
}

func TestServer_SuccessfulRequest(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"orchestrate.submit","params":{"provider":"github","operation":"search_code"},"id":1}` + "\n"
	output := &bytes.Buffer{}

	handler := HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		if method != MethodSubmit {
			t.Errorf("expected method %q, got %s", MethodSubmit, method)
		}
		var p SubmitParams
		json.Unmarshal(params, &p)
		if p.Provider != "github" {
			t.Errorf("expected provider 'github', got %s", p.Provider)
		}
		return SubmitResult{TaskID: "task-001"}, nil
	})

	server := NewServer(strings.NewReader(input), output, handler)
	server.Serve(context.Background())

	var resp Response
	if err := json.Unmarshal(output.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if resp.ID != float64(1) { // JSON numbers are float64
		t.Errorf("expected ID 1, got %v", resp.ID)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map result, got %T", resp.Result)
	}
	if result["task_id"] != "task-001" {
		t.Errorf("expected task_id 'task-001', got %v", result["task_id"])
	}
}

func TestServer_HandlerError(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"orchestrate.query","params":{"task_id":"task-404"},"id":1}` + "\n"
	output := &bytes.Buffer{}

	handler := HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return nil, errors.New("task not found")
	})

	server := NewServer(strings.NewReader(input), output, handler)
	server.Serve(context.Background())

	var resp Response
	if err := json.Unmarshal(output.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp.Error == nil {
		t.Fatal("expected error response")
	}
	if resp.Error.Code != InternalError {
		t.Errorf("expected InternalError code, got %d", resp.Error.Code)
	}
	if resp.Error.Data != "task not found" {
		t.Errorf("expected error message in data, got %v", resp.Error.Data)
	}
}

func TestServer_StructuredError(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"orchestrate.submit","params":{"provider":"github","operation":"create_issue"},"id":7}` + "\n"
	output := &bytes.Buffer{}

	handler := HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return nil, &Error{Code: TaskError, Message: "queue full", Data: "QUEUE_FULL"}
	})

	server := NewServer(strings.NewReader(input), output, handler)
	server.Serve(context.Background())

	var resp Response
	if err := json.Unmarshal(output.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp.Error == nil {
		t.Fatal("expected error response")
	}
	if resp.Error.Code != TaskError {
		t.Errorf("expected TaskError code, got %d", resp.Error.Code)
	}
	if resp.Error.Message != "queue full" {
		t.Errorf("expected message 'queue full', got %s", resp.Error.Message)
	}
	if resp.Error.Data != "QUEUE_FULL" {
		t.Errorf("expected taxonomy code in data, got %v", resp.Error.Data)
	}
}

func TestServer_Notification(t *testing.T) {
	// Notification = no ID, no response
	input := `{"jsonrpc":"2.0","method":"capacity","params":{}}` + "\n"
	output := &bytes.Buffer{}

	called := false
	handler := HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		called = true
		return nil, nil
	})

	server := NewServer(strings.NewReader(input), output, handler)
	server.Serve(context.Background())

	if !called {
		t.Error("handler was not called")
	}
	if output.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", output.String())
	}
}

func TestServer_NotificationError(t *testing.T) {
	// Errors on notifications produce no response either
	input := `{"jsonrpc":"2.0","method":"capacity","params":{}}` + "\n"
	output := &bytes.Buffer{}

	handler := HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return nil, errors.New("boom")
	})

	server := NewServer(strings.NewReader(input), output, handler)
	server.Serve(context.Background())

	if output.Len() != 0 {
		t.Errorf("expected no output for failed notification, got: %s", output.String())
	}
}

func TestServer_Notify(t *testing.T) {
	output := &bytes.Buffer{}
	handler := HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return nil, nil
	})

	server := NewServer(strings.NewReader(""), output, handler)
	server.Notify(EventTaskUpdate, TaskUpdateParams{TaskID: "task-001", Status: "succeeded", Terminal: true})

	var notif Notification
	if err := json.Unmarshal(output.Bytes(), &notif); err != nil {
		t.Fatalf("failed to parse notification: %v", err)
	}

	if notif.JSONRPC != "2.0" {
		t.Errorf("expected jsonrpc 2.0, got %s", notif.JSONRPC)
	}
	if notif.Method != EventTaskUpdate {
		t.Errorf("expected method %q, got %s", EventTaskUpdate, notif.Method)
	}

	params, ok := notif.Params.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map params, got %T", notif.Params)
	}
	if params["task_id"] != "task-001" {
		t.Errorf("expected task_id 'task-001', got %v", params["task_id"])
	}
	if params["terminal"] != true {
		t.Errorf("expected terminal true, got %v", params["terminal"])
	}
}

func TestServer_MultipleRequests(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"orchestrate.query","params":{"task_id":"task-001"},"id":1}
{"jsonrpc":"2.0","method":"orchestrate.query","params":{"task_id":"task-002"},"id":2}
`
	output := &bytes.Buffer{}

	handler := HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		var p QueryParams
		json.Unmarshal(params, &p)
		return QueryResult{TaskID: p.TaskID, Status: "running"}, nil
	})

	server := NewServer(strings.NewReader(input), output, handler)
	server.Serve(context.Background())

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(lines))
	}

	var resp1, resp2 Response
	json.Unmarshal([]byte(lines[0]), &resp1)
	json.Unmarshal([]byte(lines[1]), &resp2)

	if resp1.ID != float64(1) || resp2.ID != float64(2) {
		t.Errorf("expected IDs 1 and 2, got %v and %v", resp1.ID, resp2.ID)
	}

	result1, _ := resp1.Result.(map[string]interface{})
	result2, _ := resp2.Result.(map[string]interface{})
	if result1["task_id"] != "task-001" {
		t.Errorf("expected task-001, got %v", result1["task_id"])
	}
	if result2["task_id"] != "task-002" {
		t.Errorf("expected task-002, got %v", result2["task_id"])
	}
}

func TestAsError(t *testing.T) {
	rpcErr := &Error{Code: MethodNotFound, Message: "Method not found", Data: "orchestrate.bogus"}

	// Structured errors pass through unchanged
	if got := AsError(rpcErr); got != rpcErr {
		t.Errorf("expected passthrough, got %v", got)
	}

	// Wrapped structured errors unwrap
	wrapped := fmt.Errorf("handling request: %w", rpcErr)
	if got := AsError(wrapped); got != rpcErr {
		t.Errorf("expected unwrapped error, got %v", got)
	}

	// Plain errors become InternalError with the message in data
	plain := AsError(errors.New("disk on fire"))
	if plain.Code != InternalError {
		t.Errorf("code = %d, want %d", plain.Code, InternalError)
	}
	if plain.Data != "disk on fire" {
		t.Errorf("data = %v, want original message", plain.Data)
	}
}

// chanTransport is an in-process Transport for exercising ServeTransport.
type chanTransport struct {
	in     chan *InboundMessage
	out    chan *OutboundMessage
	closed chan struct{}
}

func newChanTransport() *chanTransport {
	return &chanTransport{
		in:     make(chan *InboundMessage, 8),
		out:    make(chan *OutboundMessage, 8),
		closed: make(chan struct{}),
	}
}

func (c *chanTransport) Recv() <-chan *InboundMessage { return c.in }

func (c *chanTransport) Send(msg *OutboundMessage) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.out <- msg
	return nil
}

func (c *chanTransport) Run(ctx context.Context) error { return nil }

func (c *chanTransport) Close() error {
	close(c.closed)
	close(c.in)
	return nil
}

func TestServeTransport(t *testing.T) {
	tr := newChanTransport()

	notified := make(chan string, 1)
	handler := HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		switch method {
		case MethodQuery:
			var p QueryParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return QueryResult{TaskID: p.TaskID, Status: "running"}, nil
		case "capacity":
			notified <- method
			return nil, nil
		}
		return nil, &Error{Code: MethodNotFound, Message: "Method not found", Data: method}
	})

	done := make(chan error, 1)
	go func() { done <- ServeTransport(context.Background(), tr, handler) }()

	// Request gets a response with the handler's result
	tr.in <- &InboundMessage{Request: &Request{
		JSONRPC: "2.0",
		ID:      float64(1),
		Method:  MethodQuery,
		Params:  json.RawMessage(`{"task_id":"task-042"}`),
	}}

	var resp *Response
	select {
	case msg := <-tr.out:
		resp = msg.Response
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for response")
	}
	if resp == nil {
		t.Fatal("expected response")
	}
	if resp.ID != float64(1) {
		t.Errorf("expected ID 1, got %v", resp.ID)
	}
	result, ok := resp.Result.(QueryResult)
	if !ok {
		t.Fatalf("expected QueryResult, got %T", resp.Result)
	}
	if result.TaskID != "task-042" || result.Status != "running" {
		t.Errorf("unexpected result: %+v", result)
	}

	// Unknown method gets the handler's structured error
	tr.in <- &InboundMessage{Request: &Request{JSONRPC: "2.0", ID: float64(2), Method: "orchestrate.bogus"}}
	select {
	case msg := <-tr.out:
		resp = msg.Response
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error response")
	}
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("expected MethodNotFound error, got %+v", resp.Error)
	}

	// Notifications reach the handler without a reply
	tr.in <- &InboundMessage{Notification: &Notification{JSONRPC: "2.0", Method: "capacity"}}
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("notification never reached handler")
	}
	if len(tr.out) != 0 {
		t.Errorf("expected no reply to notification, got %d queued", len(tr.out))
	}

	// Closing the transport ends the serve loop cleanly
	tr.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("serve loop did not exit after close")
	}
}

package orchestrator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"

	"github.com/GlacierEQ/God-Mind/bus"
	"github.com/GlacierEQ/God-Mind/errors"
	"github.com/GlacierEQ/God-Mind/logging"
	"github.com/GlacierEQ/God-Mind/results"
	"github.com/GlacierEQ/God-Mind/tasks"
	"github.com/GlacierEQ/God-Mind/transport"
)

// Server exposes the orchestrator as a JSON-RPC 2.0 control surface:
// orchestrate.submit, orchestrate.query, orchestrate.cancel and
// orchestrate.status, with task lifecycle pushed as task_update
// notifications. The core speaks to callers the same way it speaks to
// its own tool servers.
type Server struct {
	orch   *Orchestrator
	logger *logging.Logger
}

// NewServer creates a control surface over an orchestrator.
func NewServer(o *Orchestrator) *Server {
	return &Server{
		orch:   o,
		logger: o.logger.WithComponent("control"),
	}
}

// Handle implements transport.Handler.
func (s *Server) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case transport.MethodSubmit:
		return s.handleSubmit(ctx, params)
	case transport.MethodQuery:
		return s.handleQuery(ctx, params)
	case transport.MethodCancel:
		return s.handleCancel(ctx, params)
	case transport.MethodStatus:
		return s.orch.Status(ctx)
	default:
		return nil, &transport.Error{Code: transport.MethodNotFound, Message: "Method not found", Data: method}
	}
}

func (s *Server) handleSubmit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p transport.SubmitParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &transport.Error{Code: transport.InvalidParams, Message: "Invalid params", Data: err.Error()}
	}

	// max_retries counts retries beyond the initial try; zero defers to
	// the configured default.
	maxAttempts := 0
	if p.MaxRetries > 0 {
		maxAttempts = p.MaxRetries + 1
	}

	id, err := s.orch.Submit(ctx, tasks.Submission{
		Provider:       p.Provider,
		Operation:      p.Operation,
		Args:           p.Args,
		Priority:       p.Priority,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: p.IdempotencyKey,
	})
	if err != nil {
		return nil, taskError(err)
	}
	return &transport.SubmitResult{TaskID: id}, nil
}

func (s *Server) handleQuery(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p transport.QueryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &transport.Error{Code: transport.InvalidParams, Message: "Invalid params", Data: err.Error()}
	}

	rec, err := s.orch.Query(ctx, p.TaskID)
	if err != nil {
		return nil, taskError(err)
	}
	out := &transport.QueryResult{
		TaskID:      rec.ID,
		Status:      string(rec.Status),
		Provider:    rec.Provider,
		Operation:   rec.Operation,
		Attempts:    rec.Attempts,
		AgentID:     rec.AgentID,
		Error:       rec.Error,
		Code:        rec.ErrorCode,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	}
	if len(rec.Result) > 0 {
		out.Output = json.RawMessage(rec.Result)
	}
	return out, nil
}

func (s *Server) handleCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p transport.CancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &transport.Error{Code: transport.InvalidParams, Message: "Invalid params", Data: err.Error()}
	}

	rec, err := s.orch.Cancel(ctx, p.TaskID)
	if err != nil {
		return nil, taskError(err)
	}
	return &transport.CancelResult{TaskID: rec.ID, Status: string(rec.Status)}, nil
}

// taskError maps an orchestrator error onto the wire: structured
// taxonomy errors become TaskError with the code in the data field,
// unknown-task errors become InvalidParams.
func taskError(err error) *transport.Error {
	if stderrors.Is(err, tasks.ErrTaskNotFound) {
		return &transport.Error{Code: transport.InvalidParams, Message: "Invalid params", Data: string(errors.ErrCodeTaskNotFound)}
	}
	if code := errors.Code(err); code != "" {
		return &transport.Error{Code: transport.TaskError, Message: err.Error(), Data: string(code)}
	}
	return &transport.Error{Code: transport.InternalError, Message: "Internal error", Data: err.Error()}
}

// ServeStdio serves the control surface over a reader/writer pair,
// pushing task updates as notifications, until ctx is cancelled or the
// reader reaches EOF.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	srv := transport.NewServer(r, w, s)

	stop, err := s.watchUpdates(func(params *transport.TaskUpdateParams) {
		srv.Notify(transport.EventTaskUpdate, params)
	})
	if err != nil {
		return err
	}
	defer stop()

	return srv.Serve(ctx)
}

// ServeTransport serves the control surface over a channel transport
// (stdio or WebSocket), including task update notifications.
func (s *Server) ServeTransport(ctx context.Context, t transport.Transport) error {
	stop, err := s.watchUpdates(func(params *transport.TaskUpdateParams) {
		raw := rawNotificationParams(params)
		err := t.Send(&transport.OutboundMessage{
			Notification: &transport.Notification{
				JSONRPC: "2.0",
				Method:  transport.EventTaskUpdate,
				Params:  raw,
			},
		})
		if err != nil {
			s.logger.Debug("task update not delivered", map[string]interface{}{
				"error": err.Error(),
			})
		}
	})
	if err != nil {
		return err
	}
	defer stop()

	return transport.ServeTransport(ctx, t, s)
}

func rawNotificationParams(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// watchUpdates subscribes to the result stream and converts every
// published result into a task_update. The returned stop function
// unsubscribes.
func (s *Server) watchUpdates(deliver func(*transport.TaskUpdateParams)) (func(), error) {
	sub, err := s.orch.bus.Subscribe(results.DefaultBusPublisherConfig().SubjectPrefix + ".*")
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Messages() {
			update := updateFromMessage(msg)
			if update == nil {
				continue
			}
			deliver(update)
		}
	}()

	return func() {
		_ = sub.Unsubscribe()
		<-done
	}, nil
}

// updateFromMessage converts a published result into notification
// params. Unparseable payloads are dropped.
func updateFromMessage(msg *bus.Message) *transport.TaskUpdateParams {
	var res results.Result
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return nil
	}
	update := &transport.TaskUpdateParams{
		TaskID:   res.TaskID,
		Status:   string(res.Status),
		Attempts: res.Attempts,
		Code:     res.Code,
		Error:    res.Error,
		Terminal: res.Status.IsTerminal(),
	}
	if at, ok := res.Metadata["retry_at"]; ok {
		update.RetryAt = at
	}
	return update
}

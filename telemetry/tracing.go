// OpenTelemetry tracing support for task pipeline observability.
package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps OpenTelemetry tracing with task-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include payload content in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: trace.NewNoopTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode (content in spans).
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Dispatch Spans ---

// DispatchSpanOptions contains options for queue-to-agent assignment spans.
type DispatchSpanOptions struct {
	TaskID   string
	AgentID  string
	Priority int
	Queued   time.Duration // Time the task spent queued before assignment
}

// StartDispatchSpan starts a span for a task assignment.
func (t *Tracer) StartDispatchSpan(ctx context.Context, provider, operation string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "dispatch."+provider+"."+operation, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task.provider", provider),
		attribute.String("task.operation", operation),
	)
	return ctx, span
}

// EndDispatchSpan ends a dispatch span with attributes.
func (t *Tracer) EndDispatchSpan(span trace.Span, opts DispatchSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("task.id", opts.TaskID),
		attribute.Int("task.priority", opts.Priority),
	}

	if opts.AgentID != "" {
		attrs = append(attrs, attribute.String("agent.id", opts.AgentID))
	}
	if opts.Queued > 0 {
		attrs = append(attrs, attribute.Int64("task.queued_ms", opts.Queued.Milliseconds()))
	}

	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Invoke Spans ---

// InvokeSpanOptions contains options for provider invocation spans.
type InvokeSpanOptions struct {
	TaskID  string
	AgentID string
	Attempt int
	Args    map[string]interface{} // Always included (caller-controlled)
	Output  string                 // Only included if debug=true
}

// StartInvokeSpan starts a span for a provider invocation.
func (t *Tracer) StartInvokeSpan(ctx context.Context, provider, operation string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "invoke."+provider+"."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("provider.name", provider),
		attribute.String("provider.operation", operation),
	)
	return ctx, span
}

// EndInvokeSpan ends an invocation span with attributes.
func (t *Tracer) EndInvokeSpan(span trace.Span, opts InvokeSpanOptions, err error) {
	// Args are always logged (caller-controlled, not provider output)
	for k, v := range opts.Args {
		span.SetAttributes(attribute.String("invoke.arg."+k, truncateAny(v, 500)))
	}

	span.SetAttributes(
		attribute.String("task.id", opts.TaskID),
		attribute.String("agent.id", opts.AgentID),
		attribute.Int("task.attempt", opts.Attempt),
	)

	// Output only in debug mode (may contain user data)
	if t.debug && opts.Output != "" {
		span.SetAttributes(attribute.String("invoke.output", truncate(opts.Output, 4000)))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Aggregate Spans ---

// AggregateSpanOptions contains options for result finalization spans.
type AggregateSpanOptions struct {
	TaskID     string
	Status     string // succeeded, failed, retrying
	Code       string
	Attempts   int
	RetryDelay time.Duration // Set when the task is requeued for retry
}

// StartAggregateSpan starts a span for result finalization.
func (t *Tracer) StartAggregateSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "aggregate."+name, trace.WithSpanKind(trace.SpanKindInternal))
}

// EndAggregateSpan ends a finalization span with attributes.
func (t *Tracer) EndAggregateSpan(span trace.Span, opts AggregateSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("task.id", opts.TaskID),
		attribute.String("task.status", opts.Status),
		attribute.Int("task.attempts", opts.Attempts),
	}

	if opts.Code != "" {
		attrs = append(attrs, attribute.String("task.code", opts.Code))
	}
	if opts.RetryDelay > 0 {
		attrs = append(attrs, attribute.Int64("task.retry_delay_ms", opts.RetryDelay.Milliseconds()))
	}

	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v interface{}, maxLen int) string {
	if s, ok := v.(string); ok {
		return truncate(s, maxLen)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "<unserializable>"
	}
	return truncate(string(data), maxLen)
}

package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields. These keys are used to store
// values in context.Context that are automatically extracted and added
// to log entries by ContextHandler and ModuleHandler.
const (
	// ContextKeyRenderID identifies the top-level Render invocation.
	ContextKeyRenderID contextKey = "render_id"

	// ContextKeyScope identifies the budget scope currently being processed
	// (the root scope or a TokenLimit sub-scope).
	ContextKeyScope contextKey = "scope"

	// ContextKeyElement identifies the element currently being prepared,
	// rendered, materialized, or pruned.
	ContextKeyElement contextKey = "element"

	// ContextKeyPhase identifies the pipeline phase (schedule, materialize,
	// prune, emit).
	ContextKeyPhase contextKey = "phase"

	// ContextKeyFlexGroup identifies the flex-group batch being scheduled,
	// grouped by FlexGrow and scheduled in ascending FlexGrow order.
	ContextKeyFlexGroup contextKey = "flex_group"

	// ContextKeyTokenizer identifies the Tokenizer implementation in use.
	ContextKeyTokenizer contextKey = "tokenizer"

	// ContextKeySessionID identifies the chat session the render belongs to.
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyRequestID identifies the individual render request.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyTraceID is used for distributed tracing correlation.
	ContextKeyTraceID contextKey = "trace_id"

	// ContextKeyEnvironment identifies the deployment environment.
	ContextKeyEnvironment contextKey = "environment"
)

// allContextKeys lists all context keys that should be extracted for logging.
var allContextKeys = []contextKey{
	ContextKeyRenderID,
	ContextKeyScope,
	ContextKeyElement,
	ContextKeyPhase,
	ContextKeyFlexGroup,
	ContextKeyTokenizer,
	ContextKeySessionID,
	ContextKeyRequestID,
	ContextKeyTraceID,
	ContextKeyEnvironment,
}

// WithRenderID returns a new context with the render ID set.
func WithRenderID(ctx context.Context, renderID string) context.Context {
	return context.WithValue(ctx, ContextKeyRenderID, renderID)
}

// WithScope returns a new context with the budget scope set.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, ContextKeyScope, scope)
}

// WithElement returns a new context with the current element name set.
func WithElement(ctx context.Context, element string) context.Context {
	return context.WithValue(ctx, ContextKeyElement, element)
}

// WithPhase returns a new context with the pipeline phase set.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, ContextKeyPhase, phase)
}

// WithFlexGroup returns a new context with the flex-group batch identifier set.
func WithFlexGroup(ctx context.Context, flexGroup string) context.Context {
	return context.WithValue(ctx, ContextKeyFlexGroup, flexGroup)
}

// WithTokenizer returns a new context with the tokenizer name set.
func WithTokenizer(ctx context.Context, tokenizer string) context.Context {
	return context.WithValue(ctx, ContextKeyTokenizer, tokenizer)
}

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithTraceID returns a new context with the trace ID set.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ContextKeyTraceID, traceID)
}

// WithEnvironment returns a new context with the environment set.
func WithEnvironment(ctx context.Context, environment string) context.Context {
	return context.WithValue(ctx, ContextKeyEnvironment, environment)
}

// WithLoggingContext returns a new context with multiple logging fields set at
// once. Only non-empty values are set.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	if fields.RenderID != "" {
		ctx = WithRenderID(ctx, fields.RenderID)
	}
	if fields.Scope != "" {
		ctx = WithScope(ctx, fields.Scope)
	}
	if fields.Element != "" {
		ctx = WithElement(ctx, fields.Element)
	}
	if fields.Phase != "" {
		ctx = WithPhase(ctx, fields.Phase)
	}
	if fields.FlexGroup != "" {
		ctx = WithFlexGroup(ctx, fields.FlexGroup)
	}
	if fields.Tokenizer != "" {
		ctx = WithTokenizer(ctx, fields.Tokenizer)
	}
	if fields.SessionID != "" {
		ctx = WithSessionID(ctx, fields.SessionID)
	}
	if fields.RequestID != "" {
		ctx = WithRequestID(ctx, fields.RequestID)
	}
	if fields.TraceID != "" {
		ctx = WithTraceID(ctx, fields.TraceID)
	}
	if fields.Environment != "" {
		ctx = WithEnvironment(ctx, fields.Environment)
	}
	return ctx
}

// LoggingFields holds all standard logging context fields.
// Used with WithLoggingContext for bulk field setting.
type LoggingFields struct {
	RenderID  string
	Scope     string
	Element   string
	Phase     string
	FlexGroup string
	Tokenizer string
	SessionID string
	RequestID string
	TraceID   string
	Environment string
}

// ExtractLoggingFields extracts all logging fields present in a context.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	fields := LoggingFields{}
	if v := ctx.Value(ContextKeyRenderID); v != nil {
		fields.RenderID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyScope); v != nil {
		fields.Scope, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyElement); v != nil {
		fields.Element, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyPhase); v != nil {
		fields.Phase, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyFlexGroup); v != nil {
		fields.FlexGroup, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyTokenizer); v != nil {
		fields.Tokenizer, _ = v.(string)
	}
	if v := ctx.Value(ContextKeySessionID); v != nil {
		fields.SessionID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		fields.RequestID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyTraceID); v != nil {
		fields.TraceID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyEnvironment); v != nil {
		fields.Environment, _ = v.(string)
	}
	return fields
}

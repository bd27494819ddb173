package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the livetalk tracer.
const tracerName = "github.com/MrWong99/livetalk"

// Span attribute keys for the live session.
const (
	AttrSessionID    = attribute.Key("livetalk.session.id")
	AttrSessionState = attribute.Key("livetalk.session.state")
	AttrVoice        = attribute.Key("livetalk.voice")
	AttrGeneration   = attribute.Key("livetalk.session.generation")
)

type sessionKey struct{}

type sessionInfo struct {
	id    string
	state string
}

// WithSession returns a copy of ctx that carries the live session id and
// lifecycle state. [StartSpan] turns them into span attributes and [Logger]
// into log fields. Empty values are omitted.
func WithSession(ctx context.Context, id, state string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionInfo{id: id, state: state})
}

func sessionFrom(ctx context.Context) (sessionInfo, bool) {
	s, ok := ctx.Value(sessionKey{}).(sessionInfo)
	return s, ok
}

// SessionAttrs returns the span attributes for a session id and state,
// skipping empty values.
func SessionAttrs(id, state string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if id != "" {
		attrs = append(attrs, AttrSessionID.String(id))
	}
	if state != "" {
		attrs = append(attrs, AttrSessionState.String(state))
	}
	return attrs
}

// Tracer returns the livetalk tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. Session attributes attached to ctx
// with [WithSession] are recorded on it. The caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if s, ok := sessionFrom(ctx); ok {
		if attrs := SessionAttrs(s.id, s.state); len(attrs) > 0 {
			opts = append(opts[:len(opts):len(opts)], trace.WithAttributes(attrs...))
		}
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the trace and session fields found
// in ctx: trace_id and span_id of the active span, session_id and state from
// [WithSession].
func Logger(ctx context.Context) *slog.Logger {
	var args []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if s, ok := sessionFrom(ctx); ok {
		if s.id != "" {
			args = append(args, slog.String("session_id", s.id))
		}
		if s.state != "" {
			args = append(args, slog.String("state", s.state))
		}
	}
	if len(args) == 0 {
		return slog.Default()
	}
	return slog.Default().With(args...)
}

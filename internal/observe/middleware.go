package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// SessionFunc reports the id and lifecycle state of the live session at the
// time a request is served.
type SessionFunc func() (id, state string)

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithSessionInfo attaches the live session reported by fn to every request
// context, span and completion log line.
func WithSessionInfo(fn SessionFunc) MiddlewareOption {
	return func(mw *middleware) { mw.session = fn }
}

type middleware struct {
	metrics *Metrics
	session SessionFunc
	prop    propagation.TextMapPropagator
}

// statusRecorder remembers the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware wraps the status server's handlers. Each request joins or starts
// a W3C trace, gets a server span and an X-Correlation-ID header, and is
// recorded to [Metrics.HTTPRequestDuration]. Completion is logged at info
// level, or debug for probe and scrape paths.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m, prop: propagation.TraceContext{}}
	for _, o := range opts {
		o(mw)
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := r.URL.Path

		ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		if mw.session != nil {
			id, state := mw.session()
			ctx = WithSession(ctx, id, state)
		}
		ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(path),
			),
		)
		defer span.End()

		if cid := CorrelationID(ctx); cid != "" {
			w.Header().Set("X-Correlation-ID", cid)
		}
		mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		mw.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", path),
			),
		)
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

		Logger(ctx).LogAttrs(ctx, logLevel(path), "request completed",
			slog.String("method", r.Method),
			slog.String("path", path),
			slog.Int("status", rec.statusCode),
			slog.Duration("duration", elapsed),
		)
	})
}

// quietPaths are polled by probes and scrapers.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

func logLevel(path string) slog.Level {
	if quietPaths[path] {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Headers set on every response.
const (
	RequestIDHeader     = "X-Request-ID"
	CorrelationIDHeader = "X-Correlation-ID"
)

// unmatchedRoute labels requests no mux pattern matched.
const unmatchedRoute = "unmatched"

// quietRoutes are hit by scrapers and orchestrator health checks every few seconds
// and are logged at debug level only.
var quietRoutes = map[string]bool{
	"GET /metrics":      true,
	"GET /healthz":      true,
	"GET /readyz":       true,
	"GET /health":       true,
	"GET /health/live":  true,
	"GET /health/ready": true,
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status, r.wroteHeader = code, true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware traces, times and logs requests to the call API.
//
// Spans and the aicc.http.request.duration histogram are labelled with the
// mux pattern that served the request ("DELETE /api/calls/{id}"), never the
// raw path, so call ids do not leak into metric labels. When the pattern
// carries an {id} wildcard the call id is put on the span as call.id and on
// the access log line as call_id, which ties a PBX's register and end
// requests to the call's transcription spans.
//
// Incoming W3C trace context is honoured. Every response carries
// X-Request-ID (echoed or generated) and X-Correlation-ID (the trace id).
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			h := w.Header()
			h.Set(RequestIDHeader, reqID)
			traceID := CorrelationID(ctx)
			if traceID != "" {
				h.Set(CorrelationIDHeader, traceID)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(h))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			// The mux records the matched pattern and wildcards on this request.
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			route := routeOf(r)
			callID := r.PathValue("id")

			span.SetName("HTTP " + route)
			span.SetAttributes(
				semconv.HTTPRoute(pathOf(route)),
				semconv.HTTPResponseStatusCode(rec.status),
				attribute.String("http.request_id", reqID),
			)
			if callID != "" {
				span.SetAttributes(attribute.String("call.id", callID))
			}
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}

			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", pathOf(route)),
				attribute.Int("status", rec.status),
			))

			level := slog.LevelInfo
			if quietRoutes[route] {
				level = slog.LevelDebug
			}
			attrs := []slog.Attr{
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
				slog.String("request_id", reqID),
				slog.String("trace_id", traceID),
			}
			if callID != "" {
				attrs = append(attrs, slog.String("call_id", callID))
			}
			slog.LogAttrs(ctx, level, "request completed", attrs...)
		})
	}
}

// routeOf returns the matched pattern with the method always present.
func routeOf(r *http.Request) string {
	p := r.Pattern
	if p == "" {
		return r.Method + " " + unmatchedRoute
	}
	if !strings.Contains(p, " ") {
		return r.Method + " " + p
	}
	return p
}

// pathOf strips the method from a route.
func pathOf(route string) string {
	_, path, _ := strings.Cut(route, " ")
	return path
}

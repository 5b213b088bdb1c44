package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

// RequestIDKey holds the request id in the request context.
const RequestIDKey contextKey = "requestID"

const (
	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"
)

var tracer = otel.Tracer("kestrel-api")

// TracingMiddleware continues an incoming W3C trace (or starts one), tags the
// span with the matched route and echoes the request and trace ids.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		traceID := requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			traceID = sc.TraceID().String()
		}
		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		rw := wrap(w)
		next.ServeHTTP(rw, r.WithContext(context.WithValue(ctx, RequestIDKey, requestID)))

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", rw.statusCode),
		)
		if rw.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
		}
	})
}

// LoggingMiddleware counts every request and logs it at debug level, since
// probes hit /health and /ready constantly. Server errors log at warn.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrap(w)

		next.ServeHTTP(rw, r)

		route := routePattern(r)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rw.statusCode)).Inc()

		level := slog.LevelDebug
		if rw.statusCode >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		requestID, _ := r.Context().Value(RequestIDKey).(string)
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestID,
		)
	})
}

// RecoverMiddleware turns a handler panic into a 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic recovered",
					"panic", rec,
					"path", r.URL.Path,
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// routePattern is the matched chi pattern, so metrics and span names stay
// low-cardinality. Unmatched requests share one label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// wrap reuses an existing recorder so stacked middleware see one status.
func wrap(w http.ResponseWriter) *statusRecorder {
	if sr, ok := w.(*statusRecorder); ok {
		return sr
	}
	return &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

package api

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const headerTraceID = "X-Trace-ID"

// withTracing continues any trace the caller propagated and returns the trace
// ID so a client can quote it in bug reports.
func (s *Server) withTracing(next http.Handler) http.Handler {
	if s.tracer == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		route := routeLabel(r.URL.Path)

		ctx, span := s.tracer.Start(ctx, r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.HTTPRoute(route),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		if id := sessionIDFromPath(r.URL.Path); id != "" {
			span.SetAttributes(attribute.String("session.id", id))
		}
		if sc := span.SpanContext(); sc.HasTraceID() {
			w.Header().Set(headerTraceID, sc.TraceID().String())
		}

		recorder := newStatusRecorder(w)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		span.SetAttributes(
			semconv.HTTPResponseStatusCode(recorder.status),
			semconv.HTTPResponseBodySize(int(recorder.bytes)),
		)
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
		}
	})
}

func sessionIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/sessions/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	if id == "import" {
		return ""
	}
	return id
}

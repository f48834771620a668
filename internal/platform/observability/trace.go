package observability

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/megamarket/api/internal/platform/requestctx"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

var (
	tracer = otel.Tracer("github.com/megamarket/api")

	// TRACE_ID/SPAN_ID;o=OPTIONS where SPAN_ID is decimal.
	cloudTracePattern = regexp.MustCompile(`^([0-9a-fA-F]{32})/([0-9]{1,20})(?:;o=([01]))?$`)
)

// TraceMiddleware instruments each request with an otelhttp server span, continuing the Cloud Trace
// context supplied by the load balancer when no W3C traceparent header is present.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		annotate := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := trace.SpanFromContext(r.Context())
			span.SetAttributes(attribute.String("user_agent.original", r.UserAgent()))

			spanCtx := span.SpanContext()
			info := requestctx.TraceInfo{
				TraceID:   spanCtx.TraceID().String(),
				SpanID:    spanCtx.SpanID().String(),
				Sampled:   spanCtx.IsSampled(),
				ProjectID: projectID,
			}
			sampled := 0
			if info.Sampled {
				sampled = 1
			}
			spanID, _ := strconv.ParseUint(info.SpanID, 16, 64)
			w.Header().Set(cloudTraceHeader, fmt.Sprintf("%s/%d;o=%d", info.TraceID, spanID, sampled))

			next.ServeHTTP(w, r.WithContext(requestctx.WithTrace(r.Context(), info)))
		})
		instrumented := otelhttp.NewHandler(annotate, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if remote, ok := parseCloudTraceContext(r.Header.Get(cloudTraceHeader)); ok {
				r = r.WithContext(trace.ContextWithRemoteSpanContext(r.Context(), remote))
			}
			instrumented.ServeHTTP(w, r)
		})
	}
}

// StartSpan opens an internal span for a service operation. The returned finish func records
// the error, if any, and ends the span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func parseCloudTraceContext(header string) (trace.SpanContext, bool) {
	match := cloudTracePattern.FindStringSubmatch(header)
	if match == nil {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(match[1])
	if err != nil {
		return trace.SpanContext{}, false
	}
	raw, err := strconv.ParseUint(match[2], 10, 64)
	if err != nil || raw == 0 {
		return trace.SpanContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(fmt.Sprintf("%016x", raw))
	if err != nil {
		return trace.SpanContext{}, false
	}
	var flags trace.TraceFlags
	if match[3] == "1" {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}

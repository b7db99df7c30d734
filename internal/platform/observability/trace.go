package observability

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/requestctx"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/observability")

// TraceMiddleware extracts Cloud Trace headers, starts a server span, and
// stores trace metadata on the request context.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			info, remoteSpanCtx, ok := parseCloudTraceContext(r.Header.Get(cloudTraceHeader))
			if ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, remoteSpanCtx)
			}

			ctx, span := tracer.Start(ctx, spanName(r), trace.WithSpanKind(trace.SpanKindServer))
			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			)
			defer span.End()

			spanCtx := span.SpanContext()
			if spanCtx.IsValid() {
				info.TraceID = spanCtx.TraceID().String()
				info.SpanID = spanCtx.SpanID().String()
				info.Sampled = spanCtx.IsSampled()
			}
			info.ProjectID = projectID

			ctx = requestctx.WithTrace(ctx, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func spanName(r *http.Request) string {
	if r == nil || r.URL == nil {
		return "HTTP"
	}
	return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
}

// parseCloudTraceContext understands the "TRACE_ID/SPAN_ID;o=OPTIONS" format.
func parseCloudTraceContext(header string) (requestctx.TraceInfo, trace.SpanContext, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return requestctx.TraceInfo{}, trace.SpanContext{}, false
	}

	var options string
	if idx := strings.Index(header, ";"); idx >= 0 {
		options = header[idx+1:]
		header = header[:idx]
	}

	parts := strings.SplitN(header, "/", 2)
	traceHex := strings.TrimSpace(parts[0])
	if len(traceHex) != 32 {
		return requestctx.TraceInfo{}, trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(strings.ToLower(traceHex))
	if err != nil {
		return requestctx.TraceInfo{}, trace.SpanContext{}, false
	}

	var spanID trace.SpanID
	if len(parts) == 2 {
		if raw, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64); err == nil && raw != 0 {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], raw)
			copy(spanID[:], buf[:])
		}
	}

	sampled := strings.Contains(options, "o=1")
	flags := trace.TraceFlags(0)
	if sampled {
		flags = trace.FlagsSampled
	}

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	})
	if !spanCtx.IsValid() {
		return requestctx.TraceInfo{}, trace.SpanContext{}, false
	}

	info := requestctx.TraceInfo{
		TraceID: traceID.String(),
		SpanID:  hex.EncodeToString(spanID[:]),
		Sampled: sampled,
	}
	return info, spanCtx, true
}

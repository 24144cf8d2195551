package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TraceIDHeader carries a request's trace identifier across service hops.
const TraceIDHeader = "X-Trace-ID"

// TraceIDField is the structured log field holding the trace identifier.
const TraceIDField = "trace_id"

type traceKey struct{}

// ContextWithTraceID stores a trace identifier in the context.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceIDFromContext returns the stored trace identifier, or empty.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(traceKey{}).(string)
	return traceID
}

// GenerateTraceID returns a random identifier, 16 bytes rendered as hex.
func GenerateTraceID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

// HTTPTraceMiddleware assigns every request a trace identifier, echoing one
// supplied by the caller, stores it in the request context, and mirrors it on
// the response so the client can quote it back.
func HTTPTraceMiddleware(base *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := strings.TrimSpace(r.Header.Get(TraceIDHeader))
			if traceID == "" {
				traceID = GenerateTraceID()
			}
			r = r.WithContext(ContextWithTraceID(r.Context(), traceID))
			w.Header().Set(TraceIDHeader, traceID)
			base.Debug("request received",
				String(TraceIDField, traceID),
				String("method", r.Method),
				String("path", r.URL.Path),
			)
			next.ServeHTTP(w, r)
		})
	}
}

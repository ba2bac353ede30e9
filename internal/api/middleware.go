package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/patchplacebreak/ppb-server/internal/id"
)

// OperationIDHeader carries the correlation id of a request.
const OperationIDHeader = "X-Operation-ID"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const contextKeyOperationID contextKey = "operation_id"

// operationID attaches a correlation id to the request, reusing the caller's when present.
func (s *Server) operationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := r.Header.Get(OperationIDHeader)
		if op == "" {
			op = id.Operation()
		}
		w.Header().Set(OperationIDHeader, op)
		ctx := context.WithValue(r.Context(), contextKeyOperationID, op)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// getOperationID extracts the correlation id from request context.
// Returns empty string if none was attached.
func getOperationID(ctx context.Context) string {
	if op, ok := ctx.Value(contextKeyOperationID).(string); ok {
		return op
	}
	return ""
}

// requestLogger logs one line per request at debug level, warn for server errors.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		level := s.logger.Debug
		if ww.Status() >= http.StatusInternalServerError {
			level = s.logger.Warn
		}
		level("http request",
			"op", getOperationID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

// rateLimit rejects requests from clients over their request rate with 429.
// The client is identified by RemoteAddr, already rewritten by RealIP.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter.Allow(clientIP(r.RemoteAddr)) {
			next.ServeHTTP(w, r)
			return
		}

		s.logger.Debug("rate limited", "op", getOperationID(r.Context()), "remote", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(&APIError{
			Code:    codeRateLimited,
			Message: "too many requests",
		})
	})
}

// clientIP strips the port from a remote address.
func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

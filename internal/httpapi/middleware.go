package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/apierrors"
	"github.com/tessellate-ai/ltm/internal/authz"
	"github.com/tessellate-ai/ltm/internal/metrics"
	"github.com/tessellate-ai/ltm/internal/tracing"
)

// roleHeader carries the caller role; absent means anonymous.
const roleHeader = "x-role"

// timeoutHeader lets a caller shorten (never extend) the server's
// request deadline.
const timeoutHeader = "x-timeout-seconds"

func callerRole(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(roleHeader))
}

// statusRecorder captures the response status for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// recovery converts handler panics into INTERNAL responses instead of
// dropping the connection.
func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				writeError(w, s.log, r, apierrors.E(apierrors.CodeInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument opens a span, times the request, and records the HTTP
// counters under the registration pattern so path parameters never
// explode label cardinality.
func (s *Server) instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, span := tracing.StartSpan(r.Context(), r.Method+" "+endpoint)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		metrics.RecordHTTPMetrics(endpoint, r.Method, strconv.Itoa(rec.status), elapsed.Seconds())
		s.log.Info("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("role", callerRole(r)),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
		)
	})
}

// deadline bounds the request context by the server maximum, clamped
// further by the optional caller header. Expiry surfaces as TIMEOUT
// from whichever backend call hits it first.
func (s *Server) deadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timeout := s.requestTimeout
		if hdr := r.Header.Get(timeoutHeader); hdr != "" {
			secs, err := strconv.ParseFloat(hdr, 64)
			if err != nil || secs <= 0 {
				writeError(w, s.log, r, apierrors.Validation("invalid timeout header", map[string]interface{}{
					timeoutHeader: "must be a positive number of seconds",
				}))
				return
			}
			if d := time.Duration(secs * float64(time.Second)); d < timeout {
				timeout = d
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize evaluates the role matrix for the endpoint. Every denial is
// logged with role, endpoint, and reason before the 403 goes out.
func (s *Server) authorize(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := callerRole(r)
		decision := s.authz.Authorize(r.Context(), authz.Input{
			Role:     role,
			Endpoint: endpoint,
			Method:   r.Method,
		})
		if !decision.Allow {
			s.log.Warn("authorization denied",
				zap.String("role", role),
				zap.String("endpoint", endpoint),
				zap.String("method", r.Method),
				zap.String("reason", decision.Reason),
			)
			metrics.AuthzDenials.WithLabelValues(endpoint, role).Inc()
			writeError(w, s.log, r, apierrors.E(apierrors.CodeForbidden, decision.Reason))
			return
		}
		next.ServeHTTP(w, r)
	})
}

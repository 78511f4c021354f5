package observability

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const traceHeader = "X-Trace-ID"

// requestScope collects identifiers that inner handlers resolve so the
// access log written by the outer middleware can include them.
type requestScope struct {
	mu     sync.Mutex
	values map[ctxKey]string
}

func (s *requestScope) set(key ctxKey, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = map[ctxKey]string{}
	}
	s.values[key] = value
}

func (s *requestScope) get(key ctxKey) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func scopeFromContext(ctx context.Context) *requestScope {
	scope, _ := ctx.Value(scopeKey).(*requestScope)
	return scope
}

// TraceMiddleware propagates or mints the X-Trace-ID header and opens the
// request scope.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get(traceHeader))
		if traceID == "" || len(traceID) > 128 {
			traceID = newTraceID()
		}
		ctx := context.WithValue(r.Context(), scopeKey, &requestScope{})
		ctx = ContextWithTraceID(ctx, traceID)
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware writes one access log line per request. Server errors
// are logged at warn level.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = LoggerOrDefault(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			attrs := []any{
				slog.String("trace_id", TraceIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("route", routeLabel(r)),
				slog.Int("status", recorder.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.Int("bytes", recorder.bytes),
			}
			if scope := scopeFromContext(r.Context()); scope != nil {
				if userID := scope.get(userIDKey); userID != "" {
					attrs = append(attrs, slog.String("user_id", userID))
				}
				if sessionID := scope.get(sessionIDKey); sessionID != "" {
					attrs = append(attrs, slog.String("session_id", sessionID))
				}
			}
			level := slog.LevelInfo
			if recorder.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http_request", attrs...)
		})
	}
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		observeHTTPRequest(r.Method, routeLabel(r), recorder.status, time.Since(start))
	})
}

// routeLabel prefers the matched mux pattern so path parameters never become
// label values. Unmatched requests share one label.
func routeLabel(r *http.Request) string {
	pattern := r.Pattern
	if pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(body []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(body)
	r.bytes += n
	return n, err
}

func newTraceID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}

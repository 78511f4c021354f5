package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/sqlagent/sqlagent/internal/config"
)

type ctxKey string

const (
	traceIDKey   ctxKey = "trace_id"
	sessionIDKey ctxKey = "session_id"
	userIDKey    ctxKey = "user_id"
	scopeKey     ctxKey = "request_scope"
)

func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: cfg.Observability.LogLevel})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: cfg.Observability.LogLevel})
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

// LoggerOrDefault lets components accept a nil logger.
func LoggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	if scope := scopeFromContext(ctx); scope != nil {
		scope.set(sessionIDKey, sessionID)
	}
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

func SessionIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(sessionIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

// ContextWithUserID records the caller resolved by authentication.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if scope := scopeFromContext(ctx); scope != nil {
		scope.set(userIDKey, userID)
	}
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(userIDKey).(string)
	return value
}

// RequestAttrs returns the trace, user and session attributes carried by ctx.
func RequestAttrs(ctx context.Context) []any {
	attrs := make([]any, 0, 3)
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if userID := UserIDFromContext(ctx); userID != "" {
		attrs = append(attrs, slog.String("user_id", userID))
	}
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		attrs = append(attrs, slog.String("session_id", sessionID))
	}
	return attrs
}

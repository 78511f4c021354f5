package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sqlagent/sqlagent/internal/observability"
)

type contextKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return observability.ContextWithUserID(context.WithValue(ctx, contextKey{}, identity), identity.UserID)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(contextKey{}).(Identity)
	return identity, ok
}

// Middleware authenticates every request by API key. The key comes from
// X-API-Key or an Authorization bearer token.
func Middleware(logger *slog.Logger, validator APIKeyValidator) func(http.Handler) http.Handler {
	logger = observability.LoggerOrDefault(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, source := requestAPIKey(r)
			if apiKey == "" {
				reject(w, r, "API key is required")
				return
			}
			identity, ok := validator.Validate(r.Context(), apiKey)
			if !ok {
				logger.WarnContext(r.Context(), "api key rejected",
					append(observability.RequestAttrs(r.Context()),
						slog.String("source", source),
						slog.String("path", r.URL.Path))...)
				reject(w, r, "API key is not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// requestAPIKey returns the presented key and the header it came from.
func requestAPIKey(r *http.Request) (string, string) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, "x-api-key"
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ""
	}
	return strings.TrimSpace(token), "bearer"
}

func reject(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="sqlagent"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": "UNAUTHORIZED",
		"message":    message,
		"retryable":  false,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlagent/sqlagent/internal/config"
	"github.com/sqlagent/sqlagent/internal/connector"
	"github.com/sqlagent/sqlagent/internal/llm"
	"github.com/sqlagent/sqlagent/internal/observability"
	"github.com/sqlagent/sqlagent/internal/session"
	"github.com/sqlagent/sqlagent/internal/store"
)

type ReadinessCheck func(ctx context.Context) error

// Sessions is the orchestrator surface served over HTTP. *session.Orchestrator
// satisfies it.
type Sessions interface {
	CreateSession(ctx context.Context, userID string) (store.Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (session.Info, error)
	ListSessions(ctx context.Context, userID string) ([]store.Session, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
	BindSession(ctx context.Context, userID, sessionID string, d connector.Descriptor) error
	UnbindSession(ctx context.Context, userID, sessionID string) error
	IsBound(ctx context.Context, userID, sessionID string) (bool, error)
	Ask(ctx context.Context, userID, sessionID, question string) (session.Answer, error)
	History(ctx context.Context, userID, sessionID string) ([]llm.Message, error)

	SaveConnection(ctx context.Context, userID, name string, d connector.Descriptor) (store.Connection, error)
	ListConnections(ctx context.Context, userID string) ([]store.Connection, error)
	GetConnection(ctx context.Context, userID, connectionID string) (store.Connection, error)
	DeleteConnection(ctx context.Context, userID, connectionID string) error
	BindSaved(ctx context.Context, userID, sessionID, connectionID string) error
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Sessions          Sessions
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := map[string]http.HandlerFunc{
		"POST /v1/sessions": func(w http.ResponseWriter, r *http.Request) {
			handleCreateSession(deps, w, r)
		},
		"GET /v1/sessions": func(w http.ResponseWriter, r *http.Request) {
			handleListSessions(deps, w, r)
		},
		"GET /v1/sessions/{id}": func(w http.ResponseWriter, r *http.Request) {
			handleGetSession(deps, w, r)
		},
		"DELETE /v1/sessions/{id}": func(w http.ResponseWriter, r *http.Request) {
			handleDeleteSession(deps, w, r)
		},
		"POST /v1/sessions/{id}/bind": func(w http.ResponseWriter, r *http.Request) {
			handleBind(deps, w, r)
		},
		"DELETE /v1/sessions/{id}/bind": func(w http.ResponseWriter, r *http.Request) {
			handleUnbind(deps, w, r)
		},
		"POST /v1/sessions/{id}/ask": func(w http.ResponseWriter, r *http.Request) {
			handleAsk(deps, w, r)
		},
		"GET /v1/sessions/{id}/history": func(w http.ResponseWriter, r *http.Request) {
			handleHistory(deps, w, r)
		},
		"POST /v1/sessions/{id}/connect/{connection_id}": func(w http.ResponseWriter, r *http.Request) {
			handleBindSaved(deps, w, r)
		},
		"POST /v1/connections": func(w http.ResponseWriter, r *http.Request) {
			handleSaveConnection(deps, w, r)
		},
		"GET /v1/connections": func(w http.ResponseWriter, r *http.Request) {
			handleListConnections(deps, w, r)
		},
		"GET /v1/connections/{connection_id}": func(w http.ResponseWriter, r *http.Request) {
			handleGetConnection(deps, w, r)
		},
		"DELETE /v1/connections/{connection_id}": func(w http.ResponseWriter, r *http.Request) {
			handleDeleteConnection(deps, w, r)
		},
	}

	protected := http.NewServeMux()
	for pattern, handler := range routes {
		protected.HandleFunc(pattern, handler)
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for pattern := range routes {
		mux.Handle(pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckStoreConfig fails readiness when the selected store backend is
// missing its settings.
func CheckStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		switch cfg.Store.Backend {
		case config.StoreBackendPostgres:
			if cfg.Store.DSN == "" {
				return errors.New("store dsn is not configured")
			}
		case config.StoreBackendBolt:
			if cfg.Store.BoltPath == "" {
				return errors.New("store bolt path is not configured")
			}
		}
		return nil
	}
}

func CheckArchiveConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.Archive.Enabled {
			return nil
		}
		if cfg.Archive.Endpoint == "" {
			return errors.New("archive endpoint is not configured")
		}
		if cfg.Archive.Bucket == "" {
			return errors.New("archive bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}

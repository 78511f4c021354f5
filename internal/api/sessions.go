package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sqlagent/sqlagent/internal/agent"
	"github.com/sqlagent/sqlagent/internal/auth"
	"github.com/sqlagent/sqlagent/internal/connector"
	"github.com/sqlagent/sqlagent/internal/errs"
	"github.com/sqlagent/sqlagent/internal/observability"
	"github.com/sqlagent/sqlagent/internal/store"
)

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	SessionID   string             `json:"session_id"`
	Answer      string             `json:"answer"`
	Steps       int                `json:"steps"`
	Invocations []agent.Invocation `json:"invocations,omitempty"`
}

// sessionRequest resolves the caller and the {id} path value shared by
// every session route and returns a context annotated with both. It writes
// the error response itself.
func sessionRequest(deps Dependencies, w http.ResponseWriter, r *http.Request, withID bool) (context.Context, string, string, bool) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session dependencies are not configured", false, nil)
		return nil, "", "", false
	}
	userID, err := userFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "USER_REQUIRED", err.Error(), false, nil)
		return nil, "", "", false
	}
	if err := requireRole(r, auth.RoleAnalyst); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return nil, "", "", false
	}
	ctx := observability.ContextWithUserID(r.Context(), userID)
	if !withID {
		return ctx, userID, "", true
	}
	sessionID := strings.TrimSpace(r.PathValue("id"))
	if sessionID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_ID_REQUIRED", "session id is required", false, nil)
		return nil, "", "", false
	}
	return observability.ContextWithSessionID(ctx, sessionID), userID, sessionID, true
}

func handleCreateSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ctx, userID, _, ok := sessionRequest(deps, w, r, false)
	if !ok {
		return
	}
	created, err := deps.Sessions.CreateSession(ctx, userID)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func handleListSessions(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ctx, userID, _, ok := sessionRequest(deps, w, r, false)
	if !ok {
		return
	}
	sessions, err := deps.Sessions.ListSessions(ctx, userID)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "sessions": sessions})
}

func handleGetSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ctx, userID, sessionID, ok := sessionRequest(deps, w, r, true)
	if !ok {
		return
	}
	info, err := deps.Sessions.GetSession(ctx, userID, sessionID)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func handleDeleteSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ctx, userID, sessionID, ok := sessionRequest(deps, w, r, true)
	if !ok {
		return
	}
	if err := deps.Sessions.DeleteSession(ctx, userID, sessionID); err != nil {
		writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleBind(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ctx, userID, sessionID, ok := sessionRequest(deps, w, r, true)
	if !ok {
		return
	}
	var descriptor connector.Descriptor
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&descriptor); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid bind request body", false, map[string]any{"details": err.Error()})
		return
	}
	if err := deps.Sessions.BindSession(ctx, userID, sessionID, descriptor); err != nil {
		if errors.Is(err, errs.ErrToolExecution) {
			writeError(r.Context(), w, http.StatusBadRequest, "BIND_FAILED", err.Error(), false, nil)
			return
		}
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "bound": true, "target": descriptor.WithDefaults("").String()})
}

func handleUnbind(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ctx, userID, sessionID, ok := sessionRequest(deps, w, r, true)
	if !ok {
		return
	}
	if err := deps.Sessions.UnbindSession(ctx, userID, sessionID); err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "bound": false})
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ctx, userID, sessionID, ok := sessionRequest(deps, w, r, true)
	if !ok {
		return
	}
	var request askRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	answer, err := deps.Sessions.Ask(ctx, userID, sessionID, request.Question)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	response := askResponse{SessionID: sessionID, Answer: answer.Text, Steps: answer.Steps}
	if r.URL.Query().Get("trace") == "true" {
		response.Invocations = answer.Invocations
	}
	writeJSON(w, http.StatusOK, response)
}

func handleHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ctx, userID, sessionID, ok := sessionRequest(deps, w, r, true)
	if !ok {
		return
	}
	messages, err := deps.Sessions.History(ctx, userID, sessionID)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "messages": messages})
}

// writeSessionError maps the error taxonomy onto HTTP statuses.
func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := errs.Kind(err)
	retryable := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, store.ErrAlreadyExists):
		status, code = http.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, store.ErrInvalid):
		status, code = http.StatusBadRequest, "INVALID_CONNECTION"
	case errors.Is(err, errs.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, errs.ErrNotBound):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrSessionBusy):
		status, retryable = http.StatusConflict, true
	case errors.Is(err, errs.ErrStepLimitExceeded):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrCacheUnavailable):
		status, retryable = http.StatusServiceUnavailable, true
	case errors.Is(err, errs.ErrUpstream):
		status, retryable = http.StatusBadGateway, true
	case errors.Is(err, errs.ErrToolNotFound):
		status = http.StatusBadGateway
	case errors.Is(err, errs.ErrToolExecution):
		status = http.StatusUnprocessableEntity
	case code == errs.KindCanceled:
		status, retryable = http.StatusGatewayTimeout, true
	}
	writeError(r.Context(), w, status, code, err.Error(), retryable, nil)
}

// userFromRequest prefers the authenticated identity and falls back to the
// X-User-ID header when auth is disabled.
func userFromRequest(r *http.Request) (string, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.UserID) != "" {
			return identity.UserID, nil
		}
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		return "", fmt.Errorf("user context is required")
	}
	return userID, nil
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

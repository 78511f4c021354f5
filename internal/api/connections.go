package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sqlagent/sqlagent/internal/connector"
	"github.com/sqlagent/sqlagent/internal/errs"
	"github.com/sqlagent/sqlagent/internal/store"
)

type saveConnectionRequest struct {
	Name string `json:"name"`
	connector.Descriptor
}

func connectionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("connection_id"))
	if id == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "CONNECTION_ID_REQUIRED", "connection id is required", false, nil)
		return "", false
	}
	return id, true
}

func handleSaveConnection(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ctx, userID, _, ok := sessionRequest(deps, w, r, false)
	if !ok {
		return
	}
	var request saveConnectionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid connection request body", false, map[string]any{"details": err.Error()})
		return
	}
	saved, err := deps.Sessions.SaveConnection(ctx, userID, request.Name, request.Descriptor)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func handleListConnections(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ctx, userID, _, ok := sessionRequest(deps, w, r, false)
	if !ok {
		return
	}
	connections, err := deps.Sessions.ListConnections(ctx, userID)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	if connections == nil {
		connections = []store.Connection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "connections": connections})
}

func handleGetConnection(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ctx, userID, _, ok := sessionRequest(deps, w, r, false)
	if !ok {
		return
	}
	id, ok := connectionID(w, r)
	if !ok {
		return
	}
	connection, err := deps.Sessions.GetConnection(ctx, userID, id)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connection)
}

func handleDeleteConnection(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ctx, userID, _, ok := sessionRequest(deps, w, r, false)
	if !ok {
		return
	}
	id, ok := connectionID(w, r)
	if !ok {
		return
	}
	if err := deps.Sessions.DeleteConnection(ctx, userID, id); err != nil {
		writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleBindSaved(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ctx, userID, sessionID, ok := sessionRequest(deps, w, r, true)
	if !ok {
		return
	}
	id, ok := connectionID(w, r)
	if !ok {
		return
	}
	if err := deps.Sessions.BindSaved(ctx, userID, sessionID, id); err != nil {
		if errors.Is(err, errs.ErrToolExecution) {
			writeError(r.Context(), w, http.StatusBadRequest, "BIND_FAILED", err.Error(), false, nil)
			return
		}
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "bound": true, "connection_id": id})
}
